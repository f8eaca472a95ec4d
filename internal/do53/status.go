package do53

// Status categorizes the outcome of a Do53 exchange the way the resolver's
// transaction manager needs to see it: enough detail to decide retry,
// fallback, and invalidation behavior, without leaking net/miekg-specific
// error types into the caller.
type Status int

// Status values, ordered from best to worst outcome.
const (
	// StatusSuccess is a normal, non-error response.
	StatusSuccess Status = iota
	// StatusNoData is a successful response with no matching records.
	StatusNoData
	// StatusNotFound is an NXDOMAIN response.
	StatusNotFound
	// StatusNotImplemented is a NOTIMP response.
	StatusNotImplemented
	// StatusRefused is a REFUSED response.
	StatusRefused
	// StatusMalformedQuery means the query itself could not be sent as-is.
	StatusMalformedQuery
	// StatusServerFailure is a SERVFAIL response.
	StatusServerFailure
	// StatusConnectionRefused means the transport connection was refused.
	StatusConnectionRefused
	// StatusTimeout means no response arrived within the attempt timeout.
	StatusTimeout
	// StatusOther is anything not captured above.
	StatusOther
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoData:
		return "no-data"
	case StatusNotFound:
		return "not-found"
	case StatusNotImplemented:
		return "not-implemented"
	case StatusRefused:
		return "refused"
	case StatusMalformedQuery:
		return "malformed-query"
	case StatusServerFailure:
		return "server-failure"
	case StatusConnectionRefused:
		return "connection-refused"
	case StatusTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// IndicatesUpstreamFailure reports whether s should be treated as a
// server/transport failure for the purposes of probe-driven invalidation
// (see resolver §4.4.6): everything except success, malformed-query,
// no-data, and not-implemented.
func (s Status) IndicatesUpstreamFailure() bool {
	switch s {
	case StatusSuccess, StatusMalformedQuery, StatusNoData, StatusNotImplemented:
		return false
	default:
		return true
	}
}
