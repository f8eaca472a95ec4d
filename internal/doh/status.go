package doh

// TransferStatus categorizes the transport-level outcome of a DoH POST, kept
// distinct from the HTTP status code the way the original resolver keeps its
// curl result code distinct from the response's HTTP status.
type TransferStatus int

// TransferStatus values.
const (
	// TransferOK means the HTTP round trip completed; HTTPStatus carries the
	// server's answer.
	TransferOK TransferStatus = iota
	// TransferCouldntResolveHost means the bootstrap lookup of the
	// provider's hostname failed.
	TransferCouldntResolveHost
	// TransferCouldntConnect means the TCP/TLS handshake to the provider
	// failed.
	TransferCouldntConnect
	// TransferOperationTimedOut means the attempt exceeded its deadline.
	TransferOperationTimedOut
	// TransferOther is anything else (malformed response, write error, ...).
	TransferOther
)

// String implements fmt.Stringer.
func (s TransferStatus) String() string {
	switch s {
	case TransferOK:
		return "ok"
	case TransferCouldntResolveHost:
		return "couldnt-resolve-host"
	case TransferCouldntConnect:
		return "couldnt-connect"
	case TransferOperationTimedOut:
		return "operation-timed-out"
	default:
		return "other"
	}
}
