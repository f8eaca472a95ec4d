// Package probe implements the per-upstream probe schedule: a synthetic
// query sent on an exponential-backoff-with-jitter schedule that promotes a
// target to validated on success, and the id-indexed replace-on-invalidate
// discipline that stands in for the original's weak-pointer cancellation
// (see DESIGN.md).
package probe

import (
	"math"
	"net"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/chromiumos/dns-proxy-resolver/internal/upstream"
)

// ProbeQName is the synthetic query name every probe resolves.
const ProbeQName = "www.gstatic.com"

// Backoff parameters (§4.5, §6).
const (
	initialDelay = time.Second
	multiplier   = 1.5
	maxDelay     = time.Hour
	jitterMax    = 0.2
)

// Jitter applies the (1 - random in [0, 0.2)) jitter factor to base, always
// returning a strictly positive duration. This is the same jitter formula
// BackoffDelay uses for its exponential schedule, exported so other
// jittered-retry call sites (e.g. the resolver's HTTP 429 retry) don't have
// to re-derive it.
func Jitter(base time.Duration) time.Duration {
	factor := 1 - distuv.Uniform{Min: 0, Max: jitterMax}.Rand()

	delay := time.Duration(float64(base) * factor)
	if delay <= 0 {
		return time.Nanosecond
	}

	return delay
}

// BackoffDelay returns the delay before the probe attempt numbered retries
// (0-based): min(initial * multiplier^retries * (1 - random in [0, 0.2)),
// maximum). It is always strictly positive and bounded by maxDelay.
func BackoffDelay(retries int) time.Duration {
	raw := time.Duration(float64(initialDelay) * math.Pow(multiplier, float64(retries)))

	delay := Jitter(raw)
	if delay > maxDelay {
		return maxDelay
	}

	return delay
}

// Family is the IP address family a probe attempt is recorded under, the Go
// analogue of the original's sa_family_t bookkeeping on ProbeData.
type Family int

// Family values. FamilyUnspecified covers any target whose ID isn't itself
// an IP literal (every DoH provider is identified by URL, not address), the
// same case the original falls back to AF_UNSPEC for.
const (
	FamilyUnspecified Family = iota
	FamilyIPv4
	FamilyIPv6
)

// String implements fmt.Stringer.
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unspecified"
	}
}

// familyOf derives the address family of target.ID, the way the original
// parses probe_state->target as an IPAddress before issuing each attempt.
func familyOf(target upstream.Target) Family {
	ip := net.ParseIP(target.ID)
	if ip == nil {
		return FamilyUnspecified
	}

	if ip.To4() != nil {
		return FamilyIPv4
	}

	return FamilyIPv6
}

// State is one live probe instance for a target. A State is replaced, never
// mutated, whenever the target is invalidated or successfully (re)validated
// from scratch — callers hold only the ID, so a callback whose ID no longer
// matches the live instance for its target is a no-op (see [Prober]).
type State struct {
	ID      uint64
	Target  upstream.Target
	Retries int
	// Family is the target's address family, fixed at Start time (§
	// supplemented metrics: ProbeData.family in the original).
	Family Family
}
