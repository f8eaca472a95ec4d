// Package do53 implements the plain-text DNS upstream client: one
// fire-and-forget Resolve call per attempt, dispatched over UDP or TCP using
// github.com/miekg/dns, with its result categorized into a small
// [Status] enum and delivered to a callback exactly once.
package do53

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/miekg/dns"
)

// Transport is the wire transport a Do53 attempt is sent over.
type Transport string

// Transport values.
const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
)

// DefaultTimeout is used by [New] when no timeout is given.
const DefaultTimeout = 5 * time.Second

const defaultPort = "53"

// Callback receives the outcome of a single Resolve call. respBytes holds
// the packed response whenever status was derived from a response's RCODE;
// it is nil for transport failures, an unusable server or query, and a
// response that could not be re-packed.
type Callback func(status Status, respBytes []byte)

// Client resolves queries against a single Do53 server per call. It keeps no
// long-lived state of its own; each Resolve call owns its own connection for
// the duration of the attempt.
type Client struct {
	// Timeout bounds a single attempt (dial + write + read).
	Timeout time.Duration
}

// New returns a Client with the given per-attempt timeout. A zero timeout is
// replaced with [DefaultTimeout].
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{Timeout: timeout}
}

// Resolve sends queryBytes to server (an IPv4 or IPv6 literal, optionally
// with a port; port 53 is assumed otherwise) over transport, and invokes
// callback exactly once with the categorized result. It returns false if
// server could not be parsed into a usable address, and true otherwise. If
// server is unusable or queryBytes does not unpack as a DNS message, no
// goroutine is started and callback is invoked synchronously with
// StatusMalformedQuery.
func (c *Client) Resolve(
	ctx context.Context,
	queryBytes []byte,
	server string,
	transport Transport,
	callback Callback,
) bool {
	addr, ok := withPort(server)
	if !ok {
		callback(StatusMalformedQuery, nil)

		return false
	}

	req := new(dns.Msg)
	if err := req.Unpack(queryBytes); err != nil {
		log.Debug("do53: unpacking query: %s", err)

		callback(StatusMalformedQuery, nil)

		return true
	}

	go c.exchange(ctx, req, addr, transport, callback)

	return true
}

func (c *Client) exchange(
	ctx context.Context,
	req *dns.Msg,
	addr string,
	transport Transport,
	callback Callback,
) {
	client := &dns.Client{
		Net:     string(transport),
		Timeout: c.Timeout,
	}

	resp, _, err := client.ExchangeContext(ctx, req, addr)
	if err != nil {
		callback(statusFromError(err), nil)

		return
	}

	if transport == TransportUDP && resp.Truncated {
		// RFC 1035: a truncated UDP response must be retried over TCP, not
		// replayed over UDP again (which would just truncate a second
		// time).
		tcpClient := &dns.Client{Net: string(TransportTCP), Timeout: c.Timeout}

		resp, _, err = tcpClient.ExchangeContext(ctx, req, addr)
		if err != nil {
			callback(statusFromError(err), nil)

			return
		}
	}

	respBytes, err := resp.Pack()
	if err != nil {
		log.Debug("do53: packing response from %s: %s", addr, err)

		callback(StatusOther, nil)

		return
	}

	callback(statusFromRcode(resp.Rcode, len(resp.Answer)), respBytes)
}

// statusFromRcode maps a response's RCODE (and whether it carried any
// records) onto a [Status].
func statusFromRcode(rcode, numAnswers int) Status {
	switch rcode {
	case dns.RcodeSuccess:
		if numAnswers == 0 {
			return StatusNoData
		}

		return StatusSuccess
	case dns.RcodeNameError:
		return StatusNotFound
	case dns.RcodeNotImplemented:
		return StatusNotImplemented
	case dns.RcodeRefused:
		return StatusRefused
	case dns.RcodeServerFailure:
		return StatusServerFailure
	default:
		return StatusOther
	}
}

// statusFromError maps a transport-level failure onto a [Status].
func statusFromError(err error) Status {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return StatusConnectionRefused
	}

	return StatusOther
}

// withPort ensures addr has a port, defaulting to 53, and validates that the
// host part is an IP literal (never a hostname — the caller always supplies
// a nameserver's literal address).
func withPort(server string) (addr string, ok bool) {
	if server == "" {
		return "", false
	}

	if host, _, err := net.SplitHostPort(server); err == nil {
		if net.ParseIP(host) == nil {
			return "", false
		}

		return server, true
	}

	if net.ParseIP(server) == nil {
		return "", false
	}

	return net.JoinHostPort(server, defaultPort), true
}
