// Package doh implements the DNS-over-HTTPS (RFC 8484) upstream client: an
// HTTPS POST of the raw DNS wire message, with the provider's hostname
// resolved against a caller-supplied set of bootstrap Do53 resolvers rather
// than through the system resolver or recursively through DoH itself.
package doh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/miekg/dns"

	"github.com/chromiumos/dns-proxy-resolver/internal/do53"
)

// dnsMessageContentType is the content type required by RFC 8484 for both
// the request body and the response.
const dnsMessageContentType = "application/dns-message"

// dnsURITemplateParam is the URI template placeholder some providers embed
// in their configured URL; it must be removed before POSTing.
const dnsURITemplateParam = "{?dns}"

// DefaultTimeout is used by [New] when no timeout is given.
const DefaultTimeout = 5 * time.Second

// maxRedirects bounds how many POST-preserving redirects Resolve follows.
const maxRedirects = 5

// Callback receives the outcome of a single Resolve call.
type Callback func(transfer TransferStatus, httpStatus int, respBytes []byte)

// Client resolves queries against a single DoH provider URL per call.
type Client struct {
	// Timeout bounds a single attempt, including bootstrap resolution.
	Timeout time.Duration

	// bootstrap resolves provider hostnames via plain Do53, never via DoH.
	bootstrap *do53.Client
}

// New returns a Client with the given per-attempt timeout. A zero timeout is
// replaced with [DefaultTimeout].
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{Timeout: timeout, bootstrap: do53.New(timeout)}
}

// TrimURITemplate removes the "{?dns}" URI template placeholder from a
// configured provider URL, if present. The configuration format treats the
// templated form as canonical, so every caller of Resolve must apply this
// before storing a URL.
func TrimURITemplate(providerURL string) string {
	return strings.ReplaceAll(providerURL, dnsURITemplateParam, "")
}

// Resolve POSTs queryBytes to dohURL as application/dns-message, resolving
// dohURL's hostname against do53Resolvers (bootstrap Do53 servers, IP
// literals) rather than the system or any DoH resolver. callback is invoked
// exactly once. Resolve returns true if the attempt was dispatched.
func (c *Client) Resolve(
	ctx context.Context,
	queryBytes []byte,
	do53Resolvers []string,
	dohURL string,
	callback Callback,
) bool {
	u, err := url.Parse(TrimURITemplate(dohURL))
	if err != nil {
		log.Debug("doh: parsing provider url %q: %s", dohURL, err)

		callback(TransferOther, 0, nil)

		return false
	}

	go c.fetch(ctx, queryBytes, u, do53Resolvers, callback)

	return true
}

func (c *Client) fetch(
	ctx context.Context,
	queryBytes []byte,
	u *url.URL,
	bootstrapIPs []string,
	callback Callback,
) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	resolvedIP, err := c.resolveHost(ctx, u.Hostname(), bootstrapIPs)
	if err != nil {
		log.Debug("doh: bootstrapping %s: %s", u.Hostname(), err)

		callback(TransferCouldntResolveHost, 0, nil)

		return
	}

	client := &http.Client{
		Timeout:       c.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		Transport: &http.Transport{
			DialContext: dialerToResolvedHost(u.Hostname(), resolvedIP),
		},
	}

	httpStatus, respBytes, transferErr := postWithRedirects(ctx, client, u, queryBytes, maxRedirects)
	if transferErr != nil {
		callback(classifyTransferErr(transferErr), httpStatus, nil)

		return
	}

	callback(TransferOK, httpStatus, respBytes)
}

// postWithRedirects performs the POST against u and follows up to
// maxRedirects POST-preserving redirects (any 3xx Location response causes
// the same method/body to be reissued against the new URL, matching the DoH
// client's obligation to preserve POST semantics across redirects).
func postWithRedirects(
	ctx context.Context,
	client *http.Client,
	u *url.URL,
	body []byte,
	redirectsLeft int,
) (httpStatus int, respBytes []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", dnsMessageContentType)
	req.Header.Set("Accept", dnsMessageContentType)

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 && redirectsLeft > 0 {
		loc, locErr := resp.Location()
		if locErr == nil {
			return postWithRedirects(ctx, client, loc, body, redirectsLeft-1)
		}
	}

	respBytes, err = io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}

	return resp.StatusCode, respBytes, nil
}

// resolveHost resolves host against bootstrapIPs using plain Do53, returning
// the first A answer any bootstrap resolver gives (AAAA is not queried). host that is already
// an IP literal is returned unchanged.
func (c *Client) resolveHost(ctx context.Context, host string, bootstrapIPs []string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}

	if len(bootstrapIPs) == 0 {
		return "", errors.New("doh: no bootstrap resolvers configured")
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	query, err := m.Pack()
	if err != nil {
		return "", err
	}

	type result struct {
		ip  string
		err error
	}
	results := make(chan result, len(bootstrapIPs))

	for _, server := range bootstrapIPs {
		server := server
		c.bootstrap.Resolve(ctx, query, server, do53.TransportUDP, func(status do53.Status, resp []byte) {
			if status != do53.StatusSuccess {
				results <- result{err: errors.New("bootstrap resolver " + server + " failed: " + status.String())}

				return
			}

			respMsg := new(dns.Msg)
			if unpackErr := respMsg.Unpack(resp); unpackErr != nil {
				results <- result{err: unpackErr}

				return
			}

			for _, rr := range respMsg.Answer {
				if a, ok := rr.(*dns.A); ok {
					results <- result{ip: a.A.String()}

					return
				}
			}

			results <- result{err: errors.New("bootstrap resolver " + server + " returned no A record")}
		})
	}

	var lastErr error
	for range bootstrapIPs {
		select {
		case r := <-results:
			if r.err == nil {
				return r.ip, nil
			}
			lastErr = r.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return "", lastErr
}

// dialerToResolvedHost returns a DialContext that redirects any dial whose
// host matches originalHost to resolvedIP, leaving the port untouched.
func dialerToResolvedHost(originalHost, resolvedIP string) func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		if host == originalHost {
			host = resolvedIP
		}

		return dialer.DialContext(ctx, network, net.JoinHostPort(host, port))
	}
}

// classifyTransferErr maps a transport-level error onto a [TransferStatus].
func classifyTransferErr(err error) TransferStatus {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransferOperationTimedOut
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return TransferCouldntConnect
	}

	return TransferOther
}

