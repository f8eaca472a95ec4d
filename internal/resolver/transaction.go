package resolver

import (
	"context"
	"encoding/binary"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/miekg/dns"

	"github.com/chromiumos/dns-proxy-resolver/internal/do53"
	"github.com/chromiumos/dns-proxy-resolver/internal/doh"
	"github.com/chromiumos/dns-proxy-resolver/internal/policy"
	"github.com/chromiumos/dns-proxy-resolver/internal/probe"
	"github.com/chromiumos/dns-proxy-resolver/internal/upstream"
	"github.com/chromiumos/dns-proxy-resolver/internal/wire"
)

func (r *Resolver) handleUDPData(ev event) {
	if ev.udpAddr == nil {
		return
	}

	if !r.ratelimiter.allow(ev.udpAddr.IP.String()) {
		return
	}

	sfd := r.sockets.create(transportUDP)
	sfd.udpConn = ev.udpConn
	sfd.udpAddr = ev.udpAddr

	r.startTransaction(sfd, ev.data)
}

func (r *Resolver) handleTCPAccepted(ev event) {
	// Nothing to do at accept time: reassembly state is created lazily on
	// the first data event for the connection.
	_ = ev
}

func (r *Resolver) handleTCPClosed(ev event) {
	if cur, ok := r.pendingTCP[ev.tcpConn]; ok {
		r.sockets.free(cur.id)
		delete(r.pendingTCP, ev.tcpConn)
	}
}

// handleTCPData implements §4.4.1's TCP ingress/reassembly: accumulate
// into the connection's pending socketFd; while a full length-prefixed
// message is available, slice it out, hand it to a transaction (the
// pending socketFd itself becomes that transaction), and — if trailing
// bytes remain — move them into a fresh socketFd that keeps accumulating.
func (r *Resolver) handleTCPData(ev event) {
	cur, ok := r.pendingTCP[ev.tcpConn]
	if !ok {
		cur = r.sockets.create(transportTCP)
		cur.tcpConn = ev.tcpConn
		r.pendingTCP[ev.tcpConn] = cur
	}

	appendBytes(cur, ev.data)

	for cur.validBytes >= 2 {
		payloadLen := int(binary.BigEndian.Uint16(cur.buf[:2]))
		total := 2 + payloadLen
		if cur.validBytes < total {
			return
		}

		msg := make([]byte, payloadLen)
		copy(msg, cur.buf[2:total])

		txn := cur
		trailing := cur.validBytes - total

		if trailing > 0 {
			next := r.sockets.create(transportTCP)
			next.tcpConn = ev.tcpConn
			next.validBytes = copy(next.buf, cur.buf[total:cur.validBytes])
			r.pendingTCP[ev.tcpConn] = next
			cur = next
		} else {
			delete(r.pendingTCP, ev.tcpConn)
		}

		r.startTransaction(txn, msg)

		if trailing == 0 {
			return
		}
	}
}

// appendBytes copies data onto the end of sfd's buffer, growing it (up to
// maxBufSize) as needed, and silently truncating anything beyond the cap —
// a TCP stream that never completes a valid message within 64 KiB has no
// well-formed message to recover anyway.
func appendBytes(sfd *socketFd, data []byte) {
	for sfd.validBytes+len(data) > len(sfd.buf) && len(sfd.buf) < maxBufSize {
		sfd.growBuf()
	}

	room := len(sfd.buf) - sfd.validBytes
	if room < len(data) {
		data = data[:room]
	}

	sfd.validBytes += copy(sfd.buf[sfd.validBytes:], data)
}

// startTransaction begins dispatch for a freshly-assembled message: extract
// the QNAME, consult the domain-policy table, and fan out (§4.4.2-4.4.3).
func (r *Resolver) startTransaction(sfd *socketFd, queryBytes []byte) {
	sfd.queryBytes = queryBytes

	qname, ok := wire.ExtractQName(queryBytes)
	if !ok {
		r.metrics.IncServFail("malformed-query")
		r.replyAndFree(sfd, wire.BuildServFail(queryBytes))

		return
	}

	sfd.qname = qname
	r.metrics.IncQueries(qnameQType(queryBytes))

	decision, found := r.policyTable.Decide(qname)
	if found {
		sfd.bypassDoH = decision == policy.DecisionBypassDoH
	} else {
		sfd.bypassDoH = false
	}

	r.dispatch(sfd)
}

func qnameQType(queryBytes []byte) string {
	m := new(dns.Msg)
	if err := m.Unpack(queryBytes); err != nil || len(m.Question) == 0 {
		return "unknown"
	}

	return dns.TypeToString[m.Question[0].Qtype]
}

// dispatch picks the active target set per §4.4.3 and fans out to at most
// maxConcurrentUpstreams of them.
func (r *Resolver) dispatch(sfd *socketFd) {
	useDoH := r.upstreams.DoHEnabled() && !sfd.bypassDoH

	var targets []upstream.Target
	if useDoH {
		targets = r.upstreams.ActiveDoHProviders()
		if len(targets) == 0 {
			// §4.4.3: empty active DoH set falls through to Do53, unless
			// always-on DoH, in which case there is nothing to fall
			// through to — reply SERVFAIL as for no configured servers.
			if r.upstreams.AlwaysOnDoH() {
				r.metrics.IncServFail("no-configured-servers")
				r.replyAndFree(sfd, wire.BuildServFail(sfd.queryBytes))

				return
			}

			useDoH = false
		}
	}

	if !useDoH {
		targets = r.upstreams.ActiveNameservers()
	}

	if len(targets) == 0 {
		r.metrics.IncServFail("no-configured-servers")
		r.replyAndFree(sfd, wire.BuildServFail(sfd.queryBytes))

		return
	}

	if len(targets) > maxConcurrentUpstreams {
		targets = targets[:maxConcurrentUpstreams]
	}

	sfd.activeQueries = len(targets)

	for _, target := range targets {
		r.issueQuery(sfd.id, target, sfd.queryBytes)
	}
}

// issueQuery sends queryBytes to target and, when the result arrives
// (possibly on another goroutine), marshals it back onto the loop as an
// evRunFunc closure over sfd.id — re-resolving the transaction by id is
// what makes a completion after the transaction was freed a no-op.
//
// Dispatch itself happens under r.sema, bounding the number of upstream
// resolves in flight at once the way proxy.go's requestsSema bounds
// concurrent request-handling goroutines. The acquire is blocking, so it
// runs on its own goroutine rather than the loop: the loop must stay free
// to process the eventual release (which arrives as the result callback,
// itself marshalled back onto the loop).
func (r *Resolver) issueQuery(sfdID uint64, target upstream.Target, queryBytes []byte) {
	go func() {
		start := time.Now()

		if err := r.sema.Acquire(context.Background()); err != nil {
			return
		}

		switch target.Kind {
		case upstream.KindDoH:
			r.dohClient.Resolve(context.Background(), queryBytes, target.BootstrapIPs, target.ID,
				func(transfer doh.TransferStatus, httpStatus int, resp []byte) {
					r.sema.Release()
					dur := time.Since(start)
					r.postEvent(event{kind: evRunFunc, fn: func() {
						r.handleDoHResult(sfdID, target, transfer, httpStatus, resp, dur)
					}})
				})
		default:
			r.do53Client.Resolve(context.Background(), queryBytes, target.ID, do53.TransportUDP,
				func(status do53.Status, resp []byte) {
					r.sema.Release()
					dur := time.Since(start)
					r.postEvent(event{kind: evRunFunc, fn: func() {
						r.handleDo53Result(sfdID, target, status, resp, dur)
					}})
				})
		}
	}()
}

// handleDo53Result implements the Do53 leg of §4.4.4's result-aggregation
// table, plus §4.4.6's probe-driven invalidation.
func (r *Resolver) handleDo53Result(
	sfdID uint64,
	target upstream.Target,
	status do53.Status,
	resp []byte,
	dur time.Duration,
) {
	sfd, ok := r.sockets.get(sfdID)
	if !ok {
		return
	}

	r.metrics.ObserveQueryDuration("do53", status.String(), dur)
	r.maybeInvalidate(sfd, target, wasValidatedAtDispatch(r.upstreams, target), status.IndicatesUpstreamFailure())

	sfd.activeQueries--

	switch {
	case status == do53.StatusSuccess || status == do53.StatusNoData || status == do53.StatusNotImplemented:
		r.metrics.IncAnswers(target.ID)
		r.replyAndFree(sfd, resp)

	case status == do53.StatusNotFound: // NXDOMAIN
		if sfd.activeQueries <= 0 {
			r.metrics.IncAnswers(target.ID)
			r.replyAndFree(sfd, resp)
		}
		// else: other active queries remain; wait for them.

	default: // failure
		if sfd.activeQueries > 0 {
			return // other active queries remain; wait.
		}

		sfd.retryCount++
		if sfd.retryCount >= r.maxRetries {
			r.metrics.IncServFail("do53-retries-exhausted")
			r.replyAndFree(sfd, wire.BuildServFail(sfd.queryBytes))

			return
		}

		r.metrics.IncRetries()
		r.dispatch(sfd)
	}
}

// handleDoHResult implements the DoH leg of §4.4.4, including NXDOMAIN and
// always-on-DoH fallback rules, and §4.4.6's probe-driven invalidation
// (driven off the HTTP status, per the original's curl/http split).
func (r *Resolver) handleDoHResult(
	sfdID uint64,
	target upstream.Target,
	transfer doh.TransferStatus,
	httpStatus int,
	resp []byte,
	dur time.Duration,
) {
	sfd, ok := r.sockets.get(sfdID)
	if !ok {
		return
	}

	failed := transfer != doh.TransferOK || httpStatus != 200
	tooManyRequests := transfer == doh.TransferOK && httpStatus == http.StatusTooManyRequests

	outcome := "ok"
	switch {
	case tooManyRequests:
		outcome = "too_many_requests"
	case failed:
		outcome = "transfer_error"
	case wire.IsNXDOMAIN(resp):
		outcome = "nxdomain"
	}
	r.metrics.ObserveQueryDuration("doh", outcome, dur)

	r.maybeInvalidate(sfd, target, wasValidatedAtDispatch(r.upstreams, target), failed)

	sfd.activeQueries--

	if !failed {
		if wire.IsNXDOMAIN(resp) && !r.upstreams.AlwaysOnDoH() {
			// Fall back to Do53 with the same socketFd; retry counter is
			// not bumped (§4.4.4).
			sfd.bypassDoH = true
			r.dispatch(sfd)

			return
		}

		r.metrics.IncAnswers(target.ID)
		r.replyAndFree(sfd, resp)

		return
	}

	if sfd.activeQueries > 0 {
		return // other active queries remain; wait.
	}

	if tooManyRequests {
		r.retryDoH429(sfdID, target)

		return
	}

	if r.upstreams.AlwaysOnDoH() {
		r.metrics.IncServFail("doh-always-on-exhausted")
		r.replyAndFree(sfd, wire.BuildServFail(sfd.queryBytes))

		return
	}

	sfd.bypassDoH = true
	r.dispatch(sfd)
}

// retryDoH429 implements §4.4.4's HTTP 429 branch: rather than falling back
// to Do53 or giving up, it retries the same DoH target after a jittered
// delay (retry_delay × (1 − random∈[0, 0.2))), up to maxRetries attempts —
// the Go analogue of the original's kHTTPTooManyRequests case.
func (r *Resolver) retryDoH429(sfdID uint64, target upstream.Target) {
	sfd, ok := r.sockets.get(sfdID)
	if !ok {
		return
	}

	sfd.retryCount++
	if sfd.retryCount >= r.maxRetries {
		r.metrics.IncServFail("doh-429-retries-exhausted")
		r.replyAndFree(sfd, wire.BuildServFail(sfd.queryBytes))

		return
	}

	r.metrics.IncRetries()
	delay := probe.Jitter(r.doH429RetryDelay)

	time.AfterFunc(delay, func() {
		r.postEvent(event{kind: evRunFunc, fn: func() {
			sfd, ok := r.sockets.get(sfdID)
			if !ok {
				return
			}

			sfd.activeQueries = 1
			r.issueQuery(sfdID, target, sfd.queryBytes)
		}})
	})
}

// wasValidatedAtDispatch reports whether target is validated at the moment
// its result is handled. A target invalidated since dispatch (for example by
// a peer query's failure) reads as not validated and is not invalidated
// again; a target that became validated only after dispatch reads as
// validated.
func wasValidatedAtDispatch(t *upstream.Table, target upstream.Target) bool {
	return t.IsValidated(target.Kind, target.ID)
}

// maybeInvalidate drops target from the validated set and starts a probe for
// it once wasValidated and indicatesFailure both hold. sfd is stamped with
// probeTargetID so a later reply (see replyAndFree) can note that this
// transaction is what triggered the re-probe.
func (r *Resolver) maybeInvalidate(sfd *socketFd, target upstream.Target, wasValidated, indicatesFailure bool) {
	if !wasValidated || !indicatesFailure {
		return
	}

	r.upstreams.Invalidate(target.Kind, target.ID)
	r.metrics.IncProbeInvalidation(target.ID)
	r.prober.Start(target)
	sfd.probeTargetID = target.ID

	log.Debug("resolver: invalidated %s after transport failure", target.ID)
}
