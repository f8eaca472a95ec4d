package resolver_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/chromiumos/dns-proxy-resolver/internal/resolver"
	"github.com/chromiumos/dns-proxy-resolver/internal/upstream"
)

// startUDPUpstream starts a UDP server answering every query with a single
// A record for answerIP, or NXDOMAIN if answerIP is empty.
func startUDPUpstream(t *testing.T, answerIP string) string {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, src, readErr := conn.ReadFromUDP(buf)
			if readErr != nil {
				return
			}

			req := new(dns.Msg)
			if unpackErr := req.Unpack(buf[:n]); unpackErr != nil {
				continue
			}

			resp := new(dns.Msg)
			if answerIP == "" {
				resp.SetRcode(req, dns.RcodeNameError)
			} else {
				resp.SetReply(req)
				rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A " + answerIP)
				resp.Answer = append(resp.Answer, rr)
			}

			out, packErr := resp.Pack()
			if packErr != nil {
				continue
			}

			_, _ = conn.WriteToUDP(out, src)
		}
	}()

	return conn.LocalAddr().String()
}

// startDoHUpstream starts a plain HTTP server that answers every query with
// statusCode if it is not 200; otherwise with an A record for answerIP, or
// NXDOMAIN if answerIP is empty.
func startDoHUpstream(t *testing.T, statusCode int, answerIP string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/dns-query", func(w http.ResponseWriter, r *http.Request) {
		if statusCode != http.StatusOK {
			w.WriteHeader(statusCode)

			return
		}

		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)

		req := new(dns.Msg)
		if err := req.Unpack(body); err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		resp := new(dns.Msg)
		if answerIP == "" {
			resp.SetRcode(req, dns.RcodeNameError)
		} else {
			resp.SetReply(req)
			rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A " + answerIP)
			resp.Answer = append(resp.Answer, rr)
		}

		out, err := resp.Pack()
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(out)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func sendUDPQuery(t *testing.T, serverAddr string, id uint16, qname string) *dns.Msg {
	t.Helper()

	conn, err := net.Dial("udp", serverAddr)
	require.NoError(t, err)
	defer conn.Close()

	m := new(dns.Msg)
	m.Id = id
	m.SetQuestion(dns.Fqdn(qname), dns.TypeA)
	q, err := m.Pack()
	require.NoError(t, err)

	_, err = conn.Write(q)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(buf[:n]))

	return resp
}

func TestResolver_S1_HappyPathUDPDo53(t *testing.T) {
	upstreamAddr := startUDPUpstream(t, "93.184.216.34")

	r := resolver.New()
	r.DisableProbing()
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	require.True(t, r.ListenUDP("127.0.0.1:0", ""))
	listenAddr := firstUDPAddr(t, r)

	r.SetNameServers([]string{upstreamAddr})

	resp := sendUDPQuery(t, listenAddr, 0x4A47, "google.com")
	require.EqualValues(t, 0x4A47, resp.Id)
	require.NotEmpty(t, resp.Answer)
}

func TestResolver_S2_NXDOMAINFallbackDoHToDo53(t *testing.T) {
	dohSrv := startDoHUpstream(t, http.StatusOK, "") // NXDOMAIN
	do53Addr := startUDPUpstream(t, "1.2.3.4")

	r := resolver.New()
	r.DisableProbing()
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	require.True(t, r.ListenUDP("127.0.0.1:0", ""))
	listenAddr := firstUDPAddr(t, r)

	r.SetNameServers([]string{do53Addr})
	r.SetDoHProviders([]upstream.DoHProvider{{URL: dohSrv.URL + "/dns-query"}}, false)

	resp := sendUDPQuery(t, listenAddr, 7, "nxdom.invalid")
	require.NotEmpty(t, resp.Answer)
}

func TestResolver_S3_AlwaysOnDoHProviderDown(t *testing.T) {
	dohSrv := startDoHUpstream(t, http.StatusServiceUnavailable, "")
	do53Addr := startUDPUpstream(t, "1.2.3.4")

	r := resolver.New()
	r.DisableProbing()
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	require.True(t, r.ListenUDP("127.0.0.1:0", ""))
	listenAddr := firstUDPAddr(t, r)

	r.SetNameServers([]string{do53Addr}) // must never be used
	r.SetDoHProviders([]upstream.DoHProvider{{URL: dohSrv.URL + "/dns-query"}}, true)

	resp := sendUDPQuery(t, listenAddr, 0x99, "example.com")
	require.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	require.EqualValues(t, 0x99, resp.Id)
}

func TestResolver_S5_DomainBypass(t *testing.T) {
	dohSrv := startDoHUpstream(t, http.StatusOK, "9.9.9.9")
	do53Addr := startUDPUpstream(t, "8.8.8.8")

	r := resolver.New()
	r.DisableProbing()
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	require.True(t, r.ListenUDP("127.0.0.1:0", ""))
	listenAddr := firstUDPAddr(t, r)

	r.SetNameServers([]string{do53Addr})
	r.SetDoHProviders([]upstream.DoHProvider{{URL: dohSrv.URL + "/dns-query"}}, false)
	r.SetDomainDoHConfigs(nil, []string{"*.corp.example"})

	resp := sendUDPQuery(t, listenAddr, 42, "wiki.corp.example")
	require.NotEmpty(t, resp.Answer)
	require.Contains(t, resp.Answer[0].(*dns.A).A.String(), "8.8.8.8")
}

func TestResolver_S6_DoH429RetriesSameProvider(t *testing.T) {
	var attempts int32

	mux := http.NewServeMux()
	mux.HandleFunc("/dns-query", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)

		req := new(dns.Msg)
		require.NoError(t, req.Unpack(body))

		resp := new(dns.Msg)
		resp.SetReply(req)
		rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A 5.6.7.8")
		resp.Answer = append(resp.Answer, rr)

		out, err := resp.Pack()
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(out)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	r := resolver.New()
	r.DisableProbing()
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	require.True(t, r.ListenUDP("127.0.0.1:0", ""))
	listenAddr := firstUDPAddr(t, r)

	// always_on_doh so a successful retry can only come from hitting the
	// same DoH provider again, never a Do53 fallback (none configured).
	r.SetDoHProviders([]upstream.DoHProvider{{URL: srv.URL + "/dns-query"}}, true)

	resp := sendUDPQuery(t, listenAddr, 0x4290, "ratelimited.example")
	require.NotEmpty(t, resp.Answer)
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestResolver_S4_TCPSegmentation(t *testing.T) {
	do53Addr := startUDPUpstream(t, "93.184.216.34")

	r := resolver.New()
	r.DisableProbing()
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	require.True(t, r.ListenTCP("127.0.0.1:0", ""))
	listenAddr := firstTCPAddr(t, r)

	r.SetNameServers([]string{do53Addr})

	m := new(dns.Msg)
	m.Id = 0x55
	m.SetQuestion(dns.Fqdn("google.com"), dns.TypeA)
	q, err := m.Pack()
	require.NoError(t, err)

	framed := make([]byte, 2+len(q))
	framed[0] = byte(len(q) >> 8)
	framed[1] = byte(len(q))
	copy(framed[2:], q)

	conn, err := net.Dial("tcp", listenAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(framed[:10])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = conn.Write(framed[10:])
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	lenBuf := make([]byte, 2)
	_, err = readFull(conn, lenBuf)
	require.NoError(t, err)

	respLen := int(lenBuf[0])<<8 | int(lenBuf[1])
	respBuf := make([]byte, respLen)
	_, err = readFull(conn, respBuf)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(respBuf))
	require.EqualValues(t, 0x55, resp.Id)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

func firstUDPAddr(t *testing.T, r *resolver.Resolver) string {
	t.Helper()

	addr := r.FirstUDPListenAddr()
	require.NotEmpty(t, addr)

	return addr
}

func firstTCPAddr(t *testing.T, r *resolver.Resolver) string {
	t.Helper()

	addr := r.FirstTCPListenAddr()
	require.NotEmpty(t, addr)

	return addr
}
