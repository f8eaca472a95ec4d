package do53_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/chromiumos/dns-proxy-resolver/internal/do53"
)

// startUDPStub starts a UDP server that answers every A query with a single
// A record, and returns its address.
func startUDPStub(t *testing.T, answerIP string) string {
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
			resp.SetReply(req)
			rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A " + answerIP)
			resp.Answer = append(resp.Answer, rr)

			out, packErr := resp.Pack()
			if packErr != nil {
				continue
			}

			_, _ = conn.WriteToUDP(out, src)
		}
	}()

	return conn.LocalAddr().String()
}

func TestClient_Resolve_Success(t *testing.T) {
	addr := startUDPStub(t, "93.184.216.34")

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("google.com"), dns.TypeA)
	query, err := m.Pack()
	require.NoError(t, err)

	c := do53.New(2 * time.Second)

	var (
		mu       sync.Mutex
		gotResp  []byte
		gotState do53.Status
	)
	done := make(chan struct{})

	ok := c.Resolve(context.Background(), query, addr, do53.TransportUDP,
		func(status do53.Status, resp []byte) {
			mu.Lock()
			gotState, gotResp = status, resp
			mu.Unlock()
			close(done)
		})
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for callback")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, do53.StatusSuccess, gotState)
	require.NotEmpty(t, gotResp)
}

// startTCPStub listens on port (the same port a paired UDP stub is using,
// since a truncated-UDP retry must dial the same server address over TCP)
// and answers every length-prefixed query with a single A record.
func startTCPStub(t *testing.T, port int, answerIP string) {
	t.Helper()

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, acceptErr := ln.Accept()
			if acceptErr != nil {
				return
			}

			go func(c net.Conn) {
				defer c.Close()

				lenBuf := make([]byte, 2)
				if _, readErr := io.ReadFull(c, lenBuf); readErr != nil {
					return
				}

				msgBuf := make([]byte, int(lenBuf[0])<<8|int(lenBuf[1]))
				if _, readErr := io.ReadFull(c, msgBuf); readErr != nil {
					return
				}

				req := new(dns.Msg)
				if unpackErr := req.Unpack(msgBuf); unpackErr != nil {
					return
				}

				resp := new(dns.Msg)
				resp.SetReply(req)
				rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A " + answerIP)
				resp.Answer = append(resp.Answer, rr)

				out, packErr := resp.Pack()
				if packErr != nil {
					return
				}

				prefixed := make([]byte, 2+len(out))
				prefixed[0] = byte(len(out) >> 8)
				prefixed[1] = byte(len(out))
				copy(prefixed[2:], out)

				_, _ = c.Write(prefixed)
			}(conn)
		}
	}()
}

// TestClient_Resolve_TCPFallbackOnTruncation covers the RFC 1035 retry
// path: a UDP response with the Truncated bit set must be retried over
// TCP, never replayed over UDP (which would just truncate again).
func TestClient_Resolve_TCPFallbackOnTruncation(t *testing.T) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = udpConn.Close() })

	port := udpConn.LocalAddr().(*net.UDPAddr).Port

	go func() {
		buf := make([]byte, 512)
		for {
			n, src, readErr := udpConn.ReadFromUDP(buf)
			if readErr != nil {
				return
			}

			req := new(dns.Msg)
			if unpackErr := req.Unpack(buf[:n]); unpackErr != nil {
				continue
			}

			resp := new(dns.Msg)
			resp.SetReply(req)
			resp.Truncated = true

			out, packErr := resp.Pack()
			if packErr != nil {
				continue
			}

			_, _ = udpConn.WriteToUDP(out, src)
		}
	}()

	startTCPStub(t, port, "93.184.216.34")

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("google.com"), dns.TypeA)
	query, err := m.Pack()
	require.NoError(t, err)

	c := do53.New(2 * time.Second)

	var (
		mu       sync.Mutex
		gotResp  []byte
		gotState do53.Status
	)
	done := make(chan struct{})

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ok := c.Resolve(context.Background(), query, addr, do53.TransportUDP,
		func(status do53.Status, resp []byte) {
			mu.Lock()
			gotState, gotResp = status, resp
			mu.Unlock()
			close(done)
		})
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for callback")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, do53.StatusSuccess, gotState)
	require.NotEmpty(t, gotResp)
}

func TestClient_Resolve_MalformedServer(t *testing.T) {
	c := do53.New(time.Second)

	called := make(chan do53.Status, 1)
	ok := c.Resolve(context.Background(), []byte{1, 2, 3}, "not-an-ip", do53.TransportUDP,
		func(status do53.Status, _ []byte) { called <- status })
	require.False(t, ok)
	require.Equal(t, do53.StatusMalformedQuery, <-called)
}
