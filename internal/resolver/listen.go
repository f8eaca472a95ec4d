package resolver

import (
	"context"
	"net"
	"strings"
	"syscall"

	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/sys/unix"
)

// tcpListenBacklog is the accept backlog for TCP listeners (§6 Parameters).
const tcpListenBacklog = 16

// listenerKey identifies one registered listener for StopListen's lookup:
// the address family ("ip4"/"ip6") and the interface name it was bound for
// (caller-supplied label; the guest-interface identifier from
// NetworkPlatform in production, empty for the default/loopback listener).
type listenerKey struct {
	family string
	ifname string
}

type udpListener struct {
	key  listenerKey
	conn *net.UDPConn
}

type tcpListener struct {
	key listenerKey
	ln  net.Listener
}

// reusePortControl sets SO_REUSEADDR and SO_REUSEPORT on the listening
// socket so multiple Resolver instances (one per proxy role) can bind the
// same address, the way the daemon's System/Default/ARC roles share
// addresses across network namespaces.
func reusePortControl(_, _ string, c syscall.RawConn) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr != nil {
			return
		}

		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}

	return sockErr
}

func familyOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "ip6"
	}

	return "ip4"
}

// ListenUDP creates a non-blocking UDP listener on addr, labeled ifname for
// later StopListen lookups, and starts reading datagrams into the loop.
// Returns false (and logs) on bind failure — callers are expected to fail
// fast on startup (§4.6).
func (r *Resolver) ListenUDP(addr, ifname string) bool {
	lc := net.ListenConfig{Control: reusePortControl}

	conn, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		log.Error("resolver: listen udp %s: %s", addr, err)

		return false
	}

	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		_ = conn.Close()

		return false
	}

	key := listenerKey{family: familyOf(addr), ifname: ifname}

	r.mu.Lock()
	r.udpListeners = append(r.udpListeners, udpListener{key: key, conn: udpConn})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.udpReadLoop(udpConn)

	return true
}

// ListenTCP creates a non-blocking TCP listener on addr with a backlog of
// 16, labeled ifname, and starts an accept loop feeding the loop.
func (r *Resolver) ListenTCP(addr, ifname string) bool {
	lc := net.ListenConfig{Control: reusePortControl}

	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		log.Error("resolver: listen tcp %s: %s", addr, err)

		return false
	}

	// net.ListenConfig has no backlog knob: listen(2) is called again on the
	// bound socket, which on Linux replaces its backlog with tcpListenBacklog.
	if tl, isTCP := ln.(*net.TCPListener); isTCP {
		if rc, rcErr := tl.SyscallConn(); rcErr == nil {
			_ = rc.Control(func(fd uintptr) { _ = unix.Listen(int(fd), tcpListenBacklog) })
		}
	}

	key := listenerKey{family: familyOf(addr), ifname: ifname}

	r.mu.Lock()
	r.tcpListeners = append(r.tcpListeners, tcpListener{key: key, ln: ln})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.tcpAcceptLoop(ln)

	return true
}

// FirstUDPListenAddr returns the address of the first registered UDP
// listener, for callers (tests, resolv.conf emission) that need to know
// the actual bound address of an ephemeral ("addr:0") listener.
func (r *Resolver) FirstUDPListenAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.udpListeners) == 0 {
		return ""
	}

	return r.udpListeners[0].conn.LocalAddr().String()
}

// FirstTCPListenAddr is FirstUDPListenAddr's TCP counterpart.
func (r *Resolver) FirstTCPListenAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.tcpListeners) == 0 {
		return ""
	}

	return r.tcpListeners[0].ln.Addr().String()
}

// StopListen drops every listener whose family and ifname match.
func (r *Resolver) StopListen(family, ifname string) {
	key := listenerKey{family: family, ifname: ifname}

	r.mu.Lock()
	defer r.mu.Unlock()

	keptUDP := r.udpListeners[:0]
	for _, l := range r.udpListeners {
		if l.key == key {
			_ = l.conn.Close()

			continue
		}

		keptUDP = append(keptUDP, l)
	}
	r.udpListeners = keptUDP

	keptTCP := r.tcpListeners[:0]
	for _, l := range r.tcpListeners {
		if l.key == key {
			_ = l.ln.Close()

			continue
		}

		keptTCP = append(keptTCP, l)
	}
	r.tcpListeners = keptTCP
}

func (r *Resolver) closeAllListeners() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.udpListeners {
		_ = l.conn.Close()
	}
	r.udpListeners = nil

	for _, l := range r.tcpListeners {
		_ = l.ln.Close()
	}
	r.tcpListeners = nil
}

func (r *Resolver) udpReadLoop(conn *net.UDPConn) {
	defer r.wg.Done()

	buf := make([]byte, maxBufSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}

			log.Debug("resolver: udp read %s: %s", conn.LocalAddr(), err)

			return
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])

		r.postEvent(event{kind: evUDPData, udpConn: conn, udpAddr: addr, data: msg})
	}
}

func (r *Resolver) tcpAcceptLoop(ln net.Listener) {
	defer r.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}

			log.Debug("resolver: tcp accept %s: %s", ln.Addr(), err)

			return
		}

		r.postEvent(event{kind: evTCPAccepted, tcpConn: conn})

		r.wg.Add(1)
		go r.tcpReadLoop(conn)
	}
}

func (r *Resolver) tcpReadLoop(conn net.Conn) {
	defer r.wg.Done()

	buf := make([]byte, defaultBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msg := make([]byte, n)
			copy(msg, buf[:n])

			r.postEvent(event{kind: evTCPData, tcpConn: conn, data: msg})
		}

		if err != nil {
			r.postEvent(event{kind: evTCPClosed, tcpConn: conn})

			return
		}

		if n == 0 {
			r.postEvent(event{kind: evTCPClosed, tcpConn: conn})

			return
		}
	}
}
