package resolver

import "net"

// event is the single union type crossing from I/O and timer goroutines
// into the loop goroutine. Every mutation of shared tables (the upstream
// tables, the domain-policy table, the socket table, PendingTCP) happens
// only while handling an event on the loop goroutine — the Go analogue of
// the original's single-threaded cooperative loop (§5). Anything that
// isn't raw ingress (upstream results, probe outcomes, external Set*
// calls) rides in as an evRunFunc closure instead of a dedicated typed
// event — the closure already captures whatever state it needs, and
// running it on the loop is what makes touching shared tables safe.
type event struct {
	kind eventKind

	// Ingress.
	udpConn *net.UDPConn
	udpAddr *net.UDPAddr
	tcpConn net.Conn
	data    []byte

	// fn is invoked synchronously by the loop for evRunFunc events.
	fn func()
}

type eventKind int

const (
	evUDPData eventKind = iota
	evTCPAccepted
	evTCPData
	evTCPClosed
	evRunFunc
	evShutdown
)
