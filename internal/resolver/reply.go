package resolver

import (
	"encoding/binary"

	"github.com/AdguardTeam/golibs/log"
)

// replyAndFree serializes respBytes back to sfd's client and frees the
// transaction (§4.4.5). A write failure is logged and the transaction is
// dropped — no error is ever surfaced to the client outside a DNS reply.
func (r *Resolver) replyAndFree(sfd *socketFd, respBytes []byte) {
	defer r.sockets.free(sfd.id)

	if sfd.probeTargetID != "" {
		log.Debug("resolver: replying after triggering a re-probe of %s", sfd.probeTargetID)
	}

	if len(respBytes) == 0 {
		return
	}

	switch sfd.transport {
	case transportUDP:
		if sfd.udpConn == nil || sfd.udpAddr == nil {
			return
		}

		if _, err := sfd.udpConn.WriteToUDP(respBytes, sfd.udpAddr); err != nil {
			log.Debug("resolver: writing udp reply to %s: %s", sfd.udpAddr, err)
		}

	case transportTCP:
		if sfd.tcpConn == nil {
			return
		}

		framed := make([]byte, 2+len(respBytes))
		binary.BigEndian.PutUint16(framed, uint16(len(respBytes)))
		copy(framed[2:], respBytes)

		if _, err := sfd.tcpConn.Write(framed); err != nil {
			log.Debug("resolver: writing tcp reply: %s", err)
		}
	}
}
