// Package wire implements the low-level pieces of the DNS wire format that
// the resolver needs before it can decide where a query should be routed:
// pulling the QNAME out of a raw message, checking a response's RCODE, and
// building a minimal SERVFAIL reply when nothing else is possible.
//
// There is no caching and no other DNS semantics here; see
// [github.com/chromiumos/dns-proxy-resolver/internal/resolver] for everything that
// happens once a QNAME is known.
package wire

import (
	"encoding/binary"

	"github.com/miekg/dns"
)

const (
	// headerLen is the size of the fixed DNS message header.
	headerLen = 12

	// maxLabelLen is the maximum length of a single DNS label.
	maxLabelLen = 63

	// maxNameLen is the maximum total length of a dot-joined name this
	// package will return from ExtractQName.
	maxNameLen = 255

	// maxMessageLen is the largest message ExtractQName/BuildServFail will
	// look at; anything bigger is treated as malformed.
	maxMessageLen = 65535

	// rcodeMask is the low nibble of byte 3 of the header, holding RCODE.
	rcodeMask = 0x0f

	// rcodeNXDOMAIN is the RCODE value for "name does not exist".
	rcodeNXDOMAIN = 3

	// rcodeSERVFAIL is the RCODE value BuildServFail always emits.
	rcodeSERVFAIL = 2

	// qrBit marks a message as a response when set in byte 2 of the header.
	qrBit = 0x80
)

// ExtractQName walks the question section of msg and returns its QNAME as a
// dot-joined string, or ok == false if msg is truncated or the name violates
// the label rules: each label is 1-63 bytes of ASCII letters, digits, or
// hyphens, the name is terminated by a zero-length label, the total joined
// name is at most 255 bytes, and the top-level label (the last one before
// the terminator) must be letters only.
func ExtractQName(msgBytes []byte) (qname string, ok bool) {
	if len(msgBytes) <= headerLen || len(msgBytes) > maxMessageLen {
		return "", false
	}

	labels := make([]string, 0, 8)
	pos := headerLen

	for {
		if pos >= len(msgBytes) {
			return "", false
		}

		labelLen := int(msgBytes[pos])
		pos++

		// Compression pointers and anything outside 1-63 are not accepted
		// in a query's own question section.
		if labelLen == 0 {
			break
		}
		if labelLen > maxLabelLen {
			return "", false
		}
		if pos+labelLen > len(msgBytes) {
			return "", false
		}

		label := msgBytes[pos : pos+labelLen]
		if !isValidLabel(label) {
			return "", false
		}

		labels = append(labels, string(label))
		pos += labelLen
	}

	if len(labels) == 0 {
		return "", false
	}

	if !isAlphabetic(labels[len(labels)-1]) {
		return "", false
	}

	qname = joinLabels(labels)
	if len(qname) > maxNameLen {
		return "", false
	}

	return qname, true
}

// joinLabels joins labels with dots, the same order they appear on the wire.
func joinLabels(labels []string) string {
	total := len(labels) - 1
	for _, l := range labels {
		total += len(l)
	}

	buf := make([]byte, 0, total)
	for i, l := range labels {
		if i > 0 {
			buf = append(buf, '.')
		}
		buf = append(buf, l...)
	}

	return string(buf)
}

// isValidLabel reports whether label contains only ASCII letters, digits, or
// hyphens.
func isValidLabel(label []byte) bool {
	for _, c := range label {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			// Ok.
		default:
			return false
		}
	}

	return true
}

// isAlphabetic reports whether label contains only ASCII letters.
func isAlphabetic(label string) bool {
	for i := 0; i < len(label); i++ {
		c := label[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}

	return true
}

// IsNXDOMAIN reports whether respBytes parses as a DNS response with
// RCODE == NXDOMAIN. Malformed responses report false.
func IsNXDOMAIN(respBytes []byte) bool {
	if len(respBytes) < headerLen || len(respBytes) > maxMessageLen {
		return false
	}

	if respBytes[2]&qrBit == 0 {
		// Not a response.
		return false
	}

	return respBytes[3]&rcodeMask == rcodeNXDOMAIN
}

// BuildServFail constructs a SERVFAIL response for queryBytes. If queryBytes
// parses as a DNS message and is no larger than 64KiB, the response echoes
// its transaction id and question section; otherwise the response uses
// transaction id 0 and no question section.
func BuildServFail(queryBytes []byte) []byte {
	if len(queryBytes) > maxMessageLen {
		return minimalServFail(0)
	}

	req := new(dns.Msg)
	if err := req.Unpack(queryBytes); err != nil {
		return minimalServFail(0)
	}

	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeServerFailure)
	resp.Question = req.Question

	packed, err := resp.Pack()
	if err != nil {
		return minimalServFail(req.Id)
	}

	return packed
}

// minimalServFail builds a bare 12-byte SERVFAIL header with the given
// transaction id and zero answer/authority/additional counts.
func minimalServFail(id uint16) []byte {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint16(buf[0:2], id)
	buf[2] = qrBit
	buf[3] = rcodeSERVFAIL & rcodeMask

	return buf
}
