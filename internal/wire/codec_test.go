package wire_test

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chromiumos/dns-proxy-resolver/internal/wire"
)

func buildQuery(t *testing.T, id uint16, name string, qtype uint16) []byte {
	t.Helper()

	m := new(dns.Msg)
	m.Id = id
	m.SetQuestion(dns.Fqdn(name), qtype)

	b, err := m.Pack()
	require.NoError(t, err)

	return b
}

func TestExtractQName_RoundTrip(t *testing.T) {
	names := []string{"google.com", "www.gstatic.com", "a.b-c.example"}

	for _, name := range names {
		q := buildQuery(t, 0x1234, name, dns.TypeA)

		got, ok := wire.ExtractQName(q)
		require.True(t, ok)
		assert.Equal(t, name, got)
	}
}

func TestExtractQName_Invalid(t *testing.T) {
	t.Run("truncated", func(t *testing.T) {
		_, ok := wire.ExtractQName([]byte{1, 2, 3})
		assert.False(t, ok)
	})

	t.Run("top label not alphabetic", func(t *testing.T) {
		q := buildQuery(t, 1, "example.c0m", dns.TypeA)
		_, ok := wire.ExtractQName(q)
		assert.False(t, ok)
	})

	t.Run("label too long", func(t *testing.T) {
		// miekg/dns refuses to pack a 64-byte label, so the question is
		// spliced by hand: header, one 64-byte label, then "com" + QTYPE/QCLASS.
		base := buildQuery(t, 1, "com", dns.TypeA)
		q := append([]byte{}, base[:12]...)
		q = append(q, 64)
		for i := 0; i < 64; i++ {
			q = append(q, 'a')
		}
		q = append(q, base[12:]...)
		_, ok := wire.ExtractQName(q)
		assert.False(t, ok)
	})
}

func TestIsNXDOMAIN(t *testing.T) {
	req := buildQuery(t, 5, "nxdom.invalid", dns.TypeA)

	m := new(dns.Msg)
	reqMsg := new(dns.Msg)
	require.NoError(t, reqMsg.Unpack(req))
	m.SetRcode(reqMsg, dns.RcodeNameError)

	resp, err := m.Pack()
	require.NoError(t, err)

	assert.True(t, wire.IsNXDOMAIN(resp))

	t.Run("malformed", func(t *testing.T) {
		assert.False(t, wire.IsNXDOMAIN([]byte{1, 2}))
	})

	t.Run("not a response", func(t *testing.T) {
		assert.False(t, wire.IsNXDOMAIN(req))
	})
}

func TestBuildServFail(t *testing.T) {
	t.Run("parseable query", func(t *testing.T) {
		q := buildQuery(t, 0x4A47, "google.com", dns.TypeA)

		resp := wire.BuildServFail(q)

		m := new(dns.Msg)
		require.NoError(t, m.Unpack(resp))
		assert.True(t, m.Response)
		assert.Equal(t, dns.RcodeServerFailure, m.Rcode)
		assert.EqualValues(t, 0x4A47, m.Id)
		require.Len(t, m.Question, 1)
		assert.Equal(t, "google.com.", m.Question[0].Name)
		assert.Empty(t, m.Answer)
	})

	t.Run("unparseable query", func(t *testing.T) {
		resp := wire.BuildServFail([]byte{0xff, 0xff, 0xff})

		m := new(dns.Msg)
		require.NoError(t, m.Unpack(resp))
		assert.True(t, m.Response)
		assert.Equal(t, dns.RcodeServerFailure, m.Rcode)
		assert.EqualValues(t, 0, m.Id)
		assert.Empty(t, m.Question)
	})
}
