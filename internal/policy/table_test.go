package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chromiumos/dns-proxy-resolver/internal/policy"
)

func TestTable_Decide_EmptyHonorsGlobalMode(t *testing.T) {
	tb := policy.New()

	_, found := tb.Decide("example.com")
	assert.False(t, found)
	assert.True(t, tb.Empty())
}

func TestTable_Decide_FQDNOverridesSuffix(t *testing.T) {
	tb := policy.New()
	tb.Set([]string{"wiki.corp.example"}, []string{"*.corp.example"})

	// The excluded suffix matches wiki.corp.example too, but the included
	// FQDN entry decides it.
	d, found := tb.Decide("wiki.corp.example")
	assert.True(t, found)
	assert.Equal(t, policy.DecisionUseDoH, d)
}

func TestTable_Decide_Suffix(t *testing.T) {
	tb := policy.New()
	tb.Set(nil, []string{"*.corp.example"})

	d, found := tb.Decide("deep.wiki.corp.example")
	assert.True(t, found)
	assert.Equal(t, policy.DecisionBypassDoH, d)

	_, found = tb.Decide("notcorp.example")
	assert.False(t, found)
}

func TestTable_Decide_MostSpecificSuffixWins(t *testing.T) {
	tb := policy.New()
	tb.Set([]string{"*.eng.corp.example"}, []string{"*.corp.example"})

	d, found := tb.Decide("build.eng.corp.example")
	assert.True(t, found)
	assert.Equal(t, policy.DecisionUseDoH, d)
}

func TestTable_Decide_IncludedNonEmptyDefaultsExcluded(t *testing.T) {
	tb := policy.New()
	tb.Set([]string{"allowed.example"}, nil)

	d, found := tb.Decide("unrelated.example")
	assert.True(t, found)
	assert.Equal(t, policy.DecisionBypassDoH, d)

	d, found = tb.Decide("allowed.example")
	assert.True(t, found)
	assert.Equal(t, policy.DecisionUseDoH, d)
}

func TestTable_Decide_EqualSpecificityIncludedBeforeExcluded(t *testing.T) {
	tb := policy.New()
	tb.Set([]string{"*.example"}, []string{"*.example"})

	d, found := tb.Decide("host.example")
	assert.True(t, found)
	assert.Equal(t, policy.DecisionUseDoH, d)
}
