// Package policy implements the per-domain DoH-bypass/force table: the
// FQDN exact-match map and dot-count-sorted suffix list that decide whether
// a given query name is resolved over DoH or forced to Do53.
package policy

import (
	"sort"
	"strings"

	"github.com/barweiss/go-tuple"
)

// Decision is the outcome of looking a QNAME up in the table.
type Decision int

// Decision values.
const (
	// DecisionUseDoH means the query should go out over DoH (subject to the
	// usual validated/always-on fan-out rules).
	DecisionUseDoH Decision = iota
	// DecisionBypassDoH means the query is forced to Do53.
	DecisionBypassDoH
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	if d == DecisionBypassDoH {
		return "bypass-doh"
	}

	return "use-doh"
}

// suffixEntry is one row of the sorted suffix list: the bare suffix (without
// the "*." prefix) paired with its decision.
type suffixEntry = tuple.T2[string, Decision]

// Table is a rebuild-wholesale domain-policy table. The zero Table behaves
// as "no configured lists" (see Decide). A Table must not be mutated
// concurrently with Decide; callers serialize access (the Resolver loop
// owns it exclusively, per the single-writer discipline).
type Table struct {
	fqdn             map[string]Decision
	suffixes         []suffixEntry
	includedNonEmpty bool
}

// New returns an empty Table, equivalent to the zero value.
func New() *Table {
	return &Table{fqdn: make(map[string]Decision)}
}

// Set rebuilds the table wholesale from the configured included and excluded
// lists. Each entry is either a bare FQDN or a "*."-prefixed suffix. FQDN
// entries populate the exact-match map; suffix entries populate a list
// sorted by dot-count descending (more specific first), with Included
// sorting before Excluded at equal dot-counts (see Decide rule 3).
func (t *Table) Set(included, excluded []string) {
	t.fqdn = make(map[string]Decision)
	t.suffixes = nil
	t.includedNonEmpty = len(included) > 0

	add := func(entries []string, decision Decision) {
		for _, e := range entries {
			e = strings.TrimSuffix(e, ".")

			suffix, ok := strings.CutPrefix(e, "*.")
			if !ok {
				t.fqdn[e] = decision

				continue
			}

			t.suffixes = append(t.suffixes, tuple.New2(suffix, decision))
		}
	}

	add(included, DecisionUseDoH)
	add(excluded, DecisionBypassDoH)

	sort.SliceStable(t.suffixes, func(i, j int) bool {
		di, dj := dotCount(t.suffixes[i].V1), dotCount(t.suffixes[j].V1)
		if di != dj {
			return di > dj
		}

		// Equal specificity: Included (UseDoH) sorts before Excluded.
		return t.suffixes[i].V2 < t.suffixes[j].V2
	})
}

// Empty reports whether both the FQDN map and the suffix list are empty,
// i.e. the table carries no policy at all.
func (t *Table) Empty() bool {
	return len(t.fqdn) == 0 && len(t.suffixes) == 0
}

// Decide returns the policy decision for qname, and whether the table had
// an opinion at all (found == false means: honor global DoH mode). qname is
// a plain dotted name, without a trailing root dot.
//
// Resolution order (§4.4.2):
//  1. If both lists are empty, found is false — caller honors global mode.
//  2. An exact FQDN match wins.
//  3. Else the first matching suffix (pre-sorted, most specific first) wins.
//  4. Else, if the Included list is non-empty, default to Excluded
//     (deny-by-default once an allow-list exists); otherwise found is false.
func (t *Table) Decide(qname string) (decision Decision, found bool) {
	qname = strings.TrimSuffix(qname, ".")

	if t.Empty() {
		return 0, false
	}

	if d, ok := t.fqdn[qname]; ok {
		return d, true
	}

	for _, entry := range t.suffixes {
		if matchesSuffix(qname, entry.V1) {
			return entry.V2, true
		}
	}

	if t.includedNonEmpty {
		return DecisionBypassDoH, true
	}

	return 0, false
}

// matchesSuffix reports whether qname is suffix itself or a strict
// subdomain of it ("*.corp.example" matches "corp.example" and
// "wiki.corp.example" but not "notcorp.example").
func matchesSuffix(qname, suffix string) bool {
	if qname == suffix {
		return true
	}

	return strings.HasSuffix(qname, "."+suffix)
}

func dotCount(s string) int {
	return strings.Count(s, ".")
}
