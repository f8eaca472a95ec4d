package upstream

import (
	"strings"

	"github.com/AdguardTeam/golibs/log"
	"github.com/golang-collections/collections/set"
)

// allBootstrap is the sentinel bootstrap-resolver value meaning "automatic
// with fallback regardless of which resolver is active" (§6).
const allBootstrap = "*"

// DoHProvider is one entry of the doh_providers configuration map: a
// provider URL paired with its comma-separated bootstrap-resolver list.
// BootstrapIPs nil or empty means "always-on secure" — the provider
// participates in every DoH attempt regardless of the active nameserver.
type DoHProvider struct {
	URL          string
	BootstrapIPs []string
}

// Table holds the two upstream pools (Do53 nameservers, DoH providers)
// together with their validated-membership sets. It is mutated only from
// the Resolver's loop goroutine; it holds no internal lock (see §5).
type Table struct {
	nameservers  []Target
	validatedNS  *set.Set
	dohProviders []Target
	validatedDoH *set.Set
	alwaysOnDoH  bool
	dohEnabled   bool
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		validatedNS:  set.New(),
		validatedDoH: set.New(),
	}
}

// SetNameServers diffs ids against the current nameserver set: surviving
// members are retained (including their validated state), removed members
// are dropped (also from the validated set), and new members are created
// unvalidated. It returns the ids that are new, so the caller can start
// probing them.
func (t *Table) SetNameServers(ids []string) (added []string) {
	keep := set.New()
	for _, id := range ids {
		keep.Insert(id)
	}

	next := make([]Target, 0, len(ids))
	existing := make(map[string]bool, len(t.nameservers))
	for _, tgt := range t.nameservers {
		existing[tgt.ID] = true
		if keep.Has(tgt.ID) {
			next = append(next, tgt)
		} else {
			t.validatedNS.Remove(tgt.ID)
		}
	}

	for _, id := range ids {
		if existing[id] {
			continue
		}

		next = append(next, Target{ID: id, Kind: KindDo53})
		added = append(added, id)
	}

	t.nameservers = next

	log.Debug("upstream: nameservers set to %v (%d new)", ids, len(added))

	return added
}

// SetDoHProviders diffs providers against the current DoH set the same way
// SetNameServers does, and updates the always-on and enabled flags. It
// returns the URLs that are new.
func (t *Table) SetDoHProviders(providers []DoHProvider, alwaysOn bool) (added []string) {
	keep := set.New()
	for _, p := range providers {
		keep.Insert(p.URL)
	}

	next := make([]Target, 0, len(providers))
	keptAt := make(map[string]int, len(t.dohProviders))
	for _, tgt := range t.dohProviders {
		if keep.Has(tgt.ID) {
			keptAt[tgt.ID] = len(next)
			next = append(next, tgt)
		} else {
			t.validatedDoH.Remove(tgt.ID)
		}
	}

	for _, p := range providers {
		if i, ok := keptAt[p.URL]; ok {
			next[i].BootstrapIPs = p.BootstrapIPs

			continue
		}

		next = append(next, Target{ID: p.URL, Kind: KindDoH, BootstrapIPs: p.BootstrapIPs})
		added = append(added, p.URL)
	}

	t.dohProviders = next
	t.alwaysOnDoH = alwaysOn
	t.dohEnabled = len(providers) > 0

	log.Debug("upstream: doh providers set to %v (always_on=%t, %d new)", providers, alwaysOn, len(added))

	return added
}

// DoHEnabled reports whether any DoH provider is configured.
func (t *Table) DoHEnabled() bool { return t.dohEnabled }

// AlwaysOnDoH reports whether plain-text fallback is disallowed.
func (t *Table) AlwaysOnDoH() bool { return t.alwaysOnDoH }

// MarkValidated promotes id (of the given kind) to the validated set. It is
// a no-op if id is not currently configured.
func (t *Table) MarkValidated(kind Kind, id string) {
	pool, validated := t.nameservers, t.validatedNS
	if kind == KindDoH {
		pool, validated = t.dohProviders, t.validatedDoH
	}

	for _, tgt := range pool {
		if tgt.ID == id {
			validated.Insert(id)

			return
		}
	}
}

// Invalidate removes id from the validated set for the given kind.
func (t *Table) Invalidate(kind Kind, id string) {
	if kind == KindDoH {
		t.validatedDoH.Remove(id)

		return
	}

	t.validatedNS.Remove(id)
}

// IsValidated reports whether id is currently in the validated set for kind.
func (t *Table) IsValidated(kind Kind, id string) bool {
	if kind == KindDoH {
		return t.validatedDoH.Has(id)
	}

	return t.validatedNS.Has(id)
}

// ActiveNameservers returns the fan-out candidate set for Do53: the
// validated nameservers if any are validated, else every configured
// nameserver (§4.4.3).
func (t *Table) ActiveNameservers() []Target {
	return selectActive(t.nameservers, t.validatedNS)
}

// ActiveDoHProviders returns the fan-out candidate set for DoH: providers
// that are both validated and currently eligible under automatic-mode
// matching (§9's "Automatic-mode DoH matching"), if any; else, only when
// AlwaysOnDoH is set, every eligible configured provider; else none (the
// caller falls through to Do53).
func (t *Table) ActiveDoHProviders() []Target {
	eligible := make([]Target, 0, len(t.dohProviders))
	for _, tgt := range t.dohProviders {
		if t.providerEligible(tgt) {
			eligible = append(eligible, tgt)
		}
	}

	validated := make([]Target, 0, len(eligible))
	for _, tgt := range eligible {
		if t.validatedDoH.Has(tgt.ID) {
			validated = append(validated, tgt)
		}
	}

	if len(validated) > 0 {
		return validated
	}

	if t.alwaysOnDoH {
		return eligible
	}

	return nil
}

// providerEligible implements the automatic-mode matching rule: a provider
// with no bootstrap IPs, or the "*" sentinel among them, is always
// eligible; otherwise it is eligible only when one of its bootstrap IPs is
// currently configured as a nameserver (the closest analogue this core has
// to "the active nameserver", since the Resolver façade tracks a
// nameserver set rather than a single active route — see DESIGN.md).
func (t *Table) providerEligible(tgt Target) bool {
	if len(tgt.BootstrapIPs) == 0 {
		return true
	}

	for _, ip := range tgt.BootstrapIPs {
		if ip == allBootstrap {
			return true
		}

		for _, ns := range t.nameservers {
			if strings.EqualFold(ns.ID, ip) {
				return true
			}
		}
	}

	return false
}

func selectActive(all []Target, validated *set.Set) []Target {
	active := make([]Target, 0, len(all))
	for _, tgt := range all {
		if validated.Has(tgt.ID) {
			active = append(active, tgt)
		}
	}

	if len(active) > 0 {
		return active
	}

	return append([]Target(nil), all...)
}
