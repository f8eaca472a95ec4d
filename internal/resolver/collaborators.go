package resolver

import "context"

// The types in this file are out-of-scope collaborators (§1): the Resolver
// consumes them but does not implement them. Production wiring supplies
// concrete implementations from the controller process; tests supply
// fakes.

// NetworkPlatform requests namespaces, DNS-redirection rules, and reports
// device-add/remove events — OS-level wiring this core never touches
// directly.
type NetworkPlatform interface {
	// AddDevice is called when a new guest interface appears; ifname
	// identifies it for a later StopListen call.
	AddDevice(ctx context.Context, ifname string) error
	// RemoveDevice is called when a guest interface disappears.
	RemoveDevice(ctx context.Context, ifname string) error
}

// NetworkConfigSource supplies the current physical nameservers, DoH
// providers, per-domain DoH lists, and default-route changes. A production
// implementation watches the connectivity manager and calls the
// Resolver's SetNameServers/SetDoHProviders/SetDomainDoHConfigs as
// configuration changes; this interface exists so the Resolver's own
// tests can drive it with a static fake instead.
type NetworkConfigSource interface {
	// CurrentNameServers returns the currently configured Do53 literals.
	CurrentNameServers() []string
	// CurrentDoHProviders returns the currently configured DoH providers.
	CurrentDoHProviders() (providers []DoHProviderConfig, alwaysOn bool)
	// CurrentDomainConfigs returns the currently configured domain-policy
	// included/excluded lists.
	CurrentDomainConfigs() (included, excluded []string)
}

// DoHProviderConfig is the external configuration shape for one DoH
// provider entry (§6): a URL (possibly {?dns}-templated) and its
// comma-separated bootstrap-resolver IPs.
type DoHProviderConfig struct {
	URL          string
	BootstrapIPs []string
}

// ResolverConfigSink receives the set of addresses the Resolver is
// currently listening on, for resolv.conf emission.
type ResolverConfigSink interface {
	ReplaceListenAddrs(addrs []string) error
}
