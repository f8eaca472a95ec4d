package cmd

import (
	"os"

	"github.com/AdguardTeam/golibs/errors"
	"gopkg.in/yaml.v3"

	"github.com/chromiumos/dns-proxy-resolver/internal/upstream"
)

// dohProviderYAML is one doh_providers entry in the config file, matching
// [upstream.DoHProvider]'s shape so it decodes straight off the wire
// without an intermediate struct per field.
type dohProviderYAML struct {
	URL          string   `yaml:"url"`
	BootstrapIPs []string `yaml:"bootstrap_ips"`
}

// config is the on-disk YAML shape this module loads in place of a real
// NetworkConfigSource (out of scope per §1 — the real one watches a
// connectivity manager). It is read once at startup; SIGHUP-triggered
// reload is not implemented, matching the "static stand-in" framing.
type config struct {
	NameServers     []string           `yaml:"name_servers"`
	DoHProviders    []dohProviderYAML  `yaml:"doh_providers"`
	DoHAlwaysOn     bool               `yaml:"doh_always_on"`
	IncludedDomains []string           `yaml:"included_domains"`
	ExcludedDomains []string           `yaml:"excluded_domains"`
	ListenUDP       []listenAddrConfig `yaml:"listen_udp"`
	ListenTCP       []listenAddrConfig `yaml:"listen_tcp"`
	AdminAddr       string             `yaml:"admin_addr"`
	LogLevel        string             `yaml:"log_level"`
	StatsLogEvery   string             `yaml:"stats_log_every"`
}

// listenAddrConfig is one ListenUDP/ListenTCP call's worth of arguments.
type listenAddrConfig struct {
	Addr   string `yaml:"addr"`
	Ifname string `yaml:"ifname"`
}

// defaultConfig is used whenever -config is unset, so the binary still
// comes up listening somewhere useful for a local/standalone run.
func defaultConfig() *config {
	return &config{
		ListenUDP: []listenAddrConfig{{Addr: "127.0.0.1:53"}},
		ListenTCP: []listenAddrConfig{{Addr: "127.0.0.1:53"}},
		AdminAddr: "127.0.0.1:6080",
		LogLevel:  "info",
	}
}

// loadConfig reads and decodes path, or returns defaultConfig when path is
// empty.
func loadConfig(path string) (*config, error) {
	if path == "" {
		return defaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config: %w")
	}

	conf := defaultConfig()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, errors.Annotate(err, "parsing config: %w")
	}

	return conf, nil
}

// dohProviders converts the YAML entries to [upstream.DoHProvider].
func (c *config) dohProviders() []upstream.DoHProvider {
	out := make([]upstream.DoHProvider, 0, len(c.DoHProviders))
	for _, p := range c.DoHProviders {
		out = append(out, upstream.DoHProvider{URL: p.URL, BootstrapIPs: p.BootstrapIPs})
	}

	return out
}
