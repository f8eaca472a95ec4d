// Command dns-proxy-resolver runs the Resolver core as a standalone
// process, driven by a static YAML config in place of a real
// NetworkConfigSource.
package main

import "github.com/chromiumos/dns-proxy-resolver/internal/cmd"

func main() {
	cmd.Main()
}
