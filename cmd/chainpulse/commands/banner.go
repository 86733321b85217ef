package commands

import (
	"fmt"
	"sort"

	"github.com/pterm/pterm"

	"github.com/teranos/chainpulse/am"
	"github.com/teranos/chainpulse/sym"
	"github.com/teranos/chainpulse/version"
)

// printServerBanner prints the startup summary
func printServerBanner(cfg *am.Config, port int) {
	info := version.Get()

	chains := make([]string, 0, len(cfg.Chains))
	for name, c := range cfg.Chains {
		entry := name
		if c.FallbackURL != "" {
			entry += " (+fallback)"
		}
		chains = append(chains, entry)
	}
	sort.Strings(chains)

	pterm.DefaultHeader.WithFullWidth().Println(sym.Chain + " chainpulse")
	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Version", fmt.Sprintf("%s (commit %s)", info.Version, info.Short())},
		{"Listen", fmt.Sprintf(":%d", port)},
		{"Database", redactURL(cfg.Database.URL)},
		{"Chains", fmt.Sprint(chains)},
		{"Rate limit", fmt.Sprintf("%d req/min per key", cfg.Admission.RequestsPerMinute)},
		{"Metrics", cfg.Metrics.Collector},
	}).Render()
	pterm.Info.Println("Press Ctrl+C to stop")
}
