package compliance

import (
	"fmt"
	"sort"
	"strings"
)

// Report renders a text compliance report. An empty framework name
// reports all registered frameworks.
func (e *Engine) Report(snap Snapshot, framework string) (string, error) {
	var results []Result
	if framework != "" {
		res, err := e.CheckFramework(framework, snap)
		if err != nil {
			return "", err
		}
		results = append(results, res)
	} else {
		byName := e.Check(snap)
		for _, name := range e.Frameworks() {
			results = append(results, byName[name])
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Compliance Report (backend: %s)\n", snap.BackendName)
	fmt.Fprintf(&b, "%s\n", strings.Repeat("=", 40))

	for _, res := range results {
		fmt.Fprintf(&b, "\nFramework: %s\n", res.Framework)
		fmt.Fprintf(&b, "Score: %.0f%% (%d/%d checks passed)\n",
			res.Score, len(res.Passed), res.Total)
		for _, desc := range res.Passed {
			fmt.Fprintf(&b, "  [PASS] %s\n", desc)
		}
		for _, desc := range res.Failed {
			fmt.Fprintf(&b, "  [FAIL] %s\n", desc)
		}
	}

	fmt.Fprintf(&b, "\nActive rules: %d\n", len(snap.ActiveRules))
	if len(snap.Policies) > 0 {
		policies := append([]string(nil), snap.Policies...)
		sort.Strings(policies)
		fmt.Fprintf(&b, "Applied policies: %s\n", strings.Join(policies, ", "))
	} else {
		b.WriteString("Applied policies: none\n")
	}
	if len(snap.PartialPolicies) > 0 {
		partial := append([]string(nil), snap.PartialPolicies...)
		sort.Strings(partial)
		fmt.Fprintf(&b, "WARNING: partially applied, not rolled back: %s\n",
			strings.Join(partial, ", "))
	}
	if len(snap.Zones) > 0 {
		names := make([]string, 0, len(snap.Zones))
		for i := range snap.Zones {
			names = append(names, snap.Zones[i].Name)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "Zones: %s\n", strings.Join(names, ", "))
	} else {
		b.WriteString("Zones: none\n")
	}
	if len(snap.Trust.Verified) > 0 || len(snap.Trust.Compromised) > 0 {
		fmt.Fprintf(&b, "Trust sets: %d verified, %d compromised\n",
			len(snap.Trust.Verified), len(snap.Trust.Compromised))
	}

	return b.String(), nil
}
