package config

import "github.com/palisade-fw/palisade/internal/rule"

// Default returns the built-in configuration used when no config file
// is present: an SSH-restricted policy, a web-services policy and a
// trusted/dmz zone pair. The SSH policy relies on the backend's
// default-deny inbound baseline rather than an explicit catch-all deny,
// so it stays free of internal conflicts.
func Default() *Config {
	return &Config{
		SchemaVersion: "1",
		Policies: []rule.Policy{
			{
				Name:                 "ssh_restricted",
				Description:          "SSH reachable only from the trusted network",
				Environments:         []string{"prod", "staging"},
				ComplianceFrameworks: []string{"baseline"},
				RiskLevel:            rule.RiskMedium,
				Rules: []rule.Rule{
					{
						Name:           "allow_ssh_trusted",
						Action:         rule.ActionAllow,
						Direction:      rule.DirectionIn,
						Protocol:       "tcp",
						Port:           "22",
						Source:         "10.0.0.0/8",
						Priority:       10,
						Description:    "SSH from the trusted network only",
						ComplianceTags: []string{"baseline:admin-access"},
					},
					{
						Name:           "log_ssh_attempts",
						Action:         rule.ActionLog,
						Direction:      rule.DirectionIn,
						Protocol:       "tcp",
						Port:           "22",
						Priority:       20,
						Description:    "Log all other SSH attempts before the default deny drops them",
						ComplianceTags: []string{"baseline:logging"},
					},
				},
			},
			{
				Name:                 "web_services",
				Description:          "Public HTTP/HTTPS service exposure",
				Environments:         []string{"prod"},
				ComplianceFrameworks: []string{"baseline"},
				RiskLevel:            rule.RiskMedium,
				AutoApply:            true,
				Rules: []rule.Rule{
					{
						Name:        "allow_http",
						Action:      rule.ActionAllow,
						Direction:   rule.DirectionIn,
						Protocol:    "tcp",
						Port:        "80",
						Priority:    10,
						Description: "Public HTTP",
					},
					{
						Name:        "allow_https",
						Action:      rule.ActionAllow,
						Direction:   rule.DirectionIn,
						Protocol:    "tcp",
						Port:        "443",
						Priority:    10,
						Description: "Public HTTPS",
					},
				},
			},
		},
		Zones: []rule.Zone{
			{
				Name:            "trusted",
				Description:     "Internal corporate network",
				CIDRs:           []string{"10.0.0.0/8"},
				TrustLevel:      rule.TrustTrusted,
				DefaultPolicy:   rule.ActionAllow,
				AllowedServices: []string{"ssh", "dns", "http", "https"},
			},
			{
				Name:            "dmz",
				Description:     "Public-facing service segment",
				CIDRs:           []string{"172.16.0.0/24"},
				TrustLevel:      rule.TrustDMZ,
				DefaultPolicy:   rule.ActionDeny,
				AllowedServices: []string{"http", "https"},
			},
		},
	}
}
