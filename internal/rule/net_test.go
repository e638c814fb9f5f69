package rule

import (
	"testing"
)

func TestAddrsOverlap(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"contained", "10.0.0.0/8", "10.1.2.0/24", true},
		{"disjoint", "10.0.0.0/8", "192.168.0.0/16", false},
		{"identical", "172.16.0.0/12", "172.16.0.0/12", true},
		{"host in net", "10.0.0.5", "10.0.0.0/24", true},
		{"any left", "", "10.0.0.0/8", true},
		{"any keyword", "any", "192.168.1.0/24", true},
		{"v4 wildcard", "0.0.0.0/0", "203.0.113.0/24", true},
		{"v6 wildcard", "::/0", "2001:db8::/32", true},
		{"mixed families", "10.0.0.0/8", "2001:db8::/32", false},
		{"v6 contained", "2001:db8::/32", "2001:db8:1::/48", true},
		{"v6 disjoint", "2001:db8::/32", "2001:db9::/32", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := AddrsOverlap(tc.a, tc.b); got != tc.want {
				t.Errorf("AddrsOverlap(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
			if got := AddrsOverlap(tc.b, tc.a); got != tc.want {
				t.Errorf("AddrsOverlap(%q, %q) = %v, want %v (symmetry)", tc.b, tc.a, got, tc.want)
			}
		})
	}
}

func TestParsePortRange(t *testing.T) {
	tests := []struct {
		in      string
		lo, hi  int
		wantErr bool
	}{
		{"22", 22, 22, false},
		{"8000-8100", 8000, 8100, false},
		{"1-65535", 1, 65535, false},
		{"", 0, 0, false},
		{"0", 0, 0, true},
		{"65536", 0, 0, true},
		{"8100-8000", 0, 0, true},
		{"http", 0, 0, true},
		{"-5", 0, 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParsePortRange(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParsePortRange(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if got.Lo != tc.lo || got.Hi != tc.hi {
				t.Errorf("ParsePortRange(%q) = %d-%d, want %d-%d", tc.in, got.Lo, got.Hi, tc.lo, tc.hi)
			}
		})
	}
}

func TestPortsOverlap(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"22", "22", true},
		{"22", "23", false},
		{"8000-8100", "8050", true},
		{"8000-8100", "8101-8200", false},
		{"", "22", true},
		{"", "", true},
	}

	for _, tc := range tests {
		if got := PortsOverlap(tc.a, tc.b); got != tc.want {
			t.Errorf("PortsOverlap(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestAddrFamily(t *testing.T) {
	tests := []struct {
		in   string
		want Family
	}{
		{"", FamilyAny},
		{"any", FamilyAny},
		{"10.0.0.0/8", FamilyIPv4},
		{"192.168.1.5", FamilyIPv4},
		{"2001:db8::/32", FamilyIPv6},
		{"fe80::1", FamilyIPv6},
	}
	for _, tc := range tests {
		got, err := AddrFamily(tc.in)
		if err != nil {
			t.Errorf("AddrFamily(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("AddrFamily(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := AddrFamily("not-an-ip"); err == nil {
		t.Error("expected error for malformed address")
	}
}

func TestZoneContainsAndOverlaps(t *testing.T) {
	internal := Zone{Name: "internal", CIDRs: []string{"10.0.0.0/8"}, TrustLevel: TrustInternal}
	dmz := Zone{Name: "dmz", CIDRs: []string{"172.16.0.0/24"}, TrustLevel: TrustDMZ}
	mgmt := Zone{Name: "mgmt", CIDRs: []string{"10.10.0.0/16"}, TrustLevel: TrustTrusted}

	if !internal.Contains("10.1.2.3") {
		t.Error("10.1.2.3 should be inside internal")
	}
	if internal.Contains("172.16.0.5") {
		t.Error("172.16.0.5 should not be inside internal")
	}

	if !internal.Overlaps(&mgmt) {
		t.Error("nested management subnet should overlap internal")
	}
	if internal.Overlaps(&dmz) {
		t.Error("internal and dmz should not overlap")
	}
}
