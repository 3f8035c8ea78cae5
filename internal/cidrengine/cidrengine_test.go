package cidrengine

import (
	"net/netip"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func mustParse(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", s, err)
	}
	return p
}

func TestParseCanonicalizesMask(t *testing.T) {
	p := mustParse(t, "10.0.0.5/16")
	if p.String() != "10.0.0.0/16" {
		t.Fatalf("expected masked network, got %s", p)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("not-a-cidr"); err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
}

func TestContains(t *testing.T) {
	cases := []struct {
		parent, child string
		want          bool
	}{
		{"10.0.0.0/8", "10.0.0.0/12", true},
		{"10.0.0.0/8", "10.1.0.0/16", true},
		{"10.0.0.0/12", "10.0.0.0/9", false},  // child broader than parent
		{"10.0.0.0/16", "10.0.0.0/16", false}, // equal, not strict
		{"10.0.0.0/16", "10.1.0.0/24", false}, // not contained
		{"::/0", "2001:db8::/32", true},
	}
	for _, c := range cases {
		parent := mustParse(t, c.parent)
		child := mustParse(t, c.child)
		if got := Contains(parent, child); got != c.want {
			t.Errorf("Contains(%s, %s) = %v, want %v", c.parent, c.child, got, c.want)
		}
	}
}

func TestContainsRefusesCrossFamily(t *testing.T) {
	parent := mustParse(t, "10.0.0.0/8")
	child := mustParse(t, "2001:db8::/32")
	if Contains(parent, child) {
		t.Fatal("cross-family containment must be false")
	}
}

func TestOverlaps(t *testing.T) {
	a := mustParse(t, "10.0.0.0/16")
	b := mustParse(t, "10.0.128.0/17")
	c := mustParse(t, "10.1.0.0/16")

	if ok, err := Overlaps(a, b); err != nil || !ok {
		t.Fatalf("expected overlap, got ok=%v err=%v", ok, err)
	}
	if ok, err := Overlaps(a, c); err != nil || ok {
		t.Fatalf("expected no overlap, got ok=%v err=%v", ok, err)
	}
	if _, err := Overlaps(a, mustParse(t, "2001:db8::/32")); err == nil {
		t.Fatal("expected family mismatch error")
	}
}

func TestCanonicalIDv4(t *testing.T) {
	p := mustParse(t, "10.0.0.0/16")
	if got, want := CanonicalID(p), "10-0-0-0-16"; got != want {
		t.Fatalf("CanonicalID = %q, want %q", got, want)
	}
}

func TestCanonicalIDv6FullyExpanded(t *testing.T) {
	p := mustParse(t, "2001:db8::/32")
	got := CanonicalID(p)
	want := "2001-0db8-0000-0000-0000-0000-0000-0000-32"
	if got != want {
		t.Fatalf("CanonicalID = %q, want %q", got, want)
	}
}

func TestEnumerateSubnetsAddressOrder(t *testing.T) {
	parent := mustParse(t, "10.0.0.0/12")
	var got []string
	for p := range EnumerateSubnets(parent, 16) {
		got = append(got, p.String())
		if len(got) == 3 {
			break
		}
	}
	want := []string{"10.0.0.0/16", "10.1.0.0/16", "10.2.0.0/16"}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("subnet %d = %s, want %s", i, got[i], w)
		}
	}
}

func TestEnumerateSubnetsEmptyWhenTooBroad(t *testing.T) {
	parent := mustParse(t, "10.0.0.0/16")
	count := 0
	for range EnumerateSubnets(parent, 8) {
		count++
	}
	if count != 0 {
		t.Fatalf("expected no candidates when bits < parent.Bits(), got %d", count)
	}
}

func TestEnumerateSubnetsIPv6Lazy(t *testing.T) {
	parent := mustParse(t, "2001:db8::/32")
	// 2^(48-32) = 65536 candidates; laziness means we can stop after the
	// first few without materializing the rest.
	n := 0
	for p := range EnumerateSubnets(parent, 48) {
		n++
		if !Contains(parent, p) {
			t.Fatalf("enumerated subnet %s not contained in parent %s", p, parent)
		}
		if n >= 5 {
			break
		}
	}
	if n != 5 {
		t.Fatalf("expected to inspect 5 candidates, got %d", n)
	}
}

func TestOverlapSet(t *testing.T) {
	existing := []netip.Prefix{mustParse(t, "10.0.0.0/16"), mustParse(t, "10.16.0.0/16")}
	set, err := NewOverlapSet(existing)
	if err != nil {
		t.Fatalf("NewOverlapSet: %v", err)
	}
	if !set.Overlaps(mustParse(t, "10.0.0.0/20")) {
		t.Fatal("expected overlap with 10.0.0.0/16")
	}
	if set.Overlaps(mustParse(t, "10.32.0.0/16")) {
		t.Fatal("expected no overlap")
	}
}

// TestEnumerateSubnetsPropertyContainedAndDisjoint checks two laws on random
// IPv4 /16 parents split into /24s: every enumerated subnet is contained in
// parent, and consecutive subnets never overlap.
func TestEnumerateSubnetsPropertyContainedAndDisjoint(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	props := gopter.NewProperties(parameters)

	octetGen := gen.IntRange(0, 255)
	props.Property("every enumerated /24 under a /16 is contained and disjoint", prop.ForAll(
		func(a, b int) bool {
			parent := netip.PrefixFrom(netip.AddrFrom4([4]byte{byte(a), byte(b), 0, 0}), 16).Masked()
			var prev netip.Prefix
			count := 0
			for p := range EnumerateSubnets(parent, 24) {
				if !Contains(parent, p) {
					return false
				}
				if count > 0 {
					if ok, _ := Overlaps(prev, p); ok {
						return false
					}
				}
				prev = p
				count++
				if count >= 8 {
					break
				}
			}
			return count == 8
		},
		octetGen, octetGen,
	))
	props.TestingRun(t)
}
