package tree

import (
	"context"
	"net/netip"
	"testing"

	"ipamcore/internal/domain/ipam"
)

// fakeStore is a minimal in-memory ipam.PrefixStore sufficient for the tree
// package's tests; it implements only Filter and Tree, the two methods this
// package calls, and panics if anything else is invoked.
type fakeStore struct {
	ipam.PrefixStore
	prefixes []*ipam.Prefix
}

func (f *fakeStore) Filter(ctx context.Context, filter ipam.PrefixFilter) ([]*ipam.Prefix, error) {
	var out []*ipam.Prefix
	for _, p := range f.prefixes {
		if filter.VRFID != "" && p.VRFID != filter.VRFID {
			continue
		}
		if filter.Source != nil && p.Source != *filter.Source {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) Tree(ctx context.Context, vrfID string) ([]*ipam.Prefix, error) {
	return f.Filter(ctx, ipam.PrefixFilter{VRFID: vrfID})
}

func prefix(id, vrf, cidr string, parent *string, tags ipam.Tags) *ipam.Prefix {
	p := netip.MustParsePrefix(cidr)
	return &ipam.Prefix{
		PrefixID:       id,
		VRFID:          vrf,
		CIDR:           p,
		Tags:           tags,
		ParentPrefixID: parent,
		Source:         ipam.SourceManual,
	}
}

func strp(s string) *string { return &s }

func TestResolveParentNarrowest(t *testing.T) {
	store := &fakeStore{prefixes: []*ipam.Prefix{
		prefix("p1", "vrf-a", "10.0.0.0/8", nil, nil),
		prefix("p2", "vrf-a", "10.0.0.0/16", strp("p1"), nil),
	}}
	svc := NewService(store)

	parent, err := svc.ResolveParent(context.Background(), "vrf-a", netip.MustParsePrefix("10.0.1.0/24"))
	if err != nil {
		t.Fatalf("ResolveParent: %v", err)
	}
	if parent == nil || parent.PrefixID != "p2" {
		t.Fatalf("expected narrowest parent p2, got %+v", parent)
	}
}

func TestResolveParentRoot(t *testing.T) {
	store := &fakeStore{prefixes: []*ipam.Prefix{
		prefix("p1", "vrf-a", "10.0.0.0/16", nil, nil),
	}}
	svc := NewService(store)

	parent, err := svc.ResolveParent(context.Background(), "vrf-a", netip.MustParsePrefix("172.16.0.0/16"))
	if err != nil {
		t.Fatalf("ResolveParent: %v", err)
	}
	if parent != nil {
		t.Fatalf("expected no parent, got %+v", parent)
	}
}

func TestResolveParentSkipsExactMatch(t *testing.T) {
	store := &fakeStore{prefixes: []*ipam.Prefix{
		prefix("p1", "vrf-a", "10.0.0.0/8", nil, nil),
		prefix("p2", "vrf-a", "10.0.0.0/16", strp("p1"), nil),
	}}
	svc := NewService(store)

	parent, err := svc.ResolveParent(context.Background(), "vrf-a", netip.MustParsePrefix("10.0.0.0/16"))
	if err != nil {
		t.Fatalf("ResolveParent: %v", err)
	}
	if parent == nil || parent.PrefixID != "p1" {
		t.Fatalf("expected p1 as parent of its own exact CIDR, got %+v", parent)
	}
}

func TestCandidateParentsOrderingAndTagFilter(t *testing.T) {
	store := &fakeStore{prefixes: []*ipam.Prefix{
		prefix("wide", "vrf-a", "10.0.0.0/8", nil, ipam.Tags{"env": "prod"}),
		prefix("narrowB", "vrf-a", "10.1.0.0/16", nil, ipam.Tags{"env": "prod"}),
		prefix("narrowA", "vrf-a", "10.0.0.0/16", nil, ipam.Tags{"env": "prod"}),
		prefix("wrongTag", "vrf-a", "10.2.0.0/16", nil, ipam.Tags{"env": "dev"}),
	}}
	svc := NewService(store)

	got, err := svc.CandidateParents(context.Background(), "vrf-a", ipam.Tags{"env": "prod"})
	if err != nil {
		t.Fatalf("CandidateParents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	want := []string{"narrowA", "narrowB", "wide"}
	for i, w := range want {
		if got[i].PrefixID != w {
			t.Fatalf("candidate %d = %s, want %s", i, got[i].PrefixID, w)
		}
	}
}

func TestForestDepthFirstOrder(t *testing.T) {
	store := &fakeStore{prefixes: []*ipam.Prefix{
		prefix("root", "vrf-a", "10.0.0.0/8", nil, nil),
		prefix("childB", "vrf-a", "10.1.0.0/16", strp("root"), nil),
		prefix("childA", "vrf-a", "10.0.0.0/16", strp("root"), nil),
		prefix("grandchild", "vrf-a", "10.0.1.0/24", strp("childA"), nil),
	}}
	svc := NewService(store)

	nodes, err := svc.Forest(context.Background(), "vrf-a")
	if err != nil {
		t.Fatalf("Forest: %v", err)
	}
	wantIDs := []string{"root", "childA", "grandchild", "childB"}
	wantDepths := []int{0, 1, 2, 1}
	if len(nodes) != len(wantIDs) {
		t.Fatalf("expected %d nodes, got %d", len(wantIDs), len(nodes))
	}
	for i := range nodes {
		if nodes[i].Prefix.PrefixID != wantIDs[i] || nodes[i].Depth != wantDepths[i] {
			t.Fatalf("node %d = (%s, depth %d), want (%s, depth %d)",
				i, nodes[i].Prefix.PrefixID, nodes[i].Depth, wantIDs[i], wantDepths[i])
		}
	}
}
