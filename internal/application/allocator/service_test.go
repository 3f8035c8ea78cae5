package allocator

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"ipamcore/internal/domain/ipam"
)

// fakeStore is a minimal in-memory PrefixStore covering the calls the
// allocator makes: PrefixByID, Children, CreateManualPrefix.
type fakeStore struct {
	ipam.PrefixStore
	prefixes map[string]*ipam.Prefix
	nextID   int
}

func newFakeStore(prefixes ...*ipam.Prefix) *fakeStore {
	m := make(map[string]*ipam.Prefix, len(prefixes))
	for _, p := range prefixes {
		m[p.PrefixID] = p
	}
	return &fakeStore{prefixes: m}
}

func (f *fakeStore) PrefixByID(ctx context.Context, id string) (*ipam.Prefix, error) {
	p, ok := f.prefixes[id]
	if !ok {
		return nil, ipam.ErrPrefixNotFound
	}
	return p, nil
}

func (f *fakeStore) Children(ctx context.Context, parentID string) ([]*ipam.Prefix, error) {
	var out []*ipam.Prefix
	for _, p := range f.prefixes {
		if p.ParentPrefixID != nil && *p.ParentPrefixID == parentID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateManualPrefix(ctx context.Context, vrfID string, cidr netip.Prefix, parentPrefixID *string, tags ipam.Tags, routable, vpcChildrenFlag bool) (*ipam.Prefix, error) {
	for _, p := range f.prefixes {
		if p.VRFID == vrfID && p.CIDR == cidr {
			return nil, ipam.ErrDuplicateCIDR
		}
	}
	f.nextID++
	id := "alloc-" + cidr.String()
	p := &ipam.Prefix{
		PrefixID:        id,
		VRFID:           vrfID,
		CIDR:            cidr,
		Tags:            tags,
		ParentPrefixID:  parentPrefixID,
		Source:          ipam.SourceManual,
		Routable:        routable,
		VPCChildrenFlag: vpcChildrenFlag,
	}
	f.prefixes[id] = p
	return p, nil
}

// fakeParents is a stub parentResolver returning a fixed, pre-ordered list.
type fakeParents struct {
	order []*ipam.Prefix
}

func (f *fakeParents) CandidateParents(ctx context.Context, vrfID string, required ipam.Tags) ([]*ipam.Prefix, error) {
	return f.order, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAllocateSubnetFirstFit(t *testing.T) {
	parent := &ipam.Prefix{PrefixID: "parent", VRFID: "vrf-a", CIDR: netip.MustParsePrefix("10.0.0.0/16"), Source: ipam.SourceManual, Routable: true}
	store := newFakeStore(parent)
	svc := NewService(store, &fakeParents{order: []*ipam.Prefix{parent}})
	svc.now = fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	alloc, err := svc.AllocateSubnet(context.Background(), AllocateRequest{
		VRFID:      "vrf-a",
		MaskLength: 24,
		Tags:       ipam.Tags{"env": "prod"},
		Routable:   true,
	})
	if err != nil {
		t.Fatalf("AllocateSubnet: %v", err)
	}
	if alloc.Prefix.CIDR.String() != "10.0.0.0/24" {
		t.Fatalf("expected first /24, got %s", alloc.Prefix.CIDR)
	}
	if alloc.Prefix.Tags["allocated_from"] != "parent" {
		t.Fatalf("expected allocated_from tag, got %v", alloc.Prefix.Tags)
	}
}

func TestAllocateSubnetSkipsOverlap(t *testing.T) {
	parent := &ipam.Prefix{PrefixID: "parent", VRFID: "vrf-a", CIDR: netip.MustParsePrefix("10.0.0.0/16"), Source: ipam.SourceManual, Routable: true}
	existingID := "parent"
	existing := &ipam.Prefix{PrefixID: "existing", VRFID: "vrf-a", CIDR: netip.MustParsePrefix("10.0.0.0/24"), ParentPrefixID: &existingID, Source: ipam.SourceManual}
	store := newFakeStore(parent, existing)
	svc := NewService(store, &fakeParents{order: []*ipam.Prefix{parent}})

	alloc, err := svc.AllocateSubnet(context.Background(), AllocateRequest{VRFID: "vrf-a", MaskLength: 24, Tags: ipam.Tags{}})
	if err != nil {
		t.Fatalf("AllocateSubnet: %v", err)
	}
	if alloc.Prefix.CIDR.String() != "10.0.1.0/24" {
		t.Fatalf("expected second /24 after skipping overlap, got %s", alloc.Prefix.CIDR)
	}
}

func TestAllocateSubnetRoutableSkipsNonRoutableParent(t *testing.T) {
	nonRoutable := &ipam.Prefix{PrefixID: "nr", VRFID: "vrf-a", CIDR: netip.MustParsePrefix("10.0.0.0/16"), Source: ipam.SourceManual, Routable: false}
	routable := &ipam.Prefix{PrefixID: "r", VRFID: "vrf-a", CIDR: netip.MustParsePrefix("10.1.0.0/16"), Source: ipam.SourceManual, Routable: true}
	store := newFakeStore(nonRoutable, routable)
	svc := NewService(store, &fakeParents{order: []*ipam.Prefix{nonRoutable, routable}})

	alloc, err := svc.AllocateSubnet(context.Background(), AllocateRequest{VRFID: "vrf-a", MaskLength: 24, Tags: ipam.Tags{}, Routable: true})
	if err != nil {
		t.Fatalf("AllocateSubnet: %v", err)
	}
	if alloc.ParentID != "r" {
		t.Fatalf("expected routable parent chosen, got %s", alloc.ParentID)
	}
}

func TestAllocateSubnetNoSpace(t *testing.T) {
	parent := &ipam.Prefix{PrefixID: "parent", VRFID: "vrf-a", CIDR: netip.MustParsePrefix("10.0.0.0/31"), Source: ipam.SourceManual, Routable: true}
	parentID := "parent"
	full0 := &ipam.Prefix{PrefixID: "full0", VRFID: "vrf-a", CIDR: netip.MustParsePrefix("10.0.0.0/32"), ParentPrefixID: &parentID, Source: ipam.SourceManual}
	full1 := &ipam.Prefix{PrefixID: "full1", VRFID: "vrf-a", CIDR: netip.MustParsePrefix("10.0.0.1/32"), ParentPrefixID: &parentID, Source: ipam.SourceManual}
	store := newFakeStore(parent, full0, full1)
	svc := NewService(store, &fakeParents{order: []*ipam.Prefix{parent}})

	_, err := svc.AllocateSubnet(context.Background(), AllocateRequest{VRFID: "vrf-a", MaskLength: 32, Tags: ipam.Tags{}})
	var noSpace *ipam.NoSpaceError
	if err == nil {
		t.Fatal("expected NoSpaceError")
	}
	if !asNoSpace(err, &noSpace) {
		t.Fatalf("expected *ipam.NoSpaceError, got %T: %v", err, err)
	}
}

func asNoSpace(err error, target **ipam.NoSpaceError) bool {
	if e, ok := err.(*ipam.NoSpaceError); ok {
		*target = e
		return true
	}
	return false
}

func TestAllocateSubnetExplicitParentInvalidMask(t *testing.T) {
	parent := &ipam.Prefix{PrefixID: "parent", VRFID: "vrf-a", CIDR: netip.MustParsePrefix("10.0.0.0/24"), Source: ipam.SourceManual, Routable: true}
	store := newFakeStore(parent)
	svc := NewService(store, &fakeParents{})

	id := "parent"
	_, err := svc.AllocateSubnet(context.Background(), AllocateRequest{
		VRFID:          "vrf-a",
		MaskLength:     16,
		ParentPrefixID: &id,
		Tags:           ipam.Tags{},
	})
	if err != ipam.ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestPreviewAvailableSubnetsBounded(t *testing.T) {
	parent := &ipam.Prefix{PrefixID: "parent", VRFID: "vrf-a", CIDR: netip.MustParsePrefix("10.0.0.0/8"), Source: ipam.SourceManual, Routable: true}
	store := newFakeStore(parent)
	svc := NewService(store, &fakeParents{})

	out, err := svc.PreviewAvailableSubnets(context.Background(), "parent", 24)
	if err != nil {
		t.Fatalf("PreviewAvailableSubnets: %v", err)
	}
	if len(out) != previewInspectionBound {
		t.Fatalf("expected %d previewed subnets, got %d", previewInspectionBound, len(out))
	}
}
