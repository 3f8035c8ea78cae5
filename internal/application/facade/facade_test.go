package facade

import (
	"context"
	"testing"

	"ipamcore/internal/application/allocator"
	"ipamcore/internal/application/idempotency"
	"ipamcore/internal/domain/ipam"
)

type fakeIdempStore struct {
	records map[string]*ipam.IdempotencyRecord
}

func newFakeIdempStore() *fakeIdempStore {
	return &fakeIdempStore{records: make(map[string]*ipam.IdempotencyRecord)}
}

func (f *fakeIdempStore) Get(ctx context.Context, requestID string) (*ipam.IdempotencyRecord, error) {
	rec, ok := f.records[requestID]
	if !ok {
		return nil, ipam.ErrIdempotencyRecordNotFound
	}
	return rec, nil
}

func (f *fakeIdempStore) Create(ctx context.Context, rec *ipam.IdempotencyRecord) error {
	if _, exists := f.records[rec.RequestID]; exists {
		return nil
	}
	f.records[rec.RequestID] = rec
	return nil
}

func (f *fakeIdempStore) Stats(ctx context.Context) (ipam.Stats, error) {
	return ipam.Stats{TotalRecords: len(f.records)}, nil
}

type fakePrefixStore struct {
	ipam.PrefixStore
	prefixes     map[string]*ipam.Prefix
	associations map[string][]*ipam.VPCPrefixAssociation
}

func (f *fakePrefixStore) PrefixByID(ctx context.Context, id string) (*ipam.Prefix, error) {
	p, ok := f.prefixes[id]
	if !ok {
		return nil, ipam.ErrPrefixNotFound
	}
	return p, nil
}

func (f *fakePrefixStore) AssociationsForPrefix(ctx context.Context, prefixID string) ([]*ipam.VPCPrefixAssociation, error) {
	return f.associations[prefixID], nil
}

func TestDoExecutesOnceAndCachesSecondCall(t *testing.T) {
	idemp := idempotency.NewService(newFakeIdempStore())
	f := NewFacade(&fakePrefixStore{prefixes: map[string]*ipam.Prefix{}}, idemp, nil)

	calls := 0
	op := func(ctx context.Context) (any, int, error) {
		calls++
		return map[string]any{"ok": true}, 200, nil
	}

	env := Envelope{RequestID: "req-1", Endpoint: "/allocate", Method: "POST", Params: map[string]any{"mask": float64(24)}}

	r1, err := f.Do(context.Background(), env, op)
	if err != nil {
		t.Fatalf("Do (first): %v", err)
	}
	if r1.Cached {
		t.Fatal("expected first call to not be cached")
	}

	r2, err := f.Do(context.Background(), env, op)
	if err != nil {
		t.Fatalf("Do (second): %v", err)
	}
	if !r2.Cached {
		t.Fatal("expected second call to be cached")
	}
	if calls != 1 {
		t.Fatalf("expected op to execute once, got %d calls", calls)
	}
}

func TestDoGeneratesRequestIDWhenAbsent(t *testing.T) {
	idemp := idempotency.NewService(newFakeIdempStore())
	f := NewFacade(&fakePrefixStore{prefixes: map[string]*ipam.Prefix{}}, idemp, nil)

	op := func(ctx context.Context) (any, int, error) {
		return map[string]any{"ok": true}, 200, nil
	}

	r, err := f.Do(context.Background(), Envelope{Endpoint: "/allocate", Method: "POST", Params: map[string]any{}}, op)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if r.RequestID == "" {
		t.Fatal("expected a generated request_id")
	}
}

func TestCanCreateChild(t *testing.T) {
	store := &fakePrefixStore{prefixes: map[string]*ipam.Prefix{
		"manual":    {PrefixID: "manual", Source: ipam.SourceManual},
		"vpc":       {PrefixID: "vpc", Source: ipam.SourceVPC},
		"flaggedby": {PrefixID: "flaggedby", Source: ipam.SourceManual, VPCChildrenFlag: true},
	}}
	f := NewFacade(store, nil, nil)

	if ok, _, _ := f.CanCreateChild(context.Background(), "manual"); !ok {
		t.Fatal("expected manual prefix to allow children")
	}
	if ok, _, _ := f.CanCreateChild(context.Background(), "vpc"); ok {
		t.Fatal("expected vpc-sourced prefix to refuse children")
	}
	if ok, _, _ := f.CanCreateChild(context.Background(), "flaggedby"); ok {
		t.Fatal("expected vpc_children_type_flag prefix to refuse manual children")
	}
}

func TestCanAssociateVPC(t *testing.T) {
	store := &fakePrefixStore{
		prefixes: map[string]*ipam.Prefix{
			"routable-free":  {PrefixID: "routable-free", Source: ipam.SourceManual, Routable: true},
			"routable-taken": {PrefixID: "routable-taken", Source: ipam.SourceManual, Routable: true},
			"nonroutable":    {PrefixID: "nonroutable", Source: ipam.SourceManual, Routable: false},
		},
		associations: map[string][]*ipam.VPCPrefixAssociation{
			"routable-taken": {{AssociationID: "a1"}},
			"nonroutable":    {{AssociationID: "a1"}, {AssociationID: "a2"}},
		},
	}
	f := NewFacade(store, nil, nil)

	if ok, _, _ := f.CanAssociateVPC(context.Background(), "routable-free"); !ok {
		t.Fatal("expected free routable prefix to allow association")
	}
	if ok, _, _ := f.CanAssociateVPC(context.Background(), "routable-taken"); ok {
		t.Fatal("expected already-associated routable prefix to refuse a second association")
	}
	if ok, _, _ := f.CanAssociateVPC(context.Background(), "nonroutable"); !ok {
		t.Fatal("expected non-routable prefix to allow multiple associations")
	}
}

// alwaysOverlapAllocator simulates an allocator that keeps losing a race
// against a concurrent request to the same candidate subnet.
type alwaysOverlapAllocator struct {
	calls int
}

func (a *alwaysOverlapAllocator) AllocateSubnet(ctx context.Context, req allocator.AllocateRequest) (*allocator.Allocation, error) {
	a.calls++
	return nil, ipam.ErrSiblingOverlap
}

func TestAllocateSubnetWithRetryGivesUpAfterBound(t *testing.T) {
	alloc := &alwaysOverlapAllocator{}
	f := NewFacade(&fakePrefixStore{prefixes: map[string]*ipam.Prefix{}}, nil, alloc)

	_, err := f.AllocateSubnetWithRetry(context.Background(), allocator.AllocateRequest{})
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if alloc.calls != maxSiblingOverlapRetries {
		t.Fatalf("expected %d attempts, got %d", maxSiblingOverlapRetries, alloc.calls)
	}
}

func TestAllocateSubnetWithRetrySucceedsAfterTransientOverlap(t *testing.T) {
	calls := 0
	alloc := allocatorFunc(func(ctx context.Context, req allocator.AllocateRequest) (*allocator.Allocation, error) {
		calls++
		if calls < 2 {
			return nil, ipam.ErrSiblingOverlap
		}
		return &allocator.Allocation{ParentID: "parent"}, nil
	})
	f := NewFacade(&fakePrefixStore{prefixes: map[string]*ipam.Prefix{}}, nil, alloc)

	result, err := f.AllocateSubnetWithRetry(context.Background(), allocator.AllocateRequest{})
	if err != nil {
		t.Fatalf("AllocateSubnetWithRetry: %v", err)
	}
	if result.ParentID != "parent" {
		t.Fatalf("expected successful allocation on retry, got %+v", result)
	}
}

type allocatorFunc func(ctx context.Context, req allocator.AllocateRequest) (*allocator.Allocation, error)

func (f allocatorFunc) AllocateSubnet(ctx context.Context, req allocator.AllocateRequest) (*allocator.Allocation, error) {
	return f(ctx, req)
}
