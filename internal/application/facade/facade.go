// Package facade is the single entry point every external caller goes
// through: it wraps operation execution with the idempotency layer, and
// hosts the handful of cross-cutting policy queries the CLI/HTTP layer
// needs (§5 external interfaces).
package facade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ipamcore/internal/application/allocator"
	"ipamcore/internal/application/idempotency"
	"ipamcore/internal/domain/ipam"

	"github.com/google/uuid"
)

// maxSiblingOverlapRetries bounds AllocateSubnetWithRetry's total attempts against
// a transient ErrSiblingOverlap caused by a concurrent allocation landing on
// the same candidate first.
const maxSiblingOverlapRetries = 3

// Envelope is the caller-supplied request wrapper: a request_id plus the
// operation's parameters, already reduced to JSON-marshalable values for
// hashing and storage.
type Envelope struct {
	RequestID string
	Endpoint  string
	Method    string
	Params    map[string]any
}

// Result is what Do returns: the operation's response payload and status,
// whether it came from the idempotency cache, and the request_id actually
// used (generated when the caller didn't supply one).
type Result struct {
	RequestID string
	Body      []byte
	Status    int
	Cached    bool
}

// allocatorPort is the subset of allocator.Service the facade depends on.
type allocatorPort interface {
	AllocateSubnet(ctx context.Context, req allocator.AllocateRequest) (*allocator.Allocation, error)
}

// Facade wires the idempotency layer in front of the tree/allocator/prefix
// store operations.
type Facade struct {
	store     ipam.PrefixStore
	idemp     *idempotency.Service
	allocator allocatorPort
}

// NewFacade constructs a Facade.
func NewFacade(store ipam.PrefixStore, idemp *idempotency.Service, alloc allocatorPort) *Facade {
	return &Facade{store: store, idemp: idemp, allocator: alloc}
}

// Do executes op under idempotent caching. If env.RequestID is empty, a
// fresh UUID is generated and used (§4.6: safe idempotency for retrying
// clients that never supplied one). op's error is never cached; only a
// successful (body, status) pair is.
func (f *Facade) Do(ctx context.Context, env Envelope, op func(ctx context.Context) (any, int, error)) (*Result, error) {
	requestID := env.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if env.RequestID != "" {
		outcome, err := f.idemp.Check(ctx, requestID, env.Endpoint, env.Method, env.Params)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			return &Result{RequestID: requestID, Body: outcome.ResponseBody, Status: outcome.StatusCode, Cached: true}, nil
		}
	}

	payload, status, err := op(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("facade: marshal response: %w", err)
	}

	if err := f.idemp.Store(ctx, requestID, env.Endpoint, env.Method, env.Params, body, status); err != nil {
		return nil, err
	}

	return &Result{RequestID: requestID, Body: body, Status: status, Cached: false}, nil
}

// AllocateSubnetWithRetry calls AllocateSubnet at most maxSiblingOverlapRetries
// times in total, trying again only when it fails with ErrSiblingOverlap, the signature of a race
// against a concurrent allocator call landing on the same candidate subnet
// first; any other error or an eventual NoSpaceError is returned as-is.
func (f *Facade) AllocateSubnetWithRetry(ctx context.Context, req allocator.AllocateRequest) (*allocator.Allocation, error) {
	var lastErr error
	for attempt := 0; attempt < maxSiblingOverlapRetries; attempt++ {
		alloc, err := f.allocator.AllocateSubnet(ctx, req)
		if err == nil {
			return alloc, nil
		}
		if !errors.Is(err, ipam.ErrSiblingOverlap) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// CanCreateChild reports whether prefixID may host a new manual child, and
// why not when it can't (§5).
func (f *Facade) CanCreateChild(ctx context.Context, prefixID string) (bool, string, error) {
	prefix, err := f.store.PrefixByID(ctx, prefixID)
	if err != nil {
		return false, "", err
	}
	if prefix.Source == ipam.SourceVPC {
		return false, "prefix is VPC-sourced and owned by the reconciler", nil
	}
	if prefix.VPCChildrenFlag {
		return false, "prefix admits only cloud-sourced or allocator-produced children", nil
	}
	return true, "", nil
}

// CanAssociateVPC reports whether prefixID may accept a new VPCPrefixAssociation.
func (f *Facade) CanAssociateVPC(ctx context.Context, prefixID string) (bool, string, error) {
	prefix, err := f.store.PrefixByID(ctx, prefixID)
	if err != nil {
		return false, "", err
	}
	if prefix.Source == ipam.SourceVPC {
		return false, "source=vpc prefixes admit no associations", nil
	}

	assocs, err := f.store.AssociationsForPrefix(ctx, prefixID)
	if err != nil {
		return false, "", err
	}
	if prefix.Routable && len(assocs) >= 1 {
		return false, "a routable parent prefix admits at most one VPC association", nil
	}
	return true, "", nil
}
