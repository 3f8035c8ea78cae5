package ipam

import (
	"context"
	"net/netip"
)

// PrefixFilter narrows a Filter() read (§4.2).
type PrefixFilter struct {
	VRFID     string
	Routable  *bool
	Source    *Source
	Provider  *Provider
	AccountID string
}

// PrefixPatch carries the mutable fields of UpdateManualPrefix.
type PrefixPatch struct {
	Tags            Tags
	Routable        *bool
	VPCChildrenFlag *bool
}

// PrefixStore is the transactional persistence contract for VRFs, Prefixes,
// VPCs and associations (§4.2). Implementations apply every invariant in §3
// atomically at the granularity of a single call; callers never observe
// partial state.
type PrefixStore interface {
	// VRF lifecycle.
	CreateVRF(ctx context.Context, vrf *VRF) (*VRF, error)
	// EnsureVRF creates vrf if no VRF with that id exists yet, otherwise
	// returns the existing one unchanged. Used by the reconciler to
	// auto-create per-VPC routing domains.
	EnsureVRF(ctx context.Context, vrf *VRF) (*VRF, error)
	VRFByID(ctx context.Context, vrfID string) (*VRF, error)
	DeleteVRF(ctx context.Context, vrfID string) error

	// VPC lifecycle.
	CreateVPC(ctx context.Context, vpc *VPC) (*VPC, error)
	VPCByID(ctx context.Context, vpcID string) (*VPC, error)
	VPCByNaturalKey(ctx context.Context, provider Provider, accountID, providerVPCID string) (*VPC, error)
	DeleteVPC(ctx context.Context, vpcID string) error

	// Prefix mutation.
	CreateManualPrefix(ctx context.Context, vrfID string, cidr netip.Prefix, parentPrefixID *string, tags Tags, routable, vpcChildrenFlag bool) (*Prefix, error)
	CreateVPCSourcedPrefix(ctx context.Context, vpcID string, cidr netip.Prefix, parentPrefixID *string, vrfID string, tags Tags, routable bool) (*Prefix, error)
	UpdateManualPrefix(ctx context.Context, prefixID string, patch PrefixPatch) (*Prefix, error)
	DeleteManualPrefix(ctx context.Context, prefixID string) error
	CreatePublicIPPrefix(ctx context.Context, vpcID *string, cidr netip.Prefix, tags Tags) (*Prefix, error)
	// UpsertVPCSubnet is the idempotent create-or-update used by callers that
	// don't need the reconciler's richer classification (create/delete/
	// update/resurrect) — a direct operator-triggered re-sync of one subnet.
	UpsertVPCSubnet(ctx context.Context, vpcID string, cidr netip.Prefix, tags Tags) (*Prefix, error)
	// UpdateVPCSourcedPrefixTags is reconciler-only: it mutates the tag map
	// of a source=vpc prefix (metadata refresh, tombstone, resurrection)
	// without going through the manual-prefix mutation path, which refuses
	// source=vpc rows by design.
	UpdateVPCSourcedPrefixTags(ctx context.Context, prefixID string, tags Tags) (*Prefix, error)

	// Association mutation.
	AssociateVPCWithPrefix(ctx context.Context, vpcID string, cidr netip.Prefix, routable bool, parentPrefixID string) (*VPCPrefixAssociation, error)
	DeleteAssociation(ctx context.Context, associationID string) error
	AssociationsForVPC(ctx context.Context, vpcID string) ([]*VPCPrefixAssociation, error)
	AssociationsForPrefix(ctx context.Context, prefixID string) ([]*VPCPrefixAssociation, error)

	// Reads.
	PrefixByID(ctx context.Context, prefixID string) (*Prefix, error)
	PrefixByVRFAndCIDR(ctx context.Context, vrfID string, cidr netip.Prefix) (*Prefix, error)
	Children(ctx context.Context, parentPrefixID string) ([]*Prefix, error)
	RootPrefixes(ctx context.Context, vrfID string) ([]*Prefix, error)
	Filter(ctx context.Context, filter PrefixFilter) ([]*Prefix, error)
	// Tree returns every prefix in vrfID (or every VRF when vrfID is empty),
	// ordered by VRF id, then indentation level, then network address —
	// the store's canonical read order (§4.2).
	Tree(ctx context.Context, vrfID string) ([]*Prefix, error)
	IsAssociatedWithAnyVPC(ctx context.Context, prefixID string) (bool, error)
	VPCSourcedPrefixesForVPC(ctx context.Context, vpcID string) ([]*Prefix, error)
}

// IdempotencyStore persists the permanent request_id -> response cache (§4.6).
type IdempotencyStore interface {
	// Get returns ErrIdempotencyRecordNotFound when no record exists for id.
	Get(ctx context.Context, requestID string) (*IdempotencyRecord, error)
	// Create swallows a unique-key conflict: the spec requires the losing
	// writer of a storage race to treat the winner's record as authoritative.
	Create(ctx context.Context, rec *IdempotencyRecord) error
	Stats(ctx context.Context) (Stats, error)
}
