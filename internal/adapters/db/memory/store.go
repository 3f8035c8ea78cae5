// Package memory is an in-memory implementation of ipam.PrefixStore and
// ipam.IdempotencyStore, used by tests and by cmd/server for a
// datastore-free demo mode. It reproduces every invariant a Postgres-backed
// store would enforce with SQL constraints by checking them in Go under a
// single mutex.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"ipamcore/internal/cidrengine"
	"ipamcore/internal/domain/ipam"

	"github.com/google/uuid"
)

// Store is an in-memory, mutex-guarded ipam.PrefixStore.
type Store struct {
	mu sync.RWMutex

	vrfs     map[string]*ipam.VRF
	prefixes map[string]*ipam.Prefix
	vpcs     map[string]*ipam.VPC
	assocs   map[string]*ipam.VPCPrefixAssociation
}

// NewStore constructs an empty in-memory Store.
func NewStore() *Store {
	return &Store{
		vrfs:     make(map[string]*ipam.VRF),
		prefixes: make(map[string]*ipam.Prefix),
		vpcs:     make(map[string]*ipam.VPC),
		assocs:   make(map[string]*ipam.VPCPrefixAssociation),
	}
}

var _ ipam.PrefixStore = (*Store)(nil)

// --- VRF lifecycle ---

func (s *Store) CreateVRF(ctx context.Context, vrf *ipam.VRF) (*ipam.VRF, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vrf.IsDefault {
		for _, existing := range s.vrfs {
			if existing.IsDefault {
				return nil, ipam.ErrVRFAlreadyExists
			}
		}
	}
	if vrf.VRFID == "" {
		vrf.VRFID = uuid.NewString()
	}
	if _, exists := s.vrfs[vrf.VRFID]; exists {
		return nil, ipam.ErrVRFAlreadyExists
	}
	now := time.Now().UTC()
	vrf.CreatedAt, vrf.UpdatedAt = now, now
	s.vrfs[vrf.VRFID] = vrf
	return vrf, nil
}

func (s *Store) EnsureVRF(ctx context.Context, vrf *ipam.VRF) (*ipam.VRF, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.vrfs[vrf.VRFID]; ok {
		return existing, nil
	}
	now := time.Now().UTC()
	vrf.CreatedAt, vrf.UpdatedAt = now, now
	s.vrfs[vrf.VRFID] = vrf
	return vrf, nil
}

func (s *Store) VRFByID(ctx context.Context, vrfID string) (*ipam.VRF, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vrf, ok := s.vrfs[vrfID]
	if !ok {
		return nil, ipam.ErrVRFNotFound
	}
	return vrf, nil
}

func (s *Store) DeleteVRF(ctx context.Context, vrfID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vrfs[vrfID]; !ok {
		return ipam.ErrVRFNotFound
	}
	for _, p := range s.prefixes {
		if p.VRFID == vrfID {
			return ipam.ErrCannotDeleteReferencedVRF
		}
	}
	delete(s.vrfs, vrfID)
	return nil
}

// --- VPC lifecycle ---

func (s *Store) CreateVPC(ctx context.Context, vpc *ipam.VPC) (*ipam.VPC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.vpcs {
		if existing.Provider == vpc.Provider && existing.ProviderAccountID == vpc.ProviderAccountID && existing.ProviderVPCID == vpc.ProviderVPCID {
			return nil, ipam.ErrVPCAlreadyExists
		}
	}
	if vpc.VPCID == "" {
		vpc.VPCID = uuid.NewString()
	}
	now := time.Now().UTC()
	vpc.CreatedAt, vpc.UpdatedAt = now, now
	s.vpcs[vpc.VPCID] = vpc
	return vpc, nil
}

func (s *Store) VPCByID(ctx context.Context, vpcID string) (*ipam.VPC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vpc, ok := s.vpcs[vpcID]
	if !ok {
		return nil, ipam.ErrVPCNotFound
	}
	return vpc, nil
}

func (s *Store) VPCByNaturalKey(ctx context.Context, provider ipam.Provider, accountID, providerVPCID string) (*ipam.VPC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, vpc := range s.vpcs {
		if vpc.Provider == provider && vpc.ProviderAccountID == accountID && vpc.ProviderVPCID == providerVPCID {
			return vpc, nil
		}
	}
	return nil, ipam.ErrVPCNotFound
}

func (s *Store) DeleteVPC(ctx context.Context, vpcID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vpcs[vpcID]; !ok {
		return ipam.ErrVPCNotFound
	}
	for _, p := range s.prefixes {
		if p.VPCID != nil && *p.VPCID == vpcID {
			return ipam.ErrCannotDeleteReferencedVPC
		}
	}
	for _, a := range s.assocs {
		if a.VPCID == vpcID {
			return ipam.ErrCannotDeleteReferencedVPC
		}
	}
	delete(s.vpcs, vpcID)
	return nil
}

// --- Prefix mutation ---

func (s *Store) CreateManualPrefix(ctx context.Context, vrfID string, cidr netip.Prefix, parentPrefixID *string, tags ipam.Tags, routable, vpcChildrenFlag bool) (*ipam.Prefix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vrfs[vrfID]; !ok {
		return nil, ipam.ErrVRFNotFound
	}

	indentation := 0
	if parentPrefixID != nil {
		p, ok := s.prefixes[*parentPrefixID]
		if !ok {
			return nil, ipam.ErrParentMismatch
		}
		if p.VRFID != vrfID || !cidrengine.Contains(p.CIDR, cidr) {
			return nil, ipam.ErrParentMismatch
		}
		indentation = p.IndentationLevel + 1
	}

	if err := s.checkConflict(vrfID, cidr, parentPrefixID); err != nil {
		return nil, err
	}

	prefix := &ipam.Prefix{
		PrefixID:         ipam.ManualPrefixID(vrfID, cidr),
		VRFID:            vrfID,
		CIDR:             cidr,
		Tags:             tags.Clone(),
		IndentationLevel: indentation,
		ParentPrefixID:   parentPrefixID,
		Source:           ipam.SourceManual,
		Routable:         routable,
		VPCChildrenFlag:  vpcChildrenFlag,
	}
	now := time.Now().UTC()
	prefix.CreatedAt, prefix.UpdatedAt = now, now
	s.prefixes[prefix.PrefixID] = prefix
	return prefix, nil
}

func (s *Store) CreateVPCSourcedPrefix(ctx context.Context, vpcID string, cidr netip.Prefix, parentPrefixID *string, vrfID string, tags ipam.Tags, routable bool) (*ipam.Prefix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vpcs[vpcID]; !ok {
		return nil, ipam.ErrVPCNotFound
	}
	if _, ok := s.vrfs[vrfID]; !ok {
		return nil, ipam.ErrVRFNotFound
	}

	indentation := 0
	if parentPrefixID != nil {
		p, ok := s.prefixes[*parentPrefixID]
		if !ok || p.VRFID != vrfID || !cidrengine.Contains(p.CIDR, cidr) {
			return nil, ipam.ErrParentMismatch
		}
		indentation = p.IndentationLevel + 1
	}

	if err := s.checkConflict(vrfID, cidr, parentPrefixID); err != nil {
		return nil, err
	}

	vpcIDCopy := vpcID
	prefix := &ipam.Prefix{
		PrefixID:         ipam.VPCSubnetPrefixID(vpcID, cidr),
		VRFID:            vrfID,
		CIDR:             cidr,
		Tags:             tags.Clone(),
		IndentationLevel: indentation,
		ParentPrefixID:   parentPrefixID,
		Source:           ipam.SourceVPC,
		VPCID:            &vpcIDCopy,
		Routable:         routable,
	}
	now := time.Now().UTC()
	prefix.CreatedAt, prefix.UpdatedAt = now, now
	s.prefixes[prefix.PrefixID] = prefix
	return prefix, nil
}

func (s *Store) UpdateManualPrefix(ctx context.Context, prefixID string, patch ipam.PrefixPatch) (*ipam.Prefix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prefixes[prefixID]
	if !ok {
		return nil, ipam.ErrPrefixNotFound
	}
	if p.Source != ipam.SourceManual {
		return nil, ipam.ErrCannotMutateVPCSourced
	}
	if patch.Tags != nil {
		p.Tags = patch.Tags.Clone()
	}
	if patch.Routable != nil {
		p.Routable = *patch.Routable
	}
	if patch.VPCChildrenFlag != nil {
		p.VPCChildrenFlag = *patch.VPCChildrenFlag
	}
	p.UpdatedAt = time.Now().UTC()
	return p, nil
}

func (s *Store) DeleteManualPrefix(ctx context.Context, prefixID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prefixes[prefixID]
	if !ok {
		return ipam.ErrPrefixNotFound
	}
	if p.Source != ipam.SourceManual {
		return ipam.ErrCannotMutateVPCSourced
	}
	for _, c := range s.prefixes {
		if c.ParentPrefixID != nil && *c.ParentPrefixID == prefixID {
			return ipam.ErrCannotDeleteWithChildren
		}
	}
	for _, a := range s.assocs {
		if a.ParentPrefixID == prefixID {
			return ipam.ErrAssociationPolicyViolation
		}
	}
	delete(s.prefixes, prefixID)
	return nil
}

func (s *Store) CreatePublicIPPrefix(ctx context.Context, vpcID *string, cidr netip.Prefix, tags ipam.Tags) (*ipam.Prefix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vrfs[ipam.PublicVRFID]; !ok {
		now := time.Now().UTC()
		s.vrfs[ipam.PublicVRFID] = &ipam.VRF{VRFID: ipam.PublicVRFID, Description: "public internet addresses", Routable: true, CreatedAt: now, UpdatedAt: now}
	}
	if err := s.checkConflict(ipam.PublicVRFID, cidr, nil); err != nil {
		return nil, err
	}

	source := ipam.SourceManual
	if vpcID != nil {
		source = ipam.SourceVPC
	}
	prefix := &ipam.Prefix{
		PrefixID: ipam.PublicIPPrefixID(cidr),
		VRFID:    ipam.PublicVRFID,
		CIDR:     cidr,
		Tags:     tags.Clone(),
		Source:   source,
		Routable: true,
		VPCID:    vpcID,
	}
	now := time.Now().UTC()
	prefix.CreatedAt, prefix.UpdatedAt = now, now
	s.prefixes[prefix.PrefixID] = prefix
	return prefix, nil
}

// UpsertVPCSubnet places a bare re-synced subnet into the VPC's own
// non-routable routing domain ({provider}_{account}_{vpc_id}, §3), matching
// the reconciler's own per-VPC VRF convention rather than public-vrf.
func (s *Store) UpsertVPCSubnet(ctx context.Context, vpcID string, cidr netip.Prefix, tags ipam.Tags) (*ipam.Prefix, error) {
	s.mu.Lock()
	for _, p := range s.prefixes {
		if p.VPCID != nil && *p.VPCID == vpcID && p.CIDR == cidr {
			p.Tags = tags.Clone()
			p.UpdatedAt = time.Now().UTC()
			s.mu.Unlock()
			return p, nil
		}
	}
	vpc, ok := s.vpcs[vpcID]
	s.mu.Unlock()
	if !ok {
		return nil, ipam.ErrVPCNotFound
	}

	vrfID := fmt.Sprintf("%s_%s_%s", vpc.Provider, vpc.ProviderAccountID, vpc.ProviderVPCID)
	if _, err := s.EnsureVRF(ctx, &ipam.VRF{VRFID: vrfID, Description: fmt.Sprintf("auto-created for VPC %s", vpc.VPCID), Routable: false}); err != nil {
		return nil, err
	}
	return s.CreateVPCSourcedPrefix(ctx, vpcID, cidr, nil, vrfID, tags, false)
}

func (s *Store) UpdateVPCSourcedPrefixTags(ctx context.Context, prefixID string, tags ipam.Tags) (*ipam.Prefix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prefixes[prefixID]
	if !ok {
		return nil, ipam.ErrPrefixNotFound
	}
	p.Tags = tags.Clone()
	p.UpdatedAt = time.Now().UTC()
	return p, nil
}

// checkConflict implements the conflict validation algorithm of §4.2: exact
// duplicate rejection, then sibling overlap among prefixes sharing the same
// parent (or root in the same VRF). Callers must hold s.mu.
func (s *Store) checkConflict(vrfID string, cidr netip.Prefix, parentPrefixID *string) error {
	for _, p := range s.prefixes {
		if p.VRFID == vrfID && p.CIDR == cidr {
			return ipam.ErrDuplicateCIDR
		}
	}
	for _, p := range s.prefixes {
		if p.VRFID != vrfID {
			continue
		}
		sameParent := (p.ParentPrefixID == nil && parentPrefixID == nil) ||
			(p.ParentPrefixID != nil && parentPrefixID != nil && *p.ParentPrefixID == *parentPrefixID)
		if !sameParent {
			continue
		}
		if ok, err := cidrengine.Overlaps(p.CIDR, cidr); err == nil && ok {
			return ipam.ErrSiblingOverlap
		}
	}
	return nil
}

// --- Association mutation ---

func (s *Store) AssociateVPCWithPrefix(ctx context.Context, vpcID string, cidr netip.Prefix, routable bool, parentPrefixID string) (*ipam.VPCPrefixAssociation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vpc, ok := s.vpcs[vpcID]
	if !ok {
		return nil, ipam.ErrVPCNotFound
	}
	parent, ok := s.prefixes[parentPrefixID]
	if !ok {
		return nil, ipam.ErrPrefixNotFound
	}
	if parent.Source == ipam.SourceVPC {
		return nil, ipam.ErrAssociationPolicyViolation
	}
	for _, a := range s.assocs {
		if a.VPCID == vpcID && a.VPCPrefixCIDR == cidr {
			return nil, ipam.ErrAssociationPolicyViolation
		}
		if a.ParentPrefixID == parentPrefixID && parent.Routable {
			return nil, ipam.ErrAssociationPolicyViolation
		}
	}

	assoc := &ipam.VPCPrefixAssociation{
		AssociationID:  uuid.NewString(),
		VPCID:          vpcID,
		VPCPrefixCIDR:  cidr,
		Routable:       routable,
		ParentPrefixID: parentPrefixID,
		CreatedAt:      time.Now().UTC(),
	}
	s.assocs[assoc.AssociationID] = assoc

	parent.Tags = parent.Tags.Clone()
	parent.Tags["associated_vpc"] = vpc.ProviderVPCID
	return assoc, nil
}

func (s *Store) DeleteAssociation(ctx context.Context, associationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	assoc, ok := s.assocs[associationID]
	if !ok {
		return ipam.ErrAssociationNotFound
	}
	delete(s.assocs, associationID)

	remaining := 0
	for _, a := range s.assocs {
		if a.ParentPrefixID == assoc.ParentPrefixID {
			remaining++
		}
	}
	if remaining == 0 {
		if parent, ok := s.prefixes[assoc.ParentPrefixID]; ok {
			parent.Tags = parent.Tags.Clone()
			delete(parent.Tags, "associated_vpc")
		}
	}
	return nil
}

func (s *Store) AssociationsForVPC(ctx context.Context, vpcID string) ([]*ipam.VPCPrefixAssociation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ipam.VPCPrefixAssociation
	for _, a := range s.assocs {
		if a.VPCID == vpcID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) AssociationsForPrefix(ctx context.Context, prefixID string) ([]*ipam.VPCPrefixAssociation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ipam.VPCPrefixAssociation
	for _, a := range s.assocs {
		if a.ParentPrefixID == prefixID {
			out = append(out, a)
		}
	}
	return out, nil
}

// --- Reads ---

func (s *Store) PrefixByID(ctx context.Context, prefixID string) (*ipam.Prefix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prefixes[prefixID]
	if !ok {
		return nil, ipam.ErrPrefixNotFound
	}
	return p, nil
}

func (s *Store) PrefixByVRFAndCIDR(ctx context.Context, vrfID string, cidr netip.Prefix) (*ipam.Prefix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.prefixes {
		if p.VRFID == vrfID && p.CIDR == cidr {
			return p, nil
		}
	}
	return nil, ipam.ErrPrefixNotFound
}

func (s *Store) Children(ctx context.Context, parentPrefixID string) ([]*ipam.Prefix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ipam.Prefix
	for _, p := range s.prefixes {
		if p.ParentPrefixID != nil && *p.ParentPrefixID == parentPrefixID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) RootPrefixes(ctx context.Context, vrfID string) ([]*ipam.Prefix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ipam.Prefix
	for _, p := range s.prefixes {
		if p.VRFID == vrfID && p.ParentPrefixID == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) Filter(ctx context.Context, filter ipam.PrefixFilter) ([]*ipam.Prefix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ipam.Prefix
	for _, p := range s.prefixes {
		if filter.VRFID != "" && p.VRFID != filter.VRFID {
			continue
		}
		if filter.Routable != nil && p.Routable != *filter.Routable {
			continue
		}
		if filter.Source != nil && p.Source != *filter.Source {
			continue
		}
		if filter.AccountID != "" {
			if p.VPCID == nil {
				continue
			}
			vpc, ok := s.vpcs[*p.VPCID]
			if !ok || vpc.ProviderAccountID != filter.AccountID {
				continue
			}
		}
		if filter.Provider != nil {
			if p.VPCID == nil {
				continue
			}
			vpc, ok := s.vpcs[*p.VPCID]
			if !ok || vpc.Provider != *filter.Provider {
				continue
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) Tree(ctx context.Context, vrfID string) ([]*ipam.Prefix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ipam.Prefix
	for _, p := range s.prefixes {
		if vrfID != "" && p.VRFID != vrfID {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *ipam.Prefix) int {
		if c := cmp.Compare(a.VRFID, b.VRFID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.IndentationLevel, b.IndentationLevel); c != 0 {
			return c
		}
		return a.CIDR.Addr().Compare(b.CIDR.Addr())
	})
	return out, nil
}

func (s *Store) IsAssociatedWithAnyVPC(ctx context.Context, prefixID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.assocs {
		if a.ParentPrefixID == prefixID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) VPCSourcedPrefixesForVPC(ctx context.Context, vpcID string) ([]*ipam.Prefix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ipam.Prefix
	for _, p := range s.prefixes {
		if p.Source == ipam.SourceVPC && p.VPCID != nil && *p.VPCID == vpcID {
			out = append(out, p)
		}
	}
	return out, nil
}
