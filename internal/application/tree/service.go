// Package tree provides parent resolution and forest ordering over the
// per-VRF prefix containment hierarchy (§4.3). It never mutates the store;
// parent resolution builds an ephemeral longest-prefix-match index from the
// current Filter() read so no prefix state is cached across requests.
package tree

import (
	"cmp"
	"context"
	"fmt"
	"net/netip"
	"slices"

	"ipamcore/internal/cidrengine"
	"ipamcore/internal/domain/ipam"

	"github.com/gaissmai/bart"
)

var manualSource = ipam.SourceManual

// Service resolves parents and orders the display forest for a VRF.
type Service struct {
	store ipam.PrefixStore
}

// NewService constructs a tree Service over store.
func NewService(store ipam.PrefixStore) *Service {
	return &Service{store: store}
}

// ResolveParent returns the narrowest manual prefix in vrfID that contains
// cidr, or nil if cidr sits at the root of the VRF. It builds a fresh
// bart.Table from the current manual prefixes every call (§9: do not cache
// prefixes across requests).
func (s *Service) ResolveParent(ctx context.Context, vrfID string, cidr netip.Prefix) (*ipam.Prefix, error) {
	prefixes, err := s.store.Filter(ctx, ipam.PrefixFilter{VRFID: vrfID, Source: &manualSource})
	if err != nil {
		return nil, fmt.Errorf("tree: filter manual prefixes: %w", err)
	}

	var table bart.Table[*ipam.Prefix]
	for _, p := range prefixes {
		table.Insert(p.CIDR, p)
	}

	parent, _, ok := table.LookupPrefixLPM(cidr)
	if !ok {
		return nil, nil
	}
	// LookupPrefixLPM matches cidr itself when an identical prefix is present;
	// a prefix is never its own parent.
	if cidrengine.Equal(parent.CIDR, cidr) {
		grandparent, _, ok := table.LookupPrefixLPM(shrinkByOne(parent.CIDR))
		if !ok {
			return nil, nil
		}
		return grandparent, nil
	}
	return parent, nil
}

// shrinkByOne returns a one-bit-broader prefix covering the same base
// address, used to continue an LPM search past an exact match.
func shrinkByOne(p netip.Prefix) netip.Prefix {
	if p.Bits() == 0 {
		return p
	}
	return netip.PrefixFrom(p.Addr(), p.Bits()-1).Masked()
}

// CandidateParents returns every manual prefix in vrfID whose tags strictly
// match required, ordered by descending mask length (narrowest first) and
// then ascending network address — the order the allocator walks when no
// explicit parent was given (§4.4 step 1).
func (s *Service) CandidateParents(ctx context.Context, vrfID string, required ipam.Tags) ([]*ipam.Prefix, error) {
	prefixes, err := s.store.Filter(ctx, ipam.PrefixFilter{VRFID: vrfID, Source: &manualSource})
	if err != nil {
		return nil, fmt.Errorf("tree: filter manual prefixes: %w", err)
	}

	candidates := make([]*ipam.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		if p.Tags.StrictMatch(required) {
			candidates = append(candidates, p)
		}
	}

	slices.SortFunc(candidates, func(a, b *ipam.Prefix) int {
		if c := cmp.Compare(b.CIDR.Bits(), a.CIDR.Bits()); c != 0 {
			return c
		}
		return a.CIDR.Addr().Compare(b.CIDR.Addr())
	})
	return candidates, nil
}

// Node is one entry of a display-ordered forest: a prefix plus its
// resolved indentation depth within its VRF.
type Node struct {
	Prefix *ipam.Prefix
	Depth  int
}

// Forest returns every prefix in vrfID (or every VRF when vrfID is empty)
// ordered depth-first within each VRF, VRFs ordered by VRFID, siblings
// ordered by ascending network address (§4.3's canonical tree listing).
func (s *Service) Forest(ctx context.Context, vrfID string) ([]Node, error) {
	prefixes, err := s.store.Tree(ctx, vrfID)
	if err != nil {
		return nil, fmt.Errorf("tree: read tree: %w", err)
	}
	return orderForest(prefixes), nil
}

// orderForest groups prefixes by VRF, builds a parent-id children index per
// VRF, and walks each VRF's roots depth-first in address order.
func orderForest(prefixes []*ipam.Prefix) []Node {
	byVRF := make(map[string][]*ipam.Prefix)
	var vrfIDs []string
	for _, p := range prefixes {
		if _, ok := byVRF[p.VRFID]; !ok {
			vrfIDs = append(vrfIDs, p.VRFID)
		}
		byVRF[p.VRFID] = append(byVRF[p.VRFID], p)
	}
	slices.Sort(vrfIDs)

	var out []Node
	for _, vrfID := range vrfIDs {
		out = append(out, orderVRFForest(byVRF[vrfID])...)
	}
	return out
}

func orderVRFForest(prefixes []*ipam.Prefix) []Node {
	byID := make(map[string]*ipam.Prefix, len(prefixes))
	children := make(map[string][]*ipam.Prefix)
	var roots []*ipam.Prefix
	for _, p := range prefixes {
		byID[p.PrefixID] = p
	}
	for _, p := range prefixes {
		if p.ParentPrefixID == nil || *p.ParentPrefixID == "" {
			roots = append(roots, p)
			continue
		}
		if _, ok := byID[*p.ParentPrefixID]; !ok {
			// Parent not in this result set (shouldn't happen within one VRF,
			// but treat as a root rather than dropping it).
			roots = append(roots, p)
			continue
		}
		children[*p.ParentPrefixID] = append(children[*p.ParentPrefixID], p)
	}

	byAddr := func(a, b *ipam.Prefix) int { return a.CIDR.Addr().Compare(b.CIDR.Addr()) }
	slices.SortFunc(roots, byAddr)
	for k := range children {
		slices.SortFunc(children[k], byAddr)
	}

	var out []Node
	var walk func(p *ipam.Prefix, depth int)
	walk = func(p *ipam.Prefix, depth int) {
		out = append(out, Node{Prefix: p, Depth: depth})
		for _, c := range children[p.PrefixID] {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
	return out
}
