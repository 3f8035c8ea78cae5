// Package allocator implements first-fit subnet allocation under a matching
// parent, with conflict checks delegated to the prefix store (§4.4).
package allocator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"ipamcore/internal/cidrengine"
	"ipamcore/internal/domain/ipam"

	"github.com/rs/zerolog/log"
)

// previewInspectionBound caps how many candidate subnets PreviewAvailableSubnets
// inspects per parent; it is a display aid, not an allocation guarantee, so it
// never needs to walk an entire IPv6 /32.
const previewInspectionBound = 16

// parentResolver is the subset of tree.Service the allocator depends on.
type parentResolver interface {
	CandidateParents(ctx context.Context, vrfID string, required ipam.Tags) ([]*ipam.Prefix, error)
}

// Service allocates subnets under manual prefixes.
type Service struct {
	store   ipam.PrefixStore
	parents parentResolver
	now     func() time.Time
}

// NewService constructs an allocator Service. now defaults to time.Now; it
// is a field rather than a package var so tests can supply a fixed clock.
func NewService(store ipam.PrefixStore, parents parentResolver) *Service {
	return &Service{store: store, parents: parents, now: time.Now}
}

// AllocateRequest is the input to AllocateSubnet.
type AllocateRequest struct {
	VRFID           string
	MaskLength      int
	Tags            ipam.Tags
	Routable        bool
	ParentPrefixID  *string
	Description     string
	VPCChildrenFlag bool
}

// Allocation is the result of a successful AllocateSubnet call.
type Allocation struct {
	Prefix   *ipam.Prefix
	ParentID string
}

// AllocateSubnet resolves the candidate parent set, walks it in order, and
// commits the first non-overlapping subnet of req.MaskLength it finds
// (§4.4). It returns *ipam.NoSpaceError when no candidate parent yields
// space.
func (s *Service) AllocateSubnet(ctx context.Context, req AllocateRequest) (*Allocation, error) {
	candidates, err := s.candidateParents(ctx, req)
	if err != nil {
		return nil, err
	}

	var checked []string
	for _, parent := range candidates {
		checked = append(checked, parent.CIDR.String())

		if req.MaskLength < parent.CIDR.Bits() || req.MaskLength > cidrengine.AddressWidth(parent.CIDR) {
			if req.ParentPrefixID != nil {
				return nil, ipam.ErrInvalidRequest
			}
			// Searched mode: this candidate's size can't host the request;
			// other candidates in the ordered list still might.
			continue
		}
		if req.Routable && !parent.Routable {
			continue
		}

		children, err := s.store.Children(ctx, parent.PrefixID)
		if err != nil {
			return nil, fmt.Errorf("allocator: load children of %s: %w", parent.PrefixID, err)
		}
		existing := make([]netip.Prefix, len(children))
		for i, c := range children {
			existing[i] = c.CIDR
		}
		overlapSet, err := cidrengine.NewOverlapSet(existing)
		if err != nil {
			return nil, fmt.Errorf("allocator: build overlap set: %w", err)
		}

		for candidate := range cidrengine.EnumerateSubnets(parent.CIDR, req.MaskLength) {
			if overlapSet.Overlaps(candidate) {
				continue
			}

			tags := req.Tags.Clone()
			tags["allocated_from"] = parent.PrefixID
			tags["allocated_at"] = s.now().UTC().Format(time.RFC3339)
			if req.Description != "" {
				tags["description"] = req.Description
			}

			parentID := parent.PrefixID
			created, err := s.store.CreateManualPrefix(ctx, req.VRFID, candidate, &parentID, tags, req.Routable, req.VPCChildrenFlag)
			if err != nil {
				// Another writer may have raced us onto this exact candidate;
				// move to the next one in address order rather than failing
				// the whole request.
				if isConflict(err) {
					continue
				}
				return nil, err
			}

			log.Info().
				Str("vrf_id", req.VRFID).
				Str("parent_prefix_id", parent.PrefixID).
				Str("cidr", candidate.String()).
				Msg("allocated subnet")

			return &Allocation{Prefix: created, ParentID: parent.PrefixID}, nil
		}
	}

	return nil, &ipam.NoSpaceError{
		VRFID:          req.VRFID,
		MaskLength:     req.MaskLength,
		ParentsChecked: checked,
	}
}

func isConflict(err error) bool {
	return errors.Is(err, ipam.ErrDuplicateCIDR) || errors.Is(err, ipam.ErrSiblingOverlap)
}

func (s *Service) candidateParents(ctx context.Context, req AllocateRequest) ([]*ipam.Prefix, error) {
	if req.ParentPrefixID != nil {
		parent, err := s.store.PrefixByID(ctx, *req.ParentPrefixID)
		if err != nil {
			return nil, err
		}
		if parent.Source != ipam.SourceManual {
			return nil, ipam.ErrCannotMutateVPCSourced
		}
		if !parent.Tags.StrictMatch(req.Tags) {
			return nil, ipam.ErrParentMismatch
		}
		return []*ipam.Prefix{parent}, nil
	}
	return s.parents.CandidateParents(ctx, req.VRFID, req.Tags)
}

// AvailableSubnet is one inspected-but-not-committed candidate, for display.
type AvailableSubnet struct {
	CIDR     netip.Prefix
	ParentID string
}

// PreviewAvailableSubnets inspects up to previewInspectionBound non-
// overlapping candidates of maskLength under parentID without allocating
// any of them.
func (s *Service) PreviewAvailableSubnets(ctx context.Context, parentID string, maskLength int) ([]AvailableSubnet, error) {
	parent, err := s.store.PrefixByID(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if maskLength < parent.CIDR.Bits() || maskLength > cidrengine.AddressWidth(parent.CIDR) {
		return nil, ipam.ErrInvalidRequest
	}

	children, err := s.store.Children(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("allocator: load children of %s: %w", parentID, err)
	}
	existing := make([]netip.Prefix, len(children))
	for i, c := range children {
		existing[i] = c.CIDR
	}
	overlapSet, err := cidrengine.NewOverlapSet(existing)
	if err != nil {
		return nil, fmt.Errorf("allocator: build overlap set: %w", err)
	}

	var out []AvailableSubnet
	for candidate := range cidrengine.EnumerateSubnets(parent.CIDR, maskLength) {
		if overlapSet.Overlaps(candidate) {
			continue
		}
		out = append(out, AvailableSubnet{CIDR: candidate, ParentID: parentID})
		if len(out) >= previewInspectionBound {
			break
		}
	}
	return out, nil
}
