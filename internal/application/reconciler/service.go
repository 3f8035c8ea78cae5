// Package reconciler implements the VPC sync reconciler: per-VPC cloud
// subnet discovery, reachability-gated diffing against stored source=vpc
// prefixes, and tombstone/resurrect/refresh classification (§4.5).
package reconciler

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"ipamcore/internal/cidrengine"
	"ipamcore/internal/domain/ipam"

	"github.com/rs/zerolog/log"
)

// CloudSubnet is one subnet as reported by a cloud provider's API.
type CloudSubnet struct {
	NativeSubnetID   string
	CIDR             netip.Prefix
	AvailabilityZone string
	State            string
	Tags             map[string]string
}

// SubnetSource is the outbound port to a cloud provider's subnet inventory.
// DescribeVPC doubles as the reachability probe: any error marks the VPC
// unreachable for the whole cycle.
type SubnetSource interface {
	DescribeVPC(ctx context.Context, vpc *ipam.VPC) error
	ListSubnets(ctx context.Context, vpc *ipam.VPC, pageSize, maxPerVPC int) ([]CloudSubnet, error)
}

// Config bounds the reconciler's pagination, batching and default placement.
type Config struct {
	PageSize     int
	MaxPerVPC    int
	DBBatchSize  int
	BatchSize    int
	DefaultVRFID string
}

// Service runs reconciliation cycles against a SubnetSource.
type Service struct {
	store  ipam.PrefixStore
	source SubnetSource
	cfg    Config
	now    func() time.Time
}

// NewService constructs a reconciler Service.
func NewService(store ipam.PrefixStore, source SubnetSource, cfg Config) *Service {
	return &Service{store: store, source: source, cfg: cfg, now: time.Now}
}

// RunCycle syncs every vpc concurrently, one goroutine per VPC (single
// writer per VPC; VPCs never share mutable state so no lock is needed
// across them).
func (s *Service) RunCycle(ctx context.Context, vpcs []*ipam.VPC) {
	var wg sync.WaitGroup
	for _, vpc := range vpcs {
		wg.Add(1)
		go func(vpc *ipam.VPC) {
			defer wg.Done()
			s.syncVPC(ctx, vpc)
		}(vpc)
	}
	wg.Wait()
}

func (s *Service) syncVPC(ctx context.Context, vpc *ipam.VPC) {
	if err := s.source.DescribeVPC(ctx, vpc); err != nil {
		log.Warn().Str("vpc_id", vpc.VPCID).Err(err).Msg("VPC unreachable, skipping sync and preserving existing subnet data")
		return
	}

	cloudSubnets, err := s.source.ListSubnets(ctx, vpc, s.cfg.PageSize, s.cfg.MaxPerVPC)
	if err != nil {
		log.Warn().Str("vpc_id", vpc.VPCID).Err(err).Msg("failed listing subnets, skipping sync")
		return
	}

	stored, err := s.store.VPCSourcedPrefixesForVPC(ctx, vpc.VPCID)
	if err != nil {
		log.Error().Str("vpc_id", vpc.VPCID).Err(err).Msg("failed loading stored subnets")
		return
	}

	cloudByCIDR := make(map[string]CloudSubnet, len(cloudSubnets))
	for _, c := range cloudSubnets {
		cloudByCIDR[cidrengine.CanonicalID(c.CIDR)] = c
	}
	storedByCIDR := make(map[string]*ipam.Prefix, len(stored))
	for _, p := range stored {
		storedByCIDR[cidrengine.CanonicalID(p.CIDR)] = p
	}

	var created, deleted, updated, resurrected int

	var createdKeys []string
	for key := range cloudByCIDR {
		if _, ok := storedByCIDR[key]; !ok {
			createdKeys = append(createdKeys, key)
		}
	}
	for i, key := range createdKeys {
		if err := s.createSubnet(ctx, vpc, cloudByCIDR[key]); err != nil {
			log.Error().Str("vpc_id", vpc.VPCID).Str("cidr", cloudByCIDR[key].CIDR.String()).Err(err).Msg("failed creating subnet prefix")
			continue
		}
		created++
		if (i+1)%s.cfg.BatchSize == 0 {
			log.Info().Str("vpc_id", vpc.VPCID).Msgf("created %d/%d new subnets", i+1, len(createdKeys))
		}
	}

	var deletedKeys []string
	for key := range storedByCIDR {
		if _, ok := cloudByCIDR[key]; !ok {
			deletedKeys = append(deletedKeys, key)
		}
	}
	for i, key := range deletedKeys {
		if err := s.tombstone(ctx, storedByCIDR[key]); err != nil {
			log.Error().Str("vpc_id", vpc.VPCID).Str("prefix_id", storedByCIDR[key].PrefixID).Err(err).Msg("failed tombstoning subnet prefix")
			continue
		}
		deleted++
		if (i+1)%s.cfg.BatchSize == 0 {
			log.Info().Str("vpc_id", vpc.VPCID).Msgf("tombstoned %d/%d subnets", i+1, len(deletedKeys))
		}
	}

	var updatedKeys []string
	for key := range cloudByCIDR {
		if _, ok := storedByCIDR[key]; ok {
			updatedKeys = append(updatedKeys, key)
		}
	}
	for i, key := range updatedKeys {
		wasResurrected, err := s.refresh(ctx, storedByCIDR[key], cloudByCIDR[key])
		if err != nil {
			log.Error().Str("vpc_id", vpc.VPCID).Str("prefix_id", storedByCIDR[key].PrefixID).Err(err).Msg("failed refreshing subnet prefix")
			continue
		}
		updated++
		if wasResurrected {
			resurrected++
		}
		if s.cfg.DBBatchSize > 0 && (i+1)%s.cfg.DBBatchSize == 0 {
			log.Debug().Str("vpc_id", vpc.VPCID).Msgf("refreshed %d/%d subnets", i+1, len(updatedKeys))
		}
	}

	if resurrected > 0 {
		log.Info().Str("vpc_id", vpc.ProviderVPCID).Msgf("+%d -%d ↻%d subnets", created, deleted, resurrected)
	} else {
		log.Info().Str("vpc_id", vpc.ProviderVPCID).Msgf("+%d -%d subnets", created, deleted)
	}
}

func (s *Service) createSubnet(ctx context.Context, vpc *ipam.VPC, subnet CloudSubnet) error {
	assoc, err := s.pickAssociation(ctx, vpc.VPCID)
	if err != nil {
		return fmt.Errorf("reconciler: load association: %w", err)
	}

	tags := ipam.Tags{
		"aws_subnet_id":     subnet.NativeSubnetID,
		"availability_zone": subnet.AvailabilityZone,
		"state":             subnet.State,
		"sync_source":       "auto_sync",
		"last_sync":         s.now().UTC().Format(time.RFC3339),
	}
	for k, v := range subnet.Tags {
		tags[k] = v
	}

	var parentID *string
	vrfID := s.cfg.DefaultVRFID
	routable := false

	if assoc != nil {
		if cidrengine.Contains(assoc.VPCPrefixCIDR, subnet.CIDR) || cidrengine.Equal(assoc.VPCPrefixCIDR, subnet.CIDR) {
			id := assoc.ParentPrefixID
			parentID = &id
			if assoc.Routable {
				parent, err := s.store.PrefixByID(ctx, assoc.ParentPrefixID)
				if err != nil {
					return fmt.Errorf("reconciler: load association parent: %w", err)
				}
				vrfID = parent.VRFID
				routable = true
			} else {
				vrfID = s.vrfIDForVPC(vpc)
				if _, err := s.store.EnsureVRF(ctx, &ipam.VRF{VRFID: vrfID, Description: fmt.Sprintf("auto-created for VPC %s", vpc.VPCID), Routable: false}); err != nil {
					return fmt.Errorf("reconciler: ensure VPC VRF: %w", err)
				}
			}
		} else {
			log.Warn().Str("vpc_id", vpc.VPCID).Str("cidr", subnet.CIDR.String()).Str("association_cidr", assoc.VPCPrefixCIDR.String()).
				Msg("cloud subnet not contained in its VPC association CIDR, preserving as orphan")
		}
	}

	_, err = s.store.CreateVPCSourcedPrefix(ctx, vpc.VPCID, subnet.CIDR, parentID, vrfID, tags, routable)
	if err != nil {
		// A concurrent manual mutation or a previous cycle's partial write
		// may have already created this exact (vrf, cidr); treat the race as
		// an update rather than failing the whole batch.
		if existing, lookupErr := s.store.PrefixByVRFAndCIDR(ctx, vrfID, subnet.CIDR); lookupErr == nil {
			_, err = s.refresh(ctx, existing, subnet)
			return err
		}
		return err
	}
	return nil
}

func (s *Service) pickAssociation(ctx context.Context, vpcID string) (*ipam.VPCPrefixAssociation, error) {
	assocs, err := s.store.AssociationsForVPC(ctx, vpcID)
	if err != nil {
		return nil, err
	}
	if len(assocs) == 0 {
		return nil, nil
	}
	return assocs[0], nil
}

func (s *Service) vrfIDForVPC(vpc *ipam.VPC) string {
	return fmt.Sprintf("%s_%s_%s", vpc.Provider, vpc.ProviderAccountID, vpc.ProviderVPCID)
}

// tombstone marks prefix as deleted-from-cloud without removing the row:
// the reconciler never hard-deletes a source=vpc prefix.
func (s *Service) tombstone(ctx context.Context, prefix *ipam.Prefix) error {
	tags := prefix.Tags.Clone()
	tags["deleted_from_aws"] = s.now().UTC().Format(time.RFC3339)
	tags["deletion_reason"] = "absent from provider subnet listing"
	_, err := s.store.UpdateVPCSourcedPrefixTags(ctx, prefix.PrefixID, tags)
	return err
}

// refresh updates metadata tags for a still-present subnet and detects
// resurrection: a prefix carrying a deleted_from_aws marker that reappears
// in the cloud listing.
func (s *Service) refresh(ctx context.Context, prefix *ipam.Prefix, subnet CloudSubnet) (resurrected bool, err error) {
	tags := prefix.Tags.Clone()
	_, wasDeleted := tags["deleted_from_aws"]

	tags["aws_subnet_id"] = subnet.NativeSubnetID
	tags["availability_zone"] = subnet.AvailabilityZone
	tags["state"] = subnet.State
	tags["last_sync"] = s.now().UTC().Format(time.RFC3339)
	for k, v := range subnet.Tags {
		tags[k] = v
	}

	if wasDeleted {
		delete(tags, "deleted_from_aws")
		delete(tags, "deletion_reason")
		tags["resurrected_at"] = s.now().UTC().Format(time.RFC3339)
	}

	if _, err := s.store.UpdateVPCSourcedPrefixTags(ctx, prefix.PrefixID, tags); err != nil {
		return false, err
	}
	return wasDeleted, nil
}
