package ipam

import (
	"net/netip"

	"ipamcore/internal/cidrengine"
)

// ManualPrefixID renders the deterministic identifier for a manually created
// prefix (§6): "manual-{vrf_id}-{cidr-dashed}", e.g.
// "manual-prod-vrf-10-0-0-0-16".
func ManualPrefixID(vrfID string, cidr netip.Prefix) string {
	return "manual-" + vrfID + "-" + cidrengine.CanonicalID(cidr)
}

// VPCSubnetPrefixID renders the deterministic identifier for a cloud-sourced
// subnet prefix (§6): "{vpc_id}-subnet-{cidr-dashed}", IPv6 CIDRs fully
// expanded before dashing (cidrengine.CanonicalID already does this).
func VPCSubnetPrefixID(vpcID string, cidr netip.Prefix) string {
	return vpcID + "-subnet-" + cidrengine.CanonicalID(cidr)
}

// PublicIPPrefixID renders the deterministic identifier for a standalone
// public IP prefix (§6): "public-ip-{cidr-dashed}".
func PublicIPPrefixID(cidr netip.Prefix) string {
	return "public-ip-" + cidrengine.CanonicalID(cidr)
}
