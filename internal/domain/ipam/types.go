// Package ipam holds the core IPAM domain: VRFs, prefixes, VPCs,
// VPC-prefix associations and the idempotency record, plus the repository
// contracts and typed errors the application layer depends on.
package ipam

import (
	"fmt"
	"net/netip"
	"time"
)

// Source distinguishes who owns a prefix's lifecycle: a human operator
// (manual) or the VPC sync reconciler (vpc).
type Source string

const (
	SourceManual Source = "manual"
	SourceVPC    Source = "vpc"
)

// Provider identifies the cloud platform a VPC belongs to.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderAzure Provider = "azure"
	ProviderGCP   Provider = "gcp"
	ProviderOther Provider = "other"
)

// PublicVRFID is the reserved VRF that holds standalone public IP prefixes.
const PublicVRFID = "public-vrf"

// Tags is a free-form string-keyed map of JSON-scalar values.
type Tags map[string]any

// Clone returns a copy safe for independent mutation; a nil receiver yields
// an empty, non-nil map so callers can always set keys on the result.
func (t Tags) Clone() Tags {
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// StrictMatch reports whether every key in required is present in t with an
// identical value. Extra keys on t are permitted; this is the tag
// strict-match predicate from §4.3/§4.4 (not substring, not subset-ignoring).
func (t Tags) StrictMatch(required Tags) bool {
	for k, v := range required {
		tv, ok := t[k]
		if !ok || fmt.Sprint(tv) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// VRF is a routing domain: a namespace within which CIDRs are unique.
type VRF struct {
	VRFID       string
	Description string
	Tags        Tags
	Routable    bool
	IsDefault   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Prefix is a node in the per-VRF CIDR containment forest.
type Prefix struct {
	PrefixID         string
	VRFID            string
	CIDR             netip.Prefix
	Tags             Tags
	IndentationLevel int
	ParentPrefixID   *string
	Source           Source
	Routable         bool
	VPCChildrenFlag  bool
	VPCID            *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// VPC is a cloud-provider virtual private cloud tracked for subnet discovery.
type VPC struct {
	VPCID             string
	Description       string
	Provider          Provider
	ProviderAccountID string
	ProviderVPCID     string
	Region            string
	Tags              Tags
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// VPCPrefixAssociation links a VPC to the manual parent prefix that hosts
// its discovered subnets.
type VPCPrefixAssociation struct {
	AssociationID  string
	VPCID          string
	VPCPrefixCIDR  netip.Prefix
	Routable       bool
	ParentPrefixID string
	CreatedAt      time.Time
}

// IdempotencyRecord is the permanent cache entry for one mutating request.
type IdempotencyRecord struct {
	RequestID   string
	Endpoint    string
	Method      string
	RequestHash string
	// ResponseBody is the canonical JSON encoding of the cached response.
	ResponseBody []byte
	StatusCode   int
	CreatedAt    time.Time
}

// Stats is the read model for the idempotency layer's record count.
type Stats struct {
	TotalRecords int
}
