package ipam

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors (§7).
var (
	ErrInvalidCIDR       = errors.New("invalid CIDR")
	ErrInvalidMaskLength = errors.New("invalid mask length")
	ErrParentMismatch    = errors.New("parent mismatch: family, containment, or VRF")
	ErrFamilyMismatch    = errors.New("IP family mismatch")
	ErrInvalidRequest    = errors.New("invalid request")
)

// Conflict errors.
var (
	ErrDuplicateCIDR  = errors.New("duplicate CIDR in VRF")
	ErrSiblingOverlap = errors.New("sibling prefix overlap")

	// ErrParameterMismatch is the taxonomy entry the façade maps to HTTP 409.
	// The two sentinels below distinguish the two original causes for logging
	// while both satisfy errors.Is(err, ErrParameterMismatch).
	ErrParameterMismatch            = errors.New("idempotency parameter mismatch")
	ErrIdempotencyEndpointMismatch  = fmt.Errorf("%w: request_id previously used for a different endpoint or method", ErrParameterMismatch)
	ErrIdempotencyParameterMismatch = fmt.Errorf("%w: request_id previously used with different parameters", ErrParameterMismatch)

	ErrAssociationPolicyViolation = errors.New("VPC association policy violation")

	// ErrVRFAlreadyExists covers both a duplicate vrf_id and the "at most one
	// default VRF" invariant (§3) — both are natural-key conflicts on VRF.
	ErrVRFAlreadyExists = errors.New("VRF already exists or default VRF already set")
	ErrVPCAlreadyExists = errors.New("VPC with that (provider, account, provider_vpc_id) already exists")
)

// Policy errors.
var (
	ErrCannotMutateVPCSourced                = errors.New("cannot mutate a VPC-sourced prefix")
	ErrCannotDeleteWithChildren               = errors.New("cannot delete prefix with children")
	ErrCannotDeleteReferencedVRF              = errors.New("cannot delete VRF referenced by a prefix")
	ErrCannotDeleteReferencedVPC              = errors.New("cannot delete VPC referenced by a prefix or association")
	ErrCannotCreateChildUnderVPCChildrenFlag  = errors.New("prefix requires cloud-sourced or allocator-produced children only")
)

// Not-found errors.
var (
	ErrVRFNotFound               = errors.New("VRF not found")
	ErrVPCNotFound               = errors.New("VPC not found")
	ErrPrefixNotFound            = errors.New("prefix not found")
	ErrAssociationNotFound       = errors.New("association not found")
	ErrIdempotencyRecordNotFound = errors.New("idempotency record not found")
)

// Allocator error.
var ErrNoSpaceAvailable = errors.New("no space available")

// Transient errors (reconciler only; never surfaced to clients, §7).
var (
	ErrDatabaseUnavailable = errors.New("database unavailable")
	ErrCloudUnreachable    = errors.New("cloud unreachable")
)

// NoSpaceError enumerates every candidate parent the allocator considered
// before giving up, for operator diagnostics (§4.4 step 3).
type NoSpaceError struct {
	VRFID          string
	MaskLength     int
	ParentsChecked []string
}

func (e *NoSpaceError) Error() string {
	return fmt.Sprintf("no space available for /%d in VRF %s across %d candidate parent(s): %s",
		e.MaskLength, e.VRFID, len(e.ParentsChecked), strings.Join(e.ParentsChecked, ", "))
}

func (e *NoSpaceError) Unwrap() error { return ErrNoSpaceAvailable }
