// Package postgres is a database/sql + lib/pq backed implementation of
// ipam.PrefixStore and ipam.IdempotencyStore (§4.2, §6). Invariants that a
// unique index cannot express on its own (sibling overlap, containment)
// are checked against a transaction holding the row locks they depend on.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"ipamcore/internal/cidrengine"
	"ipamcore/internal/domain/ipam"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store is a Postgres-backed ipam.PrefixStore.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-connected *sql.DB. Callers run RunMigrations
// before traffic is accepted.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ ipam.PrefixStore = (*Store)(nil)

func marshalTags(tags ipam.Tags) ([]byte, error) {
	if tags == nil {
		tags = ipam.Tags{}
	}
	return json.Marshal(tags)
}

func unmarshalTags(raw []byte) (ipam.Tags, error) {
	tags := ipam.Tags{}
	if len(raw) == 0 {
		return tags, nil
	}
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal tags: %w", err)
	}
	return tags, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// --- VRF lifecycle ---

func (s *Store) CreateVRF(ctx context.Context, vrf *ipam.VRF) (*ipam.VRF, error) {
	if vrf.VRFID == "" {
		vrf.VRFID = uuid.NewString()
	}
	tagsJSON, err := marshalTags(vrf.Tags)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vrfs (vrf_id, description, tags, routable, is_default, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		vrf.VRFID, vrf.Description, tagsJSON, vrf.Routable, vrf.IsDefault, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ipam.ErrVRFAlreadyExists
		}
		return nil, fmt.Errorf("postgres: insert VRF: %w", err)
	}
	vrf.CreatedAt, vrf.UpdatedAt = now, now
	return vrf, nil
}

func (s *Store) EnsureVRF(ctx context.Context, vrf *ipam.VRF) (*ipam.VRF, error) {
	existing, err := s.VRFByID(ctx, vrf.VRFID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ipam.ErrVRFNotFound) {
		return nil, err
	}
	return s.CreateVRF(ctx, vrf)
}

func (s *Store) VRFByID(ctx context.Context, vrfID string) (*ipam.VRF, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT vrf_id, description, tags, routable, is_default, created_at, updated_at
		FROM vrfs WHERE vrf_id = $1`, vrfID)
	return scanVRF(row)
}

func (s *Store) DeleteVRF(ctx context.Context, vrfID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM vrfs WHERE vrf_id = $1 AND NOT EXISTS (SELECT 1 FROM prefixes WHERE vrf_id = $1)`, vrfID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ipam.ErrCannotDeleteReferencedVRF
		}
		return fmt.Errorf("postgres: delete VRF: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.VRFByID(ctx, vrfID); err != nil {
			return err
		}
		return ipam.ErrCannotDeleteReferencedVRF
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

func scanVRF(row *sql.Row) (*ipam.VRF, error) {
	var vrf ipam.VRF
	var tagsJSON []byte
	if err := row.Scan(&vrf.VRFID, &vrf.Description, &tagsJSON, &vrf.Routable, &vrf.IsDefault, &vrf.CreatedAt, &vrf.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ipam.ErrVRFNotFound
		}
		return nil, fmt.Errorf("postgres: scan VRF: %w", err)
	}
	tags, err := unmarshalTags(tagsJSON)
	if err != nil {
		return nil, err
	}
	vrf.Tags = tags
	return &vrf, nil
}

// --- VPC lifecycle ---

func (s *Store) CreateVPC(ctx context.Context, vpc *ipam.VPC) (*ipam.VPC, error) {
	if vpc.VPCID == "" {
		vpc.VPCID = uuid.NewString()
	}
	tagsJSON, err := marshalTags(vpc.Tags)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vpcs (vpc_id, description, provider, provider_account_id, provider_vpc_id, region, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		vpc.VPCID, vpc.Description, vpc.Provider, vpc.ProviderAccountID, vpc.ProviderVPCID, vpc.Region, tagsJSON, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ipam.ErrVPCAlreadyExists
		}
		return nil, fmt.Errorf("postgres: insert VPC: %w", err)
	}
	vpc.CreatedAt, vpc.UpdatedAt = now, now
	return vpc, nil
}

func (s *Store) VPCByID(ctx context.Context, vpcID string) (*ipam.VPC, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT vpc_id, description, provider, provider_account_id, provider_vpc_id, region, tags, created_at, updated_at
		FROM vpcs WHERE vpc_id = $1`, vpcID)
	return scanVPC(row)
}

func (s *Store) VPCByNaturalKey(ctx context.Context, provider ipam.Provider, accountID, providerVPCID string) (*ipam.VPC, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT vpc_id, description, provider, provider_account_id, provider_vpc_id, region, tags, created_at, updated_at
		FROM vpcs WHERE provider = $1 AND provider_account_id = $2 AND provider_vpc_id = $3`,
		provider, accountID, providerVPCID)
	return scanVPC(row)
}

func (s *Store) DeleteVPC(ctx context.Context, vpcID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM vpcs
		WHERE vpc_id = $1
		  AND NOT EXISTS (SELECT 1 FROM prefixes WHERE vpc_id = $1)
		  AND NOT EXISTS (SELECT 1 FROM vpc_prefix_associations WHERE vpc_id = $1)`, vpcID)
	if err != nil {
		return fmt.Errorf("postgres: delete VPC: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.VPCByID(ctx, vpcID); err != nil {
			return err
		}
		return ipam.ErrCannotDeleteReferencedVPC
	}
	return nil
}

func scanVPC(row *sql.Row) (*ipam.VPC, error) {
	var vpc ipam.VPC
	var tagsJSON []byte
	if err := row.Scan(&vpc.VPCID, &vpc.Description, &vpc.Provider, &vpc.ProviderAccountID, &vpc.ProviderVPCID, &vpc.Region, &tagsJSON, &vpc.CreatedAt, &vpc.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ipam.ErrVPCNotFound
		}
		return nil, fmt.Errorf("postgres: scan VPC: %w", err)
	}
	tags, err := unmarshalTags(tagsJSON)
	if err != nil {
		return nil, err
	}
	vpc.Tags = tags
	return &vpc, nil
}

// --- Prefix mutation ---

func (s *Store) CreateManualPrefix(ctx context.Context, vrfID string, cidr netip.Prefix, parentPrefixID *string, tags ipam.Tags, routable, vpcChildrenFlag bool) (*ipam.Prefix, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback()

	indentation, err := resolveParentIndentation(ctx, tx, vrfID, cidr, parentPrefixID)
	if err != nil {
		return nil, err
	}
	if err := checkConflict(ctx, tx, vrfID, cidr, parentPrefixID); err != nil {
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
	if err := insertPrefix(ctx, tx, prefix); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return prefix, nil
}

func (s *Store) CreateVPCSourcedPrefix(ctx context.Context, vpcID string, cidr netip.Prefix, parentPrefixID *string, vrfID string, tags ipam.Tags, routable bool) (*ipam.Prefix, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM vpcs WHERE vpc_id = $1)`, vpcID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("postgres: check VPC exists: %w", err)
	}
	if !exists {
		return nil, ipam.ErrVPCNotFound
	}

	indentation, err := resolveParentIndentation(ctx, tx, vrfID, cidr, parentPrefixID)
	if err != nil {
		return nil, err
	}
	if err := checkConflict(ctx, tx, vrfID, cidr, parentPrefixID); err != nil {
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
	if err := insertPrefix(ctx, tx, prefix); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return prefix, nil
}

// resolveParentIndentation validates parent containment (§3) and returns
// the child's indentation level. Callers must be inside tx.
func resolveParentIndentation(ctx context.Context, tx *sql.Tx, vrfID string, cidr netip.Prefix, parentPrefixID *string) (int, error) {
	if parentPrefixID == nil {
		var vrfExists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM vrfs WHERE vrf_id = $1)`, vrfID).Scan(&vrfExists); err != nil {
			return 0, fmt.Errorf("postgres: check VRF exists: %w", err)
		}
		if !vrfExists {
			return 0, ipam.ErrVRFNotFound
		}
		return 0, nil
	}

	row := tx.QueryRowContext(ctx, `
		SELECT vrf_id, cidr, indentation_level FROM prefixes WHERE prefix_id = $1 FOR UPDATE`, *parentPrefixID)
	var parentVRFID, parentCIDRStr string
	var parentIndentation int
	if err := row.Scan(&parentVRFID, &parentCIDRStr, &parentIndentation); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ipam.ErrParentMismatch
		}
		return 0, fmt.Errorf("postgres: scan parent: %w", err)
	}
	parentCIDR, err := netip.ParsePrefix(parentCIDRStr)
	if err != nil {
		return 0, fmt.Errorf("postgres: parse parent CIDR: %w", err)
	}
	if parentVRFID != vrfID || !cidrengine.Contains(parentCIDR, cidr) {
		return 0, ipam.ErrParentMismatch
	}
	return parentIndentation + 1, nil
}

// checkConflict mirrors the in-memory store's conflict algorithm (§4.2)
// inside tx: exact duplicate, then sibling overlap among same-parent rows.
func checkConflict(ctx context.Context, tx *sql.Tx, vrfID string, cidr netip.Prefix, parentPrefixID *string) error {
	var dup bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM prefixes WHERE vrf_id = $1 AND cidr = $2 FOR UPDATE)`, vrfID, cidr.String()).Scan(&dup); err != nil {
		return fmt.Errorf("postgres: check duplicate CIDR: %w", err)
	}
	if dup {
		return ipam.ErrDuplicateCIDR
	}

	var rows *sql.Rows
	var err error
	if parentPrefixID == nil {
		rows, err = tx.QueryContext(ctx, `SELECT cidr FROM prefixes WHERE vrf_id = $1 AND parent_prefix_id IS NULL FOR UPDATE`, vrfID)
	} else {
		rows, err = tx.QueryContext(ctx, `SELECT cidr FROM prefixes WHERE vrf_id = $1 AND parent_prefix_id = $2 FOR UPDATE`, vrfID, *parentPrefixID)
	}
	if err != nil {
		return fmt.Errorf("postgres: check sibling overlap: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var siblingStr string
		if err := rows.Scan(&siblingStr); err != nil {
			return fmt.Errorf("postgres: scan sibling: %w", err)
		}
		sibling, err := netip.ParsePrefix(siblingStr)
		if err != nil {
			continue
		}
		if ok, err := cidrengine.Overlaps(sibling, cidr); err == nil && ok {
			return ipam.ErrSiblingOverlap
		}
	}
	return rows.Err()
}

func insertPrefix(ctx context.Context, tx *sql.Tx, p *ipam.Prefix) error {
	tagsJSON, err := marshalTags(p.Tags)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO prefixes (prefix_id, vrf_id, cidr, tags, indentation_level, parent_prefix_id, source, routable, vpc_children_flag, vpc_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		p.PrefixID, p.VRFID, p.CIDR.String(), tagsJSON, p.IndentationLevel, p.ParentPrefixID, p.Source, p.Routable, p.VPCChildrenFlag, p.VPCID, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ipam.ErrDuplicateCIDR
		}
		return fmt.Errorf("postgres: insert prefix: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (s *Store) UpdateManualPrefix(ctx context.Context, prefixID string, patch ipam.PrefixPatch) (*ipam.Prefix, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanPrefixRow(tx.QueryRowContext(ctx, prefixSelectByIDForUpdateSQL, prefixID))
	if err != nil {
		return nil, err
	}
	if existing.Source != ipam.SourceManual {
		return nil, ipam.ErrCannotMutateVPCSourced
	}
	if patch.Tags != nil {
		existing.Tags = patch.Tags.Clone()
	}
	if patch.Routable != nil {
		existing.Routable = *patch.Routable
	}
	if patch.VPCChildrenFlag != nil {
		existing.VPCChildrenFlag = *patch.VPCChildrenFlag
	}
	tagsJSON, err := marshalTags(existing.Tags)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE prefixes SET tags = $1, routable = $2, vpc_children_flag = $3, updated_at = $4 WHERE prefix_id = $5`,
		tagsJSON, existing.Routable, existing.VPCChildrenFlag, now, prefixID); err != nil {
		return nil, fmt.Errorf("postgres: update prefix: %w", err)
	}
	existing.UpdatedAt = now
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return existing, nil
}

func (s *Store) DeleteManualPrefix(ctx context.Context, prefixID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanPrefixRow(tx.QueryRowContext(ctx, prefixSelectByIDForUpdateSQL, prefixID))
	if err != nil {
		return err
	}
	if existing.Source != ipam.SourceManual {
		return ipam.ErrCannotMutateVPCSourced
	}
	var hasChildren bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM prefixes WHERE parent_prefix_id = $1)`, prefixID).Scan(&hasChildren); err != nil {
		return fmt.Errorf("postgres: check children: %w", err)
	}
	if hasChildren {
		return ipam.ErrCannotDeleteWithChildren
	}
	var hasAssociations bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM vpc_prefix_associations WHERE parent_prefix_id = $1)`, prefixID).Scan(&hasAssociations); err != nil {
		return fmt.Errorf("postgres: check associations: %w", err)
	}
	if hasAssociations {
		return ipam.ErrAssociationPolicyViolation
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM prefixes WHERE prefix_id = $1`, prefixID); err != nil {
		return fmt.Errorf("postgres: delete prefix: %w", err)
	}
	return tx.Commit()
}

func (s *Store) CreatePublicIPPrefix(ctx context.Context, vpcID *string, cidr netip.Prefix, tags ipam.Tags) (*ipam.Prefix, error) {
	if _, err := s.EnsureVRF(ctx, &ipam.VRF{VRFID: ipam.PublicVRFID, Description: "public internet addresses", Routable: true}); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkConflict(ctx, tx, ipam.PublicVRFID, cidr, nil); err != nil {
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
	if err := insertPrefix(ctx, tx, prefix); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return prefix, nil
}

// UpsertVPCSubnet places a bare re-synced subnet into the VPC's own
// non-routable routing domain ({provider}_{account}_{vpc_id}, §3), matching
// the reconciler's own per-VPC VRF convention rather than public-vrf.
func (s *Store) UpsertVPCSubnet(ctx context.Context, vpcID string, cidr netip.Prefix, tags ipam.Tags) (*ipam.Prefix, error) {
	vpc, err := s.VPCByID(ctx, vpcID)
	if err != nil {
		return nil, err
	}
	vrfID := fmt.Sprintf("%s_%s_%s", vpc.Provider, vpc.ProviderAccountID, vpc.ProviderVPCID)

	existing, err := s.PrefixByVRFAndCIDR(ctx, vrfID, cidr)
	if err == nil && existing.VPCID != nil && *existing.VPCID == vpcID {
		return s.UpdateVPCSourcedPrefixTags(ctx, existing.PrefixID, tags)
	}
	if _, err := s.EnsureVRF(ctx, &ipam.VRF{VRFID: vrfID, Description: fmt.Sprintf("auto-created for VPC %s", vpc.VPCID), Routable: false}); err != nil {
		return nil, err
	}
	return s.CreateVPCSourcedPrefix(ctx, vpcID, cidr, nil, vrfID, tags, false)
}

func (s *Store) UpdateVPCSourcedPrefixTags(ctx context.Context, prefixID string, tags ipam.Tags) (*ipam.Prefix, error) {
	tagsJSON, err := marshalTags(tags)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE prefixes SET tags = $1, updated_at = $2 WHERE prefix_id = $3`, tagsJSON, now, prefixID)
	if err != nil {
		return nil, fmt.Errorf("postgres: update prefix tags: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ipam.ErrPrefixNotFound
	}
	return s.PrefixByID(ctx, prefixID)
}

// --- Association mutation ---

func (s *Store) AssociateVPCWithPrefix(ctx context.Context, vpcID string, cidr netip.Prefix, routable bool, parentPrefixID string) (*ipam.VPCPrefixAssociation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback()

	var providerVPCID string
	if err := tx.QueryRowContext(ctx, `SELECT provider_vpc_id FROM vpcs WHERE vpc_id = $1`, vpcID).Scan(&providerVPCID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ipam.ErrVPCNotFound
		}
		return nil, fmt.Errorf("postgres: check VPC exists: %w", err)
	}

	parent, err := scanPrefixRow(tx.QueryRowContext(ctx, prefixSelectByIDForUpdateSQL, parentPrefixID))
	if err != nil {
		return nil, err
	}
	if parent.Source == ipam.SourceVPC {
		return nil, ipam.ErrAssociationPolicyViolation
	}
	if parent.Routable {
		var anyAssoc bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM vpc_prefix_associations WHERE parent_prefix_id = $1)`, parentPrefixID).Scan(&anyAssoc); err != nil {
			return nil, fmt.Errorf("postgres: check existing associations: %w", err)
		}
		if anyAssoc {
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
	_, err = tx.ExecContext(ctx, `
		INSERT INTO vpc_prefix_associations (association_id, vpc_id, vpc_prefix_cidr, routable, parent_prefix_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		assoc.AssociationID, assoc.VPCID, assoc.VPCPrefixCIDR.String(), assoc.Routable, assoc.ParentPrefixID, assoc.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ipam.ErrAssociationPolicyViolation
		}
		return nil, fmt.Errorf("postgres: insert association: %w", err)
	}

	parent.Tags = parent.Tags.Clone()
	parent.Tags["associated_vpc"] = providerVPCID
	tagsJSON, err := marshalTags(parent.Tags)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE prefixes SET tags = $1, updated_at = $2 WHERE prefix_id = $3`, tagsJSON, time.Now().UTC(), parentPrefixID); err != nil {
		return nil, fmt.Errorf("postgres: tag parent with associated_vpc: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return assoc, nil
}

func (s *Store) DeleteAssociation(ctx context.Context, associationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback()

	var parentPrefixID string
	if err := tx.QueryRowContext(ctx, `SELECT parent_prefix_id FROM vpc_prefix_associations WHERE association_id = $1 FOR UPDATE`, associationID).Scan(&parentPrefixID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ipam.ErrAssociationNotFound
		}
		return fmt.Errorf("postgres: scan association: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vpc_prefix_associations WHERE association_id = $1`, associationID); err != nil {
		return fmt.Errorf("postgres: delete association: %w", err)
	}
	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM vpc_prefix_associations WHERE parent_prefix_id = $1`, parentPrefixID).Scan(&remaining); err != nil {
		return fmt.Errorf("postgres: count remaining associations: %w", err)
	}
	if remaining == 0 {
		parent, err := scanPrefixRow(tx.QueryRowContext(ctx, prefixSelectByIDForUpdateSQL, parentPrefixID))
		if err == nil {
			parent.Tags = parent.Tags.Clone()
			delete(parent.Tags, "associated_vpc")
			tagsJSON, err := marshalTags(parent.Tags)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE prefixes SET tags = $1, updated_at = $2 WHERE prefix_id = $3`, tagsJSON, time.Now().UTC(), parentPrefixID); err != nil {
				return fmt.Errorf("postgres: untag parent: %w", err)
			}
		}
	}
	return tx.Commit()
}

func (s *Store) AssociationsForVPC(ctx context.Context, vpcID string) ([]*ipam.VPCPrefixAssociation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT association_id, vpc_id, vpc_prefix_cidr, routable, parent_prefix_id, created_at
		FROM vpc_prefix_associations WHERE vpc_id = $1`, vpcID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list associations for VPC: %w", err)
	}
	return scanAssociations(rows)
}

func (s *Store) AssociationsForPrefix(ctx context.Context, prefixID string) ([]*ipam.VPCPrefixAssociation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT association_id, vpc_id, vpc_prefix_cidr, routable, parent_prefix_id, created_at
		FROM vpc_prefix_associations WHERE parent_prefix_id = $1`, prefixID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list associations for prefix: %w", err)
	}
	return scanAssociations(rows)
}

func scanAssociations(rows *sql.Rows) ([]*ipam.VPCPrefixAssociation, error) {
	defer rows.Close()
	var out []*ipam.VPCPrefixAssociation
	for rows.Next() {
		var a ipam.VPCPrefixAssociation
		var cidrStr string
		if err := rows.Scan(&a.AssociationID, &a.VPCID, &cidrStr, &a.Routable, &a.ParentPrefixID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan association: %w", err)
		}
		cidr, err := netip.ParsePrefix(cidrStr)
		if err != nil {
			return nil, fmt.Errorf("postgres: parse association CIDR: %w", err)
		}
		a.VPCPrefixCIDR = cidr
		out = append(out, &a)
	}
	return out, rows.Err()
}

// --- Reads ---

const prefixColumnsSQL = `prefix_id, vrf_id, cidr, tags, indentation_level, parent_prefix_id, source, routable, vpc_children_flag, vpc_id, created_at, updated_at`

const prefixSelectByIDForUpdateSQL = `SELECT ` + prefixColumnsSQL + ` FROM prefixes WHERE prefix_id = $1 FOR UPDATE`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrefixRow(row rowScanner) (*ipam.Prefix, error) {
	var p ipam.Prefix
	var cidrStr string
	var tagsJSON []byte
	if err := row.Scan(&p.PrefixID, &p.VRFID, &cidrStr, &tagsJSON, &p.IndentationLevel, &p.ParentPrefixID, &p.Source, &p.Routable, &p.VPCChildrenFlag, &p.VPCID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ipam.ErrPrefixNotFound
		}
		return nil, fmt.Errorf("postgres: scan prefix: %w", err)
	}
	cidr, err := netip.ParsePrefix(cidrStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse prefix CIDR: %w", err)
	}
	p.CIDR = cidr
	tags, err := unmarshalTags(tagsJSON)
	if err != nil {
		return nil, err
	}
	p.Tags = tags
	return &p, nil
}

func scanPrefixRows(rows *sql.Rows) ([]*ipam.Prefix, error) {
	defer rows.Close()
	var out []*ipam.Prefix
	for rows.Next() {
		p, err := scanPrefixRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) PrefixByID(ctx context.Context, prefixID string) (*ipam.Prefix, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+prefixColumnsSQL+` FROM prefixes WHERE prefix_id = $1`, prefixID)
	return scanPrefixRow(row)
}

func (s *Store) PrefixByVRFAndCIDR(ctx context.Context, vrfID string, cidr netip.Prefix) (*ipam.Prefix, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+prefixColumnsSQL+` FROM prefixes WHERE vrf_id = $1 AND cidr = $2`, vrfID, cidr.String())
	return scanPrefixRow(row)
}

func (s *Store) Children(ctx context.Context, parentPrefixID string) ([]*ipam.Prefix, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+prefixColumnsSQL+` FROM prefixes WHERE parent_prefix_id = $1`, parentPrefixID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list children: %w", err)
	}
	return scanPrefixRows(rows)
}

func (s *Store) RootPrefixes(ctx context.Context, vrfID string) ([]*ipam.Prefix, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+prefixColumnsSQL+` FROM prefixes WHERE vrf_id = $1 AND parent_prefix_id IS NULL`, vrfID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list root prefixes: %w", err)
	}
	return scanPrefixRows(rows)
}

func (s *Store) Filter(ctx context.Context, filter ipam.PrefixFilter) ([]*ipam.Prefix, error) {
	sqlStr := `SELECT p.prefix_id, p.vrf_id, p.cidr, p.tags, p.indentation_level, p.parent_prefix_id, p.source, p.routable, p.vpc_children_flag, p.vpc_id, p.created_at, p.updated_at
		FROM prefixes p LEFT JOIN vpcs v ON v.vpc_id = p.vpc_id WHERE true`
	var args []any
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if filter.VRFID != "" {
		sqlStr += ` AND p.vrf_id = ` + arg(filter.VRFID)
	}
	if filter.Routable != nil {
		sqlStr += ` AND p.routable = ` + arg(*filter.Routable)
	}
	if filter.Source != nil {
		sqlStr += ` AND p.source = ` + arg(*filter.Source)
	}
	if filter.AccountID != "" {
		sqlStr += ` AND v.provider_account_id = ` + arg(filter.AccountID)
	}
	if filter.Provider != nil {
		sqlStr += ` AND v.provider = ` + arg(*filter.Provider)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: filter prefixes: %w", err)
	}
	return scanPrefixRows(rows)
}

// Tree returns every prefix in vrfID (every VRF when vrfID is empty) ordered
// by VRF id, then indentation level, then network address; the cidr text is
// cast to inet so addresses compare numerically.
func (s *Store) Tree(ctx context.Context, vrfID string) ([]*ipam.Prefix, error) {
	if vrfID == "" {
		rows, err := s.db.QueryContext(ctx, `SELECT `+prefixColumnsSQL+` FROM prefixes ORDER BY vrf_id, indentation_level, cidr::inet`)
		if err != nil {
			return nil, fmt.Errorf("postgres: list tree: %w", err)
		}
		return scanPrefixRows(rows)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+prefixColumnsSQL+` FROM prefixes WHERE vrf_id = $1 ORDER BY indentation_level, cidr::inet`, vrfID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tree: %w", err)
	}
	return scanPrefixRows(rows)
}

func (s *Store) IsAssociatedWithAnyVPC(ctx context.Context, prefixID string) (bool, error) {
	var ok bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM vpc_prefix_associations WHERE parent_prefix_id = $1)`, prefixID).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres: check associations: %w", err)
	}
	return ok, nil
}

func (s *Store) VPCSourcedPrefixesForVPC(ctx context.Context, vpcID string) ([]*ipam.Prefix, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+prefixColumnsSQL+` FROM prefixes WHERE source = $1 AND vpc_id = $2`, ipam.SourceVPC, vpcID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list VPC-sourced prefixes: %w", err)
	}
	return scanPrefixRows(rows)
}
