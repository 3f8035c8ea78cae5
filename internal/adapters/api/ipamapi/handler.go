// Package ipamapi is a thin Gin binding over the façade, tree and allocator
// services (§1: HTTP routing and request parsing are explicitly out of
// core scope — this package is one valid binding, not the deliverable).
package ipamapi

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"strconv"

	"ipamcore/internal/application/allocator"
	"ipamcore/internal/application/facade"
	"ipamcore/internal/application/idempotency"
	"ipamcore/internal/application/tree"
	"ipamcore/internal/domain/ipam"

	"github.com/gin-gonic/gin"
)

// Handler exposes the core IPAM operations over HTTP.
type Handler struct {
	store ipam.PrefixStore
	idemp *idempotency.Service
	tree  *tree.Service
	alloc *allocator.Service
	face  *facade.Facade
}

// NewHandler constructs a Handler over the application layer's services.
func NewHandler(store ipam.PrefixStore, idemp *idempotency.Service, treeSvc *tree.Service, allocSvc *allocator.Service, face *facade.Facade) *Handler {
	return &Handler{store: store, idemp: idemp, tree: treeSvc, alloc: allocSvc, face: face}
}

// RegisterRoutes wires every endpoint onto r under /api/v1.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/api/v1")

	v1.POST("/vrfs", h.createVRF)
	v1.GET("/vrfs/:vrfId", h.getVRF)
	v1.DELETE("/vrfs/:vrfId", h.deleteVRF)

	v1.GET("/prefixes", h.filterPrefixes)
	v1.POST("/prefixes", h.createPrefix)
	v1.GET("/prefixes/:prefixId", h.getPrefix)
	v1.PATCH("/prefixes/:prefixId", h.updatePrefix)
	v1.DELETE("/prefixes/:prefixId", h.deletePrefix)
	v1.GET("/prefixes/:prefixId/children", h.getChildren)
	v1.GET("/prefixes/:prefixId/can-create-child", h.canCreateChild)
	v1.GET("/prefixes/:prefixId/can-associate-vpc", h.canAssociateVPC)
	v1.GET("/prefixes/:prefixId/preview", h.previewAvailableSubnets)

	v1.GET("/vrfs/:vrfId/tree", h.getTree)
	v1.GET("/tree", h.getTree)

	v1.POST("/allocate", h.allocateSubnet)

	v1.POST("/vpcs", h.createVPC)
	v1.GET("/vpcs/:vpcId", h.getVPC)
	v1.DELETE("/vpcs/:vpcId", h.deleteVPC)
	v1.POST("/vpcs/:vpcId/associations", h.associateVPC)
	v1.DELETE("/associations/:associationId", h.deleteAssociation)

	v1.GET("/idempotency/stats", h.idempotencyStats)
}

func (h *Handler) createVRF(c *gin.Context) {
	var req struct {
		VRFID       string    `json:"vrf_id" binding:"required"`
		Description string    `json:"description"`
		Tags        ipam.Tags `json:"tags"`
		Routable    bool      `json:"routable"`
		IsDefault   bool      `json:"is_default"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	vrf, err := h.store.CreateVRF(c.Request.Context(), &ipam.VRF{
		VRFID:       req.VRFID,
		Description: req.Description,
		Tags:        req.Tags,
		Routable:    req.Routable,
		IsDefault:   req.IsDefault,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, vrf)
}

func (h *Handler) getVRF(c *gin.Context) {
	vrf, err := h.store.VRFByID(c.Request.Context(), c.Param("vrfId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, vrf)
}

func (h *Handler) deleteVRF(c *gin.Context) {
	if err := h.store.DeleteVRF(c.Request.Context(), c.Param("vrfId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) createPrefix(c *gin.Context) {
	var req struct {
		VRFID           string    `json:"vrf_id" binding:"required"`
		CIDR            string    `json:"cidr" binding:"required"`
		ParentPrefixID  *string   `json:"parent_prefix_id"`
		Tags            ipam.Tags `json:"tags"`
		Routable        bool      `json:"routable"`
		VPCChildrenFlag bool      `json:"vpc_children_type_flag"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cidr, err := netip.ParsePrefix(req.CIDR)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ipam.ErrInvalidCIDR.Error()})
		return
	}
	prefix, err := h.store.CreateManualPrefix(c.Request.Context(), req.VRFID, cidr.Masked(), req.ParentPrefixID, req.Tags, req.Routable, req.VPCChildrenFlag)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, prefix)
}

func (h *Handler) getPrefix(c *gin.Context) {
	prefix, err := h.store.PrefixByID(c.Request.Context(), c.Param("prefixId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, prefix)
}

func (h *Handler) updatePrefix(c *gin.Context) {
	var req struct {
		Tags            ipam.Tags `json:"tags"`
		Routable        *bool     `json:"routable"`
		VPCChildrenFlag *bool     `json:"vpc_children_type_flag"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	prefix, err := h.store.UpdateManualPrefix(c.Request.Context(), c.Param("prefixId"), ipam.PrefixPatch{
		Tags:            req.Tags,
		Routable:        req.Routable,
		VPCChildrenFlag: req.VPCChildrenFlag,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, prefix)
}

func (h *Handler) deletePrefix(c *gin.Context) {
	if err := h.store.DeleteManualPrefix(c.Request.Context(), c.Param("prefixId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getChildren(c *gin.Context) {
	children, err := h.store.Children(c.Request.Context(), c.Param("prefixId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, children)
}

// filterPrefixes binds the §6 filter-read query parameters (vrf, source,
// routable, provider, account) onto ipam.PrefixFilter.
func (h *Handler) filterPrefixes(c *gin.Context) {
	filter := ipam.PrefixFilter{
		VRFID:     c.Query("vrf_id"),
		AccountID: c.Query("account_id"),
	}
	if v := c.Query("routable"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "routable query parameter must be a boolean"})
			return
		}
		filter.Routable = &b
	}
	if v := c.Query("source"); v != "" {
		src := ipam.Source(v)
		filter.Source = &src
	}
	if v := c.Query("provider"); v != "" {
		p := ipam.Provider(v)
		filter.Provider = &p
	}
	prefixes, err := h.store.Filter(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, prefixes)
}

func (h *Handler) canCreateChild(c *gin.Context) {
	ok, reason, err := h.face.CanCreateChild(c.Request.Context(), c.Param("prefixId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"can_create_child": ok, "reason": reason})
}

func (h *Handler) canAssociateVPC(c *gin.Context) {
	ok, reason, err := h.face.CanAssociateVPC(c.Request.Context(), c.Param("prefixId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"can_associate_vpc": ok, "reason": reason})
}

func (h *Handler) previewAvailableSubnets(c *gin.Context) {
	maskLength, err := strconv.Atoi(c.Query("mask_length"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mask_length query parameter must be an integer"})
		return
	}
	out, err := h.alloc.PreviewAvailableSubnets(c.Request.Context(), c.Param("prefixId"), maskLength)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) getTree(c *gin.Context) {
	nodes, err := h.tree.Forest(c.Request.Context(), c.Param("vrfId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nodes)
}

// allocateSubnetRequest is also the façade idempotency params payload.
type allocateSubnetRequest struct {
	RequestID       string    `json:"request_id"`
	VRFID           string    `json:"vrf_id" binding:"required"`
	MaskLength      int       `json:"mask_length" binding:"required"`
	Tags            ipam.Tags `json:"tags"`
	Routable        bool      `json:"routable"`
	ParentPrefixID  *string   `json:"parent_prefix_id"`
	Description     string    `json:"description"`
	VPCChildrenFlag bool      `json:"vpc_children_type_flag"`
}

func (h *Handler) allocateSubnet(c *gin.Context) {
	var req allocateSubnetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	env := facade.Envelope{
		RequestID: req.RequestID,
		Endpoint:  "/api/v1/allocate",
		Method:    http.MethodPost,
		Params: map[string]any{
			"vrf_id":            req.VRFID,
			"mask_length":       req.MaskLength,
			"tags":              req.Tags,
			"routable":          req.Routable,
			"parent_prefix_id":  req.ParentPrefixID,
			"description":       req.Description,
			"vpc_children_flag": req.VPCChildrenFlag,
		},
	}

	result, err := h.face.Do(c.Request.Context(), env, func(ctx context.Context) (any, int, error) {
		alloc, err := h.face.AllocateSubnetWithRetry(ctx, allocator.AllocateRequest{
			VRFID:           req.VRFID,
			MaskLength:      req.MaskLength,
			Tags:            req.Tags,
			Routable:        req.Routable,
			ParentPrefixID:  req.ParentPrefixID,
			Description:     req.Description,
			VPCChildrenFlag: req.VPCChildrenFlag,
		})
		if err != nil {
			return nil, 0, err
		}
		return alloc, http.StatusCreated, nil
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(result.Status, "application/json", result.Body)
}

func (h *Handler) createVPC(c *gin.Context) {
	var req struct {
		VPCID             string        `json:"vpc_id"`
		Description       string        `json:"description"`
		Provider          ipam.Provider `json:"provider" binding:"required"`
		ProviderAccountID string        `json:"provider_account_id" binding:"required"`
		ProviderVPCID     string        `json:"provider_vpc_id" binding:"required"`
		Region            string        `json:"region"`
		Tags              ipam.Tags     `json:"tags"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	vpc, err := h.store.CreateVPC(c.Request.Context(), &ipam.VPC{
		VPCID:             req.VPCID,
		Description:       req.Description,
		Provider:          req.Provider,
		ProviderAccountID: req.ProviderAccountID,
		ProviderVPCID:     req.ProviderVPCID,
		Region:            req.Region,
		Tags:              req.Tags,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, vpc)
}

func (h *Handler) getVPC(c *gin.Context) {
	vpc, err := h.store.VPCByID(c.Request.Context(), c.Param("vpcId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, vpc)
}

func (h *Handler) deleteVPC(c *gin.Context) {
	if err := h.store.DeleteVPC(c.Request.Context(), c.Param("vpcId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) associateVPC(c *gin.Context) {
	var req struct {
		CIDR           string `json:"cidr" binding:"required"`
		Routable       bool   `json:"routable"`
		ParentPrefixID string `json:"parent_prefix_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cidr, err := netip.ParsePrefix(req.CIDR)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ipam.ErrInvalidCIDR.Error()})
		return
	}
	assoc, err := h.store.AssociateVPCWithPrefix(c.Request.Context(), c.Param("vpcId"), cidr.Masked(), req.Routable, req.ParentPrefixID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, assoc)
}

func (h *Handler) deleteAssociation(c *gin.Context) {
	if err := h.store.DeleteAssociation(c.Request.Context(), c.Param("associationId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) idempotencyStats(c *gin.Context) {
	stats, err := h.idemp.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// writeError maps the domain error taxonomy (§7) onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	var noSpace *ipam.NoSpaceError
	switch {
	case errors.Is(err, ipam.ErrVRFNotFound), errors.Is(err, ipam.ErrVPCNotFound),
		errors.Is(err, ipam.ErrPrefixNotFound), errors.Is(err, ipam.ErrAssociationNotFound),
		errors.Is(err, ipam.ErrIdempotencyRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ipam.ErrDuplicateCIDR), errors.Is(err, ipam.ErrSiblingOverlap),
		errors.Is(err, ipam.ErrParameterMismatch), errors.Is(err, ipam.ErrAssociationPolicyViolation),
		errors.Is(err, ipam.ErrVRFAlreadyExists), errors.Is(err, ipam.ErrVPCAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ipam.ErrCannotMutateVPCSourced), errors.Is(err, ipam.ErrCannotDeleteWithChildren),
		errors.Is(err, ipam.ErrCannotDeleteReferencedVRF), errors.Is(err, ipam.ErrCannotDeleteReferencedVPC),
		errors.Is(err, ipam.ErrCannotCreateChildUnderVPCChildrenFlag):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &noSpace), errors.Is(err, ipam.ErrNoSpaceAvailable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ipam.ErrInvalidCIDR), errors.Is(err, ipam.ErrInvalidMaskLength),
		errors.Is(err, ipam.ErrParentMismatch), errors.Is(err, ipam.ErrFamilyMismatch),
		errors.Is(err, ipam.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
