package ipamapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"ipamcore/internal/adapters/db/memory"
	"ipamcore/internal/application/allocator"
	"ipamcore/internal/application/facade"
	"ipamcore/internal/application/idempotency"
	"ipamcore/internal/application/tree"
	"ipamcore/internal/domain/ipam"

	"github.com/gin-gonic/gin"
)

func newTestHandler(t *testing.T) (*Handler, *memory.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	treeSvc := tree.NewService(store)
	allocSvc := allocator.NewService(store, treeSvc)
	idemp := idempotency.NewService(memory.NewIdempotencyStore())
	face := facade.NewFacade(store, idemp, allocSvc)

	return NewHandler(store, idemp, treeSvc, allocSvc, face), store
}

func doRequest(h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	r := gin.New()
	h.RegisterRoutes(r)

	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCreateVRFAndGet(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodPost, "/api/v1/vrfs", map[string]any{"vrf_id": "vrf-a", "routable": true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create VRF: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(h, http.MethodGet, "/api/v1/vrfs/vrf-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get VRF: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetVRFNotFoundMapsTo404(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodGet, "/api/v1/vrfs/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreatePrefixDuplicateMapsTo409(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	if _, err := store.CreateVRF(ctx, &ipam.VRF{VRFID: "vrf-a"}); err != nil {
		t.Fatalf("CreateVRF: %v", err)
	}

	body := map[string]any{"vrf_id": "vrf-a", "cidr": "10.0.0.0/16", "routable": true}
	rec := doRequest(h, http.MethodPost, "/api/v1/prefixes", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(h, http.MethodPost, "/api/v1/prefixes", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create: expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAllocateSubnetIsIdempotentOnRequestID(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	if _, err := store.CreateVRF(ctx, &ipam.VRF{VRFID: "vrf-a"}); err != nil {
		t.Fatalf("CreateVRF: %v", err)
	}
	if _, err := store.CreateManualPrefix(ctx, "vrf-a", mustParsePrefix("10.0.0.0/16"), nil, ipam.Tags{}, true, false); err != nil {
		t.Fatalf("CreateManualPrefix: %v", err)
	}

	body := map[string]any{"request_id": "req-1", "vrf_id": "vrf-a", "mask_length": 24, "routable": true}
	first := doRequest(h, http.MethodPost, "/api/v1/allocate", body)
	if first.Code != http.StatusCreated {
		t.Fatalf("first allocate: expected 201, got %d: %s", first.Code, first.Body.String())
	}

	second := doRequest(h, http.MethodPost, "/api/v1/allocate", body)
	if second.Code != first.Code || second.Body.String() != first.Body.String() {
		t.Fatalf("expected identical cached response, got %d %s vs %d %s",
			first.Code, first.Body.String(), second.Code, second.Body.String())
	}
}

func TestChildrenAndFilterEndpoints(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	if _, err := store.CreateVRF(ctx, &ipam.VRF{VRFID: "vrf-a"}); err != nil {
		t.Fatalf("CreateVRF: %v", err)
	}
	parent, err := store.CreateManualPrefix(ctx, "vrf-a", mustParsePrefix("10.0.0.0/16"), nil, ipam.Tags{}, true, false)
	if err != nil {
		t.Fatalf("CreateManualPrefix parent: %v", err)
	}
	if _, err := store.CreateManualPrefix(ctx, "vrf-a", mustParsePrefix("10.0.1.0/24"), &parent.PrefixID, ipam.Tags{}, true, false); err != nil {
		t.Fatalf("CreateManualPrefix child: %v", err)
	}

	rec := doRequest(h, http.MethodGet, "/api/v1/prefixes/"+parent.PrefixID+"/children", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("children: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var children []ipam.Prefix
	if err := json.Unmarshal(rec.Body.Bytes(), &children); err != nil {
		t.Fatalf("decode children: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(children))
	}

	rec = doRequest(h, http.MethodGet, "/api/v1/prefixes?vrf_id=vrf-a&routable=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("filter: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var filtered []ipam.Prefix
	if err := json.Unmarshal(rec.Body.Bytes(), &filtered); err != nil {
		t.Fatalf("decode filter: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("expected 2 prefixes in filter, got %d", len(filtered))
	}
}

func TestVPCReadAndDelete(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodPost, "/api/v1/vpcs", map[string]any{
		"provider": "aws", "provider_account_id": "acct", "provider_vpc_id": "vpc-x",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create VPC: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var vpc ipam.VPC
	if err := json.Unmarshal(rec.Body.Bytes(), &vpc); err != nil {
		t.Fatalf("decode VPC: %v", err)
	}

	rec = doRequest(h, http.MethodGet, "/api/v1/vpcs/"+vpc.VPCID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get VPC: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(h, http.MethodDelete, "/api/v1/vpcs/"+vpc.VPCID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete VPC: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(h, http.MethodGet, "/api/v1/vpcs/"+vpc.VPCID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted VPC: expected 404, got %d", rec.Code)
	}
}

func mustParsePrefix(s string) (p netip.Prefix) {
	p = netip.MustParsePrefix(s)
	return
}
