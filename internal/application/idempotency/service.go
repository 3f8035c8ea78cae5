// Package idempotency implements the request_id-keyed response cache: a
// SHA-256 parameter hash over canonicalized JSON, a permanent per-record
// store, and the mismatch rules the façade surfaces as HTTP 409 (§4.6).
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"ipamcore/internal/domain/ipam"
)

// Service wraps the operation execution of the façade with idempotent
// caching keyed by request_id.
type Service struct {
	store ipam.IdempotencyStore
}

// NewService constructs an idempotency Service over store.
func NewService(store ipam.IdempotencyStore) *Service {
	return &Service{store: store}
}

// HashParams computes the SHA-256 hex digest of the canonical JSON
// serialization of params (request_id excluded by the caller before this is
// invoked; object keys are sorted recursively).
func HashParams(params map[string]any) (string, error) {
	canon, err := canonicalize(params)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize params: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize renders v as JSON with every object's keys sorted
// recursively, so structurally identical parameter maps always hash the
// same way regardless of Go map iteration order.
func canonicalize(v any) ([]byte, error) {
	node, err := sortKeys(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(node)
}

func sortKeys(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			sub, err := sortKeys(val[k])
			if err != nil {
				return nil, err
			}
			ordered = append(ordered, orderedEntry{key: k, value: sub})
		}
		return ordered, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			sub, err := sortKeys(item)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return v, nil
	}
}

// orderedEntry and orderedMap implement json.Marshaler to emit object keys
// in the exact sorted order sortKeys produced; encoding/json otherwise
// re-sorts map[string]any keys itself, which happens to match here, but
// this makes the ordering an explicit invariant rather than an accident of
// the standard library's current behavior.
type orderedEntry struct {
	key   string
	value any
}

type orderedMap []orderedEntry

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(e.key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(e.value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Outcome is what Check returns when a cached response is available.
type Outcome struct {
	ResponseBody []byte
	StatusCode   int
}

// Check looks up requestID. It returns (nil, nil) when no record
// exists (the caller should execute the operation and call Store). It
// returns a non-nil Outcome when a matching record exists. It returns
// ipam.ErrIdempotencyEndpointMismatch or ipam.ErrIdempotencyParameterMismatch
// when requestID was previously used for a different request.
func (s *Service) Check(ctx context.Context, requestID, endpoint, method string, params map[string]any) (*Outcome, error) {
	rec, err := s.store.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, ipam.ErrIdempotencyRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency: get record: %w", err)
	}

	if rec.Endpoint != endpoint || rec.Method != method {
		return nil, ipam.ErrIdempotencyEndpointMismatch
	}

	hash, err := HashParams(params)
	if err != nil {
		return nil, err
	}
	if rec.RequestHash != hash {
		return nil, ipam.ErrIdempotencyParameterMismatch
	}

	return &Outcome{ResponseBody: rec.ResponseBody, StatusCode: rec.StatusCode}, nil
}

// Store persists the outcome of a freshly executed operation under
// requestID. Storage races on the unique request_id key are the losing
// writer's problem to swallow, which IdempotencyStore.Create already does.
func (s *Service) Store(ctx context.Context, requestID, endpoint, method string, params map[string]any, responseBody []byte, statusCode int) error {
	hash, err := HashParams(params)
	if err != nil {
		return err
	}
	rec := &ipam.IdempotencyRecord{
		RequestID:    requestID,
		Endpoint:     endpoint,
		Method:       method,
		RequestHash:  hash,
		ResponseBody: responseBody,
		StatusCode:   statusCode,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return fmt.Errorf("idempotency: store record: %w", err)
	}
	return nil
}

// Stats returns the read model over the permanent record count.
func (s *Service) Stats(ctx context.Context) (ipam.Stats, error) {
	return s.store.Stats(ctx)
}
