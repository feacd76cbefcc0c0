package entitycache

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInvalidationHandlerRejectsBadSharedKey(t *testing.T) {
	h := &InvalidationHandler{SharedKey: "s3cret"}
	req := httptest.NewRequest(http.MethodPost, "/invalidation", strings.NewReader(`[]`))
	req.Header.Set("Authorization", "wrong")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestInvalidationHandlerRejectsMalformedBody(t *testing.T) {
	h := &InvalidationHandler{SharedKey: "s3cret"}
	req := httptest.NewRequest(http.MethodPost, "/invalidation", strings.NewReader(`{"not":"an array"}`))
	req.Header.Set("Authorization", "s3cret")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestInvalidationHandlerRejectsSpecifierWithoutKind(t *testing.T) {
	h := &InvalidationHandler{SharedKey: "s3cret"}
	req := httptest.NewRequest(http.MethodPost, "/invalidation", strings.NewReader(`[{"subgraph":"reviews"}]`))
	req.Header.Set("Authorization", "s3cret")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a specifier without kind, got %d", rec.Code)
	}
}

func TestInvalidationHandlerEmptyBatchSucceeds(t *testing.T) {
	h := &InvalidationHandler{SharedKey: "s3cret"}
	req := httptest.NewRequest(http.MethodPost, "/invalidation", strings.NewReader(`[]`))
	req.Header.Set("Authorization", "s3cret")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestSpecifiersFromPayloadSkipsMalformedEntries(t *testing.T) {
	payload := []interface{}{
		map[string]interface{}{"kind": "type", "subgraph": "reviews", "type": "Review"},
		map[string]interface{}{"subgraph": "reviews"}, // no kind
		"not an object",
		map[string]interface{}{"kind": "entity", "subgraph": "reviews", "type": "Review", "key": map[string]interface{}{"id": 1}},
	}

	specs := SpecifiersFromPayload(payload)
	if len(specs) != 2 {
		t.Fatalf("expected 2 well-formed specifiers, got %d", len(specs))
	}
	if specs[1].Key["id"] != "1" {
		t.Fatalf("expected the key value stringified, got %v", specs[1].Key)
	}
}
