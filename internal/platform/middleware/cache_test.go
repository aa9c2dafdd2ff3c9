package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestInMemoryCacheStore_SetGet(t *testing.T) {
	store := NewInMemoryCacheStore()
	store.Set("k", []byte("value"), time.Minute)

	data, ok := store.Get("k")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(data) != "value" {
		t.Errorf("expected 'value', got %q", data)
	}
}

func TestInMemoryCacheStore_Expiry(t *testing.T) {
	store := NewInMemoryCacheStore()
	store.Set("k", []byte("value"), -time.Second)

	if _, ok := store.Get("k"); ok {
		t.Error("expected expired entry to miss")
	}
}

func TestInMemoryCacheStore_Delete(t *testing.T) {
	store := NewInMemoryCacheStore()
	store.Set("k", []byte("value"), time.Minute)
	store.Delete("k")

	if _, ok := store.Get("k"); ok {
		t.Error("expected miss after delete")
	}
}

func TestInMemoryCacheStore_Clear(t *testing.T) {
	store := NewInMemoryCacheStore()
	store.Set("a", []byte("1"), time.Minute)
	store.Set("b", []byte("2"), time.Minute)
	store.Clear()

	if _, ok := store.Get("a"); ok {
		t.Error("expected miss after clear")
	}
	if _, ok := store.Get("b"); ok {
		t.Error("expected miss after clear")
	}
}

func TestInMemoryCacheStore_SweepDropsExpired(t *testing.T) {
	store := NewInMemoryCacheStore()
	store.Set("live", []byte("1"), time.Minute)
	store.Set("stale", []byte("2"), time.Millisecond)

	store.sweep(time.Now().Add(time.Second))

	if _, ok := store.Get("live"); !ok {
		t.Error("expected live entry to survive the sweep")
	}
	store.mu.RLock()
	_, kept := store.entries["stale"]
	store.mu.RUnlock()
	if kept {
		t.Error("expected stale entry to be removed by the sweep")
	}
}

func TestResponseCache_MissThenHit(t *testing.T) {
	store := NewInMemoryCacheStore()
	e := echo.New()

	calls := 0
	handler := func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusOK, map[string]string{"status": "available"})
	}
	h := ResponseCache(store, time.Minute)(handler)

	// First request: miss
	req := httptest.NewRequest(http.MethodGet, "/public/doctor/d1/availability/2026-03-01", nil)
	rec := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get("X-Cache") != "MISS" {
		t.Errorf("expected X-Cache MISS, got %q", rec.Header().Get("X-Cache"))
	}

	// Second request: hit, handler not called again
	req2 := httptest.NewRequest(http.MethodGet, "/public/doctor/d1/availability/2026-03-01", nil)
	rec2 := httptest.NewRecorder()
	if err := h(e.NewContext(req2, rec2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec2.Header().Get("X-Cache") != "HIT" {
		t.Errorf("expected X-Cache HIT, got %q", rec2.Header().Get("X-Cache"))
	}
	if calls != 1 {
		t.Errorf("expected handler to be called once, got %d", calls)
	}
	if rec2.Body.String() != rec.Body.String() {
		t.Error("expected cached body to match original response")
	}
}

func TestResponseCache_QueryStringInKey(t *testing.T) {
	store := NewInMemoryCacheStore()
	e := echo.New()

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, c.QueryParam("specialty"))
	}
	h := ResponseCache(store, time.Minute)(handler)

	req := httptest.NewRequest(http.MethodGet, "/public/doctors?specialty=obstetrics", nil)
	rec := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/public/doctors?specialty=gynecology", nil)
	rec2 := httptest.NewRecorder()
	if err := h(e.NewContext(req2, rec2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec2.Header().Get("X-Cache") != "MISS" {
		t.Error("expected different query strings to use different cache keys")
	}
	if rec2.Body.String() != "gynecology" {
		t.Errorf("expected fresh response for new query, got %q", rec2.Body.String())
	}
}

func TestResponseCache_SkipsAuthorizedRequests(t *testing.T) {
	store := NewInMemoryCacheStore()
	e := echo.New()

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "private")
	}
	h := ResponseCache(store, time.Minute)(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/doctor/me", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Header().Get("X-Cache") != "SKIP" {
		t.Errorf("expected X-Cache SKIP for authorized request, got %q", rec.Header().Get("X-Cache"))
	}
}

func TestResponseCache_SkipsNonGET(t *testing.T) {
	store := NewInMemoryCacheStore()
	e := echo.New()

	handler := func(c echo.Context) error {
		return c.String(http.StatusCreated, "created")
	}
	h := ResponseCache(store, time.Minute)(handler)

	req := httptest.NewRequest(http.MethodPost, "/public/anything", nil)
	rec := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := store.Get(cacheKey("/public/anything", "", "")); ok {
		t.Error("expected POST responses not to be cached")
	}
}

func TestResponseCache_DoesNotCacheErrors(t *testing.T) {
	store := NewInMemoryCacheStore()
	e := echo.New()

	handler := func(c echo.Context) error {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}
	h := ResponseCache(store, time.Minute)(handler)

	req := httptest.NewRequest(http.MethodGet, "/public/doctor/missing/availability/2026-03-01", nil)
	rec := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key := cacheKey("/public/doctor/missing/availability/2026-03-01", "", "")
	if _, ok := store.Get(key); ok {
		t.Error("expected error responses not to be cached")
	}
}
