package control

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lmercer/proxycache/internal/cache"
	"github.com/lmercer/proxycache/internal/config"
	"github.com/lmercer/proxycache/internal/logging"
	"github.com/lmercer/proxycache/internal/proxy"
)

func newTestAPI(t *testing.T) (*API, *cache.MemoryCache, chan struct{}) {
	t.Helper()

	cfg := config.NewDefaultConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := logging.NewEventLogger(logging.EventLoggerConfig{StdoutEnabled: false})
	t.Cleanup(func() { events.Close() })

	store := cache.NewMemoryCache(cfg.Cache.CapacityBytes(), cfg.Cache.MaxEntryBytes())
	p := proxy.NewServer(logger, events, store, cfg)

	shutdownCalled := make(chan struct{})
	api := NewAPI(logger, cfg, store, p, func() { close(shutdownCalled) })
	return api, store, shutdownCalled
}

func TestHandleStats(t *testing.T) {
	api, store, _ := newTestAPI(t)

	store.Put("http://example.com/", []byte("payload"))
	store.Get("http://example.com/")
	store.Get("http://missing.example.com/")

	rec := httptest.NewRecorder()
	api.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var stats map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("stats response is not valid JSON: %v", err)
	}
	if stats["hit_count"].(float64) != 1 {
		t.Errorf("hit_count = %v, want 1", stats["hit_count"])
	}
	if stats["miss_count"].(float64) != 1 {
		t.Errorf("miss_count = %v, want 1", stats["miss_count"])
	}
	if stats["entry_count"].(float64) != 1 {
		t.Errorf("entry_count = %v, want 1", stats["entry_count"])
	}
	if stats["cache_size_bytes"].(float64) != 7 {
		t.Errorf("cache_size_bytes = %v, want 7", stats["cache_size_bytes"])
	}
	if _, ok := stats["active_connections"]; !ok {
		t.Error("stats missing active_connections")
	}
}

func TestHandleStatsRejectsPost(t *testing.T) {
	api, _, _ := newTestAPI(t)

	rec := httptest.NewRecorder()
	api.handleStats(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandlePurgeAll(t *testing.T) {
	api, store, _ := newTestAPI(t)

	store.Put("http://example.com/1", []byte("one"))
	store.Put("http://example.com/2", []byte("two"))

	rec := httptest.NewRecorder()
	api.handlePurgeAll(rec, httptest.NewRequest(http.MethodPost, "/purge/all", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var result map[string]int
	json.Unmarshal(rec.Body.Bytes(), &result)
	if result["purged_count"] != 2 {
		t.Errorf("purged_count = %d, want 2", result["purged_count"])
	}
	if count, _ := store.Size(); count != 0 {
		t.Errorf("store still holds %d entries", count)
	}
}

func TestHandlePurgeURL(t *testing.T) {
	api, store, _ := newTestAPI(t)
	store.Put("http://example.com/1", []byte("one"))

	t.Run("existing URL", func(t *testing.T) {
		rec := httptest.NewRecorder()
		body := strings.NewReader(`{"url": "http://example.com/1"}`)
		api.handlePurgeURL(rec, httptest.NewRequest(http.MethodPost, "/purge/url", body))

		var result map[string]any
		json.Unmarshal(rec.Body.Bytes(), &result)
		if result["purged"] != true {
			t.Errorf("purged = %v, want true", result["purged"])
		}
	})

	t.Run("missing URL field", func(t *testing.T) {
		rec := httptest.NewRecorder()
		api.handlePurgeURL(rec, httptest.NewRequest(http.MethodPost, "/purge/url", strings.NewReader(`{}`)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		api.handlePurgeURL(rec, httptest.NewRequest(http.MethodPost, "/purge/url", strings.NewReader("{")))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestHandlePurgeDomain(t *testing.T) {
	api, store, _ := newTestAPI(t)
	store.Put("http://example.com/1", []byte("one"))
	store.Put("http://example.com/2", []byte("two"))
	store.Put("http://other.com/1", []byte("three"))

	rec := httptest.NewRecorder()
	api.handlePurgeDomain(rec, httptest.NewRequest(http.MethodPost, "/purge/domain/example.com", nil))

	var result map[string]any
	json.Unmarshal(rec.Body.Bytes(), &result)
	if result["purged_count"].(float64) != 2 {
		t.Errorf("purged_count = %v, want 2", result["purged_count"])
	}
	if count, _ := store.Size(); count != 1 {
		t.Errorf("store holds %d entries, want 1", count)
	}
}

func TestHandleHealth(t *testing.T) {
	api, _, _ := newTestAPI(t)

	rec := httptest.NewRecorder()
	api.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("health response is not valid JSON: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("status = %v, want ok", health["status"])
	}
}

func TestHandleShutdown(t *testing.T) {
	api, _, shutdownCalled := newTestAPI(t)

	rec := httptest.NewRecorder()
	api.handleShutdown(rec, httptest.NewRequest(http.MethodPost, "/shutdown", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// The shutdown runs on its own goroutine; wait for it.
	select {
	case <-shutdownCalled:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown function was never called")
	}
}
