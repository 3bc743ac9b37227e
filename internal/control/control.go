// Package control exposes a localhost-only HTTP interface for inspecting
// and managing a running proxy: cache statistics, purges, reload and
// shutdown.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/lmercer/proxycache/internal/cache"
	"github.com/lmercer/proxycache/internal/config"
	"github.com/lmercer/proxycache/internal/proxy"
)

// API is the control server.
type API struct {
	logger    *slog.Logger
	config    *config.Config
	store     cache.Store
	proxy     *proxy.Server
	startTime time.Time
	server    *http.Server
	shutdown  func() // Triggers graceful process shutdown
}

// NewAPI creates a control API bound to the proxy and its store.
func NewAPI(logger *slog.Logger, cfg *config.Config, store cache.Store, p *proxy.Server, shutdown func()) *API {
	return &API{
		logger:    logger,
		config:    cfg,
		store:     store,
		proxy:     p,
		startTime: time.Now(),
		shutdown:  shutdown,
	}
}

// Start runs the control server. It refuses to bind anywhere but
// loopback: the API can purge the cache and stop the process.
func (a *API) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", a.config.Server.ControlPort)
	a.logger.Info("starting control API", "address", addr)

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", a.handleStats)
	mux.HandleFunc("/purge/all", a.handlePurgeAll)
	mux.HandleFunc("/purge/url", a.handlePurgeURL)
	mux.HandleFunc("/purge/domain/", a.handlePurgeDomain)
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/shutdown", a.handleShutdown)
	mux.HandleFunc("/reload", a.handleReload)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, "proxycache control API")
	})

	a.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return a.server.ListenAndServe()
}

// Shutdown stops the control server.
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down control API")
	return a.server.Shutdown(ctx)
}

// ReloadConfig re-reads the config file and hands it to the running
// proxy. Settings the proxy reads per operation (socket and tunnel-idle
// timeouts, the header cap, the response accumulator's entry cap) take
// effect for new work. Ports, the cache backend and store capacity, the
// connection limit, the dial and DNS settings and the application log
// level keep their startup values until a restart.
func (a *API) ReloadConfig() error {
	newCfg, err := config.LoadConfig(a.config.LoadedPath)
	if err != nil {
		return fmt.Errorf("failed to reload config file: %w", err)
	}

	a.config = newCfg
	a.proxy.SetConfig(newCfg)

	a.logger.Info("configuration reloaded successfully")
	return nil
}

func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := a.ReloadConfig(); err != nil {
		a.logger.Error("failed to reload config via API", "error", err)
		http.Error(w, "Failed to reload config", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Configuration reloaded")
}

func (a *API) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.logger.Info("shutdown request received via API")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Shutdown initiated...")

	go a.shutdown()
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.logger.Debug("stats endpoint accessed", "remoteAddr", r.RemoteAddr)

	stats := a.store.Stats()
	totalRequests := stats.Hits + stats.Misses
	var hitRate float64
	if totalRequests > 0 {
		hitRate = (float64(stats.Hits) / float64(totalRequests)) * 100
	}
	response := map[string]interface{}{
		"hit_count":          stats.Hits,
		"miss_count":         stats.Misses,
		"eviction_count":     stats.Evictions,
		"hit_rate_percent":   fmt.Sprintf("%.2f", hitRate),
		"entry_count":        stats.EntryCount,
		"cache_size_bytes":   stats.TotalBytes,
		"uptime_seconds":     fmt.Sprintf("%.2f", stats.UptimeSeconds),
		"active_connections": a.proxy.ActiveConnections(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode stats response", "error", err)
	}
}

func (a *API) handlePurgeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	count := a.store.PurgeAll()
	a.logger.Info("purged all cache entries", "count", count)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"purged_count": count,
	}); err != nil {
		a.logger.Error("failed to encode purge all response", "error", err)
	}
}

type purgeURLRequest struct {
	URL string `json:"url"`
}

func (a *API) handlePurgeURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req purgeURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "URL is required", http.StatusBadRequest)
		return
	}
	found := a.store.PurgeByURL(req.URL)
	a.logger.Info("purge request by URL", "url", req.URL, "found", found)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"url":    req.URL,
		"purged": found,
	}); err != nil {
		a.logger.Error("failed to encode purge url response", "error", err)
	}
}

func (a *API) handlePurgeDomain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	domain := strings.TrimPrefix(r.URL.Path, "/purge/domain/")
	if domain == "" {
		http.Error(w, "Domain is required", http.StatusBadRequest)
		return
	}
	count := a.store.PurgeByDomain(domain)
	a.logger.Info("purged cache entries by domain", "domain", domain, "count", count)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"domain":       domain,
		"purged_count": count,
	}); err != nil {
		a.logger.Error("failed to encode purge domain response", "error", err)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	response := map[string]interface{}{
		"status":      "ok",
		"go_version":  runtime.Version(),
		"uptime":      time.Since(a.startTime).String(),
		"config_file": a.config.LoadedPath,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode health response", "error", err)
	}
}
