// Command prix is the tiered price discovery service: an HTTP API over
// the releve engine, a background job runner, and an optional MCP tool
// surface on stdio.
//
// Configuration comes from the environment (a .env file is honored),
// with an optional YAML overlay:
//
//	prix                      # serve on $PORT with env configuration
//	prix -config prix.yaml    # overlay tuning values from a file
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/prix/dbopen"
	"github.com/hazyhaar/prix/distill"
	"github.com/hazyhaar/prix/jobq"
	"github.com/hazyhaar/prix/kit"
	"github.com/hazyhaar/prix/observability"
	"github.com/hazyhaar/prix/pagefetch"
	"github.com/hazyhaar/prix/ratelimit"
	"github.com/hazyhaar/prix/releve"
	"github.com/hazyhaar/prix/releve/catalog"
	"github.com/hazyhaar/prix/shield"
)

func main() {
	configPath := flag.String("config", "", "path to optional prix.yaml")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// One database carries the registry, the job queue, and the request log.
	db, err := dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(releve.StoreSchema),
		dbopen.WithSchema(jobq.Schema),
		dbopen.WithSchema(observability.Schema),
	)
	if err != nil {
		slog.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := releve.NewRegistry(db)

	// Seed the default store catalog. Idempotent: existing domains stay.
	seeded, err := catalog.Populate(ctx, registry)
	if err != nil {
		slog.Error("seed catalog", "error", err)
		os.Exit(1)
	}
	if seeded > 0 {
		slog.Info("store catalog seeded", "added", seeded)
	}

	jobs := jobq.NewStore(db)

	audit := observability.NewRequestLogger(db, cfg.Audit.Buffer)
	defer audit.Close()

	budget := ratelimit.NewBudget(cfg.Rate.MaxCalls, cfg.Rate.Window)
	budget.StartGC(ctx.Done())

	opts := []releve.Option{
		releve.WithJobStore(jobs),
		releve.WithAudit(audit),
		releve.WithBudget(budget),
		releve.WithLogger(logger),
	}

	// Capabilities are optional at startup; discovery fails fast with
	// ErrNotConfigured until both are present.
	if cfg.Pagefetch.BaseURL != "" {
		fetcher := pagefetch.New(pagefetch.Config{
			BaseURL: cfg.Pagefetch.BaseURL,
			APIKey:  cfg.Pagefetch.APIKey,
			Timeout: cfg.Pagefetch.Timeout,
		})
		opts = append(opts, releve.WithFetcher(fetcher))
	} else {
		slog.Warn("PAGEFETCH_URL not set; page acquisition disabled")
	}

	if cfg.Gemini.APIKey != "" {
		extractor, err := distill.New(ctx, distill.Config{
			APIKey: cfg.Gemini.APIKey,
			Model:  cfg.Gemini.Model,
		})
		if err != nil {
			slog.Error("distill init", "error", err)
			os.Exit(1)
		}
		defer extractor.Close()
		opts = append(opts, releve.WithStructurer(extractor))
	} else {
		slog.Warn("GEMINI_API_KEY not set; extraction disabled")
	}

	svc := releve.New(registry, cfg.releveConfig(), opts...)

	// Background job runner.
	runner := jobq.NewRunner(jobs, svc.Handler(), jobq.RunnerOptions{
		PollInterval:   cfg.Jobs.PollInterval,
		BatchSize:      cfg.Jobs.Workers,
		MaxConcurrency: cfg.Jobs.Workers,
		JobTimeout:     cfg.Jobs.Timeout,
		MaxAttempts:    cfg.Jobs.MaxAttempts,
		RetryBackoff:   cfg.Jobs.RetryBackoff,
		Logger:         logger,
		IsTransient:    releve.IsTransient,
	})
	runnerDone := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(runnerDone)
	}()

	// Daily request-log retention sweep.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := audit.Cleanup(ctx, cfg.Audit.RetentionDays)
				if err != nil {
					slog.Warn("request log cleanup failed", "error", err)
				} else if n > 0 {
					slog.Info("request log cleaned", "removed", n, "retention_days", cfg.Audit.RetentionDays)
				}
			}
		}
	}()

	// Optional MCP stdio.
	if cfg.MCPTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "prix",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)
		go func() {
			slog.Info("MCP stdio starting")
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("MCP stdio", "error", err)
			}
		}()
	}

	// HTTP server.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(svc, audit),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}

	// Wait for in-flight jobs to record their terminal state.
	<-runnerDone
	slog.Info("server stopped")
}

func newRouter(svc *releve.Service, audit *observability.RequestLogger) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack() {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	// Every API route is scoped to the calling user.
	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		// Jobs.
		r.Post("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Kind   string          `json:"kind"`
				Input  json.RawMessage `json:"input"`
				ItemID string          `json:"item_id"`
				ListID string          `json:"list_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			job, err := svc.CreateJob(r.Context(), jobq.NewJob{
				UserID: kit.GetUserID(r.Context()),
				Kind:   req.Kind,
				Input:  req.Input,
				ItemID: req.ItemID,
				ListID: req.ListID,
			})
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 201, job)
		})

		r.Get("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
			jobs, err := svc.UserJobs(r.Context(), kit.GetUserID(r.Context()), queryInt(r, "limit", 20))
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, jobs)
		})

		r.Get("/api/jobs/active", func(w http.ResponseWriter, r *http.Request) {
			jobs, err := svc.ActiveJobs(r.Context(), kit.GetUserID(r.Context()))
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, jobs)
		})

		r.Get("/api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
			job, err := ownedJob(r, svc)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			if job == nil {
				writeJSON(w, 404, map[string]string{"error": "job not found"})
				return
			}
			writeJSON(w, 200, job)
		})

		r.Post("/api/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			job, err := ownedJob(r, svc)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			if job == nil {
				writeJSON(w, 404, map[string]string{"error": "job not found"})
				return
			}
			cancelled, err := svc.CancelJob(r.Context(), job.ID)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, map[string]any{"cancelled": cancelled})
		})

		r.Get("/api/jobs/{id}/requests", func(w http.ResponseWriter, r *http.Request) {
			job, err := ownedJob(r, svc)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			if job == nil {
				writeJSON(w, 404, map[string]string{"error": "job not found"})
				return
			}
			entries, err := audit.ByJob(r.Context(), job.ID)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if entries == nil {
				entries = []*observability.RequestEntry{}
			}
			writeJSON(w, 200, entries)
		})

		// Live discovery over SSE. Events: searching, result, complete, error.
		r.Get("/api/discovery/stream", func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			query := strings.TrimSpace(q.Get("query"))
			if query == "" {
				writeError(w, 400, fmt.Errorf("query parameter required"))
				return
			}
			flusher, ok := w.(http.Flusher)
			if !ok {
				writeError(w, 500, fmt.Errorf("streaming unsupported"))
				return
			}

			req := releve.DiscoverRequest{
				UserID:            kit.GetUserID(r.Context()),
				Query:             query,
				Zip:               q.Get("zip"),
				Lat:               q.Get("lat"),
				Lng:               q.Get("lng"),
				ItemID:            q.Get("item_id"),
				ShopLocal:         queryBool(r, "shop_local"),
				AllowAgent:        queryBool(r, "allow_agent"),
				DisableEscalation: queryBool(r, "disable_escalation"),
			}

			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(200)
			flusher.Flush()

			// A discovery can outlive the server write timeout; clear the
			// deadline for this response only.
			rc := http.NewResponseController(w)
			_ = rc.SetWriteDeadline(time.Time{})

			// The terminal event already reports errors; nothing more to
			// send once the stream function returns.
			_, _ = svc.DiscoverStream(r.Context(), req, func(ev releve.Event) error {
				data, err := json.Marshal(ev)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
					return err
				}
				flusher.Flush()
				return nil
			})
		})

		// Stores.
		r.Get("/api/stores", func(w http.ResponseWriter, r *http.Request) {
			views, err := svc.ListStores(r.Context(), kit.GetUserID(r.Context()))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, views)
		})

		r.Post("/api/stores", func(w http.ResponseWriter, r *http.Request) {
			var in releve.AddStoreInput
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				writeError(w, 400, err)
				return
			}
			st, err := svc.AddStoreByDomain(r.Context(), kit.GetUserID(r.Context()), in)
			if err != nil {
				writeError(w, 400, err)
				return
			}
			writeJSON(w, 201, st)
		})

		r.Patch("/api/stores/{id}/preference", func(w http.ResponseWriter, r *http.Request) {
			var patch releve.PreferencePatch
			if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
				writeError(w, 400, err)
				return
			}
			pref, err := svc.UpdatePreference(r.Context(), kit.GetUserID(r.Context()), chi.URLParam(r, "id"), patch)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, pref)
		})

		r.Post("/api/stores/preferences/reset", func(w http.ResponseWriter, r *http.Request) {
			n, err := svc.ResetPreferences(r.Context(), kit.GetUserID(r.Context()))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, map[string]any{"reset": n})
		})

		r.Put("/api/stores/priorities", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				StoreIDs []string `json:"store_ids"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := svc.ReorderStores(r.Context(), kit.GetUserID(r.Context()), req.StoreIDs); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "ok"})
		})

		// Price book.
		r.Get("/api/items/{itemID}/prices", func(w http.ResponseWriter, r *http.Request) {
			prices, err := svc.VendorPrices(r.Context(), chi.URLParam(r, "itemID"))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, prices)
		})

		r.Get("/api/items/{itemID}/prices/best", func(w http.ResponseWriter, r *http.Request) {
			best, err := svc.BestPrice(r.Context(), chi.URLParam(r, "itemID"))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if best == nil {
				writeJSON(w, 404, map[string]string{"error": "no prices recorded"})
				return
			}
			writeJSON(w, 200, best)
		})

		r.Get("/api/items/{itemID}/history", func(w http.ResponseWriter, r *http.Request) {
			entries, err := svc.PriceHistory(r.Context(), chi.URLParam(r, "itemID"),
				r.URL.Query().Get("vendor"), queryInt(r, "limit", 50))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, entries)
		})
	})

	return r
}

// --- Middleware ---

// requireUser rejects API requests that do not identify a user.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			writeJSON(w, 401, map[string]string{"error": "X-User-ID header required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(kit.WithUserID(r.Context(), userID)))
	})
}

// ownedJob loads the job from the path and hides other users' jobs
// behind the same nil as a missing one.
func ownedJob(r *http.Request, svc *releve.Service) (*jobq.Job, error) {
	job, err := svc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if job == nil || job.UserID != kit.GetUserID(r.Context()) {
		return nil, nil
	}
	return job, nil
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// statusFor maps service sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, releve.ErrStoreNotFound):
		return 404
	case errors.Is(err, releve.ErrEmptyQuery), errors.Is(err, releve.ErrUnknownJobKind):
		return 400
	case errors.Is(err, releve.ErrNotConfigured):
		return 503
	default:
		return 500
	}
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func queryBool(r *http.Request, key string) bool {
	switch strings.ToLower(r.URL.Query().Get(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
