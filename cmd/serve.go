package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quantmill/marketsync/internal/catalog"
	"github.com/quantmill/marketsync/internal/ingest"
	"github.com/quantmill/marketsync/internal/ingest/runlog"
	"github.com/quantmill/marketsync/internal/provider"
	"github.com/quantmill/marketsync/internal/resilience"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status and trigger HTTP server",
	Long: `Serves run history and interface metadata over HTTP and accepts
sync triggers. POST /api/sync starts a pipeline run asynchronously.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cat, err := catalog.Load(cfg.Ingest.CatalogFile)
		if err != nil {
			return err
		}

		pool, err := storePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := ingest.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "serve: migrate")
		}

		client := provider.NewHTTPClient(provider.HTTPOptions{
			BaseURL:   cfg.Provider.BaseURL,
			APIKey:    cfg.Provider.APIKey,
			UserAgent: cfg.Provider.UserAgent,
			Timeout:   cfg.Provider.Timeout(),
			RateLimit: cfg.Provider.RateLimit,
			Burst:     cfg.Provider.Burst,
		})
		retry := resilience.DefaultRetryConfig()
		if cfg.Ingest.MaxAttempts > 0 {
			retry.MaxAttempts = cfg.Ingest.MaxAttempts
		}
		exec := ingest.NewExecutor(client, ingest.NewSQLStore(pool), ingest.ExecutorOptions{
			Retry:        retry,
			StoreTimeout: cfg.Ingest.StoreTimeout(),
		})
		rl := runlog.New(pool)
		runner := ingest.NewRunner(exec, ingest.RunnerOptions{
			Parallel: cfg.Ingest.Parallel,
			Recorder: rl,
		})

		r := chi.NewRouter()
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
			if err := pool.Ping(req.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/api/interfaces", func(w http.ResponseWriter, req *http.Request) {
			type ifaceView struct {
				Name         string   `json:"name"`
				ProviderFunc string   `json:"provider_func"`
				Table        string   `json:"table"`
				Mode         string   `json:"mode"`
				BusinessKey  []string `json:"business_key"`
			}
			var out []ifaceView
			for _, iface := range cat.Interfaces() {
				out = append(out, ifaceView{
					Name:         iface.Name,
					ProviderFunc: iface.ProviderFunc,
					Table:        iface.Table,
					Mode:         string(iface.Mode),
					BusinessKey:  iface.BusinessKey,
				})
			}
			writeJSON(w, http.StatusOK, out)
		})

		r.Get("/api/runs", func(w http.ResponseWriter, req *http.Request) {
			limit := 20
			if s := req.URL.Query().Get("limit"); s != "" {
				if n, err := strconv.Atoi(s); err == nil && n > 0 {
					limit = n
				}
			}
			runs, err := rl.Recent(req.Context(), limit)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, runs)
		})

		r.Get("/api/runs/{id}/tasks", func(w http.ResponseWriter, req *http.Request) {
			tasks, err := rl.TasksForRun(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, tasks)
		})

		r.Post("/api/sync", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Pipeline string `json:"pipeline"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			if body.Pipeline == "" {
				body.Pipeline = cfg.Ingest.DefaultPipeline
			}
			pipe, err := cat.Pipeline(body.Pipeline)
			if err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
				return
			}
			tasks, err := ingest.ResolveTasks(cat, pipe)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}

			// The run outlives the request; it stops with the server.
			go func() {
				run := runner.Run(ctx, pipe.Name, tasks)
				zap.L().Info("triggered run finished",
					zap.String("run_id", run.ID),
					zap.String("pipeline", pipe.Name),
					zap.String("status", run.Status.String()),
				)
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":   "accepted",
				"pipeline": pipe.Name,
			})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
