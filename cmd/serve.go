package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tachi-protocol/gateway/internal/config"
	"github.com/tachi-protocol/gateway/internal/model"
	"github.com/tachi-protocol/gateway/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the crawl gateway HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initGateway(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		go env.Checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      newRouter(env, cfg.Server),
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
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

func newRouter(env *gatewayEnv, srvCfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	origins := srvCfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth)
	r.Get("/metrics", handleMetrics(env))
	r.Get("/pricing/{domain}", handlePricing(env))

	r.Group(func(r chi.Router) {
		r.Use(requireAPIKey(env.Store))
		r.Post("/crawl/batch", handleBatch(env))
		r.Get("/{domain}/*", handleCrawl(env))
	})

	return r
}

type ctxKey int

const crawlerKey ctxKey = 0

// requireAPIKey resolves the Bearer token to a crawler account. Identity
// only; standing (credits, status, tier) is judged inside the pipeline.
func requireAPIKey(st store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
				return
			}

			crawler, err := st.FindCrawlerByAPIKey(r.Context(), token)
			if err != nil {
				if eris.Is(err, store.ErrNotFound) {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
					return
				}
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "auth lookup failed"})
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), crawlerKey, crawler)))
		})
	}
}

func crawlerFrom(ctx context.Context) *model.Crawler {
	c, _ := ctx.Value(crawlerKey).(*model.Crawler)
	return c
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleMetrics(env *gatewayEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lookback := cfgLookbackHours()
		snap, err := env.Collector.Collect(r.Context(), lookback)
		if err != nil {
			zap.L().Error("metrics collection failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "metrics unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func cfgLookbackHours() int {
	if cfg != nil && cfg.Monitoring.LookbackHours > 0 {
		return cfg.Monitoring.LookbackHours
	}
	return 24
}

func handlePricing(env *gatewayEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domain := chi.URLParam(r, "domain")
		quote, err := env.Pipeline.Quote(r.Context(), domain)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown publisher domain"})
				return
			}
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "pricing lookup failed"})
			return
		}
		writeJSON(w, http.StatusOK, quote)
	}
}

func handleCrawl(env *gatewayEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		crawler := crawlerFrom(r.Context())
		domain := chi.URLParam(r, "domain")
		path := "/" + chi.URLParam(r, "*")

		priority, _ := strconv.Atoi(r.URL.Query().Get("priority"))

		req := &model.CrawlRequest{
			RequestID: uuid.NewString(),
			CrawlerID: crawler.ID,
			Domain:    domain,
			Path:      path,
			URL:       "https://" + domain + path,
			Priority:  priority,
		}

		resp := env.Pipeline.Execute(r.Context(), req)
		writeJSON(w, resp.HTTPStatus, resp)
	}
}

func handleBatch(env *gatewayEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		crawler := crawlerFrom(r.Context())

		var body struct {
			Items []model.BatchItem `json:"items"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		resp := env.Pipeline.ExecuteBatch(r.Context(), crawler.ID, body.Items)
		writeJSON(w, resp.HTTPStatus, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("response encode failed", zap.Error(err))
	}
}
