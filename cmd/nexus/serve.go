package main

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/qwen-nexus/internal/auth/token"
	"github.com/pysugar/qwen-nexus/internal/config"
	"github.com/pysugar/qwen-nexus/internal/db"
	"github.com/pysugar/qwen-nexus/internal/dispatch"
	"github.com/pysugar/qwen-nexus/internal/proxy/handlers"
	"github.com/pysugar/qwen-nexus/internal/proxy/middleware"
	"github.com/pysugar/qwen-nexus/internal/proxy/monitor"
	"github.com/pysugar/qwen-nexus/internal/quota"
	"github.com/pysugar/qwen-nexus/internal/upstream"
	"github.com/spf13/cobra"

	qwenauth "github.com/pysugar/qwen-nexus/internal/auth/qwen"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg *config.Config) error {
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		return err
	}

	store := db.NewStore(database)
	tracker := quota.NewTracker(database, cfg.DailyCap)
	selector := quota.NewSelector(store, tracker)
	tokens := token.NewManager(store, qwenauth.GetOAuthConfig(), cfg.RefreshBuffer.Std(), cfg.UpstreamTimeout.Std())
	client := upstream.NewClient(cfg.UpstreamTimeout.Std(), cfg.DefaultModel)
	mon := monitor.New()
	dispatcher := dispatch.NewDispatcher(selector, tracker, tokens, nil, mon.Events())

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Admin API (protected if NEXUS_ADMIN_PASSWORD is set)
	adminAuth := optionalBasicAuth(cfg.AdminPassword)
	r.Route("/api", func(r chi.Router) {
		r.Use(adminAuth)
		r.Get("/accounts", handlers.AccountsAPIHandler(store, tracker, cfg.DailyCap))
		r.Delete("/accounts/{id}", handlers.RemoveAccountHandler(store))
		r.Post("/accounts/{id}/refresh", handlers.RefreshAccountHandler(tokens))
		r.Get("/stats", handlers.StatsHandler(mon))
	})

	// OpenAI-compatible API (API key required)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(database))
		r.Post("/chat/completions", handlers.OpenAIChatHandler(dispatcher, client))
		r.Post("/embeddings", handlers.EmbeddingsHandler(dispatcher, client))
		r.Get("/models", handlers.ModelsHandler())
	})

	addr := cfg.Addr()
	log.Printf("🚀 Qwen-Nexus starting on http://%s", addr)
	log.Printf("🔌 OpenAI API: http://%s/v1", addr)
	log.Printf("📊 Admin API:  http://%s/api", addr)

	return http.ListenAndServe(addr, r)
}

// optionalBasicAuth protects admin routes when a password is configured and
// passes everything through when it is not.
func optionalBasicAuth(password string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || pass != password {
				w.Header().Set("WWW-Authenticate", `Basic realm="Nexus Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
