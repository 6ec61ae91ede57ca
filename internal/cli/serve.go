package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"ayurvaid-agent/internal/agent"
	"ayurvaid-agent/internal/auth"
	"ayurvaid-agent/internal/catalog"
	"ayurvaid-agent/internal/config"
	"ayurvaid-agent/internal/consultation"
	"ayurvaid-agent/internal/database"
	"ayurvaid-agent/internal/platform/dynamo"
	"ayurvaid-agent/internal/platform/telegram"
	"ayurvaid-agent/internal/predictor"
	"ayurvaid-agent/internal/report"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Run:   runServe,
	}

	cmd.Flags().StringP("port", "p", "", "Listen port (overrides $PORT)")
	cmd.Flags().String("catalog", "", "Knowledge pack path (overrides $CATALOG_PATH)")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}
	if path, _ := cmd.Flags().GetString("catalog"); path != "" {
		cfg.CatalogPath = path
	}
	if cfg.JWTSecret == "" {
		exitErr("serve", errors.New("JWT_SECRET is not set"))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		exitErr("serve", err)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	// 1. Knowledge pack
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	log.Printf("Loaded catalog from %s (%d symptoms)", cfg.CatalogPath, len(cat.Vocabulary))

	// 2. Infrastructure
	dialect := dialectOf(cfg)
	if err := database.Migrate(ctx, dialect, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	log.Println("Connected to Database.")

	repo := consultation.NewRepository(db, dialect)
	var transcripts consultation.TranscriptStore = repo
	if cfg.TranscriptBackend == "dynamodb" {
		client, err := dynamo.NewClient(ctx, dynamo.Options{
			Endpoint: cfg.DynamoEndpoint,
			Region:   cfg.DynamoRegion,
			Table:    cfg.DynamoTable,
		})
		if err != nil {
			return closeAll(err, db)
		}
		store := dynamo.NewStore(client, cfg.DynamoTable)
		if err := store.EnsureTable(ctx); err != nil {
			return closeAll(err, db)
		}
		transcripts = store
		log.Printf("Transcripts stored in DynamoDB table %s", cfg.DynamoTable)
	}

	// 3. Clients
	agentCfg := agent.Config{
		APIKey:     cfg.OpenAIKey,
		Model:      cfg.OpenAIModel,
		BaseURL:    cfg.OpenAIBaseURL,
		Timeout:    cfg.LLMTimeout,
		MaxHistory: cfg.SessionMaxHistory,
	}
	if cfg.OpenAIKey == "" || cfg.OpenAIModel == "" {
		log.Println("Warning: OPENAI_API_KEY or OPENAI_MODEL_CHAT is not set. Chat turns will fail with 503.")
	}
	registry := agent.NewRegistry(agentCfg)

	var tg report.TelegramClient
	if cfg.TelegramToken != "" {
		tg = telegram.NewClient(cfg.TelegramToken)
	}
	reportSvc := report.NewService(tg, cfg.DoctorChatID, cfg.ReportFontPath)

	// 4. Services
	deps := consultation.Dependencies{
		Transcripts:  transcripts,
		Intakes:      repo,
		Sessions:     registry,
		Model:        agent.NewClient(agentCfg),
		Predictor:    predictor.NewHTTPPredictor(cfg.PredictorURL),
		Catalog:      cat,
		HistoryTurns: cfg.HistoryTurns,
	}
	if tg != nil && cfg.DoctorChatID != 0 {
		deps.Reports = reportSvc
	} else {
		log.Println("Warning: TELEGRAM_BOT_TOKEN or DOCTOR_CHAT_ID is not set. Reports will not be sent.")
	}
	svc := consultation.NewService(deps)
	handler := consultation.NewHandler(svc, reportSvc)
	authn := auth.NewAuthenticator(cfg.JWTSecret)

	// 5. Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Route("/api", func(r chi.Router) {
		r.Use(authn.Middleware)
		consultation.RegisterRoutes(r, handler)
	})

	if cfg.SessionIdleTTL > 0 {
		go evictIdleSessions(ctx, registry, cfg.SessionIdleTTL)
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown: %v", err)
		}
	}()

	log.Printf("Server starting on port %s...", cfg.Port)
	err = srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return closeAll(err, db)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
		if r.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func evictIdleSessions(ctx context.Context, registry *agent.Registry, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.Evict(ttl); n > 0 {
				log.Printf("Evicted %d idle language sessions (%d remain)", n, registry.Len())
			}
		}
	}
}

// closeAll closes the database and folds any close error into err.
func closeAll(err error, db *sql.DB) error {
	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, err)
	}
	if cerr := db.Close(); cerr != nil {
		result = multierror.Append(result, fmt.Errorf("close database: %w", cerr))
	}
	return result.ErrorOrNil()
}
