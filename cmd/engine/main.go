package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bitgpt/cascade-engine/internal/api"
	"github.com/bitgpt/cascade-engine/internal/audit"
	"github.com/bitgpt/cascade-engine/internal/chain"
	"github.com/bitgpt/cascade-engine/internal/db"
	"github.com/bitgpt/cascade-engine/internal/engine"
	"github.com/bitgpt/cascade-engine/internal/routing"
	"github.com/bitgpt/cascade-engine/internal/shadow"
	"github.com/bitgpt/cascade-engine/internal/worker"
)

func main() {
	// Use a .env file for local development:
	// cp .env.example .env && edit .env
	_ = godotenv.Load()
	log := newLogger()

	root := &cobra.Command{
		Use:   "engine",
		Short: "BitGPT cascade engine: activation routing for the binary, matrix and global programs",
	}
	root.AddCommand(serveCmd(log), schemaCmd(log))
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func newLogger() zerolog.Logger {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if getEnvOrDefault("LOG_FORMAT", "console") == "console" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return log
}

// schemaCmd applies the embedded DDL and exits. Deploys run it before
// rolling the serve processes.
func schemaCmd(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := db.Connect(cmd.Context(), requireEnv(log, "DATABASE_URL"), log)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.InitSchema(cmd.Context())
		},
	}
}

func serveCmd(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the cascade engine API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(log)
		},
	}
}

func serve(log zerolog.Logger) error {
	log.Info().Msg("starting BitGPT cascade engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Datastore: PostgreSQL when configured, the in-memory store for
	// local development and demos.
	var store engine.Datastore
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pgStore, err := db.Connect(ctx, dbURL, log)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		if err := pgStore.InitSchema(ctx); err != nil {
			return err
		}
		store = pgStore
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store; state is lost on exit")
		store = engine.NewMemStore()
	}

	eng := engine.New(store, engine.Config{
		MotherID:      getEnvOrDefault("MOTHER_USER_ID", "mother"),
		MaxChainDepth: intEnv("MAX_CHAIN_DEPTH", 0),
		MaxRetries:    intEnv("MAX_RETRIES", 0),
	}, log)
	if err := eng.Bootstrap(ctx); err != nil {
		return err
	}

	// Payment verification against the BNB chain; without an RPC URL
	// payments are trusted as declared.
	chainConnected := false
	if rpcURL := os.Getenv("BNB_RPC_URL"); rpcURL != "" {
		verifier, err := chain.Connect(ctx, chain.Config{RPCURL: rpcURL}, log)
		if err != nil {
			log.Warn().Err(err).Msg("chain RPC unreachable, payments will not be verified")
		} else {
			defer verifier.Close()
			eng.SetVerifier(verifier)
			chainConnected = true
		}
	}

	hub := api.NewHub(log)
	go hub.Run()
	eng.SetBroadcaster(hub)

	auditor := audit.New(store, eng.MotherID(), log, api.BroadcastAuditFinding(hub, log))

	// Shadow mirror mode re-runs every routing decision through a second
	// pass and reports drift; any divergence means routing is not
	// deterministic for the observed inputs.
	var shadowRunner *shadow.Runner
	if os.Getenv("SHADOW_MODE") == "mirror" {
		shadowRunner = shadow.NewRunner(routing.Route, log)
		eng.SetShadow(shadowRunner)
	}

	dispatch := worker.NewDispatcher(intEnv("WORKER_COUNT", 4), intEnv("MAX_RETRIES", 0), log)
	defer dispatch.Close()

	scheduler := worker.NewScheduler(eng, worker.SchedulerConfig{}, log)
	go scheduler.Run(ctx)

	router := api.SetupRouter(api.Config{
		AllowedOrigins: os.Getenv("ALLOWED_ORIGINS"),
		AuthToken:      os.Getenv("API_AUTH_TOKEN"),
		RatePerMin:     intEnv("RATE_LIMIT_PER_MIN", 0),
		Burst:          intEnv("RATE_LIMIT_BURST", 0),
		ChainConnected: chainConnected,
	}, eng, hub, auditor, shadowRunner, dispatch, log)

	port := getEnvOrDefault("PORT", "5340")
	srv := &http.Server{Addr: ":" + port, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", port).Msg("engine listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// requireEnv reads a required environment variable and exits if it is
// not set, so the binary never starts half-configured.
func requireEnv(log zerolog.Logger, key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatal().Str("key", key).Msg("required environment variable is not set; cp .env.example .env and fill it in")
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}
