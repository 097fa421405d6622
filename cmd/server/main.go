package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/edgegate/backend/internal/api"
	"github.com/edgegate/backend/internal/audit"
	"github.com/edgegate/backend/internal/blobstore"
	"github.com/edgegate/backend/internal/bundle"
	"github.com/edgegate/backend/internal/ciauth"
	"github.com/edgegate/backend/internal/config"
	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/database"
	"github.com/edgegate/backend/internal/hub"
	"github.com/edgegate/backend/internal/promptpack"
	"github.com/edgegate/backend/internal/queue"
	"github.com/edgegate/backend/internal/runner"
	"github.com/edgegate/backend/internal/secrets"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	bootstrapWS := flag.String("bootstrap-workspace", "", "create a workspace with this name, print an admin token, and exit")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Error("open database failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Migrate(ctx, cfg.ForceMigrate); err != nil {
		log.Error("migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	auth := api.NewTokenAuth([]byte(cfg.APITokenSecret))
	if *bootstrapWS != "" {
		if err := bootstrapWorkspace(ctx, store, auth, *bootstrapWS, log); err != nil {
			log.Error("bootstrap workspace failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	objectDir := cfg.ObjectStoreDir
	if objectDir == "" {
		objectDir = "./data/objects"
	}
	objects, err := blobstore.NewFSBackend(objectDir)
	if err != nil {
		log.Error("open object store failed", slog.Any("error", err))
		os.Exit(1)
	}
	blobs := blobstore.New(store, objects, cfg.Limits)

	envelope, err := secrets.NewEnvelope(cfg.MasterKeyID, cfg.MasterKey)
	if err != nil {
		log.Error("load master key failed", slog.Any("error", err))
		os.Exit(1)
	}
	signer, err := secrets.NewLocalSigner(cfg.SigningKeyID, cfg.SigningPrivateKeyPath)
	if err != nil {
		log.Error("load signing key failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := registerSigningKey(ctx, store, signer, cfg.SigningKeyID); err != nil {
		log.Error("register signing key failed", slog.Any("error", err))
		os.Exit(1)
	}

	var runQueue queue.Queue
	var wsLock queue.WorkspaceLock
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Error("parse redis url failed", slog.Any("error", err))
			os.Exit(1)
		}
		client := redis.NewClient(opts)
		runQueue = queue.NewRedisQueue(client)
		wsLock = queue.NewRedisLock(client)
	} else {
		log.Warn("REDIS_URL not set, using in-process queue; runs enqueued here are invisible to other processes")
		runQueue = queue.NewMemQueue()
		wsLock = queue.NewMemLock()
	}

	newBackend := backendFactory(cfg.BackendBaseURL, log)
	worker := runner.New(store, blobs, runQueue, wsLock, envelope, bundle.NewBuilder(signer), newBackend, log)

	server := api.NewServer(
		store, blobs, worker,
		promptpack.NewService(store, cfg.Limits),
		auth,
		ciauth.New(store, envelope),
		envelope, newBackend, cfg.Limits, log,
	)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // bundle downloads
		IdleTimeout:  60 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}

	go func() {
		log.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", slog.Any("error", err))
		}
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	log.Info("api listening", slog.String("addr", cfg.HTTPAddr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("http server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("server stopped")
}

// bootstrapWorkspace provisions a tenant and prints a long-lived admin
// token. Workspace creation is an operator action, not an API route:
// bearer tokens are workspace-bound so there is no principal that
// could call a create endpoint for a workspace that does not exist yet.
func bootstrapWorkspace(ctx context.Context, store database.Store, auth *api.TokenAuth, name string, log *slog.Logger) error {
	ws := core.Workspace{ID: uuid.New(), Name: name, CreatedAt: time.Now().UTC()}
	if err := store.CreateWorkspace(ctx, ws); err != nil {
		return err
	}
	audit.NewWriter(store, log).Record(ctx, ws.ID, "operator", audit.EventWorkspaceCreated, map[string]string{
		"name": name,
	})
	token := auth.Mint(ws.ID, "operator", core.RoleAdmin, 30*24*time.Hour)
	fmt.Printf("workspace_id: %s\nadmin_token: %s\n", ws.ID, token)
	return nil
}

// registerSigningKey publishes the verification key. A key already
// registered from a previous boot is fine only if it is the same key:
// signing with a key that differs from the registered one would
// produce bundles nobody can verify.
func registerSigningKey(ctx context.Context, store database.Store, signer *secrets.LocalSigner, keyID string) error {
	pub, ok := signer.PublicKey(keyID)
	if !ok {
		return core.E(core.CodeInternal, "signer has no key %s", keyID)
	}
	err := store.PutSigningKey(ctx, core.SigningKey{
		KeyID:     keyID,
		PublicKey: pub,
		CreatedAt: time.Now().UTC(),
	})
	if core.IsCode(err, core.CodeConflict) {
		registered, getErr := store.GetSigningKey(ctx, keyID)
		if getErr != nil {
			return getErr
		}
		if !bytes.Equal(registered.PublicKey, pub) {
			return core.E(core.CodeKeyUnavailable,
				"key %s is registered with a different public key; set SIGNING_PRIVATE_KEY_PATH to the original seed or rotate to a new key id", keyID)
		}
		return nil
	}
	return err
}

// backendFactory selects the hub adapter. An empty base URL wires the
// deterministic mock, for local development.
func backendFactory(baseURL string, log *slog.Logger) runner.BackendFactory {
	if baseURL == "" {
		log.Warn("BACKEND_BASE_URL not set, using mock compute backend")
		mock := hub.NewMock()
		return func(secrets.Token) hub.Backend { return mock }
	}
	return func(token secrets.Token) hub.Backend {
		return hub.NewQAIHub(baseURL, token)
	}
}
