// The worker binary drains the run queue, drives runs to a terminal
// state, and owns the periodic maintenance sweeps: CI nonce purging and
// artifact retention expiry.
package main

import (
	"bytes"
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/edgegate/backend/internal/blobstore"
	"github.com/edgegate/backend/internal/bundle"
	"github.com/edgegate/backend/internal/ciauth"
	"github.com/edgegate/backend/internal/config"
	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/database"
	"github.com/edgegate/backend/internal/hub"
	"github.com/edgegate/backend/internal/queue"
	"github.com/edgegate/backend/internal/runner"
	"github.com/edgegate/backend/internal/secrets"
)

const (
	noncePurgeInterval = time.Minute
	expirySweepRate    = time.Hour
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
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
	if err := store.Migrate(ctx, false); err != nil {
		log.Error("migrate failed", slog.Any("error", err))
		os.Exit(1)
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

	if cfg.RedisURL == "" {
		log.Error("REDIS_URL is required for the worker; the in-process queue cannot see runs enqueued by the api server")
		os.Exit(1)
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Error("parse redis url failed", slog.Any("error", err))
		os.Exit(1)
	}
	client := redis.NewClient(opts)

	var newBackend runner.BackendFactory
	if cfg.BackendBaseURL == "" {
		log.Warn("BACKEND_BASE_URL not set, using mock compute backend")
		mock := hub.NewMock()
		newBackend = func(secrets.Token) hub.Backend { return mock }
	} else {
		base := cfg.BackendBaseURL
		newBackend = func(token secrets.Token) hub.Backend { return hub.NewQAIHub(base, token) }
	}

	worker := runner.New(
		store, blobs,
		queue.NewRedisQueue(client), queue.NewRedisLock(client),
		envelope, bundle.NewBuilder(signer), newBackend, log,
	)

	go serveMetrics(ctx, cfg.MetricsAddr, log)
	go purgeNonces(ctx, ciauth.New(store, envelope), log)
	go sweepExpiredArtifacts(ctx, blobs, log)

	log.Info("worker started")
	worker.Start(ctx)
	log.Info("worker stopped")
}

// registerSigningKey publishes the verification key for the bundles
// this worker signs; an identical key already registered is fine, a
// different one under the same ID is a deploy error.
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

func serveMetrics(ctx context.Context, addr string, log *slog.Logger) {
	server := &http.Server{Addr: addr, Handler: promhttp.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.Info("metrics listening", slog.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server failed", slog.Any("error", err))
	}
}

func purgeNonces(ctx context.Context, auth *ciauth.Authenticator, log *slog.Logger) {
	ticker := time.NewTicker(noncePurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := auth.PurgeExpiredNonces(ctx); err != nil {
				log.Error("nonce purge failed", slog.Any("error", err))
			} else if n > 0 {
				log.Debug("purged nonces", slog.Int("count", n))
			}
		}
	}
}

func sweepExpiredArtifacts(ctx context.Context, blobs *blobstore.Store, log *slog.Logger) {
	ticker := time.NewTicker(expirySweepRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := blobs.ExpireOlderThan(ctx, time.Now().UTC()); err != nil {
				log.Error("artifact expiry sweep failed", slog.Any("error", err))
			} else if n > 0 {
				log.Info("expired artifacts", slog.Int("count", n))
			}
		}
	}
}
