package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/passkey/adapters/chain"
	"github.com/layer-3/passkey/adapters/events"
	"github.com/layer-3/passkey/adapters/store"
	"github.com/layer-3/passkey/adapters/tokenizer"
	"github.com/layer-3/passkey/internal/config"
	"github.com/layer-3/passkey/internal/eth"
	"github.com/layer-3/passkey/internal/obs"
	"github.com/layer-3/passkey/ports"
	"github.com/layer-3/passkey/service"
	httptransport "github.com/layer-3/passkey/transport/http"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply pending migrations before serving")
}

func signingKey(cfg *config.Config, logger *slog.Logger) (*ecdsa.PrivateKey, error) {
	if cfg.SigningKeyPEM != "" {
		key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.SigningKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("signing_key_pem: %w", err)
		}
		return key, nil
	}

	logger.Warn("no signing key configured, generating an ephemeral one; sessions will not survive a restart")
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

type backend struct {
	store       ports.Store
	revocations ports.SessionRevocations
	publisher   message.Publisher
	closers     []func() error
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

// openBackend connects postgres and redis when configured, and falls back to
// in-memory state otherwise.
func openBackend(cfg *config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{}
	wmLogger := watermill.NewSlogLogger(logger)

	if cfg.PostgresDSN != "" {
		pg, err := store.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		if autoMigrate {
			if err := store.RunMigrations(pg.DB()); err != nil {
				b.Close()
				return nil, err
			}
		}
		b.store = pg
	} else {
		logger.Warn("postgres_dsn not set, using in-memory store")
		b.store = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		b.closers = append(b.closers, client.Close)

		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, wmLogger)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to create redis publisher: %w", err)
		}
		b.closers = append(b.closers, publisher.Close)

		b.revocations = store.NewRedisRevocations(client)
		b.publisher = publisher
	} else {
		logger.Warn("redis_url not set, session revocations and events stay in process")
		pubsub := gochannel.NewGoChannel(gochannel.Config{}, wmLogger)
		b.closers = append(b.closers, pubsub.Close)

		b.revocations = store.NewMemoryRevocations()
		b.publisher = pubsub
	}

	return b, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	key, err := signingKey(cfg, logger)
	if err != nil {
		return err
	}

	b, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	var wallets ports.WalletDeriver
	if cfg.WalletEnabled() {
		deriver, err := eth.NewSafeDeriver(cfg.SafeFactory, cfg.SafeInitCodeHash, cfg.SafeSaltNonce)
		if err != nil {
			return err
		}
		wallets = deriver
	}

	var ownership ports.OwnershipChecker
	if cfg.RPCURL != "" {
		checker, err := chain.Dial(ctx, cfg.RPCURL, cfg.FundedThreshold)
		if err != nil {
			return err
		}
		ownership = checker
	}

	metrics := obs.NewMetrics()
	tok := tokenizer.NewJWTTokenizer(key)
	eventPub := events.NewWatermillPublisher(b.publisher)

	ledger := service.NewChallengeLedger(b.store.Challenges(), cfg.ChallengeTTL, nil, logger)
	recovery := service.NewRecoveryService(b.store, tok, cfg.RecoveryCodeTTL, cfg.FollowUpTTL, nil)
	sessions := service.NewAuthService(tok, b.revocations, eventPub, logger, cfg.AccessTTL, cfg.RefreshTTL)

	passkeys, err := service.NewPasskeyService(service.PasskeyParams{
		Store:     b.store,
		Ledger:    ledger,
		Recovery:  recovery,
		Resolver:  service.NewAccountResolver(recovery, cfg.AddressNamespace),
		Sessions:  sessions,
		Parties:   service.RelyingParties{Name: cfg.RPName, IDs: cfg.RPIDs, Origins: cfg.RPOrigins},
		Events:    eventPub,
		Logger:    logger,
		Wallets:   wallets,
		Ownership: ownership,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := httptransport.SetupRouter(httptransport.RouterConfig{
		Handlers: httptransport.NewHandlers(passkeys, sessions, b.store.Ping,
			httptransport.CookieConfig{Domain: cfg.CookieDomain, Secure: cfg.CookieSecure}, logger),
		AuthService:    sessions,
		Metrics:        metrics,
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "rp_ids", cfg.RPIDs)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
