package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"carevault/internal/access"
	"carevault/internal/audit"
	audithandler "carevault/internal/audit/handler"
	authhandler "carevault/internal/auth/handler"
	"carevault/internal/auth/nonce"
	authservice "carevault/internal/auth/service"
	consenthandler "carevault/internal/consent/handler"
	consentservice "carevault/internal/consent/service"
	"carevault/internal/crypto/signature"
	identityhandler "carevault/internal/identity/handler"
	identityservice "carevault/internal/identity/service"
	jwttoken "carevault/internal/jwt_token"
	"carevault/internal/platform/config"
	"carevault/internal/platform/httpserver"
	"carevault/internal/platform/logger"
	"carevault/internal/platform/metrics"
	recordshandler "carevault/internal/records/handler"
	recordsservice "carevault/internal/records/service"
	httptransport "carevault/internal/transport/http"
	"carevault/pkg/domain"
	authmw "carevault/pkg/platform/middleware/auth"
)

var version = "dev"

const (
	shutdownTimeout   = 10 * time.Second
	nonceSweepPeriod  = time.Minute
	contentGCInterval = 10 * time.Minute
)

// main wires the stores, services and workers, then serves until SIGINT or SIGTERM.
// Business logic lives in the internal service packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("carevault stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := metrics.NewRegistry(version, cfg.Env)

	infra, err := openBackends(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer infra.close(log)

	signer, err := signature.NewSigner(cfg.Audit.SigningSecret)
	if err != nil {
		return fmt.Errorf("audit signer: %w", err)
	}

	// The trail resolves export requesters through the identity service, which
	// itself records into the trail. principals breaks the cycle.
	principals := &principalRef{}
	trail := audit.New(infra.auditStore, infra.ledger, signer,
		audit.WithLogger(log),
		audit.WithMetrics(audit.NewMetrics(reg)),
		audit.WithPrincipalLookup(principals),
		audit.WithSubmitTimeout(cfg.Audit.LedgerSubmitTimeout),
		audit.WithMaxPageSize(cfg.Audit.MaxPageSize),
		audit.WithRetryPolicy(audit.RetryPolicy{
			InitialInterval: cfg.Audit.RetryInitialInterval,
			MaxInterval:     cfg.Audit.RetryMaxInterval,
			Multiplier:      cfg.Audit.RetryMultiplier,
			MaxAttempts:     cfg.Audit.RetryMaxAttempts,
			ScanInterval:    cfg.Audit.RetryScanInterval,
		}),
	)

	identities := identityservice.New(infra.identityStore, trail, identityservice.WithLogger(log))
	principals.svc = identities

	seeds, err := bootstrapSeeds(cfg.BootstrapIdentities)
	if err != nil {
		return err
	}
	if n, err := identities.Bootstrap(ctx, seeds); err != nil {
		return fmt.Errorf("bootstrap identities: %w", err)
	} else if n > 0 {
		log.Info("bootstrap identities created", "count", n)
	}

	authority := nonce.NewAuthority(infra.nonceStore,
		nonce.WithWindow(cfg.Auth.NonceTTL),
		nonce.WithLogger(log),
		nonce.WithMetrics(nonce.NewMetrics(reg)),
	)
	tokens := jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.JWTIssuer)
	auth := authservice.New(identities, authority, tokens, infra.revocation, trail,
		authservice.WithLogger(log),
		authservice.WithMetrics(authservice.NewMetrics(reg)),
		authservice.WithSessionTTL(cfg.Auth.SessionTTL),
	)

	consents := consentservice.New(infra.consentStore, identities, trail,
		consentservice.WithLogger(log),
		consentservice.WithMetrics(consentservice.NewMetrics(reg)),
	)
	validator := access.New(identities, consents,
		access.WithLogger(log),
		access.WithMetrics(access.NewMetrics(reg)),
	)
	records := recordsservice.New(infra.content, infra.catalogue, validator, identities, trail,
		recordsservice.WithLogger(log),
		recordsservice.WithMetrics(recordsservice.NewMetrics(reg)),
		recordsservice.WithOperationTimeout(cfg.Storage.OperationTimeout),
	)

	requireAuth := authmw.RequireAuth(jwttoken.NewJWTServiceAdapter(tokens, infra.revocation), identities, log)
	router := httptransport.NewRouter(log, trail, reg,
		authhandler.New(auth, log, requireAuth),
		identityhandler.New(identities, log, requireAuth),
		consenthandler.New(consents, log, requireAuth),
		recordshandler.New(records, log, requireAuth),
		audithandler.New(trail, log, requireAuth),
	)
	srv := httpserver.New(cfg.Server.Addr, router, cfg.Server.RequestTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting carevault", "addr", cfg.Server.Addr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return ignoreCanceled(trail.RunRetry(gctx)) })
	g.Go(func() error { return ignoreCanceled(authority.RunSweeper(gctx, nonceSweepPeriod)) })
	if infra.badger != nil {
		g.Go(func() error { return ignoreCanceled(infra.badger.RunGC(gctx, contentGCInterval)) })
	}

	err = g.Wait()
	// One last pass so entries accepted during shutdown get a chance to commit.
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Audit.LedgerSubmitTimeout)
	defer cancel()
	if n, ferr := trail.Flush(flushCtx); ferr != nil {
		log.Warn("final audit flush failed", "error", ferr)
	} else if n > 0 {
		log.Info("final audit flush committed entries", "count", n)
	}
	return err
}

type principalRef struct {
	svc *identityservice.Service
}

func (p *principalRef) Principal(ctx context.Context, userID domain.UserID) (*audit.Principal, error) {
	return p.svc.Principal(ctx, userID)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
