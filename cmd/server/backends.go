package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"carevault/internal/audit"
	kafkaledger "carevault/internal/audit/ledger/kafka"
	memledger "carevault/internal/audit/ledger/memory"
	auditmem "carevault/internal/audit/store/memory"
	auditpg "carevault/internal/audit/store/postgres"
	"carevault/internal/auth/nonce"
	noncestore "carevault/internal/auth/store/nonce"
	"carevault/internal/auth/store/revocation"
	consentservice "carevault/internal/consent/service"
	consentmem "carevault/internal/consent/store/memory"
	consentpg "carevault/internal/consent/store/postgres"
	"carevault/internal/crypto/signature"
	idmodels "carevault/internal/identity/models"
	identityservice "carevault/internal/identity/service"
	identitymem "carevault/internal/identity/store/memory"
	identitypg "carevault/internal/identity/store/postgres"
	"carevault/internal/platform/config"
	"carevault/internal/platform/kafka"
	"carevault/internal/platform/postgres"
	"carevault/internal/platform/redis"
	"carevault/internal/records/content/badgerstore"
	contentmem "carevault/internal/records/content/memory"
	recordsservice "carevault/internal/records/service"
	catalogmem "carevault/internal/records/store/memory"
	catalogpg "carevault/internal/records/store/postgres"
	"carevault/pkg/domain"
)

// revocationList is shared by logout and the session validator.
type revocationList interface {
	RevokeToken(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// backends holds the selected store per concern plus the handles to close.
type backends struct {
	identityStore identityservice.Store
	consentStore  consentservice.Store
	auditStore    audit.Store
	ledger        audit.Ledger
	nonceStore    nonce.Store
	revocation    revocationList
	content       recordsservice.ContentStore
	catalogue     recordsservice.Catalogue

	badger *badgerstore.Store
	db     *sql.DB
	redis  *redis.Client
	kafka  *kgo.Client
}

func openBackends(ctx context.Context, cfg config.Config, log *slog.Logger, reg prometheus.Registerer) (b *backends, err error) {
	b = &backends{}
	defer func() {
		if err != nil {
			b.close(log)
		}
	}()

	switch cfg.Stores.Records {
	case config.BackendPostgres:
		if b.db, err = postgres.Open(ctx, cfg.Postgres); err != nil {
			return nil, err
		}
		if err = postgres.Migrate(ctx, b.db); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		b.identityStore = identitypg.New(b.db)
		b.consentStore = consentpg.New(b.db)
		b.auditStore = auditpg.New(b.db)
		b.catalogue = catalogpg.New(b.db)
	default:
		b.identityStore = identitymem.NewInMemoryStore()
		b.consentStore = consentmem.NewInMemoryStore()
		b.auditStore = auditmem.NewInMemoryStore()
		b.catalogue = catalogmem.NewInMemoryStore()
	}

	// Revocation state lives wherever nonces do, so a multi-instance deployment shares both.
	switch cfg.Stores.Nonces {
	case config.BackendRedis:
		if b.redis, err = redis.New(ctx, cfg.Redis); err != nil {
			return nil, err
		}
		b.nonceStore = noncestore.NewRedisStore(b.redis.Client)
		b.revocation = revocation.NewRedisList(b.redis.Client, revocation.WithRegisterer(reg))
	default:
		b.nonceStore = noncestore.NewInMemoryStore()
		b.revocation = revocation.NewInMemoryList()
	}

	switch cfg.Stores.Ledger {
	case config.BackendKafka:
		if b.kafka, err = kafka.NewProducer(ctx, cfg.Kafka); err != nil {
			return nil, err
		}
		// A single partition keeps offsets a total order, which the block numbers rely on.
		if err = kafka.EnsureTopic(ctx, b.kafka, cfg.Kafka.Topic, 1, 1); err != nil {
			return nil, err
		}
		b.ledger = kafkaledger.New(b.kafka, cfg.Kafka.Topic, cfg.Kafka.Brokers)
	default:
		log.Warn("using the in-memory audit ledger; entries are not externally anchored")
		b.ledger = memledger.New()
	}

	switch cfg.Stores.Content {
	case config.BackendBadger:
		if b.badger, err = badgerstore.Open(cfg.Badger.Path, log); err != nil {
			return nil, err
		}
		b.content = b.badger
	default:
		b.content = contentmem.NewInMemoryStore()
	}
	return b, nil
}

func (b *backends) close(log *slog.Logger) {
	var errs []error
	if b.badger != nil {
		errs = append(errs, b.badger.Close())
	}
	if b.kafka != nil {
		b.kafka.Close()
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("closing backends", "error", err)
	}
}

// bootstrapSeeds decodes the configured trust anchors.
func bootstrapSeeds(ids []config.BootstrapIdentity) ([]idmodels.Seed, error) {
	seeds := make([]idmodels.Seed, 0, len(ids))
	for _, id := range ids {
		role := domain.Role(id.Role)
		if !role.IsValid() {
			return nil, fmt.Errorf("bootstrap identity %s: unknown role %q", id.UserID, id.Role)
		}
		signingKey, err := signature.DecodeKey(id.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("bootstrap identity %s: signing key: %w", id.UserID, err)
		}
		keys := idmodels.PublicKeys{SigningKey: signingKey}
		if id.EncryptionKey != "" {
			if keys.EncryptionKey, err = signature.DecodeKey(id.EncryptionKey); err != nil {
				return nil, fmt.Errorf("bootstrap identity %s: encryption key: %w", id.UserID, err)
			}
		}
		seeds = append(seeds, idmodels.Seed{UserID: domain.UserID(id.UserID), Role: role, PublicKeys: keys})
	}
	return seeds, nil
}
