// Package badgerstore stores content blobs in an embedded Badger database, keyed
// by content address.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"carevault/internal/records/models"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

const (
	prefixBlob = "blob:"
	prefixPin  = "pin:"

	gcDiscardRatio = 0.5
)

type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	return open(badger.DefaultOptions(path), logger)
}

// OpenInMemory opens a database that lives only in memory.
func OpenInMemory(logger *slog.Logger) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), logger)
}

func open(opts badger.Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func blobKey(id domain.ContentID) []byte { return []byte(prefixBlob + id.String()) }
func pinKey(id domain.ContentID) []byte  { return []byte(prefixPin + id.String()) }

func (s *Store) Put(ctx context.Context, blob []byte) (domain.ContentID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := models.ContentIDFor(blob)
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(blobKey(id))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(blobKey(id), blob)
	})
	if err != nil {
		return "", fmt.Errorf("persist blob: %w: %w", sentinel.ErrUnavailable, err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id domain.ContentID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(id))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w: %w", sentinel.ErrUnavailable, err)
	}
	return out, nil
}

// Pin marks a blob as retained.
func (s *Store) Pin(ctx context.Context, id domain.ContentID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(blobKey(id)); err != nil {
			return err
		}
		return txn.Set(pinKey(id), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return sentinel.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("pin blob: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, id domain.ContentID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blobKey(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob: %w: %w", sentinel.ErrUnavailable, err)
	}
	return true, nil
}

// IsPinned reports whether id carries a pin marker.
func (s *Store) IsPinned(ctx context.Context, id domain.ContentID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(pinKey(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Unpinned lists blobs that were stored but never pinned, such as the
// leftovers of an upload that failed between put and pin.
func (s *Store) Unpinned(ctx context.Context) ([]domain.ContentID, error) {
	var out []domain.ContentID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(prefixBlob)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := domain.ContentID(it.Item().Key()[len(prefix):])
			if _, err := txn.Get(pinKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
				out = append(out, id)
			} else if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// RunGC reclaims value log space every interval until ctx is done.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(gcDiscardRatio)
				if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
					break
				}
				if err != nil {
					s.logger.WarnContext(ctx, "badger value log gc failed", "error", err)
					break
				}
			}
		}
	}
}
