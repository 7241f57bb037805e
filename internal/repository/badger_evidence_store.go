package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/domain/repository"
	applogger "CoordScope/pkg/logger"
)

var _ repository.EvidenceStore = (*BadgerEvidenceStore)(nil)

// Key layout:
//
//	b/<bundle id>                          bundle JSON
//	p/<partition>/<window end, 20 digits>/<id> partition index
//	x/<bundle id>                          pending export marker
const (
	bundlePrefix  = "b/"
	indexPrefix   = "p/"
	pendingPrefix = "x/"
)

// BadgerConfig configures the evidence store.
type BadgerConfig struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
	GCInterval time.Duration
}

// BadgerEvidenceStore is an append-only bundle store. Bundles are never
// overwritten; only the pending markers are mutable.
type BadgerEvidenceStore struct {
	db *badger.DB
	l  *applogger.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewBadgerEvidenceStore(cfg BadgerConfig, l *applogger.Logger) (*BadgerEvidenceStore, error) {
	if l == nil {
		l = applogger.Nop()
	}
	l = l.With(applogger.String("component", "evidence_store"))

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("evidence store: dir is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create evidence dir %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{l})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open evidence store: %w", err)
	}
	s := &BadgerEvidenceStore{db: db, l: l, stop: make(chan struct{}), done: make(chan struct{})}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		go s.gcLoop(cfg.GCInterval)
	} else {
		close(s.done)
	}
	return s, nil
}

// Append stores b unless a bundle with the same id already exists.
func (s *BadgerEvidenceStore) Append(ctx context.Context, b *models.EvidenceBundle) (bool, error) {
	if b == nil || b.BundleID == "" {
		return false, errors.New("append: bundle id is required")
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("marshal bundle: %w", err)
	}
	created := false
	for attempt := 0; attempt < 3; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(bundleKey(b.BundleID))
			if err == nil {
				created = false
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(bundleKey(b.BundleID), raw); err != nil {
				return err
			}
			created = true
			return txn.Set(indexKey(b.Partition, b.AnalysisWindow.To, b.BundleID), nil)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return false, fmt.Errorf("append bundle %s: %w", b.BundleID, err)
	}
	if !created {
		s.l.Debug("bundle already stored", applogger.String("bundle_id", b.BundleID))
	}
	return created, nil
}

func (s *BadgerEvidenceStore) Get(_ context.Context, id string) (*models.EvidenceBundle, error) {
	var b models.EvidenceBundle
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(bundleKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &b) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("bundle %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bundle %s: %w", id, err)
	}
	return &b, nil
}

// List returns the newest bundles of a partition, newest first.
func (s *BadgerEvidenceStore) List(_ context.Context, key models.PartitionKey, limit int) ([]*models.EvidenceBundle, error) {
	if limit <= 0 {
		limit = 50
	}
	prefix := []byte(indexPrefix + key.String() + "/")
	var out []*models.EvidenceBundle
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			k := it.Item().Key()
			id := string(k[len(k)-36:])
			item, err := txn.Get(bundleKey(id))
			if err != nil {
				return fmt.Errorf("index points at missing bundle %s: %w", id, err)
			}
			var b models.EvidenceBundle
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &b) }); err != nil {
				return err
			}
			out = append(out, &b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list bundles %s: %w", key, err)
	}
	return out, nil
}

// MarkPending flags a bundle whose export has not been acknowledged.
func (s *BadgerEvidenceStore) MarkPending(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(id), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

func (s *BadgerEvidenceStore) ClearPending(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pendingKey(id))
	})
}

// Pending returns up to limit bundle ids awaiting export.
func (s *BadgerEvidenceStore) Pending(_ context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(pendingPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(ids) >= limit {
				break
			}
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

func (s *BadgerEvidenceStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		err = s.db.Close()
	})
	return err
}

func (s *BadgerEvidenceStore) gcLoop(interval time.Duration) {
	defer close(s.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.l.Warn("value log gc failed", applogger.Error(err))
					}
					break
				}
			}
		}
	}
}

func bundleKey(id string) []byte  { return []byte(bundlePrefix + id) }
func pendingKey(id string) []byte { return []byte(pendingPrefix + id) }

func indexKey(p models.PartitionKey, end time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", indexPrefix, p, end.UnixNano(), id))
}

// badgerLogger routes badger's internal logging to the application logger.
type badgerLogger struct{ l *applogger.Logger }

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Infof(format string, args ...interface{}) {}

func (b badgerLogger) Debugf(format string, args ...interface{}) {}
