package inappdb

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/tenantshowcase/inappdb/internal/debounce"
	"github.com/tenantshowcase/inappdb/internal/metrics"
	"github.com/tenantshowcase/inappdb/internal/storage"
	"go.uber.org/zap"
)

type persister struct {
	backend   storage.Backend
	key       string
	ioTimeout time.Duration
	scheduler *debounce.Scheduler[[]byte]
	logger    *zap.Logger
}

func newPersister(cfg StoreConfig, logger *zap.Logger) (*persister, error) {
	delay := cfg.Debounce
	if delay <= 0 {
		delay = DefaultDebounce
	}
	ioTimeout := cfg.IOTimeout
	if ioTimeout <= 0 {
		ioTimeout = defaultIOTimeout
	}

	p := &persister{
		backend:   cfg.Backend,
		key:       cfg.StorageKey,
		ioTimeout: ioTimeout,
		logger:    logger,
	}
	scheduler, err := debounce.NewScheduler(debounce.Config[[]byte]{
		Delay: delay,
		Emit:  p.write,
		Equal: func(previous, next []byte) bool {
			if bytes.Equal(previous, next) {
				metrics.ObservePersist(metrics.PersistResultUnchanged)
				return true
			}
			return false
		},
	})
	if err != nil {
		return nil, err
	}
	p.scheduler = scheduler
	return p, nil
}

func (p *persister) write(blob []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.ioTimeout)
	defer cancel()
	if err := p.backend.Set(ctx, p.key, blob); err != nil {
		metrics.ObservePersist(metrics.PersistResultFailed)
		p.logger.Warn("snapshot write failed",
			zap.String("operation", "inappdb.persist"),
			zap.String("reason", "backend_write_failed"),
			zap.String("storage_key", p.key),
			zap.Error(err))
		return err
	}
	metrics.ObservePersist(metrics.PersistResultWritten)
	p.logger.Debug("snapshot written",
		zap.String("storage_key", p.key),
		zap.Int("bytes", len(blob)))
	return nil
}

// Rehydrate loads the persisted snapshot and applies it only where it differs from memory.
// It reports whether memory state changed. Missing, unreadable, or corrupt blobs are
// logged and leave the store untouched.
func (s *Store) Rehydrate(ctx context.Context) bool {
	if s.persister == nil {
		return false
	}
	p := s.persister

	readCtx, cancel := context.WithTimeout(ctx, p.ioTimeout)
	defer cancel()
	blob, err := p.backend.Get(readCtx, p.key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("no persisted snapshot", zap.String("storage_key", p.key))
		} else {
			s.logger.Warn("snapshot read failed",
				zap.String("operation", "inappdb.rehydrate"),
				zap.String("reason", "backend_read_failed"),
				zap.String("storage_key", p.key),
				zap.Error(err))
		}
		return false
	}

	snapshot, err := DecodeSnapshot(blob)
	if err != nil {
		s.logger.Warn("persisted snapshot discarded",
			zap.String("operation", "inappdb.rehydrate"),
			zap.String("reason", "decode_failed"),
			zap.String("storage_key", p.key),
			zap.Error(err))
		return false
	}

	change := s.apply(func(tx *Tx) {
		s.loadSnapshot(tx, snapshot)
		// memory now mirrors the blob; a write queued before the load would regress it
		p.scheduler.Cancel()
		p.scheduler.MarkEmitted(blob)
	}, false)

	changed := len(change.Partitions) > 0
	metrics.ObserveRehydration(changed)
	if changed {
		s.logger.Info("rehydrated from storage",
			zap.String("storage_key", p.key),
			zap.Strings("partitions", partitionStrings(change.Partitions)))
		s.notify(change)
	}
	return changed
}

func partitionStrings(names []PartitionName) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, string(name))
	}
	return out
}
