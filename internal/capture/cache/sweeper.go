package cache

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snapwright/engine/internal/common/redis"
)

// orphanGrace keeps very fresh payload files out of sweep range so an
// in-progress Put (payload written, metadata not yet visible) is never
// mistaken for an orphan.
const orphanGrace = 5 * time.Minute

// Sweeper periodically deletes payload files whose metadata is gone: Redis
// expires metadata server-side, so without the sweeper expired payloads
// would accumulate on disk until the fingerprint happens to be requested
// again.
type Sweeper struct {
	redis     *redis.Client
	store     *PayloadStore
	namespace string
	interval  time.Duration
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewSweeper(redisClient *redis.Client, store *PayloadStore, namespace string, interval time.Duration, logger *zap.Logger) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		redis:     redisClient,
		store:     store,
		namespace: namespace,
		interval:  interval,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Sweeper) Start() {
	s.logger.Info("Payload sweeper starting",
		zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runSweep()
			case <-s.ctx.Done():
				s.logger.Info("Payload sweeper shutting down")
				return
			}
		}
	}()
}

func (s *Sweeper) Shutdown() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Payload sweeper stopped")
}

func (s *Sweeper) runSweep() {
	startTime := time.Now().UTC()
	deleted := s.SweepOnce(s.ctx)

	s.logger.Info("Payload sweep finished",
		zap.Int("files_deleted", deleted),
		zap.Duration("duration", time.Since(startTime)))
}

// SweepOnce walks the payload directory and deletes files with no live
// metadata, then prunes the empty date directories left behind.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	deleted := 0
	threshold := time.Now().Add(-orphanGrace)

	err := s.store.Walk(func(relPath string, info fs.FileInfo) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.ModTime().After(threshold) {
			return nil
		}

		fingerprint := fingerprintFromPath(relPath)
		if fingerprint == "" {
			return nil
		}

		exists, err := s.redis.Exists(ctx, s.namespace+":capture:"+fingerprint)
		if err != nil {
			s.logger.Warn("Sweep metadata check failed",
				zap.String("path", relPath),
				zap.Error(err))
			return nil
		}
		if exists {
			return nil
		}

		if err := s.store.Delete(relPath); err != nil {
			s.logger.Warn("Failed to delete orphan payload",
				zap.String("path", relPath),
				zap.Error(err))
			return nil
		}

		deleted++
		s.logger.Debug("Deleted orphan payload",
			zap.String("path", relPath),
			zap.String("fingerprint", fingerprint))
		s.removeEmptyParents(relPath)
		return nil
	})
	if err != nil && err != context.Canceled {
		s.logger.Error("Payload sweep walk failed", zap.Error(err))
	}

	return deleted
}

func (s *Sweeper) removeEmptyParents(relPath string) {
	current := filepath.Dir(relPath)

	for current != "." && current != "/" {
		absDir, err := s.store.Resolve(current)
		if err != nil {
			return
		}
		entries, err := os.ReadDir(absDir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(absDir); err != nil {
			return
		}
		current = filepath.Dir(current)
	}
}

// fingerprintFromPath extracts the fingerprint from a payload filename
// (<fingerprint>.png with an optional compression extension)
func fingerprintFromPath(relPath string) string {
	name := filepath.Base(relPath)
	if idx := strings.IndexByte(name, '.'); idx > 0 {
		return name[:idx]
	}
	return ""
}
