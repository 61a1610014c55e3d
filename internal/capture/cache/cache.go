package cache

import (
	"context"
	"fmt"
	"io/fs"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/snapwright/engine/internal/common/redis"
)

// ContentCache is the content-addressed capture cache. Metadata lives in
// Redis hashes keyed by fingerprint with a server-side TTL; payloads live on
// disk via the PayloadStore. Expiry is enforced on read as well, so a stale
// entry is evicted even if Redis has not reclaimed it yet. Corrupt metadata
// or an unreadable payload is treated as a miss, never an error surfaced to
// the caller.
type ContentCache struct {
	redis     *redis.Client
	store     *PayloadStore
	namespace string
	ttl       time.Duration
	logger    *zap.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Stats is a point-in-time snapshot of cache state and counters
type Stats struct {
	Entries   int64 `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	DiskBytes int64 `json:"disk_bytes"`
}

// NewContentCache creates a cache over the given Redis client and payload store
func NewContentCache(redisClient *redis.Client, store *PayloadStore, namespace string, ttl time.Duration, logger *zap.Logger) *ContentCache {
	return &ContentCache{
		redis:     redisClient,
		store:     store,
		namespace: namespace,
		ttl:       ttl,
		logger:    logger,
	}
}

// TTL returns the configured entry lifetime
func (cc *ContentCache) TTL() time.Duration {
	return cc.ttl
}

func (cc *ContentCache) metaKey(fingerprint string) string {
	return cc.namespace + ":capture:" + fingerprint
}

// Get looks up an entry by fingerprint. Returns (nil, nil) on a miss.
// Expired or corrupt entries are evicted and reported as misses.
func (cc *ContentCache) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	data, err := cc.redis.HGetAll(ctx, cc.metaKey(fingerprint))
	if err != nil {
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}
	if len(data) == 0 {
		cc.misses.Add(1)
		return nil, nil
	}

	var entry Entry
	if err := entry.FromHash(data); err != nil {
		cc.logger.Warn("Evicting corrupt cache entry",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
		cc.evict(ctx, fingerprint, data["payload_path"])
		cc.misses.Add(1)
		return nil, nil
	}

	if entry.IsExpired() {
		cc.logger.Debug("Evicting expired cache entry",
			zap.String("fingerprint", fingerprint),
			zap.Time("expires_at", entry.ExpiresAt))
		cc.evict(ctx, fingerprint, entry.PayloadPath)
		cc.misses.Add(1)
		return nil, nil
	}

	cc.hits.Add(1)
	return &entry, nil
}

// ReadPayload loads the screenshot payload for a hit. A payload that cannot
// be read or decompressed evicts the entry so the next request re-renders.
func (cc *ContentCache) ReadPayload(ctx context.Context, entry *Entry) ([]byte, error) {
	if entry.PayloadPath == "" {
		return nil, nil
	}

	content, err := cc.store.Read(entry.PayloadPath)
	if err != nil {
		cc.logger.Warn("Evicting cache entry with unreadable payload",
			zap.String("fingerprint", entry.Fingerprint),
			zap.String("payload_path", entry.PayloadPath),
			zap.Error(err))
		cc.evict(ctx, entry.Fingerprint, entry.PayloadPath)
		return nil, fmt.Errorf("cache payload unreadable: %w", err)
	}
	return content, nil
}

// Put stores a rendered capture. The payload is written and published on
// disk before the metadata becomes visible in Redis, so a concurrent Get
// never observes metadata pointing at a missing payload.
func (cc *ContentCache) Put(ctx context.Context, entry *Entry, payload []byte) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = entry.CreatedAt.Add(cc.ttl)
	}

	redisTTL := entry.TTL()
	if redisTTL <= 0 {
		return fmt.Errorf("entry already expired, refusing storage (expires_at=%s)", entry.ExpiresAt)
	}

	if len(payload) > 0 {
		relPath, diskSize, err := cc.store.Write(PayloadRelPath(entry.Fingerprint, entry.CreatedAt), payload)
		if err != nil {
			return fmt.Errorf("failed to store cache payload: %w", err)
		}
		entry.PayloadPath = relPath
		entry.Size = int64(len(payload))
		entry.DiskSize = diskSize
	}

	var values []interface{}
	for k, v := range entry.ToHash() {
		values = append(values, k, v)
	}
	if err := cc.redis.HSetWithExpire(ctx, cc.metaKey(entry.Fingerprint), redisTTL, values...); err != nil {
		return fmt.Errorf("failed to store cache metadata: %w", err)
	}

	cc.logger.Debug("Cache entry stored",
		zap.String("fingerprint", entry.Fingerprint),
		zap.String("url", entry.URL),
		zap.Duration("ttl", redisTTL),
		zap.Int64("size", entry.Size),
		zap.Int64("disk_size", entry.DiskSize))

	return nil
}

// Invalidate removes one entry and its payload. Unknown fingerprints are a no-op.
func (cc *ContentCache) Invalidate(ctx context.Context, fingerprint string) error {
	data, err := cc.redis.HGetAll(ctx, cc.metaKey(fingerprint))
	if err != nil {
		return fmt.Errorf("cache invalidation lookup failed: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	cc.evict(ctx, fingerprint, data["payload_path"])
	return nil
}

// Clear drops every entry in the namespace and returns how many were removed
func (cc *ContentCache) Clear(ctx context.Context) (int64, error) {
	keys, err := cc.redis.ScanKeys(ctx, cc.namespace+":capture:*")
	if err != nil {
		return 0, fmt.Errorf("cache clear scan failed: %w", err)
	}

	if len(keys) > 0 {
		if err := cc.redis.Del(ctx, keys...); err != nil {
			return 0, fmt.Errorf("cache clear failed: %w", err)
		}
	}

	var fileErr error
	if err := cc.store.Walk(func(relPath string, _ fs.FileInfo) error {
		if err := cc.store.Delete(relPath); err != nil {
			fileErr = err
		}
		return nil
	}); err != nil {
		fileErr = err
	}
	if fileErr != nil {
		cc.logger.Warn("Cache clear left orphan payload files", zap.Error(fileErr))
	}

	cc.logger.Info("Cache cleared", zap.Int("entries", len(keys)))
	return int64(len(keys)), nil
}

// SnapshotStats counts live entries and disk usage and returns the
// hit/miss/eviction counters accumulated since startup.
func (cc *ContentCache) SnapshotStats(ctx context.Context) (*Stats, error) {
	keys, err := cc.redis.ScanKeys(ctx, cc.namespace+":capture:*")
	if err != nil {
		return nil, fmt.Errorf("cache stats scan failed: %w", err)
	}

	var diskBytes int64
	if err := cc.store.Walk(func(_ string, info fs.FileInfo) error {
		diskBytes += info.Size()
		return nil
	}); err != nil {
		cc.logger.Warn("Failed to measure cache disk usage", zap.Error(err))
	}

	return &Stats{
		Entries:   int64(len(keys)),
		Hits:      cc.hits.Load(),
		Misses:    cc.misses.Load(),
		Evictions: cc.evictions.Load(),
		DiskBytes: diskBytes,
	}, nil
}

// evict drops metadata and payload best-effort; eviction failures are logged
// because Redis TTL and the sweeper will eventually reclaim both anyway.
func (cc *ContentCache) evict(ctx context.Context, fingerprint, payloadPath string) {
	if err := cc.redis.Del(ctx, cc.metaKey(fingerprint)); err != nil {
		cc.logger.Warn("Failed to delete cache metadata",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
	}
	if payloadPath != "" {
		if err := cc.store.Delete(payloadPath); err != nil {
			cc.logger.Warn("Failed to delete cache payload",
				zap.String("payload_path", payloadPath),
				zap.Error(err))
		}
	}
	cc.evictions.Add(1)
}
