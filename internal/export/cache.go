package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"path/filepath"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	u "deckpdf/internal/utils"
)

// PDFCache stores rendered PDFs by key. Get returns nil, nil on a miss.
type PDFCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// RedisCache is a PDFCache on top of a go-redis client.
type RedisCache struct {
	Client *redis.Client
}

// NewRedisCache connects lazily to cfg.RedisHost / cfg.PDFCacheDB.
func NewRedisCache(cfg u.CacheConfig) *RedisCache {
	return &RedisCache{Client: redis.NewClient(&redis.Options{
		Addr: cfg.RedisHost,
		DB:   cfg.PDFCacheDB,
	})}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	cached, err := c.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cached, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	if ttl <= 0 {
		ttl = 1 * time.Minute
	}
	return c.Client.Set(ctx, key, data, ttl).Err()
}

// Close releases the redis connection pool.
func (c *RedisCache) Close() error {
	return c.Client.Close()
}

// BuildFingerprint hashes the relative path, size and mtime of every regular
// file under dir. Any rebuild changes it.
func BuildFingerprint(dir string) (string, error) {
	h := sha256.New()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		h.Write([]byte(filepath.ToSlash(rel)))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(info.Size(), 10)))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(info.ModTime().UnixNano(), 10)))
		h.Write([]byte{'\n'})
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CacheKey derives the cache key for one deck of one build with the given
// print view settings.
func CacheKey(deck, fingerprint string, pdf u.PDFConfig) string {
	h := sha256.New()
	for _, part := range []string{
		deck,
		fingerprint,
		pdf.DeckPath,
		pdf.PrintQuery,
		pdf.PageSelector,
		strconv.FormatInt(pdf.ViewportWidth, 10),
		strconv.FormatInt(pdf.ViewportHeight, 10),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "deckpdf:pdf:" + hex.EncodeToString(h.Sum(nil))
}
