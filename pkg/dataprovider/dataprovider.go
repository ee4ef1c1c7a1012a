// Package dataprovider fetches, integrity-checks and disk-caches the
// proving/verifying-key artifacts the zswap proving pipeline resolves by
// name (spec.md §6 "Data-provider contract"), grounded in the teacher's
// core/storage.go gateway-with-on-disk-cache pattern, narrowed from a
// pinning/retrieval IPFS gateway to a single-base-URL artifact fetcher
// with an embedded SHA-256 table instead of content addressing.
package dataprovider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	logrus "github.com/sirupsen/logrus"
)

// Config fixes a Provider's base URL, cache directory and retry budget.
type Config struct {
	BaseURL     string
	CacheDir    string
	MaxRetries  int
	Backoff     time.Duration
	KnownHashes map[string][32]byte // artifact name -> expected SHA-256
	Client      *http.Client
}

// Provider implements the fetch/verify/cache contract; it also satisfies
// zswap.KeyResolver so it can be handed directly to a ProvingProvider.
type Provider struct {
	cfg    Config
	client *http.Client
	log    *logrus.Logger
}

// New wires a Provider, applying the teacher's "3 retries, short backoff"
// and a 10s default HTTP timeout if the caller supplies none.
func New(cfg Config, log *logrus.Logger) (*Provider, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("dataprovider: create cache dir: %w", err)
	}
	if log == nil {
		log = logrus.New()
	}
	return &Provider{cfg: cfg, client: cfg.Client, log: log}, nil
}

func (p *Provider) cachePath(name string) string {
	return filepath.Join(p.cfg.CacheDir, name)
}

// Resolve implements zswap.KeyResolver: it returns name's bytes from cache
// if present and valid, otherwise fetches, verifies and atomically caches
// it first.
func (p *Provider) Resolve(ctx context.Context, name string) ([]byte, error) {
	if data, ok := p.readCached(name); ok {
		return data, nil
	}
	return p.fetchAndCache(ctx, name)
}

func (p *Provider) readCached(name string) ([]byte, bool) {
	data, err := os.ReadFile(p.cachePath(name))
	if err != nil {
		return nil, false
	}
	if want, ok := p.cfg.KnownHashes[name]; ok {
		if sha256.Sum256(data) != want {
			p.log.WithFields(logrus.Fields{"artifact": name}).Warn("dataprovider: cached artifact failed integrity check, refetching")
			_ = os.Remove(p.cachePath(name))
			return nil, false
		}
	}
	return data, true
}

func (p *Provider) fetchAndCache(ctx context.Context, name string) ([]byte, error) {
	url := p.cfg.BaseURL + "/" + name

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.cfg.Backoff * time.Duration(attempt)):
			}
		}

		data, err := p.fetchOnce(ctx, url)
		if err != nil {
			lastErr = err
			p.log.WithFields(logrus.Fields{"artifact": name, "attempt": attempt + 1, "err": err}).Warn("dataprovider: fetch attempt failed")
			continue
		}

		if want, ok := p.cfg.KnownHashes[name]; ok {
			if got := sha256.Sum256(data); got != want {
				return nil, fmt.Errorf("%w: %s (got %s, want %s)", ErrIntegrityFailure, name, hex.EncodeToString(got[:]), hex.EncodeToString(want[:]))
			}
		}

		if err := p.atomicWrite(name, data); err != nil {
			return nil, fmt.Errorf("dataprovider: cache %s: %w", name, err)
		}
		p.log.WithFields(logrus.Fields{"artifact": name, "bytes": len(data)}).Info("dataprovider: fetched and cached artifact")
		return data, nil
	}

	return nil, fmt.Errorf("%w: %s: %v", ErrFetchExhausted, name, lastErr)
}

func (p *Provider) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("gateway fetch %d: %s", resp.StatusCode, string(b))
	}
	return io.ReadAll(resp.Body)
}

// atomicWrite writes data to a uuid-named temp file in the cache dir then
// renames it over the final path, so a crash mid-write never leaves a
// truncated artifact at the canonical cache location.
func (p *Provider) atomicWrite(name string, data []byte) error {
	tmp := filepath.Join(p.cfg.CacheDir, "."+uuid.New().String()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.cachePath(name))
}
