package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/pkg/httpx"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/keycipher"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/providers"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
)

const (
	defaultPermitsPerKey = 5
	maxAttempts          = 5
	backoffBase          = time.Second
	backoffJitter        = 500 * time.Millisecond
	backoffCap           = 20 * time.Second
)

// Gateway is the single chokepoint for provider traffic. It holds one
// adapter per API key, bounds in-flight calls with a per-key permit
// semaphore, and retries rate-limited calls with additive-jitter
// backoff. Every other error kind propagates to the caller on the
// first attempt.
type Gateway struct {
	keys    repos.APIKeyRepo
	cipher  *keycipher.Cipher
	log     *logger.Logger
	factory func(providers.Config, *logger.Logger) (providers.Adapter, error)

	defaultPermits int
	maxAttempts    int
	backoffBase    time.Duration
	backoffJitter  time.Duration
	backoffCap     time.Duration

	mu      sync.Mutex
	entries map[uuid.UUID]*keyEntry
}

// keyEntry pins the adapter and its permit semaphore to one API key
// row. The fingerprint invalidates the cache when the row's secret,
// base URL, or provider changes.
type keyEntry struct {
	adapter     providers.Adapter
	sem         *semaphore.Weighted
	fingerprint string
}

func New(keys repos.APIKeyRepo, cipher *keycipher.Cipher, permitsPerKey int, baseLog *logger.Logger) *Gateway {
	if permitsPerKey <= 0 {
		permitsPerKey = defaultPermitsPerKey
	}
	return &Gateway{
		keys:           keys,
		cipher:         cipher,
		log:            baseLog.With("component", "ProviderGateway"),
		factory:        providers.New,
		defaultPermits: permitsPerKey,
		maxAttempts:    maxAttempts,
		backoffBase:    backoffBase,
		backoffJitter:  backoffJitter,
		backoffCap:     backoffCap,
		entries:        make(map[uuid.UUID]*keyEntry),
	}
}

func (g *Gateway) Chat(ctx context.Context, key *domain.APIKey, messages []providers.Message, opts providers.ChatOptions) (string, error) {
	var out string
	err := g.withPermit(ctx, "gateway.chat", key, func(a providers.Adapter) error {
		var callErr error
		out, callErr = a.Chat(ctx, messages, opts)
		return callErr
	})
	return out, err
}

func (g *Gateway) Image(ctx context.Context, key *domain.APIKey, prompt string, opts providers.ImageOptions) (providers.ImageResult, error) {
	var out providers.ImageResult
	err := g.withPermit(ctx, "gateway.image", key, func(a providers.Adapter) error {
		var callErr error
		out, callErr = a.Image(ctx, prompt, opts)
		return callErr
	})
	return out, err
}

func (g *Gateway) TTS(ctx context.Context, key *domain.APIKey, text string, opts providers.TTSOptions) ([]byte, error) {
	var out []byte
	err := g.withPermit(ctx, "gateway.tts", key, func(a providers.Adapter) error {
		var callErr error
		out, callErr = a.TTS(ctx, text, opts)
		return callErr
	})
	return out, err
}

// ReportUsage batches a stage's successful calls into one usage_count
// increment. Best effort: failures are logged, never surfaced.
func (g *Gateway) ReportUsage(ctx context.Context, keyID uuid.UUID, delta int64) {
	if keyID == uuid.Nil || delta <= 0 {
		return
	}
	if err := g.keys.IncrementUsage(ctx, nil, keyID, delta); err != nil {
		g.log.Warn("usage increment failed", "key_id", keyID, "delta", delta, "error", err)
	}
}

func (g *Gateway) withPermit(ctx context.Context, op string, key *domain.APIKey, call func(providers.Adapter) error) error {
	ent, err := g.entryFor(op, key)
	if err != nil {
		return err
	}
	if err := ent.sem.Acquire(ctx, 1); err != nil {
		return apierr.Cancelled(op)
	}
	defer ent.sem.Release(1)

	var last error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		last = call(ent.adapter)
		if last == nil || !apierr.IsKind(last, apierr.KindRateLimited) {
			return last
		}
		// The backoff runs after every throttled attempt, the final one
		// included, and the permit is held through it.
		delay := httpx.BackoffAdditive(attempt, g.backoffBase, g.backoffJitter, g.backoffCap)
		g.log.Warn("provider throttled, backing off",
			"op", op, "key_id", key.ID, "attempt", attempt+1, "delay", delay)
		if err := httpx.Sleep(ctx, delay); err != nil {
			return apierr.Cancelled(op)
		}
	}
	return last
}

func (g *Gateway) entryFor(op string, key *domain.APIKey) (*keyEntry, error) {
	if key == nil || key.ID == uuid.Nil {
		return nil, apierr.Validation(op, "api key required")
	}
	if key.Status != domain.APIKeyStatusActive {
		return nil, apierr.BusinessRule(op, fmt.Sprintf("api key %q is %s", key.Name, key.Status))
	}
	fp := key.SecretCipher + "|" + key.BaseURL + "|" + string(key.Provider)

	g.mu.Lock()
	defer g.mu.Unlock()
	if ent, ok := g.entries[key.ID]; ok && ent.fingerprint == fp {
		return ent, nil
	}

	secret, err := g.cipher.Decrypt(key.SecretCipher)
	if err != nil {
		return nil, apierr.Internal(op, fmt.Errorf("decrypt secret for key %s: %w", key.ID, err))
	}
	adapter, err := g.factory(providers.Config{
		Provider:       key.Provider,
		APIKey:         secret,
		BaseURL:        key.BaseURL,
		MaxConcurrency: g.defaultPermits,
	}, g.log)
	if err != nil {
		return nil, apierr.Validation(op, err.Error())
	}

	permits := adapter.MaxConcurrency()
	if permits <= 0 {
		permits = g.defaultPermits
	}
	ent := &keyEntry{
		adapter:     adapter,
		sem:         semaphore.NewWeighted(int64(permits)),
		fingerprint: fp,
	}
	g.entries[key.ID] = ent
	return ent, nil
}
