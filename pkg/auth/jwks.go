package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
)

const (
	defaultJWKSRefreshInterval    = 15 * time.Minute
	defaultJWKSMinRefreshInterval = 30 * time.Second
	defaultJWKSFetchTimeout       = 5 * time.Second
	maxJWKSBodyBytes              = 1 << 20
)

// RemoteKeySetConfig configures a RemoteKeySet.
type RemoteKeySetConfig struct {
	URL string
	// RefreshInterval is the maximum age of the cached key set.
	RefreshInterval time.Duration
	// MinRefreshInterval bounds how often an unknown kid may trigger a fetch.
	MinRefreshInterval time.Duration
	FetchTimeout       time.Duration
	Client             *http.Client
	Logger             *slog.Logger
}

type keySnapshot struct {
	keys      map[string]jose.JSONWebKey
	fetchedAt time.Time
}

// RemoteKeySet serves keys from a JWKS endpoint. The cached snapshot is immutable
// and replaced atomically; concurrent refreshes collapse into one fetch.
type RemoteKeySet struct {
	cfg    RemoteKeySetConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	snapshot atomic.Pointer[keySnapshot]
	group    singleflight.Group

	mu          sync.Mutex
	lastAttempt time.Time
}

// NewRemoteKeySet creates a key set for cfg.URL. No fetch happens until the first
// lookup or an explicit Refresh.
func NewRemoteKeySet(cfg RemoteKeySetConfig) (*RemoteKeySet, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultJWKSRefreshInterval
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = defaultJWKSMinRefreshInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultJWKSFetchTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RemoteKeySet{
		cfg:    cfg,
		client: client,
		logger: logger,
		now:    time.Now,
	}, nil
}

// VerificationKey implements KeySet.
func (r *RemoteKeySet) VerificationKey(ctx context.Context, kid, alg string) (any, error) {
	snap := r.snapshot.Load()
	if snap == nil || r.now().Sub(snap.fetchedAt) >= r.cfg.RefreshInterval {
		switch {
		case r.mayRefresh():
			refreshed, err := r.refresh(ctx)
			if err == nil {
				snap = refreshed
			} else if snap == nil {
				return nil, fmt.Errorf("%w: %v", ErrUnknownKey, err)
			} else {
				r.logger.Warn("jwks refresh failed, serving cached keys", "url", r.cfg.URL, "error", err)
			}
		case snap == nil:
			return nil, fmt.Errorf("%w: jwks not loaded", ErrUnknownKey)
		}
	}

	if key, ok := lookupJWK(snap, kid, alg); ok {
		return key, nil
	}

	// Unknown kid: the issuer may have rotated keys. Refetch, at most once per
	// MinRefreshInterval.
	if r.mayRefresh() {
		refreshed, err := r.refresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: kid %q: %v", ErrUnknownKey, kid, err)
		}
		if key, ok := lookupJWK(refreshed, kid, alg); ok {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
}

// Refresh fetches the key set now.
func (r *RemoteKeySet) Refresh(ctx context.Context) error {
	_, err := r.refresh(ctx)
	return err
}

// KeyIDs returns the ids of the cached keys.
func (r *RemoteKeySet) KeyIDs() []string {
	snap := r.snapshot.Load()
	if snap == nil {
		return nil
	}
	ids := make([]string, 0, len(snap.keys))
	for id := range snap.keys {
		ids = append(ids, id)
	}
	return ids
}

func (r *RemoteKeySet) mayRefresh() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now().Sub(r.lastAttempt) >= r.cfg.MinRefreshInterval
}

func (r *RemoteKeySet) refresh(ctx context.Context) (*keySnapshot, error) {
	v, err, _ := r.group.Do("jwks", func() (any, error) {
		r.mu.Lock()
		r.lastAttempt = r.now()
		r.mu.Unlock()

		// The fetch is shared by every waiting caller, so it must not die with
		// whichever request happened to start it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FetchTimeout)
		defer cancel()

		snap, err := r.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		r.snapshot.Store(snap)
		r.logger.Debug("jwks refreshed", "url", r.cfg.URL, "keys", len(snap.keys))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySnapshot), nil
}

func (r *RemoteKeySet) fetch(ctx context.Context) (*keySnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read jwks: %w", err)
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, key := range set.Keys {
		if key.Use != "" && key.Use != "sig" {
			continue
		}
		if !key.IsPublic() {
			key = key.Public()
		}
		if !key.Valid() {
			continue
		}
		keys[key.KeyID] = key
	}

	return &keySnapshot{keys: keys, fetchedAt: r.now()}, nil
}

func lookupJWK(snap *keySnapshot, kid, alg string) (any, bool) {
	if snap == nil {
		return nil, false
	}
	key, ok := snap.keys[kid]
	if !ok && kid == "" && len(snap.keys) == 1 {
		for _, only := range snap.keys {
			key, ok = only, true
		}
	}
	if !ok {
		return nil, false
	}
	if key.Algorithm != "" && alg != "" && key.Algorithm != alg {
		return nil, false
	}
	if !keyMatchesAlg(key.Key, alg) {
		return nil, false
	}
	return key.Key, true
}
