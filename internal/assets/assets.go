// Package assets implements the content-addressed, type-indexed asset
// cache. For every (type, url) key at most one fetch is in flight;
// concurrent loads share the same outcome.
package assets

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Type indexes the cache and selects the decode adapter.
type Type string

const (
	TypeModel   Type = "model"
	TypeAvatar  Type = "avatar"
	TypeEmote   Type = "emote"
	TypeTexture Type = "texture"
	TypeHDR     Type = "hdr"
	TypeScript  Type = "script"
)

// Key identifies one cached asset.
type Key struct {
	Type Type
	URL  string
}

// Asset is a resolved cache entry. Value holds the adapter product: a scene
// factory for models, a clip factory for emotes, a texture handle, or a
// compiled script program.
type Asset struct {
	Key   Key
	Bytes []byte
	Value any
}

// Adapter decodes raw bytes into the typed asset value.
type Adapter func(key Key, data []byte) (any, error)

// Fetcher retrieves raw bytes for a url. Network implementations live in
// the cmd wiring; tests install fakes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// ErrBadURL reports a url outside the asset://<hash>.<ext> grammar.
var ErrBadURL = eris.New("bad asset url")

var extTypes = map[string]Type{
	"glb": TypeModel,
	"vrm": TypeAvatar,
	"hdr": TypeHDR,
	"jpg": TypeTexture,
	"png": TypeTexture,
	"js":  TypeScript,
}

// ParseURL splits a content-addressed url into hash and extension.
func ParseURL(url string) (hash, ext string, err error) {
	const scheme = "asset://"
	if !strings.HasPrefix(url, scheme) {
		return "", "", eris.Wrapf(ErrBadURL, "missing scheme: %q", url)
	}
	name := url[len(scheme):]
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 || dot == len(name)-1 {
		return "", "", eris.Wrapf(ErrBadURL, "missing extension: %q", url)
	}
	hash, ext = name[:dot], name[dot+1:]
	if _, ok := extTypes[ext]; !ok {
		return "", "", eris.Wrapf(ErrBadURL, "unsupported extension %q", ext)
	}
	return hash, ext, nil
}

// TypeForExt returns the default asset type for a file extension.
func TypeForExt(ext string) (Type, bool) {
	t, ok := extTypes[ext]
	return t, ok
}

// Stats counts cache activity for the /status endpoint.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	InflightJoins uint64 `json:"inflightJoins"`
	Failures      uint64 `json:"failures"`
}

type inflight struct {
	done  chan struct{}
	asset *Asset
	err   error
}

// Cache is the process-wide asset cache.
type Cache struct {
	logger   zerolog.Logger
	fetcher  Fetcher
	adapters map[Type]Adapter

	mu       sync.Mutex
	resolved map[Key]*Asset
	pending  map[Key]*inflight

	hits          atomic.Uint64
	misses        atomic.Uint64
	inflightJoins atomic.Uint64
	failures      atomic.Uint64
}

// NewCache builds a cache around the given fetcher.
func NewCache(logger zerolog.Logger, fetcher Fetcher) *Cache {
	return &Cache{
		logger:   logger.With().Str("component", "assets").Logger(),
		fetcher:  fetcher,
		adapters: make(map[Type]Adapter),
		resolved: make(map[Key]*Asset),
		pending:  make(map[Key]*inflight),
	}
}

// RegisterAdapter installs the decoder for a type. A server build may
// register a placeholder avatar adapter; the replication contract only
// requires symmetric blueprint identity, not symmetric decoding.
func (c *Cache) RegisterAdapter(t Type, a Adapter) {
	c.adapters[t] = a
}

// Has reports whether the key is already resolved.
func (c *Cache) Has(t Type, url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.resolved[Key{Type: t, URL: url}]
	return ok
}

// Get returns the resolved asset without fetching.
func (c *Cache) Get(t Type, url string) (*Asset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.resolved[Key{Type: t, URL: url}]
	return a, ok
}

// Load resolves the key, deduplicating concurrent fetches: the first caller
// starts the fetch, later callers wait on the same outcome. The caller's
// context cancels its wait but never the shared fetch.
func (c *Cache) Load(ctx context.Context, t Type, url string) (*Asset, error) {
	key := Key{Type: t, URL: url}

	c.mu.Lock()
	if a, ok := c.resolved[key]; ok {
		c.mu.Unlock()
		c.hits.Add(1)
		return a, nil
	}
	if fl, ok := c.pending[key]; ok {
		c.mu.Unlock()
		c.inflightJoins.Add(1)
		return c.wait(ctx, fl)
	}
	fl := &inflight{done: make(chan struct{})}
	c.pending[key] = fl
	c.mu.Unlock()
	c.misses.Add(1)

	go c.fetch(key, fl)
	return c.wait(ctx, fl)
}

func (c *Cache) wait(ctx context.Context, fl *inflight) (*Asset, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-fl.done:
		return fl.asset, fl.err
	}
}

func (c *Cache) fetch(key Key, fl *inflight) {
	data, err := c.fetcher.Fetch(context.Background(), key.URL)
	if err != nil {
		c.settle(key, fl, nil, eris.Wrapf(err, "fetch %s %s", key.Type, key.URL))
		return
	}
	asset, err := c.decode(key, data)
	c.settle(key, fl, asset, err)
}

func (c *Cache) decode(key Key, data []byte) (*Asset, error) {
	asset := &Asset{Key: key, Bytes: data}
	if adapter, ok := c.adapters[key.Type]; ok {
		value, err := adapter(key, data)
		if err != nil {
			return nil, eris.Wrapf(err, "decode %s %s", key.Type, key.URL)
		}
		asset.Value = value
	}
	return asset, nil
}

func (c *Cache) settle(key Key, fl *inflight, asset *Asset, err error) {
	c.mu.Lock()
	if c.pending[key] != fl {
		// Insert already satisfied this inflight and closed its channel;
		// the late fetch outcome is dropped.
		c.mu.Unlock()
		return
	}
	if err == nil {
		c.resolved[key] = asset
	}
	delete(c.pending, key)
	c.mu.Unlock()

	if err != nil {
		c.failures.Add(1)
		c.logger.Warn().Str("type", string(key.Type)).Str("url", key.URL).Err(err).Msg("asset fetch failed")
	}
	fl.asset = asset
	fl.err = err
	close(fl.done)
}

// Insert publishes locally-sourced bytes under the key, satisfying any
// pending load for it. Decode failures leave the cache unchanged.
func (c *Cache) Insert(t Type, url string, data []byte) error {
	key := Key{Type: t, URL: url}
	asset, err := c.decode(key, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.resolved[key] = asset
	fl, pending := c.pending[key]
	if pending {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if pending {
		fl.asset = asset
		fl.err = nil
		close(fl.done)
	}
	return nil
}

// PreloadItem names one asset to resolve before the world is ready.
type PreloadItem struct {
	Type Type
	URL  string
}

// Preload resolves every item and returns the first failure, if any. All
// fetches run concurrently; the ready signal is the nil return.
func (c *Cache) Preload(ctx context.Context, items []PreloadItem) error {
	var wg sync.WaitGroup
	errs := make([]error, len(items))
	for i, item := range items {
		wg.Add(1)
		go func(i int, item PreloadItem) {
			defer wg.Done()
			_, errs[i] = c.Load(ctx, item.Type, item.URL)
		}(i, item)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns the current counters.
func (c *Cache) Snapshot() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		InflightJoins: c.inflightJoins.Load(),
		Failures:      c.failures.Load(),
	}
}
