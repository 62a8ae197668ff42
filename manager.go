package modelcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ManagerConfig configures a Manager, typically loaded from YAML. An empty
// redisUrl builds a manager without a shared client; caches registered on
// it then run unreplicated unless they bring their own connection.
type ManagerConfig struct {
	RedisURL string `yaml:"redisUrl"`
}

// LoadManagerConfig reads a ManagerConfig from a YAML file.
func LoadManagerConfig(path string) (*ManagerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg ManagerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Manager groups caches behind one registry and one shared Redis
// connection pool. Each cache keeps its own key prefix; the manager only
// owns the client's lifecycle and fans out lifecycle calls.
type Manager struct {
	mu        sync.RWMutex
	log       *zap.Logger
	client    *redis.Client
	ownClient bool
	caches    map[string]Registrable
}

// NewManager builds a Manager. With a redisUrl configured, the shared
// client is opened here and closed by DestroyAll.
func NewManager(cfg *ManagerConfig, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = &ManagerConfig{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		log:    logger,
		caches: make(map[string]Registrable),
	}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		m.client = redis.NewClient(opt)
		m.ownClient = true
	}
	return m, nil
}

// Client returns the shared Redis client, or nil when none is configured.
// Pass it to ReplicationConfig.WithClient so caches share one pool.
func (m *Manager) Client() *redis.Client {
	return m.client
}

// Register adds a cache under name. Duplicate names are rejected.
func (m *Manager) Register(name string, cache Registrable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.caches[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCache, name)
	}
	m.caches[name] = cache
	m.log.Debug("cache registered", zap.String("name", name))
	return nil
}

// Get returns the cache registered under name.
func (m *Manager) Get(name string) (Registrable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cache, ok := m.caches[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCache, name)
	}
	return cache, nil
}

// MustGet returns the cache registered under name, panicking when absent.
// Meant for startup wiring where a missing cache is a programming error.
func (m *Manager) MustGet(name string) Registrable {
	cache, err := m.Get(name)
	if err != nil {
		panic(err)
	}
	return cache
}

// Names returns the registered cache names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) snapshot() map[string]Registrable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Registrable, len(m.caches))
	for name, cache := range m.caches {
		out[name] = cache
	}
	return out
}

// AutoLoadAll starts every registered cache concurrently and returns the
// joined failures, if any. Caches that loaded stay loaded even when
// siblings fail.
func (m *Manager) AutoLoadAll(ctx context.Context) error {
	caches := m.snapshot()

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var errs []error
	for name, cache := range caches {
		wg.Add(1)
		go func(name string, cache Registrable) {
			defer wg.Done()
			if err := cache.AutoLoad(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("cache %s: %w", name, err))
				errMu.Unlock()
			}
		}(name, cache)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// WaitUntilReady blocks until the named caches (all registered caches when
// none are named) are ready or ctx is done.
func (m *Manager) WaitUntilReady(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = m.Names()
	}
	for _, name := range names {
		cache, err := m.Get(name)
		if err != nil {
			return err
		}
		if err := cache.WaitUntilReady(ctx); err != nil {
			return fmt.Errorf("cache %s: %w", name, err)
		}
	}
	return nil
}

// StatsAll returns a statistics snapshot per registered cache.
func (m *Manager) StatsAll() map[string]Stats {
	caches := m.snapshot()
	out := make(map[string]Stats, len(caches))
	for name, cache := range caches {
		out[name] = cache.Stats()
	}
	return out
}

// DestroyAll tears down every registered cache, then closes the shared
// client when the manager owns it. The registry is emptied; the manager
// can be reused afterward with a fresh set of caches but not a new client.
func (m *Manager) DestroyAll() error {
	m.mu.Lock()
	caches := m.caches
	m.caches = make(map[string]Registrable)
	m.mu.Unlock()

	var errs []error
	for name, cache := range caches {
		if err := cache.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("cache %s: %w", name, err))
		}
	}
	if m.ownClient && m.client != nil {
		if err := m.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close client: %w", err))
		}
		m.client = nil
	}
	return errors.Join(errs...)
}
