package orchestrator

import (
	"sync"
	"time"

	"github.com/anstrom/scanledger/internal/config"
	"github.com/anstrom/scanledger/internal/logging"
)

// Settings are the tunables read at the start of every batch.
type Settings struct {
	PollInterval        time.Duration
	RetryBackoff        time.Duration
	ConcurrentLimitStep time.Duration
	MaxBackoff          time.Duration
	MaxNetworkRetries   int
	NetworkRetryWait    time.Duration
	IdleInterval        time.Duration
	PickupTimeout       time.Duration
	ProbeConcurrency    int
	ProbeTimeout        time.Duration
	Scanners            []config.ScannerConfig
}

// SettingsFrom extracts orchestrator settings from cfg.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		PollInterval:        cfg.Orchestrator.PollInterval,
		RetryBackoff:        cfg.Orchestrator.CapacityBackoff,
		ConcurrentLimitStep: cfg.Orchestrator.ConcurrentLimitStep,
		MaxBackoff:          cfg.Orchestrator.MaxBackoff,
		MaxNetworkRetries:   cfg.Orchestrator.MaxNetworkRetries,
		NetworkRetryWait:    cfg.Orchestrator.NetworkRetryWait,
		IdleInterval:        cfg.Queue.IdleInterval,
		PickupTimeout:       cfg.Queue.PickupTimeout,
		ProbeConcurrency:    cfg.Probes.Concurrency,
		ProbeTimeout:        cfg.Probes.Timeout,
		Scanners:            cfg.Scanners,
	}
}

// Scanner returns the lane settings of the named scanner.
func (s Settings) Scanner(name string) (config.ScannerConfig, bool) {
	for _, sc := range s.Scanners {
		if sc.Name == name {
			return sc, true
		}
	}
	return config.ScannerConfig{}, false
}

func (s Settings) withDefaults() Settings {
	if s.PollInterval <= 0 {
		s.PollInterval = 60 * time.Second
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = 70 * time.Second
	}
	if s.ConcurrentLimitStep <= 0 {
		s.ConcurrentLimitStep = 30 * time.Second
	}
	if s.MaxBackoff < s.RetryBackoff {
		s.MaxBackoff = s.RetryBackoff
	}
	if s.MaxNetworkRetries <= 0 {
		s.MaxNetworkRetries = 3
	}
	if s.NetworkRetryWait <= 0 {
		s.NetworkRetryWait = 30 * time.Second
	}
	if s.IdleInterval <= 0 {
		s.IdleInterval = 30 * time.Second
	}
	if s.ProbeConcurrency <= 0 {
		s.ProbeConcurrency = 10
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = 10 * time.Second
	}
	return s
}

// SettingsLoader produces fresh settings, usually by re-reading the
// configuration file.
type SettingsLoader func() (Settings, error)

// StaticSettings returns a loader that always yields s.
func StaticSettings(s Settings) SettingsLoader {
	return func() (Settings, error) { return s, nil }
}

// FileSettings returns a loader reading the configuration file at path.
func FileSettings(path string) SettingsLoader {
	return func() (Settings, error) {
		cfg, err := config.Load(path)
		if err != nil {
			return Settings{}, err
		}
		return SettingsFrom(cfg), nil
	}
}

// settingsCache holds the last loaded settings for ttl. A failed reload
// keeps serving the previous value.
type settingsCache struct {
	mu       sync.Mutex
	load     SettingsLoader
	ttl      time.Duration
	now      func() time.Time
	value    Settings
	loadedAt time.Time
	loaded   bool
	logger   *logging.Logger
}

func newSettingsCache(load SettingsLoader, ttl time.Duration, logger *logging.Logger) *settingsCache {
	return &settingsCache{load: load, ttl: ttl, now: time.Now, logger: logger}
}

// Get returns the cached settings, reloading them once the ttl has passed.
func (c *settingsCache) Get() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded && c.now().Sub(c.loadedAt) < c.ttl {
		return c.value
	}

	s, err := c.load()
	if err != nil {
		c.logger.Warn("Reloading orchestrator settings failed, keeping previous", "error", err)
		// A stale value is served for another ttl.
		c.loadedAt = c.now()
		return c.value.withDefaults()
	}
	c.value = s.withDefaults()
	c.loadedAt = c.now()
	c.loaded = true
	return c.value
}

// Invalidate forces a reload on the next Get.
func (c *settingsCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
}
