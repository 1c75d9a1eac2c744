package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Listen        string `yaml:"listen"`
		MetricsListen string `yaml:"metrics_listen"`
	} `yaml:"server"`

	Downstream Downstream `yaml:"downstream"`

	Cache Cache `yaml:"cache"`

	Health struct {
		ProbeTimeout string `yaml:"probe_timeout"`

		probeTimeoutDur time.Duration
	} `yaml:"health"`

	Tarpit Tarpit `yaml:"tarpit"`

	Assets struct {
		StaticDir string `yaml:"static_dir"`
		PagesDir  string `yaml:"pages_dir"`
	} `yaml:"assets"`

	Session struct {
		Cookie         string `yaml:"cookie"`
		IdentityHeader string `yaml:"identity_header"`
	} `yaml:"session"`

	Warmup struct {
		Sitemaps     []string `yaml:"sitemaps"`
		InitialDelay string   `yaml:"initial_delay"`
		Every        string   `yaml:"every"`

		initialDelayDur time.Duration
		everyDur        time.Duration
	} `yaml:"warmup"`

	Logging struct {
		Level      string `yaml:"level"`
		StatsEvery string `yaml:"stats_every"`

		statsEveryDur time.Duration
	} `yaml:"logging"`
}

// Downstream describes how the rendering backend is reached. Socket wins over
// URL when both are set.
type Downstream struct {
	URL            string `yaml:"url"`
	Socket         string `yaml:"socket"`
	ConnectTimeout string `yaml:"connect_timeout"`
	RequestTimeout string `yaml:"request_timeout"`
	HealthPath     string `yaml:"health_path"`

	connectTimeoutDur time.Duration
	requestTimeoutDur time.Duration
}

func (d Downstream) ConnectTimeoutDur() time.Duration { return d.connectTimeoutDur }
func (d Downstream) RequestTimeoutDur() time.Duration { return d.requestTimeoutDur }

// Cache configures the incremental page cache. FreshSec must not exceed StaleSec.
type Cache struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
	FreshSec   int  `yaml:"fresh_sec"`
	StaleSec   int  `yaml:"stale_sec"`

	Disk struct {
		Path string `yaml:"path"`
		Max  string `yaml:"max"`

		maxBytes int64
	} `yaml:"disk"`
}

func (c Cache) FreshWindow() time.Duration { return time.Duration(c.FreshSec) * time.Second }
func (c Cache) StaleWindow() time.Duration { return time.Duration(c.StaleSec) * time.Second }
func (c Cache) DiskMaxBytes() int64        { return c.Disk.maxBytes }

type Tarpit struct {
	Enabled              bool `yaml:"enabled"`
	DelayMinMs           int  `yaml:"delay_min_ms"`
	DelayMaxMs           int  `yaml:"delay_max_ms"`
	ChunkSizeMin         int  `yaml:"chunk_size_min"`
	ChunkSizeMax         int  `yaml:"chunk_size_max"`
	MaxGlobalConnections int  `yaml:"max_global_connections"`
	MaxConnectionsPerIP  int  `yaml:"max_connections_per_ip"`
}

func (c Config) ProbeTimeout() time.Duration       { return c.Health.probeTimeoutDur }
func (c Config) WarmupInitialDelay() time.Duration { return c.Warmup.initialDelayDur }
func (c Config) WarmupEvery() time.Duration        { return c.Warmup.everyDur }
func (c Config) StatsEvery() time.Duration         { return c.Logging.statsEveryDur }

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	var cfg Config
	cfg.Server.Listen = ":8080"

	cfg.Downstream.URL = "http://127.0.0.1:3000"
	cfg.Downstream.ConnectTimeout = "3s"
	cfg.Downstream.RequestTimeout = "5s"
	cfg.Downstream.HealthPath = "/internal/health"

	cfg.Cache.Enabled = true
	cfg.Cache.MaxEntries = 1000
	cfg.Cache.FreshSec = 60
	cfg.Cache.StaleSec = 300
	cfg.Cache.Disk.Max = "256m"

	cfg.Health.ProbeTimeout = "5s"

	cfg.Tarpit.Enabled = true
	cfg.Tarpit.DelayMinMs = 500
	cfg.Tarpit.DelayMaxMs = 2000
	cfg.Tarpit.ChunkSizeMin = 16
	cfg.Tarpit.ChunkSizeMax = 128
	cfg.Tarpit.MaxGlobalConnections = 1000
	cfg.Tarpit.MaxConnectionsPerIP = 10

	cfg.Session.Cookie = "session"
	cfg.Session.IdentityHeader = "X-Session-User"

	cfg.Warmup.InitialDelay = "10s"

	cfg.Logging.Level = "info"
	return cfg
}

// Load builds the configuration from defaults, then the YAML file at path (if
// any), then the dotenv file at envFile (if any), then the process
// environment. Empty paths are skipped.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, errors.Wrap(err, "parse config")
		}
	}

	if envFile != "" {
		// godotenv.Load never overrides variables already set in the process.
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, errors.Wrapf(err, "load env file %s", envFile)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var firstErr error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) {
		v, ok := lookup(name)
		if !ok {
			return
		}
		n, err := cast.ToIntE(strings.TrimSpace(v))
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "env %s", name)
			}
			return
		}
		*dst = n
	}
	flag := func(name string, dst *bool) {
		v, ok := lookup(name)
		if !ok {
			return
		}
		b, err := cast.ToBoolE(strings.TrimSpace(v))
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "env %s", name)
			}
			return
		}
		*dst = b
	}

	str("LISTEN_ADDR", &cfg.Server.Listen)
	str("METRICS_ADDR", &cfg.Server.MetricsListen)

	str("DOWNSTREAM_URL", &cfg.Downstream.URL)
	str("DOWNSTREAM_SOCKET", &cfg.Downstream.Socket)
	str("DOWNSTREAM_CONNECT_TIMEOUT", &cfg.Downstream.ConnectTimeout)
	str("DOWNSTREAM_REQUEST_TIMEOUT", &cfg.Downstream.RequestTimeout)
	str("DOWNSTREAM_HEALTH_PATH", &cfg.Downstream.HealthPath)

	flag("ISR_CACHE_ENABLED", &cfg.Cache.Enabled)
	num("ISR_CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries)
	num("ISR_FRESH_SEC", &cfg.Cache.FreshSec)
	num("ISR_STALE_SEC", &cfg.Cache.StaleSec)
	str("ISR_DISK_PATH", &cfg.Cache.Disk.Path)
	str("ISR_DISK_MAX", &cfg.Cache.Disk.Max)

	str("HEALTH_PROBE_TIMEOUT", &cfg.Health.ProbeTimeout)

	flag("TARPIT_ENABLED", &cfg.Tarpit.Enabled)
	num("TARPIT_DELAY_MIN_MS", &cfg.Tarpit.DelayMinMs)
	num("TARPIT_DELAY_MAX_MS", &cfg.Tarpit.DelayMaxMs)
	num("TARPIT_CHUNK_MIN", &cfg.Tarpit.ChunkSizeMin)
	num("TARPIT_CHUNK_MAX", &cfg.Tarpit.ChunkSizeMax)
	num("TARPIT_MAX_GLOBAL", &cfg.Tarpit.MaxGlobalConnections)
	num("TARPIT_MAX_PER_IP", &cfg.Tarpit.MaxConnectionsPerIP)

	str("ASSETS_STATIC_DIR", &cfg.Assets.StaticDir)
	str("ASSETS_PAGES_DIR", &cfg.Assets.PagesDir)

	str("SESSION_COOKIE", &cfg.Session.Cookie)
	str("IDENTITY_HEADER", &cfg.Session.IdentityHeader)

	if v, ok := lookup("WARMUP_SITEMAPS"); ok {
		cfg.Warmup.Sitemaps = cfg.Warmup.Sitemaps[:0]
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Warmup.Sitemaps = append(cfg.Warmup.Sitemaps, s)
			}
		}
	}
	str("WARMUP_INITIAL_DELAY", &cfg.Warmup.InitialDelay)
	str("WARMUP_EVERY", &cfg.Warmup.Every)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_STATS_EVERY", &cfg.Logging.StatsEvery)

	return firstErr
}

func (cfg *Config) compile() error {
	if cfg.Server.Listen == "" {
		return errors.New("server.listen is required")
	}
	if cfg.Downstream.URL == "" && cfg.Downstream.Socket == "" {
		return errors.New("downstream.url or downstream.socket is required")
	}
	cfg.Downstream.URL = strings.TrimRight(cfg.Downstream.URL, "/")
	if cfg.Downstream.HealthPath == "" || !strings.HasPrefix(cfg.Downstream.HealthPath, "/") {
		return errors.Errorf("downstream.health_path must start with /, got %q", cfg.Downstream.HealthPath)
	}

	var err error
	if cfg.Downstream.connectTimeoutDur, err = parseDuration("downstream.connect_timeout", cfg.Downstream.ConnectTimeout); err != nil {
		return err
	}
	if cfg.Downstream.requestTimeoutDur, err = parseDuration("downstream.request_timeout", cfg.Downstream.RequestTimeout); err != nil {
		return err
	}
	if cfg.Health.probeTimeoutDur, err = parseDuration("health.probe_timeout", cfg.Health.ProbeTimeout); err != nil {
		return err
	}
	if cfg.Warmup.initialDelayDur, err = parseDuration("warmup.initial_delay", cfg.Warmup.InitialDelay); err != nil {
		return err
	}
	if cfg.Warmup.everyDur, err = parseDuration("warmup.every", cfg.Warmup.Every); err != nil {
		return err
	}
	if cfg.Logging.statsEveryDur, err = parseDuration("logging.stats_every", cfg.Logging.StatsEvery); err != nil {
		return err
	}

	c := &cfg.Cache
	if c.MaxEntries <= 0 {
		return errors.Errorf("cache.max_entries must be positive, got %d", c.MaxEntries)
	}
	if c.FreshSec < 0 || c.StaleSec <= 0 {
		return errors.Errorf("cache windows must be positive, got fresh=%d stale=%d", c.FreshSec, c.StaleSec)
	}
	if c.FreshSec > c.StaleSec {
		return errors.Errorf("cache.fresh_sec (%d) must not exceed cache.stale_sec (%d)", c.FreshSec, c.StaleSec)
	}
	if c.Disk.Path != "" {
		if c.Disk.maxBytes, err = parseBytes(c.Disk.Max); err != nil {
			return errors.Wrap(err, "cache.disk.max")
		}
	}

	t := &cfg.Tarpit
	if t.DelayMinMs < 0 || t.DelayMinMs > t.DelayMaxMs {
		return errors.Errorf("tarpit delay range invalid: [%d, %d]", t.DelayMinMs, t.DelayMaxMs)
	}
	if t.ChunkSizeMin <= 0 || t.ChunkSizeMin > t.ChunkSizeMax {
		return errors.Errorf("tarpit chunk size range invalid: [%d, %d]", t.ChunkSizeMin, t.ChunkSizeMax)
	}
	if t.MaxGlobalConnections <= 0 || t.MaxConnectionsPerIP <= 0 {
		return errors.Errorf("tarpit connection caps must be positive, got global=%d per_ip=%d",
			t.MaxGlobalConnections, t.MaxConnectionsPerIP)
	}

	if cfg.Session.IdentityHeader == "" {
		return errors.New("session.identity_header is required")
	}
	return nil
}

// parseDuration treats an empty value as zero.
func parseDuration(field, v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrap(err, field)
	}
	if d < 0 {
		return 0, errors.Errorf("%s: negative duration %s", field, v)
	}
	return d, nil
}
