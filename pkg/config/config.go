package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ypcloud/uptimed/pkg/service"
	"github.com/ypcloud/uptimed/pkg/storage"
)

const (
	// EnvVar selects the environment when the --env flag is not given
	EnvVar = "UPTIME_ENV"

	// DefaultEnv is used when neither the flag nor the variable is set
	DefaultEnv = "local"
)

var (
	// ErrUnknownEnv marks a selection of an environment the file does
	// not define
	ErrUnknownEnv = errors.New("unknown environment")

	// ErrUnknownKind marks a service definition with an unsupported kind
	ErrUnknownKind = errors.New("unknown service kind")
)

// Config is the parsed configuration file: one monitoring setup per
// environment
type Config struct {
	Environments map[string]*Environment `yaml:"environments"`
}

// Environment is one complete daemon configuration
type Environment struct {
	Log            LogConfig            `yaml:"log"`
	Storage        StorageConfig        `yaml:"storage"`
	Server         ServerConfig         `yaml:"server"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
	Consolidations ConsolidationsConfig `yaml:"consolidations"`
	Instance       InstanceConfig       `yaml:"instance"`
	Providers      []ProviderConfig     `yaml:"providers"`
	Services       []ServiceConfig      `yaml:"services"`
}

// LogConfig tunes the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig selects and tunes the storage backend
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	URI       string `yaml:"uri"`
	DB        string `yaml:"db"`
	TimeoutMS int    `yaml:"timeout_ms"`
	Path      string `yaml:"path"` // BoltStorage only
}

// Timeout returns the storage timeout as a duration
func (s StorageConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// ServerConfig toggles the optional server components
type ServerConfig struct {
	WithConsolidation bool   `yaml:"with_consolidation"`
	WithInstanceLock  bool   `yaml:"with_instance_lock"`
	Listen            string `yaml:"listen"` // empty disables the HTTP endpoint
}

// MonitoringConfig tunes the check scheduler
type MonitoringConfig struct {
	MaxServices           int `yaml:"max_services"`
	CheckEverySeconds     int `yaml:"check_every_seconds"`
	FastRetryEverySeconds int `yaml:"fast_retry_every_seconds"`
}

// CheckEvery returns the round period as a duration
func (m MonitoringConfig) CheckEvery() time.Duration {
	return time.Duration(m.CheckEverySeconds) * time.Second
}

// FastRetry returns the soft-failure retry delay as a duration
func (m MonitoringConfig) FastRetry() time.Duration {
	return time.Duration(m.FastRetryEverySeconds) * time.Second
}

// ConsolidationsConfig tunes the two consolidators
type ConsolidationsConfig struct {
	SLA    SLAConsolidationConfig    `yaml:"sla"`
	Status StatusConsolidationConfig `yaml:"status"`
}

// SLAConsolidationConfig tunes the SLA consolidator
type SLAConsolidationConfig struct {
	BatchWaitSeconds int `yaml:"batch_wait_seconds"`
}

// BatchWait returns the minimum pause between passes as a duration
func (c SLAConsolidationConfig) BatchWait() time.Duration {
	return time.Duration(c.BatchWaitSeconds) * time.Second
}

// StatusConsolidationConfig tunes the public status consolidator
type StatusConsolidationConfig struct {
	EverySeconds     int          `yaml:"every_seconds"`
	DownSinceSeconds int          `yaml:"down_since_seconds"`
	Filter           FilterConfig `yaml:"filter"`
}

// Every returns the refresh period as a duration
func (c StatusConsolidationConfig) Every() time.Duration {
	return time.Duration(c.EverySeconds) * time.Second
}

// DownFor returns the public downtime threshold as a duration
func (c StatusConsolidationConfig) DownFor() time.Duration {
	return time.Duration(c.DownSinceSeconds) * time.Second
}

// FilterConfig restricts which services a consolidator touches
type FilterConfig struct {
	Category string `yaml:"category"`
	NS       string `yaml:"ns"`
}

// Query converts the filter to a storage query
func (f FilterConfig) Query() storage.Query {
	return storage.Query{Category: f.Category, NS: f.NS}
}

// InstanceConfig tunes the single-active-instance lock
type InstanceConfig struct {
	AliveSeconds         int `yaml:"alive_seconds"`
	InactiveAfterSeconds int `yaml:"inactive_after_seconds"`
}

// Alive returns the heartbeat period as a duration
func (i InstanceConfig) Alive() time.Duration {
	return time.Duration(i.AliveSeconds) * time.Second
}

// InactiveAfter returns the takeover threshold as a duration
func (i InstanceConfig) InactiveAfter() time.Duration {
	return time.Duration(i.InactiveAfterSeconds) * time.Second
}

// Provider types
const (
	ProviderIngress = "ingress"
	ProviderFile    = "file"
)

// ProviderConfig declares one dynamic service discovery source
type ProviderConfig struct {
	Type     string       `yaml:"type"`
	Name     string       `yaml:"name"`
	Context  string       `yaml:"context"`  // ingress: kubeconfig context
	Category string       `yaml:"category"` // ingress: category of created services
	Include  []string     `yaml:"include"`
	Exclude  []string     `yaml:"exclude"`
	Headers  []HeaderRule `yaml:"headers"`
	Path     string       `yaml:"path"` // file: fleet file to watch

	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// IncludeRegexps returns the compiled include patterns
func (p *ProviderConfig) IncludeRegexps() []*regexp.Regexp { return p.include }

// ExcludeRegexps returns the compiled exclude patterns
func (p *ProviderConfig) ExcludeRegexps() []*regexp.Regexp { return p.exclude }

// HeaderRule adds a request header to probe URLs matching a pattern
type HeaderRule struct {
	Match string `yaml:"match"`
	Name  string `yaml:"name"`
	Value string `yaml:"value"`

	re *regexp.Regexp
}

// Regexp returns the compiled match pattern
func (h *HeaderRule) Regexp() *regexp.Regexp { return h.re }

// ServiceConfig declares one statically monitored service. The fields
// used depend on the kind.
type ServiceConfig struct {
	Kind         string            `yaml:"kind"`
	Name         string            `yaml:"name"`
	URI          string            `yaml:"uri"`          // mongo, postgres
	Addr         string            `yaml:"addr"`         // redis
	Password     string            `yaml:"password"`     // redis
	Context      string            `yaml:"context"`      // kubernetes
	Availability int               `yaml:"availability"` // kubernetes
	Host         string            `yaml:"host"`         // search
	Scheme       string            `yaml:"scheme"`       // search
	APIKey       string            `yaml:"api_key"`      // search
	NS           string            `yaml:"ns"`           // ingress
	URL          string            `yaml:"url"`          // ingress
	Category     string            `yaml:"category"`     // ingress
	Headers      map[string]string `yaml:"headers"`      // ingress
}

// Build constructs the probe declared by the definition
func (c ServiceConfig) Build() (service.Service, error) {
	switch strings.ToLower(c.Kind) {
	case "mongo":
		return service.NewMongoService(c.Name, c.URI), nil
	case "postgres":
		return service.NewPostgresService(c.Name, c.URI), nil
	case "redis":
		svc := service.NewRedisService(c.Name, c.Addr)
		if c.Password != "" {
			svc = svc.WithPassword(c.Password)
		}
		return svc, nil
	case "kubernetes":
		return service.NewKubernetesService(c.Name, c.Context, c.Availability), nil
	case "search":
		svc := service.NewSearchService(c.Name, c.Host, c.Scheme)
		if c.APIKey != "" {
			svc = svc.WithAPIKey(c.APIKey)
		}
		return svc, nil
	case "ingress":
		svc := service.NewIngressService(c.NS, c.Name, c.URL)
		if c.Category != "" {
			svc = svc.WithCategory(c.Category)
		}
		for name, value := range c.Headers {
			svc = svc.WithHeader(name, value)
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}
}

// Load reads and validates the configuration file. Defaults are applied
// and provider regexes compiled, so a returned config is ready to use.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Environments) == 0 {
		return nil, errors.New("config defines no environments")
	}

	for name, env := range cfg.Environments {
		if env == nil {
			env = &Environment{}
			cfg.Environments[name] = env
		}
		env.applyDefaults()
		if err := env.validate(); err != nil {
			return nil, fmt.Errorf("environment %q: %w", name, err)
		}
	}
	return &cfg, nil
}

// Env selects an environment: the explicit name, then UPTIME_ENV, then
// the default
func (c *Config) Env(name string) (*Environment, error) {
	if name == "" {
		name = os.Getenv(EnvVar)
	}
	if name == "" {
		name = DefaultEnv
	}

	env, ok := c.Environments[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnv, name)
	}
	return env, nil
}

func (e *Environment) applyDefaults() {
	if e.Log.Level == "" {
		e.Log.Level = "info"
	}
	if e.Storage.Backend == "" {
		e.Storage.Backend = storage.BackendMongo
	}
	if e.Storage.URI == "" {
		e.Storage.URI = "mongodb://localhost:27017"
	}
	if e.Storage.DB == "" {
		e.Storage.DB = storage.DefaultMongoDB
	}
	if e.Storage.TimeoutMS <= 0 {
		e.Storage.TimeoutMS = 5000
	}
	if e.Storage.Path == "" {
		e.Storage.Path = "uptime.db"
	}

	if e.Monitoring.MaxServices <= 0 {
		e.Monitoring.MaxServices = 15
	}
	if e.Monitoring.CheckEverySeconds <= 0 {
		e.Monitoring.CheckEverySeconds = 60
	}
	if e.Monitoring.FastRetryEverySeconds <= 0 {
		e.Monitoring.FastRetryEverySeconds = 5
	}

	if e.Consolidations.SLA.BatchWaitSeconds <= 0 {
		e.Consolidations.SLA.BatchWaitSeconds = 300
	}
	if e.Consolidations.Status.EverySeconds <= 0 {
		e.Consolidations.Status.EverySeconds = 60
	}
	if e.Consolidations.Status.DownSinceSeconds <= 0 {
		e.Consolidations.Status.DownSinceSeconds = 600
	}

	if e.Instance.AliveSeconds <= 0 {
		e.Instance.AliveSeconds = 60
	}
	if e.Instance.InactiveAfterSeconds <= 0 {
		e.Instance.InactiveAfterSeconds = 180
	}

	for i := range e.Providers {
		p := &e.Providers[i]
		if p.Type == ProviderIngress && p.Category == "" {
			p.Category = "ns"
		}
	}
}

func (e *Environment) validate() error {
	if e.Storage.Backend != storage.BackendMongo && e.Storage.Backend != storage.BackendBolt {
		return fmt.Errorf("unknown storage backend %q", e.Storage.Backend)
	}

	if e.Instance.InactiveAfterSeconds <= e.Instance.AliveSeconds {
		return fmt.Errorf("instance inactive_after_seconds (%d) must exceed alive_seconds (%d)",
			e.Instance.InactiveAfterSeconds, e.Instance.AliveSeconds)
	}

	for i := range e.Providers {
		p := &e.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("provider %d has no name", i)
		}
		switch p.Type {
		case ProviderIngress:
			if err := p.compile(); err != nil {
				return fmt.Errorf("provider %q: %w", p.Name, err)
			}
		case ProviderFile:
			if p.Path == "" {
				return fmt.Errorf("provider %q has no path", p.Name)
			}
		default:
			return fmt.Errorf("provider %q has unknown type %q", p.Name, p.Type)
		}
	}

	for i, svc := range e.Services {
		if _, err := svc.Build(); err != nil {
			return fmt.Errorf("service %d: %w", i, err)
		}
	}
	return nil
}

// compile builds the regexes once at load time
func (p *ProviderConfig) compile() error {
	p.include = p.include[:0]
	for _, pattern := range p.Include {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("bad include pattern %q: %w", pattern, err)
		}
		p.include = append(p.include, re)
	}

	p.exclude = p.exclude[:0]
	for _, pattern := range p.Exclude {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("bad exclude pattern %q: %w", pattern, err)
		}
		p.exclude = append(p.exclude, re)
	}

	for i := range p.Headers {
		re, err := regexp.Compile(p.Headers[i].Match)
		if err != nil {
			return fmt.Errorf("bad header pattern %q: %w", p.Headers[i].Match, err)
		}
		p.Headers[i].re = re
	}
	return nil
}
