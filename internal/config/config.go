package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models healthboard.yml.
type Config struct {
	Upstream struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"upstream"`
	Team struct {
		ManagerIDs   []int  `yaml:"manager_ids"`
		RequestGroup string `yaml:"request_group"`
	} `yaml:"team"`
	Cache       CacheConfig       `yaml:"cache"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Health      HealthConfig      `yaml:"health"`
	Matcher     MatcherConfig     `yaml:"matcher"`
	Broadcast   struct {
		RedisURL string `yaml:"redis_url"`
		Channel  string `yaml:"channel"`
	} `yaml:"broadcast"`
	Audit struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"audit"`
}

type CacheConfig struct {
	DefaultTTL    time.Duration            `yaml:"default_ttl"`
	SweepInterval time.Duration            `yaml:"sweep_interval"`
	TTL           map[string]time.Duration `yaml:"ttl"`
}

type ConcurrencyConfig struct {
	Projects int `yaml:"projects"`
	Tasks    int `yaml:"tasks"`
}

// Thresholds are inclusive business-day ceilings for the active and
// attention communication states.
type Thresholds struct {
	Active    int `yaml:"active"`
	Attention int `yaml:"attention"`
}

type HealthConfig struct {
	IdleFloorDays int        `yaml:"idle_floor_days"`
	UpcomingDays  int        `yaml:"upcoming_days"`
	DueSoonDays   int        `yaml:"due_soon_days"`
	Rush          Thresholds `yaml:"rush"`
	Normal        Thresholds `yaml:"normal"`
	Queue         struct {
		RushMaxBusinessDays   int `yaml:"rush_max_business_days"`
		NormalMaxBusinessDays int `yaml:"normal_max_business_days"`
	} `yaml:"queue"`
}

type MatcherConfig struct {
	AssigneeName     int `yaml:"assignee_name"`
	Mention          int `yaml:"mention"`
	Keyword          int `yaml:"keyword"`
	AuthorIsAssignee int `yaml:"author_is_assignee"`
	FileKeyword      int `yaml:"file_keyword"`
	ReplyMarker      int `yaml:"reply_marker"`
	Threshold        int `yaml:"threshold"`
	LookbackDays     int `yaml:"lookback_days"`
	MaxKeywords      int `yaml:"max_keywords"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with hb config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or defaults when the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return fmt.Errorf("config.upstream.base_url is required")
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("config.upstream.timeout_seconds must not be negative")
	}
	if len(c.Team.ManagerIDs) == 0 {
		return fmt.Errorf("config.team.manager_ids is required")
	}
	if c.Cache.DefaultTTL < 0 {
		return fmt.Errorf("config.cache.default_ttl must not be negative")
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("config.cache.sweep_interval must be positive")
	}
	for cat, ttl := range c.Cache.TTL {
		if cat == "" {
			return fmt.Errorf("config.cache.ttl contains empty category")
		}
		if ttl < 0 {
			return fmt.Errorf("ttl for category %s must not be negative", cat)
		}
	}
	if c.Concurrency.Projects < 1 || c.Concurrency.Tasks < 1 {
		return fmt.Errorf("config.concurrency values must be at least 1")
	}
	for name, th := range map[string]Thresholds{"rush": c.Health.Rush, "normal": c.Health.Normal} {
		if th.Active < 0 || th.Attention < th.Active {
			return fmt.Errorf("config.health.%s thresholds must satisfy 0 <= active <= attention", name)
		}
	}
	if c.Health.Queue.RushMaxBusinessDays < 0 || c.Health.Queue.NormalMaxBusinessDays < 0 {
		return fmt.Errorf("config.health.queue thresholds must not be negative")
	}
	if c.Matcher.Threshold <= 0 {
		return fmt.Errorf("config.matcher.threshold must be positive")
	}
	if c.Matcher.MaxKeywords < 0 || c.Matcher.LookbackDays < 0 {
		return fmt.Errorf("config.matcher limits must not be negative")
	}
	if c.Broadcast.RedisURL != "" && strings.TrimSpace(c.Broadcast.Channel) == "" {
		return fmt.Errorf("config.broadcast.channel is required when redis_url is set")
	}
	return nil
}

// IsTeamManager reports whether id is one of the configured manager ids.
func (c *Config) IsTeamManager(id int) bool {
	for _, m := range c.Team.ManagerIDs {
		if m == id {
			return true
		}
	}
	return false
}

// Timeout returns the upstream request timeout.
func (c *Config) Timeout() time.Duration {
	if c.Upstream.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "healthboard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `upstream:
  base_url: https://api.proworkflow.net
  timeout_seconds: 15

team:
  manager_ids: [1030, 4, 18, 605, 1029, 597, 801]
  request_group: Creative Services

cache:
  default_ttl: 5m
  sweep_interval: 10m
  ttl:
    list: 5m
    detail: 5m
    messages: 1m
    config: 1h
    realtime: 0s

concurrency:
  projects: 8
  tasks: 5

health:
  idle_floor_days: 7
  upcoming_days: 30
  due_soon_days: 7
  rush:
    active: 1
    attention: 2
  normal:
    active: 3
    attention: 4
  queue:
    rush_max_business_days: 0
    normal_max_business_days: 1

matcher:
  assignee_name: 10
  mention: 15
  keyword: 3
  author_is_assignee: 8
  file_keyword: 5
  reply_marker: 2
  threshold: 5
  lookback_days: 7
  max_keywords: 5

broadcast:
  redis_url: ""
  channel: healthboard:invalidate

audit:
  enabled: false
`
