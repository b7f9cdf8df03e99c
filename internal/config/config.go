package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models lexline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Ingest struct {
		AdapterTimeout string `yaml:"adapter_timeout"`
		IncludeTribal  bool   `yaml:"include_tribal"`
		Time           string `yaml:"time"`
	} `yaml:"ingest"`
	Publish struct {
		Day  int    `yaml:"day"`
		Time string `yaml:"time"`
	} `yaml:"publish"`
	Notify struct {
		Admins  []string `yaml:"admins"`
		Webhook string   `yaml:"webhook"`
	} `yaml:"notify"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Sources   []SourceSpec    `yaml:"sources"`
	Templates []TemplateSpec  `yaml:"templates"`
}

// SourceSpec declares a monitored source in the catalog.
type SourceSpec struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Adapter string   `yaml:"adapter"`
	FeedURL string   `yaml:"feed_url"`
	States  []string `yaml:"states"`
	Topics  []string `yaml:"topics"`
	Enabled *bool    `yaml:"enabled"`
}

// IsEnabled defaults to true when the catalog entry does not say otherwise.
func (s SourceSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// TemplateSpec declares a form template in the catalog.
type TemplateSpec struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	State    string `yaml:"state"`
}

// WebhookConfig declares an outbound delivery target for the event feed.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

var clockRe = regexp.MustCompile(`^([01]?\d|2[0-3]):[0-5]\d$`)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with lx init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Ingest.AdapterTimeout != "" {
		if _, err := time.ParseDuration(c.Ingest.AdapterTimeout); err != nil {
			return fmt.Errorf("config.ingest.adapter_timeout is not a duration: %w", err)
		}
	}
	if c.Ingest.Time != "" && !clockRe.MatchString(c.Ingest.Time) {
		return fmt.Errorf("config.ingest.time must be HH:MM, got %q", c.Ingest.Time)
	}
	if c.Publish.Time != "" && !clockRe.MatchString(c.Publish.Time) {
		return fmt.Errorf("config.publish.time must be HH:MM, got %q", c.Publish.Time)
	}
	// Day 0 means unset; the scheduler runs on day 1 then.
	if c.Publish.Day < 0 || c.Publish.Day > 28 {
		return fmt.Errorf("config.publish.day must be between 1 and 28, or 0 for the default")
	}
	seenSources := map[string]bool{}
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("sources[%d].id is required", i)
		}
		if seenSources[s.ID] {
			return fmt.Errorf("duplicate source id %s", s.ID)
		}
		seenSources[s.ID] = true
		if s.Name == "" {
			return fmt.Errorf("source %s has no name", s.ID)
		}
		switch s.Adapter {
		case "", "static", "feed":
		default:
			return fmt.Errorf("source %s has unknown adapter %q", s.ID, s.Adapter)
		}
		if s.Adapter == "feed" && s.FeedURL == "" {
			return fmt.Errorf("source %s uses the feed adapter but has no feed_url", s.ID)
		}
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	seenTemplates := map[string]bool{}
	for i, t := range c.Templates {
		if t.ID == "" {
			return fmt.Errorf("templates[%d].id is required", i)
		}
		if seenTemplates[t.ID] {
			return fmt.Errorf("duplicate template id %s", t.ID)
		}
		seenTemplates[t.ID] = true
		if t.Name == "" {
			return fmt.Errorf("template %s has no name", t.ID)
		}
		if t.Category == "" {
			return fmt.Errorf("template %s has no category", t.ID)
		}
	}
	return nil
}

// AdapterTimeout returns the per-source fetch timeout, defaulting to 45s.
func (c *Config) AdapterTimeout() time.Duration {
	if c.Ingest.AdapterTimeout == "" {
		return 45 * time.Second
	}
	d, err := time.ParseDuration(c.Ingest.AdapterTimeout)
	if err != nil || d <= 0 {
		return 45 * time.Second
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "lexline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  name: Housing compliance tracking

ingest:
  adapter_timeout: 45s
  include_tribal: true
  time: "02:00"

publish:
  day: 1
  time: "06:00"

notify:
  admins: []

sources:
  - id: federal-register
    name: Federal Register housing notices
    adapter: static
    topics: [disclosure_federal, fair_housing]

  - id: state-legislatures
    name: State legislature bill tracker
    adapter: static
    states: [CA, NY, OR]
    topics: [security_deposit, eviction_notice, late_fees, rent_control, habitability]

  - id: hud-tribal
    name: HUD tribal housing programs
    adapter: static
    topics: [nahasda_core, tribal_lease, ihbg_allocation]

templates:
  - id: lease-ca
    name: California residential lease
    category: lease
    state: CA

  - id: lease-ny
    name: New York residential lease
    category: lease
    state: NY

  - id: lease-or
    name: Oregon residential lease
    category: lease
    state: OR

  - id: deposit-receipt-ca
    name: California deposit receipt
    category: deposit
    state: CA

  - id: eviction-notice-ny
    name: New York eviction notice
    category: eviction
    state: NY

  - id: fair-housing-addendum
    name: Fair housing addendum
    category: disclosure

  - id: nahasda-lease
    name: NAHASDA tribal housing lease
    category: tribal_lease
`
