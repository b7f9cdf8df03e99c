package config_test

import (
	"strings"
	"testing"
	"time"

	"lexline/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("demo")))
	if err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
	if cfg.Project.ID != "demo" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
	if len(cfg.Sources) == 0 || len(cfg.Templates) == 0 {
		t.Fatalf("default catalog empty: %d sources, %d templates", len(cfg.Sources), len(cfg.Templates))
	}
	if got := cfg.AdapterTimeout(); got != 45*time.Second {
		t.Fatalf("adapter timeout = %s", got)
	}
}

func TestValidateRejectsBadCatalog(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing project id",
			yaml: "project:\n  name: x\n",
			want: "project.id",
		},
		{
			name: "unknown adapter",
			yaml: "project:\n  id: p\nsources:\n  - id: s1\n    name: One\n    adapter: scraper\n",
			want: "unknown adapter",
		},
		{
			name: "feed without url",
			yaml: "project:\n  id: p\nsources:\n  - id: s1\n    name: One\n    adapter: feed\n",
			want: "no feed_url",
		},
		{
			name: "duplicate source id",
			yaml: "project:\n  id: p\nsources:\n  - id: s1\n    name: One\n  - id: s1\n    name: Two\n",
			want: "duplicate source id",
		},
		{
			name: "bad ingest time",
			yaml: "project:\n  id: p\ningest:\n  time: \"25:00\"\n",
			want: "must be HH:MM",
		},
		{
			name: "bad adapter timeout",
			yaml: "project:\n  id: p\ningest:\n  adapter_timeout: soon\n",
			want: "not a duration",
		},
		{
			name: "publish day past 28",
			yaml: "project:\n  id: p\npublish:\n  day: 29\n",
			want: "between 1 and 28",
		},
		{
			name: "template without category",
			yaml: "project:\n  id: p\ntemplates:\n  - id: t1\n    name: Lease\n",
			want: "no category",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestPublishDayZeroMeansDefault(t *testing.T) {
	cfg, err := config.FromYAML([]byte("project:\n  id: p\n"))
	if err != nil {
		t.Fatalf("config without a publish section rejected: %v", err)
	}
	if cfg.Publish.Day != 0 {
		t.Fatalf("publish day = %d", cfg.Publish.Day)
	}
}

func TestSourceEnabledDefaultsTrue(t *testing.T) {
	cfg, err := config.FromYAML([]byte("project:\n  id: p\nsources:\n  - id: s1\n    name: One\n  - id: s2\n    name: Two\n    enabled: false\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.Sources[0].IsEnabled() {
		t.Fatalf("unset enabled should default to true")
	}
	if cfg.Sources[1].IsEnabled() {
		t.Fatalf("enabled: false was ignored")
	}
}
