package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"sharebook/internal/jobs"
)

// Config models sharebook.yml.
type Config struct {
	Thresholds struct {
		ReminderAfter    Duration `yaml:"reminder_after"`
		HandoffGrace     Duration `yaml:"handoff_grace"`
		LateRemovalGrace Duration `yaml:"late_removal_grace"`
		MaxListingAge    Duration `yaml:"max_listing_age"`
	} `yaml:"thresholds"`
	Executor struct {
		Concurrency   int      `yaml:"concurrency"`
		TargetTimeout Duration `yaml:"target_timeout"`
	} `yaml:"executor"`
	Trigger struct {
		Schedule string `yaml:"schedule"`
		Timezone string `yaml:"timezone"`
	} `yaml:"trigger"`
	Notifications struct {
		Outbox        bool            `yaml:"outbox"`
		RatePerSecond float64         `yaml:"rate_per_second"`
		Burst         int             `yaml:"burst"`
		Webhooks      []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret,omitempty"`
	Intents []string `yaml:"intents,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty"`
}

// Active reports whether deliveries should be attempted.
func (w WebhookConfig) Active() bool {
	if w.Enabled != nil && !*w.Enabled {
		return false
	}
	return strings.TrimSpace(w.URL) != ""
}

// Duration accepts Go duration syntax plus a "d" day suffix ("7d", "1d12h").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return FormatDuration(time.Duration(d)), nil
}

// ParseDuration parses "<n>d" prefixes then defers to time.ParseDuration.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	var days time.Duration
	if i := strings.Index(s, "d"); i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, errors.Newf("invalid duration %q", s)
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[i+1:]
		if s == "" {
			return days, nil
		}
	}
	rest, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Newf("invalid duration %q", s)
	}
	return days + rest, nil
}

// FormatDuration renders whole days with the "d" suffix.
func FormatDuration(d time.Duration) string {
	day := 24 * time.Hour
	if d >= day && d%day == 0 {
		return fmt.Sprintf("%dd", d/day)
	}
	return d.String()
}

// JobThresholds returns the values handed to each cycle.
func (c *Config) JobThresholds() jobs.Thresholds {
	return jobs.Thresholds{
		ReminderAfter:    c.Thresholds.ReminderAfter.Std(),
		LateRemovalGrace: c.Thresholds.LateRemovalGrace.Std(),
		MaxListingAge:    c.Thresholds.MaxListingAge.Std(),
	}
}

// Location resolves trigger.timezone, defaulting to UTC.
func (c *Config) Location() (*time.Location, error) {
	if c.Trigger.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Trigger.Timezone)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Thresholds.ReminderAfter <= 0 {
		return errors.New("config.thresholds.reminder_after must be positive")
	}
	if c.Thresholds.HandoffGrace <= 0 {
		return errors.New("config.thresholds.handoff_grace must be positive")
	}
	if c.Thresholds.LateRemovalGrace < 0 {
		return errors.New("config.thresholds.late_removal_grace must not be negative")
	}
	if c.Thresholds.MaxListingAge <= 0 {
		return errors.New("config.thresholds.max_listing_age must be positive")
	}
	if c.Executor.Concurrency < 1 {
		return errors.New("config.executor.concurrency must be at least 1")
	}
	if c.Executor.TargetTimeout <= 0 {
		return errors.New("config.executor.target_timeout must be positive")
	}
	if c.Trigger.Schedule != "" {
		if _, err := ParseSchedule(c.Trigger.Schedule); err != nil {
			return errors.Wrapf(err, "config.trigger.schedule %q", c.Trigger.Schedule)
		}
	}
	if _, err := c.Location(); err != nil {
		return errors.Wrapf(err, "config.trigger.timezone %q", c.Trigger.Timezone)
	}
	if c.Notifications.RatePerSecond < 0 {
		return errors.New("config.notifications.rate_per_second must not be negative")
	}
	if c.Notifications.RatePerSecond > 0 && c.Notifications.Burst < 1 {
		return errors.New("config.notifications.burst must be at least 1 when rate limiting")
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return errors.Newf("config.notifications.webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return errors.Newf("config.notifications.webhooks[%d].url must be http(s)", i)
		}
	}
	return nil
}

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a 5-field cron expression or a descriptor like "@daily".
func ParseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sharebook.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WithHint(errors.Newf("config %s not found", path), "run sbjobs init to write the default config")
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config when the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(DefaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config yaml")
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

// WriteDefault writes the default template unless a config already exists.
func WriteDefault(workspace string) (string, bool, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	if err := os.WriteFile(path, []byte(DefaultTemplate), 0o644); err != nil {
		return path, false, err
	}
	return path, true, nil
}

const DefaultTemplate = `thresholds:
  # owner is reminded to choose a hand-off date this long after a request
  reminder_after: 7d
  # hand-off due date = chosen date + grace
  handoff_grace: 5d
  # a late donation keeps its book listed this long after being flagged
  late_removal_grace: 3d
  max_listing_age: 60d

executor:
  concurrency: 4
  target_timeout: 30s

trigger:
  schedule: "@daily"
  timezone: UTC

notifications:
  outbox: true
  rate_per_second: 5
  burst: 10
  webhooks: []
`
