package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models delaycatcher.yml.
type Config struct {
	Upstream struct {
		BaseURL          string `yaml:"base_url"`
		Project          string `yaml:"project"`
		Workspace        string `yaml:"workspace"`
		DelayCountField  string `yaml:"delay_count_field"`
		DelayReasonField string `yaml:"delay_reason_field"`
		TimeoutSeconds   int    `yaml:"timeout_seconds"`
	} `yaml:"upstream"`
	Sink struct {
		URL            string `yaml:"url"`
		Secret         string `yaml:"secret"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"sink"`
	Policy struct {
		AutofillReason string `yaml:"autofill_reason"`
	} `yaml:"policy"`
	Poll struct {
		IntervalSeconds    int `yaml:"interval_seconds"`
		EventTimeoutSecond int `yaml:"event_timeout_seconds"`
	} `yaml:"poll"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dc config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Upstream.Project == "" {
		return fmt.Errorf("config.upstream.project is required")
	}
	if c.Upstream.DelayCountField == "" {
		return fmt.Errorf("config.upstream.delay_count_field is required")
	}
	if c.Upstream.DelayReasonField == "" {
		return fmt.Errorf("config.upstream.delay_reason_field is required")
	}
	if c.Upstream.DelayCountField == c.Upstream.DelayReasonField {
		return fmt.Errorf("delay count and delay reason fields must differ")
	}
	if c.Policy.AutofillReason == "" {
		return fmt.Errorf("config.policy.autofill_reason is required")
	}
	if c.Poll.IntervalSeconds < 0 {
		return fmt.Errorf("config.poll.interval_seconds must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "delaycatcher.yml")
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(projectID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

const defaultTemplate = `upstream:
  base_url: https://app.asana.com/api/1.0
  project: "%s"
  workspace: ""
  delay_count_field: Delay Count
  delay_reason_field: Delay Reason
  timeout_seconds: 20

sink:
  url: ""
  secret: ""
  timeout_seconds: 10

policy:
  autofill_reason: Awaiting identify

poll:
  interval_seconds: 300
  event_timeout_seconds: 30
`
