package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ledgerview/internal/domain"
)

// Config models ledgerview.yml.
type Config struct {
	Identity      string               `yaml:"identity"`
	VerifierTypes []VerifierTypeConfig `yaml:"verifier_types"`
	Notifications struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
	Source struct {
		Kafka KafkaConfig `yaml:"kafka"`
	} `yaml:"source"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

type VerifierTypeConfig struct {
	Address     string `yaml:"address"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type WebhookConfig struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	Topic          string   `yaml:"topic"`
	GroupID        string   `yaml:"group_id"`
	PollIntervalMS int      `yaml:"poll_interval_ms"`
	BatchSize      int      `yaml:"batch_size"`
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

func (k KafkaConfig) PollInterval() time.Duration {
	if k.PollIntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(k.PollIntervalMS) * time.Millisecond
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with lv config init --identity <address>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity) == "" {
		return fmt.Errorf("config.identity is required")
	}
	seenAddr := map[string]bool{}
	seenName := map[string]bool{}
	for i, vt := range c.VerifierTypes {
		if vt.Address == "" || vt.Name == "" {
			return fmt.Errorf("verifier_types[%d] needs address and name", i)
		}
		addr := strings.ToLower(vt.Address)
		if seenAddr[addr] {
			return fmt.Errorf("verifier type address %s listed twice", vt.Address)
		}
		if seenName[vt.Name] {
			return fmt.Errorf("verifier type name %q listed twice", vt.Name)
		}
		seenAddr[addr], seenName[vt.Name] = true, true
	}
	hookIDs := map[string]bool{}
	for i, hook := range c.Notifications.Webhooks {
		if hook.ID == "" {
			return fmt.Errorf("notifications.webhooks[%d].id is required", i)
		}
		if hookIDs[hook.ID] {
			return fmt.Errorf("webhook id %s listed twice", hook.ID)
		}
		hookIDs[hook.ID] = true
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook %s has invalid url %q", hook.ID, hook.URL)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %s timeout_seconds must not be negative", hook.ID)
		}
	}
	k := c.Source.Kafka
	if len(k.Brokers) > 0 && k.Topic == "" {
		return fmt.Errorf("source.kafka.topic is required when brokers are set")
	}
	if k.Topic != "" && k.GroupID == "" {
		return fmt.Errorf("source.kafka.group_id is required when a topic is set")
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	return nil
}

// IdentityAddress returns the configured local account.
func (c *Config) IdentityAddress() domain.Address {
	return domain.Address(strings.TrimSpace(c.Identity))
}

// DomainVerifierTypes converts the configured verifier types for the initial store load.
func (c *Config) DomainVerifierTypes() []domain.VerifierType {
	out := make([]domain.VerifierType, 0, len(c.VerifierTypes))
	for _, vt := range c.VerifierTypes {
		out = append(out, domain.VerifierType{Address: domain.Address(vt.Address), Name: vt.Name, Description: vt.Description})
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ledgerview.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(identity string) string {
	return fmt.Sprintf(defaultTemplate, identity)
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

// Default returns the default Config struct for an identity.
func Default(identity string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(identity))).Decode(&cfg)
	cfg.Identity = identity
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

// Marshal renders cfg back to YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `identity: "%s"

verifier_types:
  - address: "0x0000000000000000000000000000000000000a01"
    name: Location
    description: "Claimer was at the right place"
  - address: "0x0000000000000000000000000000000000000a02"
    name: Picture
    description: "Photo evidence reviewed by an approver"
  - address: "0x0000000000000000000000000000000000000a03"
    name: SelfApprove
    description: "Claimer approves their own claim"

notifications:
  webhooks: []

source:
  kafka:
    brokers: []
    topic: ""
    group_id: ledgerview
    poll_interval_ms: 500
    batch_size: 50

server:
  addr: "127.0.0.1:8780"
  base_path: /v0
`
