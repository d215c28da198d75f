// Package config handles MindFlora configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mindflora/mindflora/internal/logging"
)

// Provider identifiers used in the SMS fallback order
const (
	ProviderTwilio   = "twilio"
	ProviderTextBelt = "textbelt"
	ProviderGateway  = "email_gateway"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Server
	Server ServerConfig `json:"server" yaml:"server"`

	// Services
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	SMS      SMSConfig      `json:"sms" yaml:"sms"`
	Email    EmailConfig    `json:"email" yaml:"email"`
	Calendar CalendarConfig `json:"calendar" yaml:"calendar"`
	Quota    QuotaConfig    `json:"quota" yaml:"quota"`

	// Behaviour
	Timeouts     TimeoutConfig      `json:"timeouts" yaml:"timeouts"`
	Privacy      PrivacyConfig      `json:"privacy" yaml:"privacy"`
	Housekeeping HousekeepingConfig `json:"housekeeping" yaml:"housekeeping"`
	Logging      logging.Config     `json:"logging" yaml:"logging"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port int    `json:"port" yaml:"port"`
	Host string `json:"host" yaml:"host"`
}

// LLMConfig lists inference backends in the order they are tried
type LLMConfig struct {
	Providers []string        `json:"providers" yaml:"providers"`
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
}

// AnthropicConfig for Claude
type AnthropicConfig struct {
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model  string `json:"model" yaml:"model"`
}

// OpenAIConfig for OpenAI or any compatible endpoint
type OpenAIConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// SMSConfig configures the delivery fallback chain
type SMSConfig struct {
	Order    []string       `json:"order" yaml:"order"`
	Twilio   TwilioConfig   `json:"twilio" yaml:"twilio"`
	TextBelt TextBeltConfig `json:"textbelt" yaml:"textbelt"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
}

// TwilioConfig for the paid provider
type TwilioConfig struct {
	AccountSID    string  `json:"account_sid,omitempty" yaml:"account_sid,omitempty"`
	AuthToken     string  `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	FromNumber    string  `json:"from_number" yaml:"from_number"`
	BaseURL       string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"`
	Quota         int     `json:"quota" yaml:"quota"`
}

// TextBeltConfig for the free rate-limited provider
type TextBeltConfig struct {
	APIKey        string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	URL           string  `json:"url" yaml:"url"`
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"`
	DailyQuota    int     `json:"daily_quota" yaml:"daily_quota"`
}

// GatewayConfig for carrier email-to-SMS delivery
type GatewayConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	DefaultCarrier string `json:"default_carrier" yaml:"default_carrier"`
}

// EmailConfig selects the outbound mail backend
type EmailConfig struct {
	Backend        string     `json:"backend" yaml:"backend"` // smtp, gmail or empty
	SMTP           SMTPConfig `json:"smtp" yaml:"smtp"`
	GmailTokenFile string     `json:"gmail_token_file,omitempty" yaml:"gmail_token_file,omitempty"`
}

// SMTPConfig for the SMTP mailer
type SMTPConfig struct {
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	Password    string `json:"password,omitempty" yaml:"password,omitempty"`
	FromEmail   string `json:"from_email" yaml:"from_email"`
	FromName    string `json:"from_name" yaml:"from_name"`
	UseTLS      bool   `json:"use_tls" yaml:"use_tls"`
	UseStartTLS bool   `json:"use_starttls" yaml:"use_starttls"`
}

// CalendarConfig for the Google Calendar provider
type CalendarConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	CalendarID   string `json:"calendar_id" yaml:"calendar_id"`
	TokenFile    string `json:"token_file,omitempty" yaml:"token_file,omitempty"`
	ClientID     string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
}

// QuotaConfig selects where provider quota counters live
type QuotaConfig struct {
	Backend       string   `json:"backend" yaml:"backend"` // memory, sqlite or redis
	Window        Duration `json:"window" yaml:"window"`
	RedisAddr     string   `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string   `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
}

// TimeoutConfig bounds every external call
type TimeoutConfig struct {
	Classifier Duration `json:"classifier" yaml:"classifier"`
	Handler    Duration `json:"handler" yaml:"handler"`
	Provider   Duration `json:"provider" yaml:"provider"`
}

// PrivacyConfig controls encryption of stored contact fields
type PrivacyConfig struct {
	ProfileSecret string `json:"profile_secret,omitempty" yaml:"profile_secret,omitempty"`
}

// HousekeepingConfig controls the daily pruning jobs
type HousekeepingConfig struct {
	At                    string   `json:"at" yaml:"at"` // local time, "HH:MM"
	Timezone              string   `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	NotificationRetention Duration `json:"notification_retention" yaml:"notification_retention"`
	DeliveryRetention     Duration `json:"delivery_retention" yaml:"delivery_retention"`
}

// Duration is a time.Duration that reads and writes as "30s"
type Duration time.Duration

// Std returns the standard library value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".mindflora"),
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		LLM: LLMConfig{
			Providers: []string{"anthropic", "openai"},
			Anthropic: AnthropicConfig{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
				Model:  "claude-sonnet-4-20250514",
			},
			OpenAI: OpenAIConfig{
				APIKey: os.Getenv("OPENAI_API_KEY"),
				Model:  "gpt-4o-mini",
			},
		},
		SMS: SMSConfig{
			Order: []string{ProviderTwilio, ProviderTextBelt, ProviderGateway},
			Twilio: TwilioConfig{
				BaseURL:       "https://api.twilio.com",
				RatePerSecond: 1,
			},
			TextBelt: TextBeltConfig{
				URL:           "https://textbelt.com/text",
				RatePerSecond: 0.2,
				DailyQuota:    1,
			},
			Gateway: GatewayConfig{
				Enabled:        true,
				DefaultCarrier: "verizon",
			},
		},
		Email: EmailConfig{
			SMTP: SMTPConfig{
				Port:        587,
				FromName:    "MindFlora",
				UseStartTLS: true,
			},
		},
		Calendar: CalendarConfig{
			CalendarID: "primary",
		},
		Quota: QuotaConfig{
			Backend: "sqlite",
			Window:  Duration(24 * time.Hour),
		},
		Timeouts: TimeoutConfig{
			Classifier: Duration(8 * time.Second),
			Handler:    Duration(40 * time.Second),
			Provider:   Duration(10 * time.Second),
		},
		Housekeeping: HousekeepingConfig{
			At:                    "03:30",
			NotificationRetention: Duration(30 * 24 * time.Hour),
			DeliveryRetention:     Duration(90 * 24 * time.Hour),
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads config from file, falling back to defaults. Files ending in
// .yaml or .yml are read as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil // Use defaults
		}
		return nil, err
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// applyEnv lets secrets come from the environment instead of the file
func (c *Config) applyEnv() {
	setString(&c.LLM.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setString(&c.LLM.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.LLM.OpenAI.BaseURL, "OPENAI_BASE_URL")

	setString(&c.SMS.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	setString(&c.SMS.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	setString(&c.SMS.Twilio.FromNumber, "TWILIO_PHONE_NUMBER")
	setString(&c.SMS.TextBelt.APIKey, "TEXTBELT_API_KEY")

	setString(&c.Email.SMTP.Host, "SMTP_HOST")
	setString(&c.Email.SMTP.Username, "SMTP_USERNAME")
	setString(&c.Email.SMTP.Password, "SMTP_PASSWORD")
	setString(&c.Email.SMTP.FromEmail, "SMTP_FROM_EMAIL")
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Email.SMTP.Port = p
		}
	}
	if c.Email.Backend == "" && c.Email.SMTP.Host != "" {
		c.Email.Backend = "smtp"
	}

	setString(&c.Calendar.ClientID, "GOOGLE_CLIENT_ID")
	setString(&c.Calendar.ClientSecret, "GOOGLE_CLIENT_SECRET")

	setString(&c.Quota.RedisAddr, "MINDFLORA_REDIS_ADDR")
	setString(&c.Quota.RedisPassword, "MINDFLORA_REDIS_PASSWORD")
	setString(&c.Privacy.ProfileSecret, "MINDFLORA_PROFILE_SECRET")
	setString(&c.Logging.Level, "MINDFLORA_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	switch c.Quota.Backend {
	case "memory", "sqlite":
	case "redis":
		if c.Quota.RedisAddr == "" {
			return fmt.Errorf("quota.backend redis requires quota.redis_addr")
		}
	default:
		return fmt.Errorf("unknown quota.backend %q", c.Quota.Backend)
	}
	if c.Quota.Window <= 0 {
		return fmt.Errorf("quota.window must be positive")
	}

	seen := make(map[string]bool)
	for _, id := range c.SMS.Order {
		switch id {
		case ProviderTwilio, ProviderTextBelt, ProviderGateway:
		default:
			return fmt.Errorf("unknown sms provider %q", id)
		}
		if seen[id] {
			return fmt.Errorf("sms provider %q listed twice", id)
		}
		seen[id] = true
	}

	for _, p := range c.LLM.Providers {
		if p != "anthropic" && p != "openai" {
			return fmt.Errorf("unknown llm provider %q", p)
		}
	}

	switch c.Email.Backend {
	case "", "smtp", "gmail":
	default:
		return fmt.Errorf("unknown email.backend %q", c.Email.Backend)
	}

	// an SMS handler must outlive a walk through every provider
	if c.Timeouts.Provider <= 0 {
		return fmt.Errorf("timeouts.provider must be positive")
	}
	if budget := Duration(len(c.SMS.Order)) * c.Timeouts.Provider; c.Timeouts.Handler <= budget {
		return fmt.Errorf("timeouts.handler (%s) must exceed %d providers x timeouts.provider (%s)",
			c.Timeouts.Handler.Std(), len(c.SMS.Order), c.Timeouts.Provider.Std())
	}

	if _, err := time.Parse("15:04", c.Housekeeping.At); err != nil {
		return fmt.Errorf("housekeeping.at must be HH:MM: %q", c.Housekeeping.At)
	}
	if c.Housekeeping.NotificationRetention <= 0 || c.Housekeeping.DeliveryRetention <= 0 {
		return fmt.Errorf("housekeeping retention must be positive")
	}
	return nil
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Secrets stay in the environment
	safeCfg := *c
	safeCfg.LLM.Anthropic.APIKey = ""
	safeCfg.LLM.OpenAI.APIKey = ""
	safeCfg.SMS.Twilio.AuthToken = ""
	safeCfg.SMS.TextBelt.APIKey = ""
	safeCfg.Email.SMTP.Password = ""
	safeCfg.Calendar.ClientSecret = ""
	safeCfg.Quota.RedisPassword = ""
	safeCfg.Privacy.ProfileSecret = ""

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(safeCfg)
	} else {
		data, err = json.MarshalIndent(safeCfg, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// DBPath returns the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "mindflora.db")
}

// CalendarTokenPath returns where the Google Calendar token is kept.
func (c *Config) CalendarTokenPath() string {
	if c.Calendar.TokenFile != "" {
		return c.Calendar.TokenFile
	}
	return filepath.Join(c.DataDir, "calendar_token.json")
}

// GmailTokenPath returns where the Gmail token is kept.
func (c *Config) GmailTokenPath() string {
	if c.Email.GmailTokenFile != "" {
		return c.Email.GmailTokenFile
	}
	return filepath.Join(c.DataDir, "gmail_token.json")
}
