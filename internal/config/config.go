package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultProviderType      = "openai"
	DefaultGeminiBaseURL     = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultMaxTokens         = 600
	DefaultTemperature       = 0.7
	DefaultHistoryCap        = 10
	DefaultRequestTimeout    = 12
	DefaultReplyWaitTimeout  = 30
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 10000
	DefaultBufSize           = 100
	DefaultMaxConcurrent     = 8
	DefaultLaneIdleSec       = 300
	DefaultNotifyTimeout     = 4
	DefaultNotifyWorkers     = 2
	DefaultNotifyQueue       = 64
	DefaultKeepAliveSchedule = "0 */10 * * * *"
)

// DefaultModels is the fallback order tried against the provider when no
// explicit endpoint list is configured.
var DefaultModels = []string{"gemini-2.0-flash", "gemini-1.5-flash", "gemini-1.5-flash-8b"}

// DefaultSyntheticSenders are Telegram accounts that echo channel posts and
// anonymous admin messages into groups.
var DefaultSyntheticSenders = []string{"777000", "1087968824"}

type Config struct {
	Assistant AssistantConfig  `json:"assistant"`
	Provider  ProviderConfig   `json:"provider"`
	Endpoints []EndpointConfig `json:"endpoints,omitempty"`
	Channels  ChannelsConfig   `json:"channels"`
	Lead      LeadConfig       `json:"lead"`
	Notify    NotifyConfig     `json:"notify"`
	Gateway   GatewayConfig    `json:"gateway"`
	KeepAlive KeepAliveConfig  `json:"keepAlive"`
}

type AssistantConfig struct {
	PersonaPath      string   `json:"personaPath,omitempty"`
	MaxTokens        int      `json:"maxTokens"`
	Temperature      float64  `json:"temperature"`
	HistoryCap       int      `json:"historyCap"`
	RequestTimeout   int      `json:"requestTimeoutSec"`
	StickyEndpoint   bool     `json:"stickyEndpoint"`
	DiscoverModels   bool     `json:"discoverModels"`
	Qualification    bool     `json:"qualification"`
	ThoughtMarkers   []string `json:"thoughtMarkers,omitempty"`
	ReplyWaitTimeout int      `json:"replyWaitTimeoutSec"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "openai" (default, also Gemini's compatible API) or "anthropic"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// EndpointConfig names one model backend. Empty fields inherit from Provider.
type EndpointConfig struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
	Model   string `json:"model"`
	APIKey  string `json:"apiKey,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WebChat  WebChatConfig  `json:"webChat"`
}

type TelegramConfig struct {
	Enabled          bool     `json:"enabled"`
	Token            string   `json:"token"`
	AllowFrom        []string `json:"allowFrom"`
	Proxy            string   `json:"proxy,omitempty"`
	SyntheticSenders []string `json:"syntheticSenders,omitempty"`
}

type WebChatConfig struct {
	Enabled   bool     `json:"enabled"`
	AllowFrom []string `json:"allowFrom"`
	PublicURL string   `json:"publicUrl,omitempty"`
}

type LeadConfig struct {
	Pattern       string `json:"pattern,omitempty"`
	NotifyTimeout int    `json:"notifyTimeoutSec"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queueSize"`
}

type NotifyConfig struct {
	Telegram TelegramNotifyConfig `json:"telegram"`
	Twilio   TwilioNotifyConfig   `json:"twilio"`
}

// TelegramNotifyConfig reuses the channel bot token when Token is empty.
type TelegramNotifyConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  string `json:"chatId"`
}

type TwilioNotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	AccountSID string `json:"accountSid"`
	AuthToken  string `json:"authToken"`
	From       string `json:"from"`
	To         string `json:"to"`
}

type GatewayConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	MaxConcurrent int    `json:"maxConcurrent"`
	LaneIdleSec   int    `json:"laneIdleSec"`
}

type KeepAliveConfig struct {
	URL      string `json:"url,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Assistant: AssistantConfig{
			PersonaPath:      filepath.Join(ConfigDir(), "PERSONA.md"),
			MaxTokens:        DefaultMaxTokens,
			Temperature:      DefaultTemperature,
			HistoryCap:       DefaultHistoryCap,
			RequestTimeout:   DefaultRequestTimeout,
			StickyEndpoint:   true,
			Qualification:    true,
			ReplyWaitTimeout: DefaultReplyWaitTimeout,
		},
		Provider: ProviderConfig{
			Type:    DefaultProviderType,
			BaseURL: DefaultGeminiBaseURL,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				SyntheticSenders: append([]string(nil), DefaultSyntheticSenders...),
			},
			WebChat: WebChatConfig{Enabled: true},
		},
		Lead: LeadConfig{
			NotifyTimeout: DefaultNotifyTimeout,
			Workers:       DefaultNotifyWorkers,
			QueueSize:     DefaultNotifyQueue,
		},
		Gateway: GatewayConfig{
			Host:          DefaultHost,
			Port:          DefaultPort,
			MaxConcurrent: DefaultMaxConcurrent,
			LaneIdleSec:   DefaultLaneIdleSec,
		},
		KeepAlive: KeepAliveConfig{
			Schedule: DefaultKeepAliveSchedule,
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("LINABOT_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".linabot")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig reads the config file (if any), then applies .env and
// environment overrides and fills defaults for anything left empty.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Printf("[config] loaded .env")
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("LINABOT_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.BaseURL == DefaultGeminiBaseURL {
			cfg.Provider.BaseURL = ""
		}
	}
	if url := os.Getenv("LINABOT_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if typ := os.Getenv("LINABOT_PROVIDER"); typ != "" {
		cfg.Provider.Type = strings.ToLower(strings.TrimSpace(typ))
	}
	if models := os.Getenv("LINABOT_MODELS"); models != "" {
		cfg.Endpoints = nil
		for _, m := range splitList(models) {
			cfg.Endpoints = append(cfg.Endpoints, EndpointConfig{Name: m, Model: m})
		}
	}
	if path := os.Getenv("LINABOT_PERSONA"); path != "" {
		cfg.Assistant.PersonaPath = path
	}

	if token := firstEnv("LINABOT_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN", "TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
		cfg.Channels.Telegram.Enabled = true
	}
	if enabled := os.Getenv("LINABOT_WEBCHAT_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Channels.WebChat.Enabled = parsed
		}
	}

	if chatID := firstEnv("LINABOT_NOTIFY_CHAT_ID", "ADMIN_CHAT_ID"); chatID != "" {
		cfg.Notify.Telegram.ChatID = chatID
		cfg.Notify.Telegram.Enabled = true
	}
	if token := os.Getenv("LINABOT_NOTIFY_TOKEN"); token != "" {
		cfg.Notify.Telegram.Token = token
	}
	if sid := os.Getenv("TWILIO_ACCOUNT_SID"); sid != "" {
		cfg.Notify.Twilio.AccountSID = sid
	}
	if token := os.Getenv("TWILIO_AUTH_TOKEN"); token != "" {
		cfg.Notify.Twilio.AuthToken = token
	}
	if from := os.Getenv("TWILIO_FROM_NUMBER"); from != "" {
		cfg.Notify.Twilio.From = from
	}
	if to := os.Getenv("LINABOT_NOTIFY_TO"); to != "" {
		cfg.Notify.Twilio.To = to
	}
	if t := cfg.Notify.Twilio; t.AccountSID != "" && t.AuthToken != "" && t.From != "" && t.To != "" {
		cfg.Notify.Twilio.Enabled = true
	}

	if pattern := os.Getenv("LINABOT_LEAD_PATTERN"); pattern != "" {
		cfg.Lead.Pattern = pattern
	}

	if port := os.Getenv("PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		} else {
			log.Printf("[config] ignoring invalid PORT %q", port)
		}
	}
	if url := firstEnv("LINABOT_KEEPALIVE_URL", "RENDER_EXTERNAL_URL"); url != "" {
		cfg.KeepAlive.URL = url
		if cfg.Channels.WebChat.PublicURL == "" {
			cfg.Channels.WebChat.PublicURL = url
		}
	}
}

func applyDefaults(cfg *Config) {
	d := DefaultConfig()
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = DefaultProviderType
	}
	if cfg.Assistant.PersonaPath == "" {
		cfg.Assistant.PersonaPath = d.Assistant.PersonaPath
	}
	if cfg.Assistant.MaxTokens <= 0 {
		cfg.Assistant.MaxTokens = DefaultMaxTokens
	}
	if cfg.Assistant.HistoryCap <= 0 {
		cfg.Assistant.HistoryCap = DefaultHistoryCap
	}
	if cfg.Assistant.RequestTimeout <= 0 {
		cfg.Assistant.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Assistant.ReplyWaitTimeout <= 0 {
		cfg.Assistant.ReplyWaitTimeout = DefaultReplyWaitTimeout
	}
	if len(cfg.Channels.Telegram.SyntheticSenders) == 0 {
		cfg.Channels.Telegram.SyntheticSenders = append([]string(nil), DefaultSyntheticSenders...)
	}
	if cfg.Lead.NotifyTimeout <= 0 {
		cfg.Lead.NotifyTimeout = DefaultNotifyTimeout
	}
	if cfg.Lead.Workers <= 0 {
		cfg.Lead.Workers = DefaultNotifyWorkers
	}
	if cfg.Lead.QueueSize <= 0 {
		cfg.Lead.QueueSize = DefaultNotifyQueue
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = DefaultHost
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = DefaultPort
	}
	if cfg.Gateway.MaxConcurrent <= 0 {
		cfg.Gateway.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Gateway.LaneIdleSec <= 0 {
		cfg.Gateway.LaneIdleSec = DefaultLaneIdleSec
	}
	if cfg.KeepAlive.Schedule == "" {
		cfg.KeepAlive.Schedule = DefaultKeepAliveSchedule
	}
}

// ResolvedEndpoints returns the ordered endpoint list with provider values
// filled into empty fields. Without explicit endpoints the default model
// list is used against the provider.
func (c *Config) ResolvedEndpoints() []EndpointConfig {
	src := c.Endpoints
	if len(src) == 0 {
		for _, m := range DefaultModels {
			src = append(src, EndpointConfig{Name: m, Model: m})
		}
	}

	out := make([]EndpointConfig, 0, len(src))
	for _, ep := range src {
		if strings.TrimSpace(ep.Model) == "" {
			continue
		}
		if ep.Type == "" {
			ep.Type = c.Provider.Type
		}
		if ep.BaseURL == "" {
			ep.BaseURL = c.Provider.BaseURL
		}
		if ep.APIKey == "" {
			ep.APIKey = c.Provider.APIKey
		}
		if ep.Name == "" {
			ep.Name = ep.Model
		}
		out = append(out, ep)
	}
	return out
}

// NotifyToken is the bot token used for operator notifications.
func (c *Config) NotifyToken() string {
	if c.Notify.Telegram.Token != "" {
		return c.Notify.Telegram.Token
	}
	return c.Channels.Telegram.Token
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
