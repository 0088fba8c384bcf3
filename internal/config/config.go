package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Removal   RemovalConfig   `json:"removal" yaml:"removal"`
	Defaults  CommunityConfig `json:"community_defaults" yaml:"community_defaults"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	LiveStats LiveStatsConfig `json:"live_stats" yaml:"live_stats"`
}

type IngestConfig struct {
	ChannelBuffer int         `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig  `json:"rest" yaml:"rest"`
	Kafka         KafkaConfig `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type EngineConfig struct {
	Workers           int           `json:"workers" yaml:"workers"`
	VerifyTimeout     time.Duration `json:"verify_timeout" yaml:"verify_timeout"`
	StatsWindow       time.Duration `json:"stats_window" yaml:"stats_window"`
	WelcomeOnVerified bool          `json:"welcome_on_verified" yaml:"welcome_on_verified"`
}

type RemovalConfig struct {
	BatchSize      int           `json:"batch_size" yaml:"batch_size"`
	BatchParallel  int           `json:"batch_parallel" yaml:"batch_parallel"`
	InterBatchWait time.Duration `json:"inter_batch_wait" yaml:"inter_batch_wait"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type NotifyConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type LiveStatsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

// CommunityConfig is the per-community protection profile. One row per
// protected community lives in storage; Defaults in the file config seeds
// newly protected communities.
type CommunityConfig struct {
	CommunityID      int64              `json:"community_id" yaml:"community_id"`
	Title            string             `json:"title" yaml:"title"`
	Threshold        int                `json:"threshold" yaml:"threshold"`
	WindowSeconds    int                `json:"window_seconds" yaml:"window_seconds"`
	ProtectPremium   bool               `json:"protect_premium" yaml:"protect_premium"`
	MitigationActive bool               `json:"mitigation_active" yaml:"mitigation_active"`
	VerifyEnabled    bool               `json:"verify_enabled" yaml:"verify_enabled"`
	ScoringEnabled   bool               `json:"scoring_enabled" yaml:"scoring_enabled"`
	ScoringThreshold int                `json:"scoring_threshold" yaml:"scoring_threshold"`
	Weights          Weights            `json:"weights" yaml:"weights"`
	LangDistribution map[string]float64 `json:"lang_distribution" yaml:"lang_distribution"`
	AutoAdjust       bool               `json:"auto_adjust" yaml:"auto_adjust"`
	WelcomeMessage   string             `json:"welcome_message,omitempty" yaml:"welcome_message"`
}

// Weights are the additive risk-model terms. Negative values lower risk.
type Weights struct {
	PremiumBonus       int `json:"premium_bonus" yaml:"premium_bonus"`
	MaxLangRisk        int `json:"max_lang_risk" yaml:"max_lang_risk"`
	NoLangRisk         int `json:"no_lang_risk" yaml:"no_lang_risk"`
	MaxIDRisk          int `json:"max_id_risk" yaml:"max_id_risk"`
	NoAvatarRisk       int `json:"no_avatar_risk" yaml:"no_avatar_risk"`
	OneAvatarRisk      int `json:"one_avatar_risk" yaml:"one_avatar_risk"`
	NoUsernameRisk     int `json:"no_username_risk" yaml:"no_username_risk"`
	RandomUsernameRisk int `json:"random_username_risk" yaml:"random_username_risk"`
	WeirdNameRisk      int `json:"weird_name_risk" yaml:"weird_name_risk"`
	ExoticScriptRisk   int `json:"exotic_script_risk" yaml:"exotic_script_risk"`
	SpecialCharsRisk   int `json:"special_chars_risk" yaml:"special_chars_risk"`
	RepeatingCharsRisk int `json:"repeating_chars_risk" yaml:"repeating_chars_risk"`
}

// Ceilings for the auto-tuned weights. Increases beyond these are clamped
// both at load time and by the tuner.
const (
	NoUsernameRiskMax   = 30
	ExoticScriptRiskMax = 40
	WeirdNameRiskMax    = 25
	NoAvatarRiskMax     = 30
	OneAvatarRiskMax    = 15
	NoLangRiskMax       = 25
	MaxIDRiskMax        = 30
)

func DefaultWeights() Weights {
	return Weights{
		PremiumBonus:       -20,
		MaxLangRisk:        25,
		NoLangRisk:         15,
		MaxIDRisk:          20,
		NoAvatarRisk:       15,
		OneAvatarRisk:      5,
		NoUsernameRisk:     5,
		RandomUsernameRisk: 10,
		WeirdNameRisk:      10,
		ExoticScriptRisk:   25,
		SpecialCharsRisk:   15,
		RepeatingCharsRisk: 5,
	}
}

// Clamp caps the auto-tunable weights at their fixed ceilings.
func (w *Weights) Clamp() {
	w.NoUsernameRisk = capInt(w.NoUsernameRisk, NoUsernameRiskMax)
	w.ExoticScriptRisk = capInt(w.ExoticScriptRisk, ExoticScriptRiskMax)
	w.WeirdNameRisk = capInt(w.WeirdNameRisk, WeirdNameRiskMax)
	w.NoAvatarRisk = capInt(w.NoAvatarRisk, NoAvatarRiskMax)
	w.OneAvatarRisk = capInt(w.OneAvatarRisk, OneAvatarRiskMax)
	w.NoLangRisk = capInt(w.NoLangRisk, NoLangRiskMax)
	w.MaxIDRisk = capInt(w.MaxIDRisk, MaxIDRiskMax)
}

func capInt(v, max int) int {
	if v > max {
		return max
	}
	return v
}

func DefaultCommunityConfig() CommunityConfig {
	return CommunityConfig{
		Threshold:        10,
		WindowSeconds:    60,
		ProtectPremium:   true,
		VerifyEnabled:    true,
		ScoringEnabled:   true,
		ScoringThreshold: 50,
		Weights:          DefaultWeights(),
		LangDistribution: map[string]float64{"ru": 0.8, "en": 0.2},
		AutoAdjust:       true,
	}
}

// Normalize fills invalid community settings with documented defaults so
// the scorer and detector never fail on configuration errors.
func (c *CommunityConfig) Normalize() {
	def := DefaultCommunityConfig()
	if c.Threshold < 1 {
		c.Threshold = def.Threshold
	}
	if c.WindowSeconds < 1 {
		c.WindowSeconds = def.WindowSeconds
	}
	if c.ScoringThreshold <= 0 {
		c.ScoringThreshold = def.ScoringThreshold
	}
	if len(c.LangDistribution) == 0 {
		c.LangDistribution = def.LangDistribution
	}
	if c.Weights == (Weights{}) {
		c.Weights = def.Weights
	}
	c.Weights.Clamp()
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Engine: EngineConfig{
			Workers:           4,
			VerifyTimeout:     60 * time.Second,
			StatsWindow:       7 * 24 * time.Hour,
			WelcomeOnVerified: true,
		},
		Removal: RemovalConfig{
			BatchSize:      50,
			BatchParallel:  10,
			InterBatchWait: time.Second,
		},
		Defaults:  DefaultCommunityConfig(),
		API:       APIConfig{Enabled: true, Addr: ":8081"},
		Storage:   StorageConfig{Driver: "sqlite", DSN: "file:joinguard.db?_pragma=busy_timeout(5000)"},
		Notify:    NotifyConfig{StoreLimit: 1000},
		LiveStats: LiveStatsConfig{StoreLimit: 5000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.VerifyTimeout <= 0 {
		cfg.Engine.VerifyTimeout = 60 * time.Second
	}
	if cfg.Engine.StatsWindow <= 0 {
		cfg.Engine.StatsWindow = 7 * 24 * time.Hour
	}
	if cfg.Removal.BatchSize <= 0 {
		cfg.Removal.BatchSize = 50
	}
	if cfg.Removal.BatchParallel <= 0 {
		cfg.Removal.BatchParallel = 10
	}
	if cfg.Removal.InterBatchWait <= 0 {
		cfg.Removal.InterBatchWait = time.Second
	}
	if cfg.Notify.StoreLimit <= 0 {
		cfg.Notify.StoreLimit = 1000
	}
	if cfg.LiveStats.StoreLimit <= 0 {
		cfg.LiveStats.StoreLimit = 5000
	}
	cfg.Defaults.Normalize()
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Storage.Driver == "" {
		return errors.New("storage.driver required")
	}
	if cfg.Defaults.Threshold < 1 {
		return fmt.Errorf("community_defaults.threshold must be >= 1, got %d", cfg.Defaults.Threshold)
	}
	if cfg.Defaults.WindowSeconds < 1 {
		return fmt.Errorf("community_defaults.window_seconds must be >= 1, got %d", cfg.Defaults.WindowSeconds)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Save(m.path, cfg); err != nil {
		return err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
