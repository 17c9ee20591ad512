// Package config loads and validates the application configuration.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"authflow/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Logger    LoggerConfig     `yaml:"logger"`
	Tracer    TracerConfig     `yaml:"tracer"`
	Browser   BrowserConfig    `yaml:"browser"`
	Proposer  ProposerConfig   `yaml:"proposer"`
	Remedy    RemedyConfig     `yaml:"remedy"`
	Flow      FlowConfig       `yaml:"flow"`
	Report    ReportConfig     `yaml:"report"`
	Schedule  ScheduleConfig   `yaml:"schedule"`
	Providers []ProviderConfig `yaml:"providers"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// BrowserConfig holds browser session settings.
type BrowserConfig struct {
	RemoteURL      string `yaml:"remote_url"` // CDP endpoint; empty launches local Chrome
	Headless       bool   `yaml:"headless"`
	Timeout        string `yaml:"timeout"` // per-action, duration string
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
}

// ProposerConfig holds vision model settings.
type ProposerConfig struct {
	Model             string         `yaml:"model"`
	APIKey            string         `yaml:"api_key"`
	BaseURL           string         `yaml:"base_url"`
	MaxTokens         int            `yaml:"max_tokens"`
	RequestsPerMinute float64        `yaml:"requests_per_minute"`
	RateBurst         int            `yaml:"rate_burst"`
	Breaker           BreakerConfig  `yaml:"breaker"`
	Memory            MemTurnsConfig `yaml:"memory"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	MaxFailures uint32 `yaml:"max_failures"`
	Timeout     string `yaml:"timeout"`
	Interval    string `yaml:"interval"`
}

// MemTurnsConfig bounds the proposer's conversation memory.
type MemTurnsConfig struct {
	MaxTurns  int `yaml:"max_turns"`
	MaxTokens int `yaml:"max_tokens"`
}

// RemedyConfig holds remediation settings.
type RemedyConfig struct {
	Enabled bool `yaml:"enabled"`
	// AutoFix applies proposed fixes without manual approval. Off by
	// default: it lets a model write files into the workspace.
	AutoFix      bool   `yaml:"auto_fix"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	WorkspaceDir string `yaml:"workspace_dir"`
	MaxTokens    int    `yaml:"max_tokens"`
}

// FlowConfig holds flow budgets shared by all providers.
type FlowConfig struct {
	MaxActionsPerPhase int    `yaml:"max_actions_per_phase"`
	MaxRetries         int    `yaml:"max_retries"`
	MaxRestarts        int    `yaml:"max_restarts"`
	MinAuthActions     int    `yaml:"min_auth_actions"`
	CaptureRetryDelay  string `yaml:"capture_retry_delay"`
}

// ReportConfig holds result persistence settings.
type ReportConfig struct {
	DBPath string `yaml:"db_path"`
}

// ScheduleConfig holds recurring monitoring settings.
type ScheduleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`        // cron expression or duration
	Timeout string `yaml:"run_timeout"` // per-batch, duration string
}

// ProviderConfig defines one provider's flow under test.
type ProviderConfig struct {
	Name           string            `yaml:"name"`
	StartURL       string            `yaml:"start_url"`
	HomeDomain     string            `yaml:"home_domain"`
	ProviderDomain string            `yaml:"provider_domain"`
	Credentials    CredentialsConfig `yaml:"credentials"`
	// Optional per-provider URL policy overrides.
	BlockerMarkers    []string      `yaml:"blocker_markers,omitempty"`
	AuthedPaths       []string      `yaml:"authed_paths,omitempty"`
	SigninPaths       []string      `yaml:"signin_paths,omitempty"`
	VerificationPaths []string      `yaml:"verification_paths,omitempty"`
	Phases            []PhaseConfig `yaml:"phases,omitempty"`
}

// CredentialsConfig holds a disposable test account. The password may carry
// the "enc:" prefix; see DecryptValue.
type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PhaseConfig defines one phase of a provider's flow.
type PhaseConfig struct {
	Name        string `yaml:"name"`
	MinActions  int    `yaml:"min_actions,omitempty"`
	SettleDelay string `yaml:"settle_delay,omitempty"`
}

// Defaults returns the baseline configuration.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Browser: BrowserConfig{
			Headless:       true,
			Timeout:        "30s",
			ViewportWidth:  1280,
			ViewportHeight: 720,
		},
		Proposer: ProposerConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 1024,
		},
		Remedy: RemedyConfig{
			Model: "claude-sonnet-4-20250514",
		},
		Flow: FlowConfig{
			MaxActionsPerPhase: 10,
			MaxRetries:         3,
			MaxRestarts:        2,
			MinAuthActions:     3,
			CaptureRetryDelay:  "2s",
		},
		Report: ReportConfig{
			DBPath: "authflow.db",
		},
		Schedule: ScheduleConfig{
			Cron:    "@hourly",
			Timeout: "30m",
		},
	}
}

// DefaultPhases is the standard OAuth progression used when a provider does
// not declare its own sequence.
func DefaultPhases() []PhaseConfig {
	return []PhaseConfig{
		{Name: string(domain.PhaseLanding), SettleDelay: "2s"},
		{Name: string(domain.PhaseProviderAuth), MinActions: 3, SettleDelay: "2s"},
		{Name: string(domain.PhaseCallback), SettleDelay: "3s"},
		{Name: string(domain.PhaseDashboard), SettleDelay: "1s"},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("AUTHFLOW_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	for i := range cfg.Providers {
		if len(cfg.Providers[i].Phases) == 0 {
			cfg.Providers[i].Phases = DefaultPhases()
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides to cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTHFLOW_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AUTHFLOW_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AUTHFLOW_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AUTHFLOW_BROWSER_CDP_URL"); v != "" {
		cfg.Browser.RemoteURL = v
	}
	if v := os.Getenv("AUTHFLOW_BROWSER_HEADLESS"); v == "false" {
		cfg.Browser.Headless = false
	}
	if v := os.Getenv("AUTHFLOW_PROPOSER_API_KEY"); v != "" {
		cfg.Proposer.APIKey = v
	}
	if v := os.Getenv("AUTHFLOW_REMEDY_API_KEY"); v != "" {
		cfg.Remedy.APIKey = v
	}
	if v := os.Getenv("AUTHFLOW_REMEDY_AUTO_FIX"); v == "true" {
		cfg.Remedy.AutoFix = true
	}
	if v := os.Getenv("AUTHFLOW_REPORT_DB_PATH"); v != "" {
		cfg.Report.DBPath = v
	}
	if v := os.Getenv("AUTHFLOW_FLOW_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Flow.MaxRetries = n
		}
	}
}

// Duration parses a duration string, falling back to def on empty or
// invalid input.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// decryptSecrets decrypts all "enc:"-prefixed secret fields in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []*string{
		&cfg.Proposer.APIKey,
		&cfg.Remedy.APIKey,
	}
	for i := range cfg.Providers {
		secrets = append(secrets,
			&cfg.Providers[i].Credentials.Username,
			&cfg.Providers[i].Credentials.Password,
		)
	}

	for _, fp := range secrets {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return err
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a
// passphrase. Store the result with an "enc:" prefix.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value produced by
// EncryptValue (without the "enc:" prefix).
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions;
// it carries test credentials.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable).
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
