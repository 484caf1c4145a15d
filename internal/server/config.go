package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config holds the full process configuration.
type Config struct {
	mu sync.RWMutex

	// Scale device
	Scale ScaleConfig `yaml:"scale" json:"scale"`

	// Movement journal
	Journal JournalConfig `yaml:"journal" json:"journal"`

	// Invoice backend
	Invoicing InvoicingConfig `yaml:"invoicing" json:"invoicing"`

	// HTTP server
	Server ServerConfig `yaml:"server" json:"server"`

	Debug bool `yaml:"debug" json:"debug"`

	path string // file path for save/load
}

type ScaleConfig struct {
	PortPath    string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyScale
	Demo        bool   `yaml:"demo" json:"demo"`
	SettingsDir string `yaml:"settings_dir" json:"settingsDir"` // persisted serial settings
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir"`
}

type InvoicingConfig struct {
	// BaseURL of the invoice backend; empty means record invoices in-process.
	BaseURL string `yaml:"base_url" json:"baseUrl"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Scale: ScaleConfig{
			PortPath:    "/dev/ttyScale",
			Demo:        false,
			SettingsDir: "/var/lib/mandiscale/settings",
		},
		Journal: JournalConfig{
			Enabled: true,
			Dir:     "/var/lib/mandiscale/journal",
		},
		Invoicing: InvoicingConfig{
			BaseURL: "",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("config parse failed, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("config loaded", zap.String("path", path))
	}

	// Load .env from the config directory, then CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Real environment variables take precedence over file entries.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: SCALE_PORT, SCALE_DEMO, SCALE_SETTINGS_DIR, JOURNAL_ENABLED,
// JOURNAL_DIR, INVOICING_URL, LISTEN_ADDR, DEBUG
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SCALE_PORT"); v != "" {
		c.Scale.PortPath = v
	}
	if v := os.Getenv("SCALE_DEMO"); v != "" {
		c.Scale.Demo = envBool(v)
	}
	if v := os.Getenv("SCALE_SETTINGS_DIR"); v != "" {
		c.Scale.SettingsDir = v
	}
	if v := os.Getenv("JOURNAL_ENABLED"); v != "" {
		c.Journal.Enabled = envBool(v)
	}
	if v := os.Getenv("JOURNAL_DIR"); v != "" {
		c.Journal.Dir = v
	}
	if v := os.Getenv("INVOICING_URL"); v != "" {
		c.Invoicing.BaseURL = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		c.Debug = envBool(v)
	}
}

func envBool(v string) bool {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v == "yes"
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/mandiscale/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
