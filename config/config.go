package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"nebulasend/crypto"
	"nebulasend/network"
	"nebulasend/transfer"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "nebulasend"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "NEBULA_DATA_DIR"
	// DefaultListeningPort is the port used in fixed mode when none is configured.
	DefaultListeningPort = 9999
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	TransportTCP       = network.TransportTCP
	TransportWebSocket = network.TransportWebSocket
	// DefaultConsentTimeoutSeconds bounds how long an offer waits for the receiving user.
	DefaultConsentTimeoutSeconds = 120
	// DefaultLogLevel is used when none is configured.
	DefaultLogLevel = "info"
	// ReceivedDirName holds exported files by default.
	ReceivedDirName = "received"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	PortMode      string `json:"port_mode"`
	ListeningPort int    `json:"listening_port"`
	Transport     string `json:"transport"`
	ChunkSize     int    `json:"chunk_size"`
	// SharedSecret enables chunk encryption when non-empty. Both peers need the same value.
	SharedSecret string `json:"shared_secret"`
	CipherSuite  string `json:"cipher_suite"`
	// ConsentTimeoutSeconds of zero waits for the receiving user indefinitely.
	ConsentTimeoutSeconds int    `json:"consent_timeout_seconds"`
	AckWindow             int    `json:"ack_window"`
	DisableDiscovery      bool   `json:"disable_discovery"`
	LogLevel              string `json:"log_level"`
}

// ListenAddress returns the bind address for the configured port mode.
func (c *DeviceConfig) ListenAddress() string {
	if c.PortMode == PortModeAutomatic {
		return ":0"
	}
	return ":" + strconv.Itoa(c.ListeningPort)
}

// ConsentTimeout returns the receiver prompt bound as a duration.
func (c *DeviceConfig) ConsentTimeout() time.Duration {
	return time.Duration(c.ConsentTimeoutSeconds) * time.Second
}

// Cipher builds the chunk cipher, or nil when no shared secret is configured.
func (c *DeviceConfig) Cipher() (*crypto.ChunkCipher, error) {
	if c.SharedSecret == "" {
		return nil, nil
	}
	return crypto.NewChunkCipher(c.SharedSecret, c.CipherSuite)
}

// Validate checks value ranges.
func (c *DeviceConfig) Validate() error {
	if c.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if normalizePortMode(c.PortMode) == "" {
		return fmt.Errorf("invalid port_mode %q", c.PortMode)
	}
	if c.ListeningPort < 0 || c.ListeningPort > 65535 {
		return fmt.Errorf("listening_port out of range: %d", c.ListeningPort)
	}
	switch c.Transport {
	case TransportTCP, TransportWebSocket:
	default:
		return fmt.Errorf("invalid transport %q", c.Transport)
	}
	if c.ChunkSize <= 0 || c.ChunkSize > transfer.MaxChunkSize {
		return fmt.Errorf("chunk_size must be in (0, %d], got %d", transfer.MaxChunkSize, c.ChunkSize)
	}
	switch c.CipherSuite {
	case crypto.SuiteAESGCM, crypto.SuiteChaCha20Poly1305:
	default:
		return fmt.Errorf("invalid cipher_suite %q", c.CipherSuite)
	}
	if c.ConsentTimeoutSeconds < 0 {
		return fmt.Errorf("consent_timeout_seconds must be >= 0, got %d", c.ConsentTimeoutSeconds)
	}
	if c.AckWindow < 0 {
		return fmt.Errorf("ack_window must be >= 0, got %d", c.AckWindow)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	return nil
}

// ResolveDataDir returns NEBULA_DATA_DIR when set, otherwise nebulasend under the
// user's config directory (XDG_CONFIG_HOME, Application Support or AppData).
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}
	return filepath.Join(base, AppDirectoryName), nil
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, ReceivedDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist under dataDir, then returns both.
// An empty dataDir resolves the default location.
func LoadOrCreate(dataDir string) (*DeviceConfig, string, error) {
	if dataDir == "" {
		resolved, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = resolved
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Nebula Device"
}

func defaultConfig() *DeviceConfig {
	return &DeviceConfig{
		DeviceID:              uuid.NewString(),
		DeviceName:            defaultDeviceName(),
		PortMode:              PortModeFixed,
		ListeningPort:         DefaultListeningPort,
		Transport:             TransportTCP,
		ChunkSize:             transfer.DefaultChunkSize,
		CipherSuite:           crypto.SuiteAESGCM,
		ConsentTimeoutSeconds: DefaultConsentTimeoutSeconds,
		LogLevel:              DefaultLogLevel,
	}
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.Transport == "" {
		cfg.Transport = TransportTCP
		updated = true
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = transfer.DefaultChunkSize
		updated = true
	}
	if cfg.CipherSuite == "" {
		cfg.CipherSuite = crypto.SuiteAESGCM
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
