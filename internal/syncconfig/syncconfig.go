// Package syncconfig loads device agent settings and the pairing file.
//
// Settings layer defaults < ~/.config/callsync/config.yaml < CALLSYNC_* env.
// Pairing state lives next to it in auth.json, readable only by the owner.
package syncconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "yaml"
	authFile   = "auth.json"
	envPrefix  = "CALLSYNC"

	defaultServerURL = "http://localhost:8080"
)

// Settings is the merged agent configuration.
type Settings struct {
	ServerURL string `mapstructure:"server_url"`
	DataDir   string `mapstructure:"data_dir"`
	// DevicePhone is this device's own number, reported with each call.
	DevicePhone string `mapstructure:"device_phone"`

	Interval    time.Duration `mapstructure:"interval"`
	AutoSync    bool          `mapstructure:"auto_sync"`
	ChunkSize   int64         `mapstructure:"chunk_size"`
	Concurrency int           `mapstructure:"concurrency"`
	MaxAttempts int           `mapstructure:"max_attempts"`

	RecordingRoots    []string `mapstructure:"recording_roots"`
	WatchRecordings   bool     `mapstructure:"watch_recordings"`
	Compress          bool     `mapstructure:"compress"`
	Compressor        string   `mapstructure:"compressor"`
	DeleteAfterUpload bool     `mapstructure:"delete_after_upload"`

	// AllowMetered permits automatic cycles while the device reports a
	// metered connection.
	AllowMetered bool `mapstructure:"allow_metered"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	// Recording match tolerances. Set in config.yaml only; zero values keep
	// the locator's stock tiers.
	MatchExactTolerance time.Duration `mapstructure:"match_exact_tolerance"`
	MatchWindows        []MatchWindow `mapstructure:"match_windows"`
}

// MatchWindow is one fuzzy recording-match tier, narrowest first:
//
//	match_windows:
//	  - {time: 60s, duration: 5s}
//	  - {time: 10m, duration: 1m}
type MatchWindow struct {
	Time     time.Duration `mapstructure:"time"`
	Duration time.Duration `mapstructure:"duration"`
}

// Keys lists every setting `callsync config` accepts.
var Keys = []string{
	"server_url", "data_dir", "device_phone", "interval", "auto_sync", "chunk_size", "concurrency",
	"max_attempts", "recording_roots", "watch_recordings", "compress", "compressor",
	"delete_after_upload", "allow_metered", "log_level", "log_format", "log_file",
}

// ConfigDir returns ~/.config/callsync, creating it if necessary.
// CALLSYNC_CONFIG_DIR overrides the location.
func ConfigDir() (string, error) {
	dir := os.Getenv("CALLSYNC_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "callsync")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

func newViper(dir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(dir)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	home, _ := os.UserHomeDir()
	v.SetDefault("server_url", defaultServerURL)
	v.SetDefault("data_dir", filepath.Join(home, ".local", "share", "callsync"))
	v.SetDefault("device_phone", "")
	v.SetDefault("interval", 15*time.Minute)
	v.SetDefault("auto_sync", true)
	v.SetDefault("chunk_size", 1<<20)
	v.SetDefault("concurrency", 2)
	v.SetDefault("max_attempts", 5)
	v.SetDefault("recording_roots", []string{})
	v.SetDefault("watch_recordings", true)
	v.SetDefault("compress", false)
	v.SetDefault("compressor", "ffmpeg")
	v.SetDefault("delete_after_upload", false)
	v.SetDefault("allow_metered", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_file", "")
	return v
}

func readViper() (*viper.Viper, string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, "", err
	}
	v := newViper(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("read config: %w", err)
		}
	}
	return v, dir, nil
}

// Load returns the merged settings.
func Load() (*Settings, error) {
	v, _, err := readViper()
	if err != nil {
		return nil, err
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	s.ServerURL = strings.TrimRight(s.ServerURL, "/")
	return &s, nil
}

// Get returns the effective value of one setting as a string.
func Get(key string) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	v, _, err := readViper()
	if err != nil {
		return "", err
	}
	if key == "recording_roots" {
		return strings.Join(v.GetStringSlice(key), ","), nil
	}
	return v.GetString(key), nil
}

// Set stores one setting in config.yaml. Env overrides still win on Load.
func Set(key, value string) error {
	if !validKey(key) {
		return fmt.Errorf("unknown config key %q", key)
	}
	if key == "interval" {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("interval: %w", err)
		}
	}
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	// A file-only instance, so defaults and env values are not persisted.
	v := viper.New()
	v.SetConfigType(configType)
	path := filepath.Join(dir, configName+"."+configType)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}
	if key == "recording_roots" {
		v.Set(key, splitList(value))
	} else {
		v.Set(key, value)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func validKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Pairing is the device's binding to an employee, stored in auth.json.
type Pairing struct {
	ServerURL    string `json:"server_url"`
	OrgID        string `json:"org_id"`
	UserID       string `json:"user_id"`
	DeviceID     string `json:"device_id"`
	DeviceName   string `json:"device_name,omitempty"`
	EmployeeName string `json:"employee_name,omitempty"`
	PairedAt     string `json:"paired_at,omitempty"`
}

// Paired reports whether the pairing names an employee.
func (p *Pairing) Paired() bool {
	return p != nil && p.OrgID != "" && p.UserID != "" && p.DeviceID != ""
}

// LoadAuth reads auth.json. A missing file returns nil, nil.
func LoadAuth() (*Pairing, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, authFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var p Pairing
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", authFile, err)
	}
	return &p, nil
}

// SaveAuth writes auth.json with 0600 permissions.
func SaveAuth(p *Pairing) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, authFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// ClearAuth removes the pairing but keeps the device id, so re-pairing
// presents the same device to the server.
func ClearAuth() error {
	p, err := LoadAuth()
	if err != nil || p == nil {
		return err
	}
	return SaveAuth(&Pairing{DeviceID: p.DeviceID})
}

// DeviceID returns the persisted device id, generating and saving one on
// first use.
func DeviceID() (string, error) {
	p, err := LoadAuth()
	if err != nil {
		return "", err
	}
	if p != nil && p.DeviceID != "" {
		return p.DeviceID, nil
	}
	if p == nil {
		p = &Pairing{}
	}
	p.DeviceID = uuid.NewString()
	if err := SaveAuth(p); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	return p.DeviceID, nil
}

// AutoSyncEnabled reports whether local edits trigger an immediate sync.
func AutoSyncEnabled() bool {
	s, err := Load()
	if err != nil {
		return true
	}
	return s.AutoSync
}
