package settings

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gridvid/internal/driver"
	"gridvid/internal/runstore"
	"gridvid/internal/scheduler"
)

const (
	DefaultSettingsPath         = "config/gridvid.json"
	DefaultDownloadDir          = "downloads"
	DefaultMaxConcurrency       = scheduler.DefaultConcurrency
	DefaultGenerationTimeoutSec = 80
	DefaultForceCloseTimeoutSec = 10
	settingsSchemaVersion       = 1
)

// Settings are the operator preferences persisted between runs.
type Settings struct {
	SchemaVersion  int    `json:"schema_version"`
	MaxConcurrency int    `json:"max_concurrency"`
	DownloadDir    string `json:"download_dir"`
	RotationPolicy string `json:"rotation_policy"`
	// MaxItemAttempts of zero keeps the bound of the chosen policy preset.
	MaxItemAttempts      int    `json:"max_item_attempts,omitempty"`
	Driver               string `json:"driver"`
	Headless             bool   `json:"headless"`
	GenerationTimeoutSec int    `json:"generation_timeout_sec"`
	ForceCloseTimeoutSec int    `json:"force_close_timeout_sec"`
	UpdatedAt            string `json:"updated_at,omitempty"`
}

// Overrides come from command flags; zero values defer to the settings file.
type Overrides struct {
	Concurrency     int
	Policy          string
	MaxItemAttempts int
	Driver          string
	DownloadDir     string
	Headless        *bool
}

// Runtime is the resolved configuration a batch actually runs with.
type Runtime struct {
	Concurrency       int
	Policy            scheduler.Policy
	Driver            string
	DownloadDir       string
	Headless          bool
	GenerationTimeout time.Duration
	ForceCloseTimeout time.Duration
}

type UpdateResult struct {
	SettingsPath string   `json:"settings_path"`
	Settings     Settings `json:"settings"`
}

func Defaults() Settings {
	return Settings{
		SchemaVersion:        settingsSchemaVersion,
		MaxConcurrency:       DefaultMaxConcurrency,
		DownloadDir:          DefaultDownloadDir,
		RotationPolicy:       scheduler.PolicyRetryInPlace,
		Driver:               driver.NamePlaywright,
		GenerationTimeoutSec: DefaultGenerationTimeoutSec,
		ForceCloseTimeoutSec: DefaultForceCloseTimeoutSec,
	}
}

func normalize(raw Settings) Settings {
	norm := raw
	norm.SchemaVersion = settingsSchemaVersion
	if norm.MaxConcurrency <= 0 {
		norm.MaxConcurrency = DefaultMaxConcurrency
	}
	norm.DownloadDir = strings.TrimSpace(norm.DownloadDir)
	if norm.DownloadDir == "" {
		norm.DownloadDir = DefaultDownloadDir
	}
	norm.RotationPolicy = normalizePolicyName(norm.RotationPolicy)
	if norm.MaxItemAttempts < 0 {
		norm.MaxItemAttempts = 0
	}
	norm.Driver = normalizeDriverName(norm.Driver)
	if norm.GenerationTimeoutSec <= 0 {
		norm.GenerationTimeoutSec = DefaultGenerationTimeoutSec
	}
	if norm.ForceCloseTimeoutSec <= 0 {
		norm.ForceCloseTimeoutSec = DefaultForceCloseTimeoutSec
	}
	return norm
}

func normalizePolicyName(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	for _, name := range scheduler.PolicyNames() {
		if v == name {
			return name
		}
	}
	return scheduler.PolicyRetryInPlace
}

func normalizeDriverName(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	for _, name := range driver.Names() {
		if v == name {
			return name
		}
	}
	return driver.NamePlaywright
}

func normalizeSettingsPath(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return DefaultSettingsPath
	}
	return p
}

// Read returns the stored settings, or defaults when the file does not exist.
func Read(path string) (Settings, error) {
	var s Settings
	err := runstore.ReadJSON(normalizeSettingsPath(path), &s)
	if err == nil {
		return normalize(s), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	return Settings{}, err
}

// Ensure creates the settings file with defaults when it is missing.
func Ensure(path string) (Settings, bool, error) {
	path = normalizeSettingsPath(path)
	var s Settings
	err := runstore.ReadJSON(path, &s)
	if err == nil {
		return normalize(s), false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Settings{}, false, err
	}
	s = Defaults()
	s.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := runstore.WriteJSON(path, s); err != nil {
		return Settings{}, false, err
	}
	return s, true, nil
}

func Update(path string, s Settings) (UpdateResult, error) {
	path = normalizeSettingsPath(path)
	if _, _, err := Ensure(path); err != nil {
		return UpdateResult{}, err
	}
	s = normalize(s)
	s.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := runstore.WriteJSON(path, s); err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{SettingsPath: path, Settings: s}, nil
}

// Set changes one named setting from its string form.
func Set(s Settings, key, value string) (Settings, error) {
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "max_concurrency", "concurrency":
		n, err := parsePositive(key, value)
		if err != nil {
			return s, err
		}
		s.MaxConcurrency = n
	case "download_dir":
		if value == "" {
			return s, fmt.Errorf("download_dir cannot be empty")
		}
		s.DownloadDir = value
	case "rotation_policy", "policy":
		if _, err := scheduler.PolicyByName(value, 0); err != nil {
			return s, err
		}
		s.RotationPolicy = strings.ToLower(value)
	case "max_item_attempts":
		if value == "0" {
			s.MaxItemAttempts = 0
			break
		}
		n, err := parsePositive(key, value)
		if err != nil {
			return s, err
		}
		s.MaxItemAttempts = n
	case "driver":
		if _, err := driver.New(value, driver.Options{}); err != nil {
			return s, err
		}
		s.Driver = strings.ToLower(value)
	case "headless":
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			s.Headless = true
		case "false", "0", "no", "off":
			s.Headless = false
		default:
			return s, fmt.Errorf("invalid headless value %q (expected true or false)", value)
		}
	case "generation_timeout_sec":
		n, err := parsePositive(key, value)
		if err != nil {
			return s, err
		}
		s.GenerationTimeoutSec = n
	case "force_close_timeout_sec":
		n, err := parsePositive(key, value)
		if err != nil {
			return s, err
		}
		s.ForceCloseTimeoutSec = n
	default:
		return s, fmt.Errorf("unknown setting %q", key)
	}
	return s, nil
}

func parsePositive(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, value)
	}
	return n, nil
}

func ResolveRuntime(s Settings, o Overrides) (Runtime, error) {
	if o.Concurrency < 0 {
		return Runtime{}, fmt.Errorf("concurrency must be >= 0")
	}
	if o.MaxItemAttempts < 0 {
		return Runtime{}, fmt.Errorf("max item attempts must be >= 0")
	}
	norm := normalize(s)

	policyName := norm.RotationPolicy
	if strings.TrimSpace(o.Policy) != "" {
		policyName = o.Policy
	}
	attempts := firstPositive(o.MaxItemAttempts, norm.MaxItemAttempts)
	policy, err := scheduler.PolicyByName(policyName, attempts)
	if err != nil {
		return Runtime{}, err
	}

	drv := norm.Driver
	if strings.TrimSpace(o.Driver) != "" {
		drv = strings.ToLower(strings.TrimSpace(o.Driver))
		if normalizeDriverName(drv) != drv {
			return Runtime{}, fmt.Errorf("unknown driver %q (expected %s)", o.Driver, strings.Join(driver.Names(), " or "))
		}
	}

	downloadDir := norm.DownloadDir
	if v := strings.TrimSpace(o.DownloadDir); v != "" {
		downloadDir = v
	}
	headless := norm.Headless
	if o.Headless != nil {
		headless = *o.Headless
	}

	return Runtime{
		Concurrency:       firstPositive(o.Concurrency, norm.MaxConcurrency, DefaultMaxConcurrency),
		Policy:            policy,
		Driver:            drv,
		DownloadDir:       downloadDir,
		Headless:          headless,
		GenerationTimeout: time.Duration(norm.GenerationTimeoutSec) * time.Second,
		ForceCloseTimeout: time.Duration(norm.ForceCloseTimeoutSec) * time.Second,
	}, nil
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
