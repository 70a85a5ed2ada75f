package settings

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the process environment. Persisted operator preferences live in
// Settings instead.
type Config struct {
	DataDir       string `env:"GRIDVID_DATA_DIR" envDefault:".gridvid"`
	DBPath        string `env:"GRIDVID_DB_PATH"`
	SecretKey     string `env:"GRIDVID_SECRET_KEY"`
	SettingsPath  string `env:"GRIDVID_SETTINGS_PATH" envDefault:"config/gridvid.json"`
	RunsDir       string `env:"GRIDVID_RUNS_DIR" envDefault:"runs"`
	ProfilesDir   string `env:"GRIDVID_PROFILES_DIR"`
	ChromePath    string `env:"GRIDVID_CHROME_PATH"`
	RedisAddr     string `env:"GRIDVID_REDIS_ADDR"`
	RedisPassword string `env:"GRIDVID_REDIS_PASSWORD"`
	RedisStream   string `env:"GRIDVID_REDIS_STREAM" envDefault:"gridvid:events"`
	APIAddr       string `env:"GRIDVID_API_ADDR" envDefault:"127.0.0.1:8088"`
	LogLevel      string `env:"GRIDVID_LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"GRIDVID_LOG_FORMAT" envDefault:"console"`
}

func LoadConfig() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = ".gridvid"
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = filepath.Join(c.DataDir, "accounts.db")
	}
	if strings.TrimSpace(c.ProfilesDir) == "" {
		c.ProfilesDir = filepath.Join(c.DataDir, "profiles")
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
		c.LogFormat = strings.ToLower(c.LogFormat)
	default:
		return Config{}, fmt.Errorf("invalid GRIDVID_LOG_FORMAT %q (expected console or json)", c.LogFormat)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return Config{}, fmt.Errorf("invalid GRIDVID_LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return c, nil
}

// NewLogger builds the process logger. It writes to stderr so stdout stays
// free for command output.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if c.LogFormat == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.DisableStacktrace = true
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
