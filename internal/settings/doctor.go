package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gridvid/internal/accounts"
	"gridvid/internal/driver"
	"gridvid/internal/progress"
	"gridvid/internal/runstore"

	"go.uber.org/zap"
)

type DoctorResult struct {
	OK     bool          `json:"ok"`
	Checks []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Message  string `json:"message"`
	Optional bool   `json:"optional,omitempty"`
}

type InitWorkspaceResult struct {
	DataDir         string       `json:"data_dir"`
	RunsDir         string       `json:"runs_dir"`
	SettingsPath    string       `json:"settings_path"`
	CreatedRunsDir  bool         `json:"created_runs_dir"`
	CreatedSettings bool         `json:"created_settings"`
	DoctorResult    DoctorResult `json:"doctor"`
}

// Doctor checks everything a batch needs before it can start. Redis is only
// checked when an address is configured, and never fails the result.
func Doctor(ctx context.Context, cfg Config) (DoctorResult, error) {
	s, err := Read(cfg.SettingsPath)
	if err != nil {
		return DoctorResult{}, err
	}

	checks := make([]DoctorCheck, 0, 8)
	chrome := driver.FindChrome(cfg.ChromePath)
	checks = append(checks, DoctorCheck{
		Name:    "dependency:chrome",
		OK:      chrome.Found || s.Driver == driver.NamePlaywright,
		Message: chromeMessage(chrome, cfg.ChromePath, s.Driver),
	})

	for _, dir := range []struct{ name, path string }{
		{"directory:data", cfg.DataDir},
		{"directory:runs", cfg.RunsDir},
		{"directory:profiles", cfg.ProfilesDir},
		{"directory:downloads", s.DownloadDir},
		{"directory:config", filepath.Dir(normalizeSettingsPath(cfg.SettingsPath))},
	} {
		ok, msg := ensureWritableDir(dir.path)
		checks = append(checks, DoctorCheck{Name: dir.name, OK: ok, Message: msg})
	}

	secretOK := strings.TrimSpace(cfg.SecretKey) != ""
	secretMsg := "set"
	if !secretOK {
		secretMsg = "GRIDVID_SECRET_KEY is not set; account passwords cannot be stored or read"
	}
	checks = append(checks, DoctorCheck{Name: "config:secret_key", OK: secretOK, Message: secretMsg})

	dbOK, dbMsg := true, "opened "+cfg.DBPath
	if store, err := accounts.Open(cfg.DBPath, cfg.SecretKey); err != nil {
		dbOK, dbMsg = false, err.Error()
	} else {
		if list, err := store.GetAll(ctx); err != nil {
			dbOK, dbMsg = false, err.Error()
		} else {
			dbMsg += fmt.Sprintf(" (%d accounts)", len(list))
		}
		_ = store.Close()
	}
	checks = append(checks, DoctorCheck{Name: "database:accounts", OK: dbOK, Message: dbMsg})

	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		sink := progress.NewRedisSink(progress.RedisOptions{Addr: addr, Password: cfg.RedisPassword, Stream: cfg.RedisStream}, zap.NewNop())
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := sink.Ping(pingCtx)
		cancel()
		_ = sink.Close()
		msg := "reachable at " + addr
		if err != nil {
			msg = err.Error()
		}
		checks = append(checks, DoctorCheck{Name: "service:redis", OK: err == nil, Message: msg, Optional: true})
	}

	ok := true
	for _, c := range checks {
		if !c.OK && !c.Optional {
			ok = false
			break
		}
	}
	return DoctorResult{OK: ok, Checks: checks}, nil
}

func InitWorkspace(ctx context.Context, cfg Config) (InitWorkspaceResult, error) {
	createdRunsDir := false
	if _, err := os.Stat(cfg.RunsDir); os.IsNotExist(err) {
		createdRunsDir = true
	}
	for _, dir := range []string{cfg.DataDir, cfg.RunsDir, cfg.ProfilesDir} {
		if err := runstore.Mkdir(dir); err != nil {
			return InitWorkspaceResult{}, err
		}
	}
	_, createdSettings, err := Ensure(cfg.SettingsPath)
	if err != nil {
		return InitWorkspaceResult{}, err
	}

	doc, err := Doctor(ctx, cfg)
	if err != nil {
		return InitWorkspaceResult{}, err
	}
	return InitWorkspaceResult{
		DataDir:         cfg.DataDir,
		RunsDir:         cfg.RunsDir,
		SettingsPath:    normalizeSettingsPath(cfg.SettingsPath),
		CreatedRunsDir:  createdRunsDir,
		CreatedSettings: createdSettings,
		DoctorResult:    doc,
	}, nil
}

func chromeMessage(r driver.ChromeReport, configured, drv string) string {
	if r.Found {
		return "chrome found at " + r.Path
	}
	if strings.TrimSpace(configured) != "" {
		return "GRIDVID_CHROME_PATH " + configured + " is not an executable"
	}
	if drv == driver.NamePlaywright {
		return "chrome not found; playwright will use its bundled chromium"
	}
	return "chrome not found on PATH or in the usual install locations"
}

func ensureWritableDir(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "empty path"
	}
	if err := runstore.Mkdir(path); err != nil {
		return false, err.Error()
	}
	f, err := os.CreateTemp(path, "gridvid-check-*.tmp")
	if err != nil {
		return false, err.Error()
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true, "writable"
}
