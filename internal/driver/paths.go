package driver

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"unicode"

	"gridvid/internal/model"
)

const maxOutputStem = 50

// SanitizeEmail turns an account email into a directory-safe name.
func SanitizeEmail(email string) string {
	r := strings.NewReplacer("@", "_", ".", "_")
	return r.Replace(strings.ToLower(strings.TrimSpace(email)))
}

// ProfileDir is the persistent browser profile of one account.
func ProfileDir(root, email string) string {
	return filepath.Join(root, SanitizeEmail(email))
}

// OutputName derives the artifact file name from the prompt and item index.
func OutputName(item model.WorkItem) string {
	text := item.Prompt
	if strings.TrimSpace(text) == "" && item.ImagePath != "" {
		base := filepath.Base(item.ImagePath)
		text = strings.TrimSuffix(base, filepath.Ext(base))
	}
	runes := []rune(text)
	if len(runes) > maxOutputStem {
		runes = runes[:maxOutputStem]
	}
	for i, r := range runes {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			runes[i] = '_'
		}
	}
	stem := string(runes)
	if stem == "" {
		stem = "video"
	}
	return stem + "_" + strconv.Itoa(item.Index) + ".mp4"
}

type ChromeReport struct {
	Found bool   `json:"found"`
	Path  string `json:"path,omitempty"`
}

// FindChrome looks for a Chrome executable: the configured path first, then
// PATH, then the platform's usual install locations.
func FindChrome(configured string) ChromeReport {
	if p := strings.TrimSpace(configured); p != "" {
		if isExecutableFile(p) {
			return ChromeReport{Found: true, Path: p}
		}
		return ChromeReport{}
	}
	for _, bin := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"} {
		if path, err := exec.LookPath(bin); err == nil {
			return ChromeReport{Found: true, Path: path}
		}
	}
	for _, p := range platformChromePaths() {
		if isExecutableFile(p) {
			return ChromeReport{Found: true, Path: p}
		}
	}
	return ChromeReport{}
}

func platformChromePaths() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		local := os.Getenv("LOCALAPPDATA")
		return []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			filepath.Join(local, `Google\Chrome\Application\chrome.exe`),
		}
	default:
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
		}
	}
}

func isExecutableFile(p string) bool {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}

// writeDataURL decodes a base64 data: URL into dir/name.
func writeDataURL(dir, name, dataURL string) (string, error) {
	comma := strings.IndexByte(dataURL, ',')
	if !strings.HasPrefix(dataURL, "data:") || comma < 0 {
		return "", fmt.Errorf("unexpected download payload")
	}
	if !strings.HasSuffix(dataURL[:comma], ";base64") {
		return "", fmt.Errorf("download payload is not base64")
	}
	body, err := base64.StdEncoding.DecodeString(dataURL[comma+1:])
	if err != nil {
		return "", fmt.Errorf("decode download: %w", err)
	}
	return writeArtifact(dir, name, body)
}

func writeArtifact(dir, name string, body []byte) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("download is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
