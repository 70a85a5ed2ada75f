package driver

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gridvid/internal/model"
	"gridvid/internal/outcome"
)

func TestSanitizeEmail(t *testing.T) {
	if got := SanitizeEmail(" Jane.Doe@Example.com "); got != "jane_doe_example_com" {
		t.Fatalf("unexpected sanitized email %q", got)
	}
	if got := ProfileDir("/data/profiles", "a.b@gmail.com"); got != filepath.Join("/data/profiles", "a_b_gmail_com") {
		t.Fatalf("unexpected profile dir %q", got)
	}
}

func TestOutputName(t *testing.T) {
	cases := []struct {
		name string
		item model.WorkItem
		want string
	}{
		{"simple", model.WorkItem{Index: 3, Prompt: "a cat, surfing!"}, "a_cat__surfing__3.mp4"},
		{"truncated", model.WorkItem{Index: 1, Prompt: strings.Repeat("x", 80)}, strings.Repeat("x", 50) + "_1.mp4"},
		{"non ascii", model.WorkItem{Index: 2, Prompt: "café"}, "caf__2.mp4"},
		{"image fallback", model.WorkItem{Index: 7, Kind: model.KindImageToVideo, ImagePath: "/in/beach day.png"}, "beach_day_7.mp4"},
		{"empty", model.WorkItem{Index: 4}, "video_4.mp4"},
	}
	for _, tc := range cases {
		if got := OutputName(tc.item); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestSignInURLFor(t *testing.T) {
	sc := DefaultScript()
	if got := sc.SignInURLFor("someone@gmail.com"); got != sc.SignInURL {
		t.Fatalf("expected plain sign-in url for gmail, got %q", got)
	}
	if got := sc.SignInURLFor("ops@Studio.Example.org"); !strings.HasSuffix(got, "&hd=studio.example.org") {
		t.Fatalf("expected hosted domain hint, got %q", got)
	}
}

func TestSelectorsEmbedParams(t *testing.T) {
	sc := DefaultScript()
	if got := sc.DurationOptionXPath(6); !strings.Contains(got, "'6s'") {
		t.Fatalf("unexpected duration xpath %q", got)
	}
	if got := sc.AspectRatioXPath("9:16"); !strings.Contains(got, "='9:16'") {
		t.Fatalf("unexpected aspect xpath %q", got)
	}
}

func TestIsSignInURL(t *testing.T) {
	if !isSignInURL("https://accounts.google.com/v3/signin/identifier") {
		t.Fatal("expected accounts host to be sign-in")
	}
	if isSignInURL("https://aistudio.google.com/prompts/new_video") {
		t.Fatal("expected studio not to be sign-in")
	}
}

func TestWriteDataURL(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("not really an mp4")
	url := "data:video/mp4;base64," + base64.StdEncoding.EncodeToString(payload)

	path, err := writeDataURL(dir, "clip_1.mp4", url)
	if err != nil {
		t.Fatalf("write data url: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("unexpected artifact body %q", got)
	}

	if _, err := writeDataURL(dir, "x.mp4", "blob:https://aistudio.google.com/1234"); err == nil {
		t.Fatal("expected non data url to fail")
	}
	if _, err := writeDataURL(dir, "x.mp4", "data:video/mp4;base64,"); err == nil {
		t.Fatal("expected empty payload to fail")
	}
}

func TestProbeSignalClassifies(t *testing.T) {
	started := time.Now().Add(-2 * time.Second)
	p := probe{Text: "Failed to generate video", URL: "https://aistudio.google.com/prompts/new_video", Quota: "0/10 generations"}
	sig := p.signal(started, DefaultGenerationTimeout)
	if sig.Elapsed < 2*time.Second || sig.Budget != DefaultGenerationTimeout {
		t.Fatalf("unexpected timing: %+v", sig)
	}
	if got := outcome.Classify(sig).Outcome; got != outcome.QuotaExceeded {
		t.Fatalf("expected quota readout to win, got %s", got)
	}
}

func TestFindChromeConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "chrome")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fake chrome: %v", err)
	}
	if got := FindChrome(bin); !got.Found || got.Path != bin {
		t.Fatalf("expected configured chrome, got %+v", got)
	}
	if got := FindChrome(filepath.Join(dir, "missing")); got.Found {
		t.Fatalf("expected missing configured chrome to be reported, got %+v", got)
	}
}

func TestNewDriver(t *testing.T) {
	for _, name := range []string{"", "playwright", " ChromeDP "} {
		if _, err := New(name, Options{}); err != nil {
			t.Fatalf("new %q: %v", name, err)
		}
	}
	if _, err := New("selenium", Options{}); err == nil {
		t.Fatal("expected unknown driver to fail")
	}
}
