package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAccountNotFound is shared by every account store implementation.
var ErrAccountNotFound = errors.New("account not found")

const (
	KindTextToVideo  = "text_to_video"
	KindImageToVideo = "image_to_video"

	AspectLandscape = "16:9"
	AspectPortrait  = "9:16"

	DefaultAspectRatio = AspectLandscape
	DefaultDurationSec = 8
	MinDurationSec     = 5
	MaxDurationSec     = 8
)

type Account struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	LastLogin string `json:"last_login,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type GenerationParams struct {
	AspectRatio string            `json:"aspect_ratio,omitempty"`
	DurationSec int               `json:"duration_sec,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

type WorkItem struct {
	ID              string           `json:"id"`
	Index           int              `json:"index"`
	Kind            string           `json:"kind"`
	Prompt          string           `json:"prompt,omitempty"`
	ImagePath       string           `json:"image_path,omitempty"`
	Params          GenerationParams `json:"params"`
	Status          string           `json:"status"`
	Reason          string           `json:"reason,omitempty"`
	AssignedAccount string           `json:"assigned_account,omitempty"`
	Attempts        int              `json:"attempts,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
	LastOutcome     string           `json:"last_outcome,omitempty"`
	Output          string           `json:"output,omitempty"`
	LastAttemptAt   string           `json:"last_attempt_at,omitempty"`
	CompletedAt     string           `json:"completed_at,omitempty"`
}

// Label is a short human identifier used in logs and dashboards.
func (w WorkItem) Label() string {
	text := w.Prompt
	if w.Kind == KindImageToVideo && strings.TrimSpace(text) == "" {
		text = w.ImagePath
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > 48 {
		text = string(r[:48]) + "..."
	}
	return fmt.Sprintf("#%d %s", w.Index, text)
}

type Counts struct {
	Total             int `json:"total"`
	Processed         int `json:"processed"`
	Succeeded         int `json:"succeeded"`
	Failed            int `json:"failed"`
	Pending           int `json:"pending"`
	Running           int `json:"running"`
	Interrupted       int `json:"interrupted"`
	AccountsExhausted int `json:"accounts_exhausted"`
	AccountsFailed    int `json:"accounts_failed"`
	Active            int `json:"active"`
	Bound             int `json:"bound"`
}

// AccountRun is the per-run view of one account's participation.
type AccountRun struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// BatchManifest is the canonical per-run state file.
type BatchManifest struct {
	SchemaVersion int          `json:"schema_version"`
	RunID         string       `json:"run_id"`
	GeneratedAt   string       `json:"generated_at"`
	State         string       `json:"state"`
	Policy        string       `json:"policy"`
	Concurrency   int          `json:"concurrency"`
	Total         int          `json:"total"`
	Pending       int          `json:"pending"`
	Running       int          `json:"running"`
	Completed     int          `json:"completed"`
	Failed        int          `json:"failed"`
	Interrupted   int          `json:"interrupted"`
	AccountOrder  []string     `json:"account_order"`
	Accounts      []AccountRun `json:"accounts"`
	Items         []WorkItem   `json:"items"`
}

func RecomputeManifestCounts(mf *BatchManifest) {
	mf.Total = len(mf.Items)
	mf.Pending, mf.Running, mf.Completed, mf.Failed, mf.Interrupted = 0, 0, 0, 0, 0
	for _, it := range mf.Items {
		switch it.Status {
		case ItemPending:
			mf.Pending++
		case ItemRunning:
			mf.Running++
		case ItemCompleted:
			mf.Completed++
		case ItemFailed:
			mf.Failed++
		case ItemInterrupted:
			mf.Interrupted++
		}
	}
}

func NormalizeParams(p GenerationParams) GenerationParams {
	out := p
	out.AspectRatio = strings.TrimSpace(out.AspectRatio)
	if out.AspectRatio == "" {
		out.AspectRatio = DefaultAspectRatio
	}
	if out.DurationSec == 0 {
		out.DurationSec = DefaultDurationSec
	}
	return out
}

func ValidateWorkItem(w WorkItem) error {
	switch w.Kind {
	case KindTextToVideo:
		if strings.TrimSpace(w.Prompt) == "" {
			return fmt.Errorf("item %d: prompt is required for %s", w.Index, w.Kind)
		}
	case KindImageToVideo:
		if strings.TrimSpace(w.ImagePath) == "" {
			return fmt.Errorf("item %d: image path is required for %s", w.Index, w.Kind)
		}
	default:
		return fmt.Errorf("item %d: unknown kind %q", w.Index, w.Kind)
	}
	switch w.Params.AspectRatio {
	case "", AspectLandscape, AspectPortrait:
	default:
		return fmt.Errorf("item %d: unsupported aspect ratio %q", w.Index, w.Params.AspectRatio)
	}
	if d := w.Params.DurationSec; d != 0 && (d < MinDurationSec || d > MaxDurationSec) {
		return fmt.Errorf("item %d: duration must be %d..%d seconds, got %d", w.Index, MinDurationSec, MaxDurationSec, d)
	}
	return nil
}
