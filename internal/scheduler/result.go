package scheduler

import (
	"fmt"
	"sort"
	"time"

	"gridvid/internal/model"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

const (
	ReasonCompleted          = "completed"
	ReasonNoEligibleAccounts = "no_eligible_accounts"
	ReasonStopped            = "stopped"
)

type ResultCounts struct {
	Total             int `json:"total"`
	Processed         int `json:"processed"`
	Succeeded         int `json:"succeeded"`
	Failed            int `json:"failed"`
	Pending           int `json:"pending"`
	Interrupted       int `json:"interrupted"`
	AccountsExhausted int `json:"accounts_exhausted"`
	AccountsFailed    int `json:"accounts_failed"`
}

// Unprocessed is an item the run ended without settling.
type Unprocessed struct {
	ItemID string `json:"item_id"`
	Index  int    `json:"index"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Result is the completion report of one batch run.
type Result struct {
	RunID       string             `json:"run_id"`
	State       State              `json:"state"`
	Reason      string             `json:"reason"`
	Counts      ResultCounts       `json:"counts"`
	Unprocessed []Unprocessed      `json:"unprocessed"`
	Accounts    []model.AccountRun `json:"accounts"`
	PeakActive  int                `json:"peak_active"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
}

func (r Result) Summary() string {
	return fmt.Sprintf("batch %s: %s | processed %d | succeeded %d | failed %d | unprocessed %d | accounts exhausted %d",
		r.RunID, r.Reason, r.Counts.Processed, r.Counts.Succeeded, r.Counts.Failed, len(r.Unprocessed), r.Counts.AccountsExhausted)
}

func (r *Run) resultLocked(reason string) Result {
	res := Result{
		RunID:       r.id,
		State:       StateStopped,
		Reason:      reason,
		Unprocessed: []Unprocessed{},
		PeakActive:  r.peak,
		StartedAt:   r.started,
		FinishedAt:  time.Now().UTC(),
	}
	res.Counts.Total = len(r.items)
	res.Counts.Processed = r.processed
	for _, it := range r.items {
		switch it.Status {
		case model.ItemCompleted:
			res.Counts.Succeeded++
		case model.ItemFailed:
			res.Counts.Failed++
		case model.ItemPending:
			res.Counts.Pending++
		case model.ItemInterrupted:
			res.Counts.Interrupted++
		}
		if model.IsTerminalItemStatus(it.Status) {
			continue
		}
		why := it.Reason
		if why == "" {
			why = unprocessedReason(reason)
		}
		res.Unprocessed = append(res.Unprocessed, Unprocessed{ItemID: it.ID, Index: it.Index, Status: it.Status, Reason: why})
	}
	res.Counts.AccountsExhausted = len(r.exhausted)
	res.Accounts = r.accountRunsLocked()
	for _, a := range res.Accounts {
		if a.Status == model.AccountFailed {
			res.Counts.AccountsFailed++
		}
	}
	return res
}

func unprocessedReason(reason string) string {
	switch reason {
	case ReasonNoEligibleAccounts:
		return "no eligible accounts left"
	case ReasonStopped:
		return "batch stopped"
	default:
		return reason
	}
}

func (r *Run) accountRunsLocked() []model.AccountRun {
	out := make([]model.AccountRun, 0, len(r.runs))
	for _, ar := range r.runs {
		out = append(out, *ar)
	}
	sort.Slice(out, func(i, j int) bool {
		return r.order[out[i].AccountID] < r.order[out[j].AccountID]
	})
	return out
}
