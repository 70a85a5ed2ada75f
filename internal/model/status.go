package model

import "fmt"

const (
	ItemPending     = "pending"
	ItemRunning     = "running"
	ItemCompleted   = "completed"
	ItemFailed      = "failed"
	ItemInterrupted = "interrupted"
)

const (
	AccountReady          = "ready"
	AccountRunning        = "running"
	AccountPaused         = "paused"
	AccountFailed         = "failed"
	AccountQuotaExhausted = "quota_exhausted"
)

var itemTransitions = map[string]map[string]bool{
	"": {
		ItemPending: true,
	},
	ItemPending: {
		ItemPending: true,
		ItemRunning: true,
		ItemFailed:  true, // rejected by shape validation before dispatch
	},
	ItemRunning: {
		ItemCompleted:   true,
		ItemFailed:      true,
		ItemPending:     true, // in-flight item handed back on quota/fatal account loss
		ItemInterrupted: true,
	},
	ItemCompleted: {
		ItemCompleted: true,
	},
	ItemFailed: {
		ItemFailed:  true,
		ItemPending: true, // bounded retry
	},
	ItemInterrupted: {
		ItemInterrupted: true,
		ItemPending:     true, // resume
	},
}

var accountTransitions = map[string]map[string]bool{
	"": {
		AccountReady: true,
	},
	AccountReady: {
		AccountReady:   true,
		AccountRunning: true,
	},
	AccountRunning: {
		AccountReady:          true,
		AccountPaused:         true,
		AccountFailed:         true,
		AccountQuotaExhausted: true,
	},
	AccountPaused: {
		AccountPaused:  true,
		AccountReady:   true,
		AccountRunning: true,
	},
	AccountFailed: {
		AccountFailed: true,
		AccountReady:  true, // new batch run
	},
	AccountQuotaExhausted: {
		AccountQuotaExhausted: true,
		AccountReady:          true, // new batch run
	},
}

func IsKnownItemStatus(status string) bool {
	_, ok := itemTransitions[status]
	return ok && status != ""
}

func IsKnownAccountStatus(status string) bool {
	_, ok := accountTransitions[status]
	return ok && status != ""
}

func CanTransitionItem(from, to string) bool {
	next, ok := itemTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func CanTransitionAccount(from, to string) bool {
	next, ok := accountTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func TransitionItemStatus(item *WorkItem, toStatus string, reason string) error {
	from := item.Status
	if !CanTransitionItem(from, toStatus) {
		return fmt.Errorf("invalid item status transition: %q -> %q (item_id=%s index=%d)", from, toStatus, item.ID, item.Index)
	}
	item.Status = toStatus
	item.Reason = reason
	return nil
}

func TransitionAccountStatus(account *Account, toStatus string, reason string) error {
	from := account.Status
	if !CanTransitionAccount(from, toStatus) {
		return fmt.Errorf("invalid account status transition: %q -> %q (account_id=%s email=%s)", from, toStatus, account.ID, account.Email)
	}
	account.Status = toStatus
	account.Reason = reason
	return nil
}

// IsTerminalItemStatus reports whether an item needs no further work in the current run.
func IsTerminalItemStatus(status string) bool {
	return status == ItemCompleted || status == ItemFailed
}
