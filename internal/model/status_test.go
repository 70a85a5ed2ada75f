package model

import "testing"

func TestCanTransitionItem_AllowsExpectedPaths(t *testing.T) {
	cases := []struct {
		from string
		to   string
	}{
		{"", ItemPending},
		{ItemPending, ItemRunning},
		{ItemRunning, ItemCompleted},
		{ItemRunning, ItemFailed},
		{ItemRunning, ItemPending},
		{ItemRunning, ItemInterrupted},
		{ItemFailed, ItemPending},
		{ItemInterrupted, ItemPending},
	}

	for _, tc := range cases {
		if !CanTransitionItem(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransitionItem_RejectsInvalidPaths(t *testing.T) {
	cases := []struct {
		from string
		to   string
	}{
		{ItemPending, ItemCompleted},
		{ItemCompleted, ItemRunning},
		{ItemCompleted, ItemPending},
		{ItemFailed, ItemRunning},
		{ItemInterrupted, ItemRunning},
		{"not_a_state", ItemPending},
	}

	for _, tc := range cases {
		if CanTransitionItem(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be rejected", tc.from, tc.to)
		}
	}
}

func TestCanTransitionAccount(t *testing.T) {
	allowed := []struct {
		from string
		to   string
	}{
		{AccountReady, AccountRunning},
		{AccountRunning, AccountReady},
		{AccountRunning, AccountQuotaExhausted},
		{AccountRunning, AccountFailed},
		{AccountRunning, AccountPaused},
		{AccountPaused, AccountRunning},
		{AccountQuotaExhausted, AccountReady},
	}
	for _, tc := range allowed {
		if !CanTransitionAccount(tc.from, tc.to) {
			t.Fatalf("expected account transition %q -> %q to be allowed", tc.from, tc.to)
		}
	}

	rejected := []struct {
		from string
		to   string
	}{
		{AccountQuotaExhausted, AccountRunning},
		{AccountFailed, AccountRunning},
		{AccountReady, AccountQuotaExhausted},
	}
	for _, tc := range rejected {
		if CanTransitionAccount(tc.from, tc.to) {
			t.Fatalf("expected account transition %q -> %q to be rejected", tc.from, tc.to)
		}
	}
}

func TestTransitionItemStatus_BlocksIllegalTransition(t *testing.T) {
	item := WorkItem{
		ID:     "item-1",
		Index:  1,
		Status: ItemPending,
	}

	if err := TransitionItemStatus(&item, ItemCompleted, ""); err == nil {
		t.Fatalf("expected illegal transition error")
	}
	if item.Status != ItemPending {
		t.Fatalf("expected status to stay pending, got %q", item.Status)
	}
}

func TestTransitionAccountStatus_SetsReason(t *testing.T) {
	acct := Account{ID: "a1", Email: "a@example.com", Status: AccountRunning}
	if err := TransitionAccountStatus(&acct, AccountQuotaExhausted, "quota_exceeded"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acct.Status != AccountQuotaExhausted || acct.Reason != "quota_exceeded" {
		t.Fatalf("unexpected account state: %+v", acct)
	}
}
