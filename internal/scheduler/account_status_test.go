package scheduler

import (
	"testing"

	"gridvid/internal/model"

	"go.uber.org/zap"
)

func TestSetAccountFollowsTransitionTable(t *testing.T) {
	r := &Run{
		log:      zap.NewNop(),
		accounts: map[string]*model.Account{"a1": {ID: "a1", Email: "a1@example.com", Status: model.AccountReady}},
		runs:     map[string]*model.AccountRun{"a1": {AccountID: "a1", Status: model.AccountReady}},
	}

	steps := []struct {
		to     string
		reason string
		ok     bool
		want   string
	}{
		{model.AccountRunning, "", true, model.AccountRunning},
		{model.AccountQuotaExhausted, "quota", true, model.AccountQuotaExhausted},
		{model.AccountRunning, "", false, model.AccountQuotaExhausted},
		{model.AccountPaused, "interrupted", false, model.AccountQuotaExhausted},
	}
	for i, st := range steps {
		if got := r.setAccountLocked("a1", st.to, st.reason); got != st.ok {
			t.Fatalf("step %d: expected ok=%t, got %t", i, st.ok, got)
		}
		if r.accounts["a1"].Status != st.want || r.runs["a1"].Status != st.want {
			t.Fatalf("step %d: expected %s, got account=%s run=%s", i, st.want, r.accounts["a1"].Status, r.runs["a1"].Status)
		}
	}
	if r.accounts["a1"].Reason != "quota" {
		t.Fatalf("expected rejected moves to keep the reason, got %q", r.accounts["a1"].Reason)
	}
	if r.setAccountLocked("ghost", model.AccountRunning, "") {
		t.Fatal("expected unknown account to be ignored")
	}
}
