package scheduler

import (
	"testing"

	"gridvid/internal/outcome"
)

func TestPresetPoliciesAreValid(t *testing.T) {
	for _, name := range PolicyNames() {
		p, err := PolicyByName(name, 0)
		if err != nil {
			t.Fatalf("resolve %s: %v", name, err)
		}
		if err := p.Validate(); err != nil {
			t.Fatalf("preset %s invalid: %v", name, err)
		}
	}
}

func TestRetryInPlaceTable(t *testing.T) {
	p := RetryInPlace()
	cases := []struct {
		o    outcome.Outcome
		want Rule
	}{
		{outcome.Success, Rule{ItemComplete, AccountContinue}},
		{outcome.QuotaExceeded, Rule{ItemRequeue, AccountExhaust}},
		{outcome.PermissionDenied, Rule{ItemFailAttempt, AccountContinue}},
		{outcome.Timeout, Rule{ItemFailAttempt, AccountContinue}},
		{outcome.TransientFailure, Rule{ItemFailAttempt, AccountContinue}},
		{outcome.ContentBlocked, Rule{ItemFailPermanent, AccountContinue}},
		{outcome.FatalFailure, Rule{ItemRequeue, AccountFail}},
	}
	for _, tc := range cases {
		if got := p.Decide(tc.o); got != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.o, tc.want, got)
		}
	}
}

func TestPolicyByName(t *testing.T) {
	p, err := PolicyByName(" Rotate-On-Failure ", 5)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Name != PolicyRotateOnFailure || p.MaxItemAttempts != 5 {
		t.Fatalf("unexpected policy: %+v", p)
	}
	if p.Decide(outcome.Timeout).Account != AccountRotate {
		t.Fatal("expected timeout to rotate")
	}
	if _, err := PolicyByName("shuffle", 0); err == nil {
		t.Fatal("expected unknown policy to fail")
	}
}

func TestValidateRejectsUnboundedPolicies(t *testing.T) {
	p := RetryInPlace()
	p.Rules[outcome.TransientFailure] = Rule{Item: ItemRequeue, Account: AccountContinue}
	if err := p.Validate(); err == nil {
		t.Fatal("expected requeue without retiring the account to be rejected")
	}

	p = RetryInPlace()
	p.MaxItemAttempts = 0
	if err := p.Validate(); err == nil {
		t.Fatal("expected zero attempts to be rejected")
	}

	p = RetryInPlace()
	p.Rules[outcome.Timeout] = Rule{Item: ItemComplete, Account: AccountContinue}
	if err := p.Validate(); err == nil {
		t.Fatal("expected failure completing an item to be rejected")
	}
}
