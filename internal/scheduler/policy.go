package scheduler

import (
	"fmt"
	"strings"

	"gridvid/internal/outcome"
)

type ItemAction string

const (
	ItemComplete      ItemAction = "complete"
	ItemRequeue       ItemAction = "requeue"
	ItemFailAttempt   ItemAction = "fail-attempt"
	ItemFailPermanent ItemAction = "fail-permanent"
)

type AccountAction string

const (
	AccountContinue AccountAction = "continue"
	AccountExhaust  AccountAction = "exhaust"
	AccountFail     AccountAction = "fail"
	// AccountRotate releases the account as ready and moves it to the back of the queue.
	AccountRotate AccountAction = "rotate"
)

type Rule struct {
	Item    ItemAction    `json:"item"`
	Account AccountAction `json:"account"`
}

const (
	PolicyRetryInPlace    = "retry-in-place"
	PolicyRotateOnFailure = "rotate-on-failure"
)

// Policy decides what happens to the current item and account after each classified outcome.
type Policy struct {
	Name            string                   `json:"name"`
	Rules           map[outcome.Outcome]Rule `json:"rules"`
	MaxItemAttempts int                      `json:"max_item_attempts"`
}

// RetryInPlace rotates only on quota and fatal errors; other failures keep the same account.
func RetryInPlace() Policy {
	return Policy{
		Name: PolicyRetryInPlace,
		Rules: map[outcome.Outcome]Rule{
			outcome.Success:          {Item: ItemComplete, Account: AccountContinue},
			outcome.QuotaExceeded:    {Item: ItemRequeue, Account: AccountExhaust},
			outcome.PermissionDenied: {Item: ItemFailAttempt, Account: AccountContinue},
			outcome.ContentBlocked:   {Item: ItemFailPermanent, Account: AccountContinue},
			outcome.Timeout:          {Item: ItemFailAttempt, Account: AccountContinue},
			outcome.TransientFailure: {Item: ItemFailAttempt, Account: AccountContinue},
			outcome.FatalFailure:     {Item: ItemRequeue, Account: AccountFail},
		},
		MaxItemAttempts: 1,
	}
}

// RotateOnFailure hands the item to the next account after any per-item failure.
func RotateOnFailure() Policy {
	p := RetryInPlace()
	p.Name = PolicyRotateOnFailure
	p.Rules[outcome.PermissionDenied] = Rule{Item: ItemFailAttempt, Account: AccountRotate}
	p.Rules[outcome.Timeout] = Rule{Item: ItemFailAttempt, Account: AccountRotate}
	p.Rules[outcome.TransientFailure] = Rule{Item: ItemFailAttempt, Account: AccountRotate}
	p.MaxItemAttempts = 3
	return p
}

func PolicyNames() []string {
	return []string{PolicyRetryInPlace, PolicyRotateOnFailure}
}

// PolicyByName resolves a preset. maxAttempts > 0 overrides the preset retry bound.
func PolicyByName(name string, maxAttempts int) (Policy, error) {
	var p Policy
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyRetryInPlace:
		p = RetryInPlace()
	case PolicyRotateOnFailure:
		p = RotateOnFailure()
	default:
		return Policy{}, fmt.Errorf("unknown rotation policy %q (expected %s)", name, strings.Join(PolicyNames(), " or "))
	}
	if maxAttempts > 0 {
		p.MaxItemAttempts = maxAttempts
	}
	return p, nil
}

func (p Policy) Decide(o outcome.Outcome) Rule {
	if r, ok := p.Rules[o]; ok {
		return r
	}
	return Rule{Item: ItemFailAttempt, Account: AccountContinue}
}

// Validate rejects policies that could loop forever: a requeued item must
// always take its account out of rotation, and retries must be bounded.
func (p Policy) Validate() error {
	if p.MaxItemAttempts < 1 {
		return fmt.Errorf("policy %s: max item attempts must be >= 1, got %d", p.Name, p.MaxItemAttempts)
	}
	if r := p.Decide(outcome.Success); r.Item != ItemComplete {
		return fmt.Errorf("policy %s: success must complete the item", p.Name)
	}
	for o, r := range p.Rules {
		switch r.Item {
		case ItemComplete, ItemRequeue, ItemFailAttempt, ItemFailPermanent:
		default:
			return fmt.Errorf("policy %s: unknown item action %q for %s", p.Name, r.Item, o)
		}
		switch r.Account {
		case AccountContinue, AccountExhaust, AccountFail, AccountRotate:
		default:
			return fmt.Errorf("policy %s: unknown account action %q for %s", p.Name, r.Account, o)
		}
		if r.Item == ItemRequeue && r.Account != AccountExhaust && r.Account != AccountFail {
			return fmt.Errorf("policy %s: %s requeues the item without retiring the account", p.Name, o)
		}
		if o != outcome.Success && r.Item == ItemComplete {
			return fmt.Errorf("policy %s: %s cannot complete an item", p.Name, o)
		}
	}
	return nil
}
