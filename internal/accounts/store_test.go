package accounts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gridvid/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "accounts.db"), "correct horse battery staple")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestStoreAddAndSecretRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	acct, err := store.Add(ctx, Credential{Email: "first@example.com", Secret: "hunter2"})
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	if acct.ID == "" || acct.Status != model.AccountReady {
		t.Fatalf("unexpected account: %+v", acct)
	}

	secret, err := store.GetSecret(ctx, acct.ID)
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if secret != "hunter2" {
		t.Fatalf("expected secret round trip, got %q", secret)
	}

	var raw []byte
	if err := store.db.QueryRow(`select sealed from account_secrets where account_id = ?`, acct.ID).Scan(&raw); err != nil {
		t.Fatalf("read raw secret: %v", err)
	}
	if string(raw) == "hunter2" {
		t.Fatal("expected secret to be sealed at rest")
	}
}

func TestStoreRejectsDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.Add(ctx, Credential{Email: "dup@example.com", Secret: "a"}); err != nil {
		t.Fatalf("add first: %v", err)
	}
	_, err := store.Add(ctx, Credential{Email: "DUP@example.com", Secret: "b"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected duplicate email error, got %v", err)
	}
}

func TestStoreImportSkipsDuplicatesAndInvalid(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.Add(ctx, Credential{Email: "existing@example.com", Secret: "x"}); err != nil {
		t.Fatal(err)
	}

	res, err := store.Import(ctx, []Credential{
		{Email: "new1@example.com", Secret: "p1"},
		{Email: "existing@example.com", Secret: "p2"},
		{Email: "not-an-email", Secret: "p3"},
		{Email: "new2@example.com", Secret: "p4"},
		{Email: "new1@example.com", Secret: "p5"},
		{Email: "nosecret@example.com", Secret: ""},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(res.Added) != 2 {
		t.Fatalf("expected 2 added, got %d", len(res.Added))
	}
	if len(res.Skipped) != 2 {
		t.Fatalf("expected 2 skipped duplicates, got %v", res.Skipped)
	}
	if len(res.Invalid) != 2 {
		t.Fatalf("expected 2 invalid rows, got %v", res.Invalid)
	}

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 stored accounts, got %d", len(all))
	}
	if all[0].Email != "existing@example.com" {
		t.Fatalf("expected insertion order, got %q first", all[0].Email)
	}
}

func TestStoreStatusAndLastLogin(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	acct, err := store.Add(ctx, Credential{Email: "s@example.com", Secret: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetStatus(ctx, acct.ID, model.AccountQuotaExhausted, "quota_exceeded"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := store.SetLastLogin(ctx, acct.ID, at); err != nil {
		t.Fatalf("set last login: %v", err)
	}

	got, err := store.Get(ctx, acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.AccountQuotaExhausted || got.Reason != "quota_exceeded" {
		t.Fatalf("unexpected status: %+v", got)
	}
	if got.LastLogin != "2026-03-01T10:00:00Z" {
		t.Fatalf("unexpected last login %q", got.LastLogin)
	}

	n, err := store.ResetStatuses(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one reset, got %d", n)
	}
	got, _ = store.Get(ctx, acct.ID)
	if got.Status != model.AccountReady {
		t.Fatalf("expected ready after reset, got %q", got.Status)
	}

	if err := store.SetStatus(ctx, acct.ID, "bogus", ""); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.GetSecret(ctx, "missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected not found from GetSecret, got %v", err)
	}
	if err := store.SetStatus(ctx, "missing", model.AccountRunning, ""); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected not found from SetStatus, got %v", err)
	}
	if _, err := store.Find(ctx, "nobody@example.com"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected not found from Find, got %v", err)
	}
}

func TestStoreRemoveDropsSecret(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	acct, err := store.Add(ctx, Credential{Email: "gone@example.com", Secret: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Remove(ctx, acct.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.GetSecret(ctx, acct.ID); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected secret to be removed with account, got %v", err)
	}
}

func TestStoreRequiresSecretKey(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "accounts.db"), "")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	_, err = store.Add(context.Background(), Credential{Email: "k@example.com", Secret: "x"})
	if !errors.Is(err, ErrSecretKeyRequired) {
		t.Fatalf("expected secret key error, got %v", err)
	}
}

func TestSealerRejectsWrongKey(t *testing.T) {
	salt := make([]byte, saltSize)
	a, err := NewSealer("one", salt)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewSealer("two", salt)
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := a.Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Fatal("expected open with wrong key to fail")
	}
	plain, err := a.Open(sealed)
	if err != nil || string(plain) != "secret" {
		t.Fatalf("expected round trip, got %q err=%v", plain, err)
	}
}

func TestSealerFailureIsNotCached(t *testing.T) {
	store := openTestStore(t)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.getSealer(cancelled); err == nil {
		t.Fatal("expected sealer setup to fail with a cancelled context")
	}

	ctx := context.Background()
	acct, err := store.Add(ctx, Credential{Email: "later@example.com", Secret: "hunter2"})
	if err != nil {
		t.Fatalf("add after failed setup: %v", err)
	}
	secret, err := store.GetSecret(ctx, acct.ID)
	if err != nil || secret != "hunter2" {
		t.Fatalf("expected secret after failed setup, got %q (%v)", secret, err)
	}
}
