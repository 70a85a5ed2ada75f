package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"gridvid/internal/model"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

var (
	ErrAccountNotFound = model.ErrAccountNotFound
	ErrDuplicateEmail  = errors.New("account email already exists")
)

const schema = `
create table if not exists accounts(
	id text primary key,
	email text not null unique collate nocase,
	status text not null default 'ready',
	reason text not null default '',
	last_login text,
	created_at text not null
);
create table if not exists account_secrets(
	account_id text primary key references accounts(id) on delete cascade,
	sealed blob not null
);
create table if not exists store_meta(
	key text primary key,
	value blob not null
);`

type Credential struct {
	Email  string `json:"email"`
	Secret string `json:"-"`
}

type ImportResult struct {
	Added   []model.Account `json:"added"`
	Skipped []string        `json:"skipped_duplicates"`
	Invalid []string        `json:"invalid"`
}

type Store struct {
	db         *sql.DB
	passphrase string

	sealerMu sync.Mutex
	sealer   *Sealer
}

func Open(path string, passphrase string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("account database path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open account database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open account database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init account schema: %w", err)
	}
	return &Store{db: db, passphrase: passphrase}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetAll(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `select id, email, status, reason, last_login, created_at from accounts order by created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	out := []model.Account{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (model.Account, error) {
	row := s.db.QueryRowContext(ctx, `select id, email, status, reason, last_login, created_at from accounts where id = ?`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return acct, err
}

// Find resolves an account by id or, failing that, by email.
func (s *Store) Find(ctx context.Context, idOrEmail string) (model.Account, error) {
	key := strings.TrimSpace(idOrEmail)
	row := s.db.QueryRowContext(ctx, `select id, email, status, reason, last_login, created_at from accounts where id = ? or email = ? limit 1`, key, key)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	return acct, err
}

func (s *Store) Add(ctx context.Context, cred Credential) (model.Account, error) {
	email, err := normalizeEmail(cred.Email)
	if err != nil {
		return model.Account{}, err
	}
	if cred.Secret == "" {
		return model.Account{}, validationError{msg: fmt.Sprintf("secret is required for %s", email)}
	}
	sealer, err := s.getSealer(ctx)
	if err != nil {
		return model.Account{}, err
	}
	sealed, err := sealer.Seal([]byte(cred.Secret))
	if err != nil {
		return model.Account{}, err
	}

	acct := model.Account{
		ID:        uuid.NewString(),
		Email:     email,
		Status:    model.AccountReady,
		CreatedAt: time.Now().UTC().Format(createdAtLayout),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Account{}, fmt.Errorf("add account %s: %w", email, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `select count(*) from accounts where email = ?`, email).Scan(&exists); err != nil {
		return model.Account{}, fmt.Errorf("add account %s: %w", email, err)
	}
	if exists > 0 {
		return model.Account{}, fmt.Errorf("%w: %s", ErrDuplicateEmail, email)
	}
	if _, err := tx.ExecContext(ctx, `insert into accounts(id, email, status, reason, created_at) values (?, ?, ?, '', ?)`,
		acct.ID, acct.Email, acct.Status, acct.CreatedAt); err != nil {
		return model.Account{}, fmt.Errorf("add account %s: %w", email, err)
	}
	if _, err := tx.ExecContext(ctx, `insert into account_secrets(account_id, sealed) values (?, ?)`, acct.ID, sealed); err != nil {
		return model.Account{}, fmt.Errorf("store secret for %s: %w", email, err)
	}
	if err := tx.Commit(); err != nil {
		return model.Account{}, fmt.Errorf("add account %s: %w", email, err)
	}
	return acct, nil
}

// Import adds every credential whose email is not yet known; duplicates (in the store or
// earlier in the same batch) are skipped, malformed rows are reported as invalid.
func (s *Store) Import(ctx context.Context, creds []Credential) (ImportResult, error) {
	res := ImportResult{Added: []model.Account{}, Skipped: []string{}, Invalid: []string{}}
	for _, c := range creds {
		acct, err := s.Add(ctx, c)
		switch {
		case err == nil:
			res.Added = append(res.Added, acct)
		case errors.Is(err, ErrDuplicateEmail):
			res.Skipped = append(res.Skipped, strings.TrimSpace(c.Email))
		case errors.Is(err, ErrSecretKeyRequired):
			return res, err
		case isValidationError(err):
			res.Invalid = append(res.Invalid, fmt.Sprintf("%s: %v", strings.TrimSpace(c.Email), err))
		default:
			return res, err
		}
	}
	return res, nil
}

func (s *Store) GetSecret(ctx context.Context, id string) (string, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `select sealed from account_secrets where account_id = ?`, id).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no secret for %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("read secret for %s: %w", id, err)
	}
	sealer, err := s.getSealer(ctx)
	if err != nil {
		return "", err
	}
	plain, err := sealer.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("account %s: %w", id, err)
	}
	return string(plain), nil
}

func (s *Store) SetStatus(ctx context.Context, id, status, reason string) error {
	if !model.IsKnownAccountStatus(status) {
		return fmt.Errorf("unknown account status %q", status)
	}
	return s.execOne(ctx, id, `update accounts set status = ?, reason = ? where id = ?`, status, reason, id)
}

func (s *Store) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, id, `update accounts set last_login = ? where id = ?`, at.UTC().Format(time.RFC3339), id)
}

func (s *Store) Remove(ctx context.Context, id string) error {
	return s.execOne(ctx, id, `delete from accounts where id = ?`, id)
}

// ResetStatuses sets the given accounts (all accounts when ids is empty) back to ready.
func (s *Store) ResetStatuses(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		res, err := s.db.ExecContext(ctx, `update accounts set status = ?, reason = '' where status <> ?`, model.AccountReady, model.AccountReady)
		if err != nil {
			return 0, fmt.Errorf("reset account statuses: %w", err)
		}
		n, _ := res.RowsAffected()
		return int(n), nil
	}
	count := 0
	for _, id := range ids {
		if err := s.SetStatus(ctx, id, model.AccountReady, ""); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *Store) execOne(ctx context.Context, id string, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update account %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return nil
}

// getSealer derives the sealer on first success. Failures are not cached so a
// cancelled context or a busy database does not poison later calls.
func (s *Store) getSealer(ctx context.Context) (*Sealer, error) {
	s.sealerMu.Lock()
	defer s.sealerMu.Unlock()
	if s.sealer != nil {
		return s.sealer, nil
	}
	if s.passphrase == "" {
		return nil, ErrSecretKeyRequired
	}
	salt, err := s.loadOrCreateSalt(ctx)
	if err != nil {
		return nil, err
	}
	sealer, err := NewSealer(s.passphrase, salt)
	if err != nil {
		return nil, err
	}
	s.sealer = sealer
	return sealer, nil
}

func (s *Store) loadOrCreateSalt(ctx context.Context) ([]byte, error) {
	var salt []byte
	err := s.db.QueryRowContext(ctx, `select value from store_meta where key = 'secret_salt'`).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read secret salt: %w", err)
	}
	salt, err = newSalt()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `insert or ignore into store_meta(key, value) values ('secret_salt', ?)`, salt); err != nil {
		return nil, fmt.Errorf("store secret salt: %w", err)
	}
	// another process may have won the insert
	if err := s.db.QueryRowContext(ctx, `select value from store_meta where key = 'secret_salt'`).Scan(&salt); err != nil {
		return nil, fmt.Errorf("read secret salt: %w", err)
	}
	return salt, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (model.Account, error) {
	var acct model.Account
	var lastLogin sql.NullString
	if err := row.Scan(&acct.ID, &acct.Email, &acct.Status, &acct.Reason, &lastLogin, &acct.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, err
		}
		return model.Account{}, fmt.Errorf("scan account: %w", err)
	}
	if lastLogin.Valid {
		acct.LastLogin = lastLogin.String
	}
	return acct, nil
}

type validationError struct {
	msg string
}

func (e validationError) Error() string { return e.msg }

func isValidationError(err error) bool {
	var ve validationError
	return errors.As(err, &ve)
}

func normalizeEmail(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	if email == "" {
		return "", validationError{msg: "email is required"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", validationError{msg: fmt.Sprintf("invalid email %q", email)}
	}
	return email, nil
}
