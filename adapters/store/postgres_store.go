package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/ports"
)

const uniqueViolation = "23505"

// dbtx is satisfied by both *sql.DB and *sql.Tx
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements the Store interface on PostgreSQL.
// Single-use rows are claimed with one conditional UPDATE so concurrent
// redemptions race inside the database.
type PostgresStore struct {
	db *sql.DB
}

var _ ports.Store = (*PostgresStore)(nil)

// OpenPostgres opens a pgx-backed connection pool
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an existing database handle
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Challenges() ports.ChallengeStore         { return pgChallenges{s.db} }
func (s *PostgresStore) RecoveryCodes() ports.RecoveryCodeStore   { return pgRecoveryCodes{s.db} }
func (s *PostgresStore) RecoveryTokens() ports.RecoveryTokenStore { return pgRecoveryTokens{s.db} }
func (s *PostgresStore) Credentials() ports.CredentialStore       { return pgCredentials{s.db} }
func (s *PostgresStore) Accounts() ports.AccountStore             { return pgAccounts{s.db} }

// WithinTx runs fn inside a database transaction
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.Repos) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, pgTx{tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct{ tx *sql.Tx }

func (t pgTx) Challenges() ports.ChallengeStore         { return pgChallenges{t.tx} }
func (t pgTx) RecoveryCodes() ports.RecoveryCodeStore   { return pgRecoveryCodes{t.tx} }
func (t pgTx) RecoveryTokens() ports.RecoveryTokenStore { return pgRecoveryTokens{t.tx} }
func (t pgTx) Credentials() ports.CredentialStore       { return pgCredentials{t.tx} }
func (t pgTx) Accounts() ports.AccountStore             { return pgAccounts{t.tx} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// classifyUnusable explains why a conditional claim touched no row
func classifyUnusable(ctx context.Context, db dbtx, query, key string, now time.Time) error {
	var (
		used      bool
		expiresAt time.Time
	)
	err := db.QueryRowContext(ctx, query, key).Scan(&used, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return err
	}
	return checkUsable(used, expiresAt, now)
}

type pgChallenges struct{ db dbtx }

func (r pgChallenges) Create(ctx context.Context, ch *core.Challenge) error {
	_, err := r.db.ExecContext(ctx, `
		insert into webauthn_challenges(value, ceremony, account_address, session_data, expires_at, used, created_at)
		values ($1, $2, $3, $4, $5, false, $6)`,
		ch.Value, string(ch.Ceremony), ch.AccountAddress, ch.SessionData, ch.ExpiresAt, ch.CreatedAt)
	if isUniqueViolation(err) {
		return core.ErrAlreadyUsed
	}
	return err
}

func (r pgChallenges) Consume(ctx context.Context, value string, now time.Time) (*core.Challenge, error) {
	ch := &core.Challenge{Value: value}
	var ceremony string
	err := r.db.QueryRowContext(ctx, `
		update webauthn_challenges set used = true, used_at = $2
		where value = $1 and used = false and expires_at > $2
		returning ceremony, account_address, session_data, expires_at, created_at`,
		value, now).Scan(&ceremony, &ch.AccountAddress, &ch.SessionData, &ch.ExpiresAt, &ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, classifyUnusable(ctx, r.db,
			`select used, expires_at from webauthn_challenges where value = $1`, value, now)
	}
	if err != nil {
		return nil, err
	}
	ch.Ceremony = core.Ceremony(ceremony)
	return ch, nil
}

func (r pgChallenges) Prune(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `delete from webauthn_challenges where used = true or expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type pgRecoveryCodes struct{ db dbtx }

func (r pgRecoveryCodes) Create(ctx context.Context, code *core.RecoveryCode) error {
	_, err := r.db.ExecContext(ctx, `
		insert into recovery_codes(code_hash, account_address, expires_at, used, created_at)
		values ($1, $2, $3, false, $4)`,
		code.CodeHash, code.AccountAddress, code.ExpiresAt, code.CreatedAt)
	if isUniqueViolation(err) {
		return core.ErrAlreadyUsed
	}
	return err
}

func (r pgRecoveryCodes) Redeem(ctx context.Context, codeHash string, now time.Time) (*core.RecoveryCode, error) {
	code := &core.RecoveryCode{CodeHash: codeHash, Used: true, UsedAt: &now}
	err := r.db.QueryRowContext(ctx, `
		update recovery_codes set used = true, used_at = $2
		where code_hash = $1 and used = false and expires_at > $2
		returning account_address, expires_at, created_at`,
		codeHash, now).Scan(&code.AccountAddress, &code.ExpiresAt, &code.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, classifyUnusable(ctx, r.db,
			`select used, expires_at from recovery_codes where code_hash = $1`, codeHash, now)
	}
	if err != nil {
		return nil, err
	}
	return code, nil
}

type pgRecoveryTokens struct{ db dbtx }

func (r pgRecoveryTokens) Create(ctx context.Context, token *core.RecoveryToken) error {
	_, err := r.db.ExecContext(ctx, `
		insert into recovery_tokens(id, kind, account_address, credential_id, issued_at, expires_at, used)
		values ($1, $2, $3, $4, $5, $6, false)`,
		token.ID, string(token.Kind), token.AccountAddress, token.CredentialID, token.IssuedAt, token.ExpiresAt)
	if isUniqueViolation(err) {
		return core.ErrAlreadyUsed
	}
	return err
}

func (r pgRecoveryTokens) MarkUsed(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		update recovery_tokens set used = true, used_at = $2
		where id = $1 and used = false and expires_at > $2`, id, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return classifyUnusable(ctx, r.db, `select used, expires_at from recovery_tokens where id = $1`, id, now)
}

type pgCredentials struct{ db dbtx }

const credentialColumns = `id, account_address, user_handle, public_key, sign_count, user_present, user_verified,
	backup_eligible, backed_up, transports, attestation_type, aaguid, display_name, signer_address,
	created_at, last_used_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*core.Credential, error) {
	var (
		c          core.Credential
		signCount  int64
		transports string
		lastUsedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.AccountAddress, &c.UserHandle, &c.PublicKey, &signCount, &c.UserPresent,
		&c.UserVerified, &c.BackupEligible, &c.BackedUp, &transports, &c.AttestationType, &c.AAGUID,
		&c.DisplayName, &c.SignerAddress, &c.CreatedAt, &lastUsedAt)
	if err != nil {
		return nil, err
	}
	c.SignCount = uint32(signCount)
	if transports != "" {
		c.Transports = strings.Split(transports, ",")
	}
	c.LastUsedAt = timePtr(lastUsedAt)
	return &c, nil
}

func (r pgCredentials) Create(ctx context.Context, c *core.Credential) error {
	_, err := r.db.ExecContext(ctx, `insert into credentials(`+credentialColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		c.ID, c.AccountAddress, c.UserHandle, c.PublicKey, int64(c.SignCount), c.UserPresent, c.UserVerified,
		c.BackupEligible, c.BackedUp, strings.Join(c.Transports, ","), c.AttestationType, c.AAGUID,
		c.DisplayName, c.SignerAddress, c.CreatedAt, nullTime(c.LastUsedAt))
	if isUniqueViolation(err) {
		return core.ErrCredentialExists
	}
	return err
}

func (r pgCredentials) Find(ctx context.Context, id string) (*core.Credential, error) {
	c, err := scanCredential(r.db.QueryRowContext(ctx,
		`select `+credentialColumns+` from credentials where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return c, err
}

func (r pgCredentials) ListByAccount(ctx context.Context, address string) ([]*core.Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		`select `+credentialColumns+` from credentials where account_address = $1 order by created_at, id`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (r pgCredentials) UpdateUsage(ctx context.Context, id string, signCount uint32, backedUp bool, usedAt time.Time) error {
	return expectOne(r.db.ExecContext(ctx,
		`update credentials set sign_count = $2, backed_up = $3, last_used_at = $4 where id = $1`,
		id, int64(signCount), backedUp, usedAt))
}

func (r pgCredentials) Repoint(ctx context.Context, id, address string) error {
	return expectOne(r.db.ExecContext(ctx,
		`update credentials set account_address = $2 where id = $1`, id, address))
}

func (r pgCredentials) Delete(ctx context.Context, id string) error {
	return expectOne(r.db.ExecContext(ctx, `delete from credentials where id = $1`, id))
}

type pgAccounts struct{ db dbtx }

func (r pgAccounts) Find(ctx context.Context, address string) (*core.Account, error) {
	var (
		acc          = core.Account{Address: address}
		firstLoginAt sql.NullTime
		lastLoginAt  sql.NullTime
		wallet       sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		select login_count, first_login_at, last_login_at, wallet_address, created_at, updated_at
		from accounts where address = $1`, address).
		Scan(&acc.LoginCount, &firstLoginAt, &lastLoginAt, &wallet, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.FirstLoginAt = timePtr(firstLoginAt)
	acc.LastLoginAt = timePtr(lastLoginAt)
	acc.WalletAddress = wallet.String
	return &acc, nil
}

func (r pgAccounts) Create(ctx context.Context, acc *core.Account) error {
	var wallet sql.NullString
	if acc.WalletAddress != "" {
		wallet = sql.NullString{String: acc.WalletAddress, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		insert into accounts(address, login_count, first_login_at, last_login_at, wallet_address, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (address) do nothing`,
		acc.Address, acc.LoginCount, nullTime(acc.FirstLoginAt), nullTime(acc.LastLoginAt), wallet,
		acc.CreatedAt, acc.UpdatedAt)
	return err
}

func (r pgAccounts) RecordLogin(ctx context.Context, address string, at time.Time) error {
	return expectOne(r.db.ExecContext(ctx, `
		update accounts set login_count = login_count + 1,
			first_login_at = coalesce(first_login_at, $2),
			last_login_at = $2,
			updated_at = $2
		where address = $1`, address, at))
}

func (r pgAccounts) SetWallet(ctx context.Context, address, wallet string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`update accounts set wallet_address = $2 where address = $1 and wallet_address is null`, address, wallet)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
