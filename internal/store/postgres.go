package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/model"
)

// Schema is the DDL PostgresStore expects. Monetary values are NUMERIC;
// per-manager and per-account maps are JSONB with decimal strings.
const Schema = `
CREATE TABLE IF NOT EXISTS trading_accounts (
	account_number     BIGINT PRIMARY KEY,
	fund_code          TEXT NOT NULL,
	manager            TEXT NOT NULL DEFAULT '',
	capital_source     TEXT NOT NULL,
	source_override    BOOLEAN NOT NULL DEFAULT FALSE,
	initial_allocation NUMERIC,
	balance            NUMERIC NOT NULL DEFAULT 0,
	equity             NUMERIC NOT NULL DEFAULT 0,
	snapshot_at        TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
);
CREATE INDEX IF NOT EXISTS trading_accounts_fund_idx ON trading_accounts (fund_code);

CREATE TABLE IF NOT EXISTS operator_commands (
	id             UUID PRIMARY KEY,
	kind           TEXT NOT NULL,
	account_number BIGINT NOT NULL,
	actor          TEXT NOT NULL,
	reason         TEXT NOT NULL,
	at             TIMESTAMPTZ NOT NULL,
	from_source    TEXT NOT NULL DEFAULT '',
	to_source      TEXT NOT NULL DEFAULT '',
	override       BOOLEAN NOT NULL DEFAULT FALSE,
	from_amount    NUMERIC,
	to_amount      NUMERIC
);
CREATE INDEX IF NOT EXISTS operator_commands_account_idx ON operator_commands (account_number, at);

CREATE TABLE IF NOT EXISTS allocation_state (
	fund_code           TEXT PRIMARY KEY,
	total_capital       NUMERIC NOT NULL,
	allocated_capital   NUMERIC NOT NULL,
	unallocated_capital NUMERIC NOT NULL,
	manager_allocations JSONB NOT NULL DEFAULT '{}',
	manager_results     JSONB NOT NULL DEFAULT '{}',
	version             BIGINT NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS allocation_history (
	id           UUID PRIMARY KEY,
	fund_code    TEXT NOT NULL REFERENCES allocation_state (fund_code),
	timestamp    TIMESTAMPTZ NOT NULL,
	action       TEXT NOT NULL,
	manager      TEXT NOT NULL DEFAULT '',
	amount       NUMERIC NOT NULL,
	distribution JSONB,
	actor        TEXT NOT NULL DEFAULT '',
	note         TEXT NOT NULL DEFAULT '',
	version      BIGINT NOT NULL,
	UNIQUE (fund_code, version)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Accounts ---

const accountColumns = `account_number, fund_code, manager, capital_source, source_override,
		        initial_allocation::TEXT, balance::TEXT, equity::TEXT, snapshot_at`

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.TradingAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trading_accounts (account_number, fund_code, manager, capital_source, source_override,
		                               initial_allocation, balance, equity, snapshot_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		a.AccountNumber, a.FundCode, a.Manager, string(a.CapitalSource), a.SourceOverride,
		nullableDecimal(a.InitialAllocation), a.Balance.String(), a.Equity.String(), a.SnapshotAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("account %d: %w", a.AccountNumber, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, number int64) (*model.TradingAccount, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM trading_accounts WHERE account_number = $1`, number)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", number, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", number, err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.TradingAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM trading_accounts ORDER BY account_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccounts(rows)
}

func (s *PostgresStore) ListAccountsByFund(ctx context.Context, fundCode string) ([]model.TradingAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM trading_accounts WHERE fund_code = $1 ORDER BY account_number`, fundCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccounts(rows)
}

func (s *PostgresStore) UpdateSnapshot(ctx context.Context, number int64, balance, equity decimal.Decimal, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trading_accounts
		 SET balance = $2::NUMERIC, equity = $3::NUMERIC, snapshot_at = $4
		 WHERE account_number = $1`,
		number, balance.String(), equity.String(), at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %d: %w", number, ErrNotFound)
	}
	return nil
}

// --- Operator commands ---

func (s *PostgresStore) ApplyOperatorCommand(ctx context.Context, cmd *model.OperatorCommand, a *model.TradingAccount) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after Commit

	if cmd.Kind == model.CommandOnboard {
		_, err = tx.Exec(ctx,
			`INSERT INTO trading_accounts (account_number, fund_code, manager, capital_source, source_override, initial_allocation)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC)`,
			a.AccountNumber, a.FundCode, a.Manager, string(a.CapitalSource), a.SourceOverride,
			nullableDecimal(a.InitialAllocation),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("account %d: %w", a.AccountNumber, ErrDuplicate)
		}
		if err != nil {
			return err
		}
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE trading_accounts
			 SET fund_code = $2, manager = $3, capital_source = $4, source_override = $5,
			     initial_allocation = $6::NUMERIC
			 WHERE account_number = $1`,
			a.AccountNumber, a.FundCode, a.Manager, string(a.CapitalSource), a.SourceOverride,
			nullableDecimal(a.InitialAllocation),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("account %d: %w", a.AccountNumber, ErrNotFound)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO operator_commands (id, kind, account_number, actor, reason, at,
		                                from_source, to_source, override, from_amount, to_amount)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC)`,
		cmd.ID, string(cmd.Kind), cmd.AccountNumber, cmd.Actor, cmd.Reason, cmd.At,
		string(cmd.FromSource), string(cmd.ToSource), cmd.Override,
		nullableDecimal(cmd.FromAmount), nullableDecimal(cmd.ToAmount),
	)
	if err != nil {
		return fmt.Errorf("insert operator command: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListOperatorCommands(ctx context.Context, number int64) ([]model.OperatorCommand, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, kind, account_number, actor, reason, at, from_source, to_source, override,
		        from_amount::TEXT, to_amount::TEXT
		 FROM operator_commands
		 WHERE $1::BIGINT = 0 OR account_number = $1::BIGINT
		 ORDER BY at, id`, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []model.OperatorCommand
	for rows.Next() {
		var c model.OperatorCommand
		var kind, from, to string
		var fromAmt, toAmt *string
		if err := rows.Scan(&c.ID, &kind, &c.AccountNumber, &c.Actor, &c.Reason, &c.At,
			&from, &to, &c.Override, &fromAmt, &toAmt); err != nil {
			return nil, err
		}
		c.Kind = model.CommandKind(kind)
		c.FromSource = model.CapitalSource(from)
		c.ToSource = model.CapitalSource(to)
		c.FromAmount = parseNullable(fromAmt)
		c.ToAmount = parseNullable(toAmt)
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

// --- Allocation ledger ---

func (s *PostgresStore) CreateFund(ctx context.Context, st *model.AllocationState, entry *model.AllocationHistoryEntry) error {
	allocs, results, err := marshalManagers(st)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after Commit

	_, err = tx.Exec(ctx,
		`INSERT INTO allocation_state (fund_code, total_capital, allocated_capital, unallocated_capital,
		                               manager_allocations, manager_results, version, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::JSONB, $6::JSONB, $7, $8)`,
		st.FundCode, st.TotalCapital.String(), st.AllocatedCapital.String(), st.UnallocatedCapital.String(),
		allocs, results, st.Version, st.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("fund %s: %w", st.FundCode, ErrDuplicate)
	}
	if err != nil {
		return err
	}
	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetAllocationState(ctx context.Context, fundCode string) (*model.AllocationState, error) {
	var st model.AllocationState
	var total, allocated, unallocated, allocs, results string

	err := s.pool.QueryRow(ctx,
		`SELECT fund_code, total_capital::TEXT, allocated_capital::TEXT, unallocated_capital::TEXT,
		        manager_allocations::TEXT, manager_results::TEXT, version, updated_at
		 FROM allocation_state WHERE fund_code = $1`, fundCode).
		Scan(&st.FundCode, &total, &allocated, &unallocated, &allocs, &results, &st.Version, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("fund %s: %w", fundCode, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get allocation state %s: %w", fundCode, err)
	}

	st.TotalCapital, _ = decimal.NewFromString(total)
	st.AllocatedCapital, _ = decimal.NewFromString(allocated)
	st.UnallocatedCapital, _ = decimal.NewFromString(unallocated)
	if err := json.Unmarshal([]byte(allocs), &st.ManagerAllocations); err != nil {
		return nil, fmt.Errorf("decode manager allocations for %s: %w", fundCode, err)
	}
	if err := json.Unmarshal([]byte(results), &st.ManagerResults); err != nil {
		return nil, fmt.Errorf("decode manager results for %s: %w", fundCode, err)
	}
	return &st, nil
}

func (s *PostgresStore) ListFunds(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT fund_code FROM allocation_state ORDER BY fund_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// CommitAllocation guards the update with WHERE version = expected so two
// writers racing past the application lock cannot both succeed.
func (s *PostgresStore) CommitAllocation(ctx context.Context, next *model.AllocationState, entry *model.AllocationHistoryEntry, expectedVersion int64) error {
	allocs, results, err := marshalManagers(next)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after Commit

	tag, err := tx.Exec(ctx,
		`UPDATE allocation_state
		 SET total_capital = $2::NUMERIC, allocated_capital = $3::NUMERIC, unallocated_capital = $4::NUMERIC,
		     manager_allocations = $5::JSONB, manager_results = $6::JSONB, version = $7, updated_at = $8
		 WHERE fund_code = $1 AND version = $9`,
		next.FundCode, next.TotalCapital.String(), next.AllocatedCapital.String(), next.UnallocatedCapital.String(),
		allocs, results, next.Version, next.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM allocation_state WHERE fund_code = $1)`, next.FundCode).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("fund %s: %w", next.FundCode, ErrNotFound)
		}
		return fmt.Errorf("fund %s expected version %d: %w", next.FundCode, expectedVersion, ErrVersionConflict)
	}
	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListAllocationHistory(ctx context.Context, fundCode string) ([]model.AllocationHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, fund_code, timestamp, action, manager, amount::TEXT,
		        COALESCE(distribution::TEXT, ''), actor, note, version
		 FROM allocation_history WHERE fund_code = $1 ORDER BY version`, fundCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AllocationHistoryEntry
	for rows.Next() {
		var e model.AllocationHistoryEntry
		var action, amount, dist string
		if err := rows.Scan(&e.ID, &e.FundCode, &e.Timestamp, &action, &e.Manager, &amount,
			&dist, &e.Actor, &e.Note, &e.Version); err != nil {
			return nil, err
		}
		e.Action = model.AllocationAction(action)
		e.Amount, _ = decimal.NewFromString(amount)
		if dist != "" {
			if err := json.Unmarshal([]byte(dist), &e.Distribution); err != nil {
				return nil, fmt.Errorf("decode distribution of entry %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Helpers ---

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...any) error
}

func scanAccount(row pgxRow) (model.TradingAccount, error) {
	var a model.TradingAccount
	var source string
	var initial *string
	var balance, equity string
	if err := row.Scan(&a.AccountNumber, &a.FundCode, &a.Manager, &source, &a.SourceOverride,
		&initial, &balance, &equity, &a.SnapshotAt); err != nil {
		return model.TradingAccount{}, err
	}
	a.CapitalSource = model.CapitalSource(source)
	a.InitialAllocation = parseNullable(initial)
	a.Balance, _ = decimal.NewFromString(balance)
	a.Equity, _ = decimal.NewFromString(equity)
	return a, nil
}

func scanAccounts(rows pgx.Rows) ([]model.TradingAccount, error) {
	var accounts []model.TradingAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func insertHistory(ctx context.Context, tx pgx.Tx, e *model.AllocationHistoryEntry) error {
	var dist any
	if len(e.Distribution) > 0 {
		data, err := json.Marshal(e.Distribution)
		if err != nil {
			return fmt.Errorf("encode distribution: %w", err)
		}
		dist = string(data)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO allocation_history (id, fund_code, timestamp, action, manager, amount,
		                                 distribution, actor, note, version)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::JSONB, $8, $9, $10)`,
		e.ID, e.FundCode, e.Timestamp, string(e.Action), e.Manager, e.Amount.String(),
		dist, e.Actor, e.Note, e.Version,
	)
	if err != nil {
		return fmt.Errorf("insert allocation history: %w", err)
	}
	return nil
}

func marshalManagers(st *model.AllocationState) (allocs, results string, err error) {
	a, err := json.Marshal(nonNilMap(st.ManagerAllocations))
	if err != nil {
		return "", "", fmt.Errorf("encode manager allocations: %w", err)
	}
	r, err := json.Marshal(nonNilMap(st.ManagerResults))
	if err != nil {
		return "", "", fmt.Errorf("encode manager results: %w", err)
	}
	return string(a), string(r), nil
}

func nonNilMap(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	if m == nil {
		return map[string]decimal.Decimal{}
	}
	return m
}

func nullableDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseNullable(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
