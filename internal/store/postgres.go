package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/interest-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// SQLSTATE codes that mean "retry the whole transaction".
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables the engine needs if they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const marketColumns = `id, question, token, visibility, is_ranked,
		        prob::TEXT, status, resolution, resolution_prob::TEXT,
		        resolution_time, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, question, token, visibility, is_ranked, prob, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		m.ID, m.Question, m.Token, m.Visibility, m.IsRanked,
		m.Prob.String(), m.Status, m.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrMarketExists, m.ID)
	}
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)

	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketProb(ctx context.Context, id string, prob decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET prob = $2::NUMERIC WHERE id = $1`, id, prob.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	return nil
}

func (s *PostgresStore) ResolveMarket(ctx context.Context, id string, res model.Resolution) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET status = $2, resolution = $3, resolution_prob = $4::NUMERIC, resolution_time = $5
		 WHERE id = $1`,
		id, model.StatusResolved, res.Kind, nullableDecimal(res.Prob), res.Time)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	return nil
}

func (s *PostgresStore) ResolveAnswer(ctx context.Context, marketID, answerID string, res model.Resolution) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO answer_resolutions (market_id, answer_id, resolution, resolution_prob, resolution_time)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (market_id, answer_id) DO UPDATE
		 SET resolution = EXCLUDED.resolution,
		     resolution_prob = EXCLUDED.resolution_prob,
		     resolution_time = EXCLUDED.resolution_time`,
		marketID, answerID, res.Kind, nullableDecimal(res.Prob), res.Time)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	return err
}

func (s *PostgresStore) GetAnswerResolution(ctx context.Context, marketID, answerID string) (*model.Resolution, error) {
	var res model.Resolution
	var probS *string
	err := s.pool.QueryRow(ctx,
		`SELECT resolution, resolution_prob::TEXT, resolution_time
		 FROM answer_resolutions WHERE market_id = $1 AND answer_id = $2`,
		marketID, answerID).Scan(&res.Kind, &probS, &res.Time)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get answer resolution %s/%s: %w", marketID, answerID, err)
	}
	res.Prob = parseNullable(probS)
	return &res, nil
}

func (s *PostgresStore) InsertTradeEvent(ctx context.Context, e *model.TradeEvent) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO trade_events (id, market_id, answer_id, user_id, side, shares, prob_after,
		                           is_redemption, is_filled, is_cancelled, is_interest_claim, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12)
		 RETURNING seq`,
		e.ID, e.MarketID, e.AnswerID, e.UserID, e.Side,
		e.Shares.String(), nullableDecimal(e.ProbAfter),
		e.IsRedemption, e.IsFilled, e.IsCancelled, e.IsInterestClaim,
		e.CreatedAt,
	).Scan(&e.Seq)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, e.MarketID)
	}
	return err
}

func (s *PostgresStore) EventsFor(ctx context.Context, q model.EventQuery) ([]model.TradeEvent, error) {
	var until *time.Time
	if !q.Until.IsZero() {
		until = &q.Until
	}

	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, market_id, answer_id, user_id, side, shares::TEXT, prob_after::TEXT,
		        is_redemption, is_filled, is_cancelled, is_interest_claim, created_at
		 FROM trade_events
		 WHERE market_id = $1
		   AND ($2::TEXT = '' OR answer_id = $2)
		   AND ($3::TEXT = '' OR user_id = $3)
		   AND ($4::TIMESTAMPTZ IS NULL OR created_at <= $4)
		 ORDER BY created_at, seq`,
		q.MarketID, q.AnswerID, q.UserID, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeEvents(rows)
}

func (s *PostgresStore) SumPaid(ctx context.Context, scope model.Scope) (decimal.Decimal, error) {
	return sumPaidQuery(ctx, s.pool, scope)
}

func (s *PostgresStore) ListPayouts(ctx context.Context, userID string) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, answer_id, amount::TEXT, gross::TEXT, already_paid::TEXT,
		        yes_share_days::TEXT, no_share_days::TEXT, yes_value::TEXT, no_value::TEXT,
		        source, created_at
		 FROM interest_payouts WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []model.Payout
	for rows.Next() {
		var p model.Payout
		var amountS, grossS, paidS, yesSDS, noSDS, yesVS, noVS string
		if err := rows.Scan(&p.ID, &p.UserID, &p.MarketID, &p.AnswerID,
			&amountS, &grossS, &paidS, &yesSDS, &noSDS, &yesVS, &noVS,
			&p.Source, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Amount, _ = decimal.NewFromString(amountS)
		p.Gross, _ = decimal.NewFromString(grossS)
		p.AlreadyPaid, _ = decimal.NewFromString(paidS)
		p.YesShareDays, _ = decimal.NewFromString(yesSDS)
		p.NoShareDays, _ = decimal.NewFromString(noSDS)
		p.YesValue, _ = decimal.NewFromString(yesVS)
		p.NoValue, _ = decimal.NewFromString(noVS)
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT balance FROM balances WHERE user_id = $1), 0)::TEXT`, userID).
		Scan(&balS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", userID, err)
	}
	bal, _ := decimal.NewFromString(balS)
	return bal, nil
}

// RunSerializable runs fn in a SERIALIZABLE transaction. Serialization
// failures and deadlocks surface as ErrSerialization.
func (s *PostgresStore) RunSerializable(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// pgTx adapts pgx.Tx to the ledger Tx interface.
type pgTx struct {
	tx pgx.Tx
}

// LockScope takes a transaction-scoped advisory lock on the scope. The
// SERIALIZABLE snapshot is taken by this first statement, before the lock
// is granted, so a waiter can still read a stale ledger. The lock only
// cuts down on aborts; the 40001 failure and the caller's retry keep the
// ledger exact.
func (t *pgTx) LockScope(ctx context.Context, scope model.Scope) error {
	_, err := t.tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		scopeLockKey(scope))
	return err
}

func (t *pgTx) SumPaid(ctx context.Context, scope model.Scope) (decimal.Decimal, error) {
	return sumPaidQuery(ctx, t.tx, scope)
}

func (t *pgTx) PaidByUser(ctx context.Context, marketID, answerID string) (map[model.PayoutKey]decimal.Decimal, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT user_id, answer_id, COALESCE(SUM(amount), 0)::TEXT
		 FROM interest_payouts
		 WHERE market_id = $1 AND ($2::TEXT = '' OR answer_id = $2)
		 GROUP BY user_id, answer_id`, marketID, answerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paid := make(map[model.PayoutKey]decimal.Decimal)
	for rows.Next() {
		var k model.PayoutKey
		var sumS string
		if err := rows.Scan(&k.UserID, &k.AnswerID, &sumS); err != nil {
			return nil, err
		}
		paid[k], _ = decimal.NewFromString(sumS)
	}
	return paid, rows.Err()
}

func (t *pgTx) CreditPayout(ctx context.Context, p *model.Payout) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO interest_payouts (id, user_id, market_id, answer_id, amount, gross, already_paid,
		                               yes_share_days, no_share_days, yes_value, no_value, source, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
		p.ID, p.UserID, p.MarketID, p.AnswerID,
		p.Amount.String(), p.Gross.String(), p.AlreadyPaid.String(),
		p.YesShareDays.String(), p.NoShareDays.String(),
		p.YesValue.String(), p.NoValue.String(),
		p.Source, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payout %s: %w", p.ID, err)
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO balances (user_id, balance, updated_at)
		 VALUES ($1, $2::NUMERIC, NOW())
		 ON CONFLICT (user_id) DO UPDATE
		 SET balance = balances.balance + EXCLUDED.balance, updated_at = NOW()`,
		p.UserID, p.Amount.String())
	if err != nil {
		return fmt.Errorf("credit balance %s: %w", p.UserID, err)
	}
	return nil
}

// querier is the subset of pgxpool.Pool and pgx.Tx used for shared reads.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func sumPaidQuery(ctx context.Context, q querier, scope model.Scope) (decimal.Decimal, error) {
	var sumS string
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT
		 FROM interest_payouts
		 WHERE user_id = $1 AND market_id = $2 AND answer_id = $3`,
		scope.UserID, scope.MarketID, scope.AnswerID).Scan(&sumS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum paid: %w", err)
	}
	sum, _ := decimal.NewFromString(sumS)
	return sum, nil
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) &&
		(pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected) {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return err
}

func scopeLockKey(s model.Scope) string {
	return fmt.Sprintf("interest:%s:%s:%s", s.MarketID, s.AnswerID, s.UserID)
}

func nullableDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanMarket(row pgxRow) (*model.Market, error) {
	var m model.Market
	var probS string
	var resProbS *string

	if err := row.Scan(&m.ID, &m.Question, &m.Token, &m.Visibility, &m.IsRanked,
		&probS, &m.Status, &m.Resolution, &resProbS,
		&m.ResolutionTime, &m.CreatedAt); err != nil {
		return nil, err
	}

	m.Prob, _ = decimal.NewFromString(probS)
	m.ResolutionProb = parseNullable(resProbS)
	return &m, nil
}

// scanTradeEvents reads pgx rows into TradeEvent slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTradeEvents(rows pgxRows) ([]model.TradeEvent, error) {
	var events []model.TradeEvent
	for rows.Next() {
		var e model.TradeEvent
		var sharesS string
		var probS *string

		if err := rows.Scan(&e.Seq, &e.ID, &e.MarketID, &e.AnswerID, &e.UserID, &e.Side,
			&sharesS, &probS,
			&e.IsRedemption, &e.IsFilled, &e.IsCancelled, &e.IsInterestClaim,
			&e.CreatedAt); err != nil {
			return nil, err
		}

		e.Shares, _ = decimal.NewFromString(sharesS)
		e.ProbAfter = parseNullable(probS)
		events = append(events, e)
	}
	return events, rows.Err()
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
