package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/multierr"

	"github.com/atmx/stockdex/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Every Atomic call runs as one SERIALIZABLE transaction that locks the rows
// it reads; serialization failures are retried as ErrConflict.
// Unsigned quantities are stored as NUMERIC(20,0) and moved as text.
type PostgresStore struct {
	pool        *pgxpool.Pool
	q           pgQueries
	maxAttempts int
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, maxAttempts int) *PostgresStore {
	return &PostgresStore{
		pool:        pool,
		q:           pgQueries{q: pool},
		maxAttempts: maxAttempts,
	}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, name := range files {
		ddl, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(ddl)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return retry(ctx, s.maxAttempts, func() error {
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			return fn(ctx, &pgTx{pgQueries{q: tx, forUpdate: " FOR UPDATE"}})
		})
		return mapConflict(err)
	})
}

func (s *PostgresStore) GetStock(ctx context.Context, id string) (*model.Stock, error) {
	return s.q.GetStock(ctx, id)
}

func (s *PostgresStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	return s.q.ListStocks(ctx)
}

func (s *PostgresStore) GetPosition(ctx context.Context, owner, stockID string) (*model.StockPosition, error) {
	return s.q.GetPosition(ctx, owner, stockID)
}

func (s *PostgresStore) ListPositionsByOwner(ctx context.Context, owner string) ([]model.StockPosition, error) {
	return s.q.listPositions(ctx, "owner = $1", owner)
}

func (s *PostgresStore) ListPositionsByStock(ctx context.Context, stockID string) ([]model.StockPosition, error) {
	return s.q.listPositions(ctx, "stock_id = $1", stockID)
}

func (s *PostgresStore) GetOffer(ctx context.Context, id string) (*model.Offer, error) {
	return s.q.GetOffer(ctx, id)
}

func (s *PostgresStore) ListOffers(ctx context.Context, f OfferFilter) ([]model.Offer, error) {
	return s.q.listOffers(ctx, f)
}

func (s *PostgresStore) GetStats(ctx context.Context) (*model.MarketStats, error) {
	return s.q.GetStats(ctx)
}

func (s *PostgresStore) GetAccount(ctx context.Context, owner string) (*model.Account, error) {
	return s.q.GetAccount(ctx, owner)
}

func (s *PostgresStore) ListTradesByStock(ctx context.Context, stockID string) ([]model.Trade, error) {
	return s.q.listTrades(ctx, stockID)
}

// pgTx adapts one open pgx transaction to Tx.
type pgTx struct {
	pgQueries
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgQueries holds the SQL for every record type. forUpdate is appended to
// single-row reads inside a transaction.
type pgQueries struct {
	q         querier
	forUpdate string
}

const stockCols = `id, name, symbol, total_supply::TEXT, available_supply::TEXT,
	current_price::TEXT, authority, traded_volume::TEXT, created_at`

func (p pgQueries) GetStock(ctx context.Context, id string) (*model.Stock, error) {
	row := p.q.QueryRow(ctx, `SELECT `+stockCols+` FROM stocks WHERE id = $1`+p.forUpdate, id)
	st, err := scanStock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("stock", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get stock %s: %w", id, err)
	}
	return st, nil
}

func (p pgQueries) ListStocks(ctx context.Context) ([]model.Stock, error) {
	rows, err := p.q.Query(ctx, `SELECT `+stockCols+` FROM stocks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stocks []model.Stock
	for rows.Next() {
		st, err := scanStock(rows)
		if err != nil {
			return nil, err
		}
		stocks = append(stocks, *st)
	}
	return stocks, rows.Err()
}

func (p pgQueries) InsertStock(ctx context.Context, st *model.Stock) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO stocks (id, name, symbol, total_supply, available_supply, current_price, authority, traded_volume, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9)`,
		st.ID, st.Name, st.Symbol,
		u64s(st.TotalSupply), u64s(st.AvailableSupply), u64s(st.CurrentPrice),
		st.Authority, u64s(st.TradedVolume), st.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("stock %s: %w", st.ID, ErrAlreadyExists)
	}
	return err
}

func (p pgQueries) UpdateStock(ctx context.Context, st *model.Stock) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE stocks
		 SET available_supply = $2::NUMERIC, current_price = $3::NUMERIC, traded_volume = $4::NUMERIC
		 WHERE id = $1`,
		st.ID, u64s(st.AvailableSupply), u64s(st.CurrentPrice), u64s(st.TradedVolume),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("stock", st.ID)
	}
	return nil
}

const positionCols = `owner, stock_id, amount::TEXT, entry_price::TEXT, updated_at`

func (p pgQueries) GetPosition(ctx context.Context, owner, stockID string) (*model.StockPosition, error) {
	row := p.q.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE owner = $1 AND stock_id = $2`+p.forUpdate,
		owner, stockID)
	pos, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("position", owner+"/"+stockID)
	}
	return pos, err
}

func (p pgQueries) listPositions(ctx context.Context, where string, arg string) ([]model.StockPosition, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE `+where+` ORDER BY stock_id, owner`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.StockPosition
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *pos)
	}
	return positions, rows.Err()
}

func (p pgQueries) PutPosition(ctx context.Context, pos *model.StockPosition) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO positions (owner, stock_id, amount, entry_price, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (owner, stock_id)
		 DO UPDATE SET amount = EXCLUDED.amount, entry_price = EXCLUDED.entry_price, updated_at = EXCLUDED.updated_at`,
		pos.Owner, pos.StockID, u64s(pos.Amount), u64s(pos.EntryPrice), pos.UpdatedAt,
	)
	return err
}

func (p pgQueries) DeletePosition(ctx context.Context, owner, stockID string) error {
	_, err := p.q.Exec(ctx, `DELETE FROM positions WHERE owner = $1 AND stock_id = $2`, owner, stockID)
	return err
}

const offerCols = `id, is_buy, maker, stock_id, amount::TEXT, price::TEXT,
	is_active, status, taker, created_at, closed_at`

func (p pgQueries) GetOffer(ctx context.Context, id string) (*model.Offer, error) {
	row := p.q.QueryRow(ctx, `SELECT `+offerCols+` FROM offers WHERE id = $1`+p.forUpdate, id)
	o, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("offer", id)
	}
	return o, err
}

func (p pgQueries) listOffers(ctx context.Context, f OfferFilter) ([]model.Offer, error) {
	query := `SELECT ` + offerCols + ` FROM offers
		WHERE ($1 = '' OR stock_id = $1) AND ($2 = '' OR maker = $2) AND (NOT $3 OR is_active)
		ORDER BY created_at, id`
	rows, err := p.q.Query(ctx, query, f.StockID, f.Maker, f.ActiveOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, *o)
	}
	return offers, rows.Err()
}

func (p pgQueries) InsertOffer(ctx context.Context, o *model.Offer) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO offers (id, is_buy, maker, stock_id, amount, price, is_active, status, taker, created_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11)`,
		o.ID, o.IsBuy, o.Maker, o.StockID, u64s(o.Amount), u64s(o.Price),
		o.IsActive, string(o.Status), o.Taker, o.CreatedAt, o.ClosedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("offer %s: %w", o.ID, ErrAlreadyExists)
	}
	return err
}

func (p pgQueries) UpdateOffer(ctx context.Context, o *model.Offer) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE offers SET is_active = $2, status = $3, taker = $4, closed_at = $5 WHERE id = $1`,
		o.ID, o.IsActive, string(o.Status), o.Taker, o.ClosedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("offer", o.ID)
	}
	return nil
}

func (p pgQueries) GetStats(ctx context.Context) (*model.MarketStats, error) {
	var st model.MarketStats
	var stocks, volume, txs string
	var buckets []byte
	err := p.q.QueryRow(ctx,
		`SELECT total_stocks::TEXT, total_volume_24h::TEXT, total_transactions::TEXT,
		        highest_valued_stock, most_traded_stock, volume_buckets, updated_at
		 FROM market_stats WHERE id = 1`+p.forUpdate).
		Scan(&stocks, &volume, &txs, &st.HighestValuedStock, &st.MostTradedStock, &buckets, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("stats", "singleton")
	}
	if err != nil {
		return nil, err
	}
	err = multierr.Combine(
		parseU64(stocks, &st.TotalStocks),
		parseU64(volume, &st.TotalVolume24h),
		parseU64(txs, &st.TotalTransactions),
		json.Unmarshal(buckets, &st.VolumeBuckets),
	)
	return &st, err
}

func (p pgQueries) PutStats(ctx context.Context, st *model.MarketStats) error {
	buckets, err := json.Marshal(st.VolumeBuckets)
	if err != nil {
		return err
	}
	_, err = p.q.Exec(ctx,
		`INSERT INTO market_stats (id, total_stocks, total_volume_24h, total_transactions,
		                           highest_valued_stock, most_traded_stock, volume_buckets, updated_at)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		     total_stocks = EXCLUDED.total_stocks,
		     total_volume_24h = EXCLUDED.total_volume_24h,
		     total_transactions = EXCLUDED.total_transactions,
		     highest_valued_stock = EXCLUDED.highest_valued_stock,
		     most_traded_stock = EXCLUDED.most_traded_stock,
		     volume_buckets = EXCLUDED.volume_buckets,
		     updated_at = EXCLUDED.updated_at`,
		u64s(st.TotalStocks), u64s(st.TotalVolume24h), u64s(st.TotalTransactions),
		st.HighestValuedStock, st.MostTradedStock, buckets, st.UpdatedAt,
	)
	return err
}

func (p pgQueries) GetAccount(ctx context.Context, owner string) (*model.Account, error) {
	var balance string
	err := p.q.QueryRow(ctx, `SELECT balance::TEXT FROM accounts WHERE owner = $1`+p.forUpdate, owner).
		Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("account", owner)
	}
	if err != nil {
		return nil, err
	}
	a := &model.Account{Owner: owner}
	return a, parseU64(balance, &a.Balance)
}

func (p pgQueries) PutAccount(ctx context.Context, a *model.Account) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO accounts (owner, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (owner) DO UPDATE SET balance = EXCLUDED.balance`,
		a.Owner, u64s(a.Balance),
	)
	return err
}

func (p pgQueries) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO trades (id, offer_id, stock_id, buyer, seller, amount, price, notional, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		t.ID, t.OfferID, t.StockID, t.Buyer, t.Seller,
		u64s(t.Amount), u64s(t.Price), u64s(t.Notional), t.ExecutedAt,
	)
	return err
}

func (p pgQueries) listTrades(ctx context.Context, stockID string) ([]model.Trade, error) {
	rows, err := p.q.Query(ctx,
		`SELECT id, offer_id, stock_id, buyer, seller,
		        amount::TEXT, price::TEXT, notional::TEXT, executed_at
		 FROM trades WHERE stock_id = $1 ORDER BY executed_at, id`, stockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var amount, price, notional string
		if err := rows.Scan(&t.ID, &t.OfferID, &t.StockID, &t.Buyer, &t.Seller,
			&amount, &price, &notional, &t.ExecutedAt); err != nil {
			return nil, err
		}
		if err := multierr.Combine(
			parseU64(amount, &t.Amount),
			parseU64(price, &t.Price),
			parseU64(notional, &t.Notional),
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- scanning helpers ---

func scanStock(row pgx.Row) (*model.Stock, error) {
	var st model.Stock
	var total, avail, price, volume string
	if err := row.Scan(&st.ID, &st.Name, &st.Symbol, &total, &avail, &price,
		&st.Authority, &volume, &st.CreatedAt); err != nil {
		return nil, err
	}
	err := multierr.Combine(
		parseU64(total, &st.TotalSupply),
		parseU64(avail, &st.AvailableSupply),
		parseU64(price, &st.CurrentPrice),
		parseU64(volume, &st.TradedVolume),
	)
	return &st, err
}

func scanPosition(row pgx.Row) (*model.StockPosition, error) {
	var pos model.StockPosition
	var amount, entry string
	if err := row.Scan(&pos.Owner, &pos.StockID, &amount, &entry, &pos.UpdatedAt); err != nil {
		return nil, err
	}
	err := multierr.Combine(
		parseU64(amount, &pos.Amount),
		parseU64(entry, &pos.EntryPrice),
	)
	return &pos, err
}

func scanOffer(row pgx.Row) (*model.Offer, error) {
	var o model.Offer
	var amount, price, status string
	if err := row.Scan(&o.ID, &o.IsBuy, &o.Maker, &o.StockID, &amount, &price,
		&o.IsActive, &status, &o.Taker, &o.CreatedAt, &o.ClosedAt); err != nil {
		return nil, err
	}
	o.Status = model.OfferStatus(status)
	err := multierr.Combine(
		parseU64(amount, &o.Amount),
		parseU64(price, &o.Price),
	)
	return &o, err
}

func u64s(v uint64) string { return strconv.FormatUint(v, 10) }

func parseU64(s string, dst *uint64) error {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse numeric %q: %w", s, err)
	}
	*dst = v
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapConflict turns serialization and deadlock failures into ErrConflict.
func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
	}
	return err
}
