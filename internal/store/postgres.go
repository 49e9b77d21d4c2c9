package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates any missing tables. Safe to run on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// --- Events ---

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.WreckageEvent) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO wreckage_events (id, submitter, direction, venue_hint, asset, amount, decimals,
		                              amount_usd, price_as_of, sequence, verified, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Submitter, string(e.Direction), e.VenueHint, e.Asset,
		e.Amount.String(), e.Decimals, e.AmountUSD.String(), e.PriceAsOf,
		int64(e.Sequence), e.Verified, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", e.ID, model.ErrDuplicateEvent)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.WreckageEvent, error) {
	var e model.WreckageEvent
	var direction, amount, amountUSD string
	var seq int64

	err := s.pool.QueryRow(ctx,
		`SELECT id, submitter, direction, venue_hint, asset, amount::TEXT, decimals,
		        amount_usd::TEXT, price_as_of, sequence, verified, timestamp
		 FROM wreckage_events WHERE id = $1`, id).
		Scan(&e.ID, &e.Submitter, &direction, &e.VenueHint, &e.Asset, &amount, &e.Decimals,
			&amountUSD, &e.PriceAsOf, &seq, &e.Verified, &e.Timestamp)
	if err != nil {
		return nil, notFound(err, "event", id)
	}

	e.Direction = model.Direction(direction)
	e.Amount, _ = decimal.NewFromString(amount)
	e.AmountUSD, _ = decimal.NewFromString(amountUSD)
	e.Sequence = uint64(seq)
	return &e, nil
}

// --- Positions ---

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, event_id, parent_id, submitter, direction, asset, venue_hint,
		                        amount_usd, status, matched, match_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, matched = EXCLUDED.matched, match_id = EXCLUDED.match_id`,
		p.ID, p.EventID, p.ParentID, p.Submitter, string(p.Direction), p.Asset, p.VenueHint,
		p.AmountUSD.String(), string(p.Status), p.Matched, p.MatchID, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.ID, err)
	}
	return nil
}

const positionColumns = `id, event_id, parent_id, submitter, direction, asset, venue_hint,
		        amount_usd::TEXT, status, matched, match_id, created_at`

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		return nil, notFound(err, "position", id)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, status model.PositionStatus) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status = $1 ORDER BY created_at, id`,
		string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- Matches ---

func (s *PostgresStore) InsertMatch(ctx context.Context, m *model.Match) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO matches (id, position_a_id, position_b_id, asset, matched_amount, mint_a, mint_b, forced, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		m.ID, m.PositionAID, m.PositionBID, m.Asset,
		m.MatchedAmount.String(), m.MintA.String(), m.MintB.String(), m.Forced, m.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListMatches(ctx context.Context, limit int) ([]model.Match, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_a_id, position_b_id, asset,
		        matched_amount::TEXT, mint_a::TEXT, mint_b::TEXT, forced, timestamp
		 FROM matches ORDER BY timestamp DESC LIMIT $1`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []model.Match
	for rows.Next() {
		var m model.Match
		var amount, mintA, mintB string
		if err := rows.Scan(&m.ID, &m.PositionAID, &m.PositionBID, &m.Asset,
			&amount, &mintA, &mintB, &m.Forced, &m.Timestamp); err != nil {
			return nil, err
		}
		m.MatchedAmount, _ = decimal.NewFromString(amount)
		m.MintA, _ = decimal.NewFromString(mintA)
		m.MintB, _ = decimal.NewFromString(mintB)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// --- Routes ---

func (s *PostgresStore) InsertRoute(ctx context.Context, r *model.Route) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO routes (id, event_id, position_id, venue_ids, total_cost_bps, amount_usd,
		                     mint_amount, efficiency, snapshot_version, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		r.ID, r.EventID, r.PositionID, r.VenueIDs,
		r.TotalCostBps.String(), r.AmountUSD.String(), r.MintAmount.String(), r.Efficiency.String(),
		int64(r.SnapshotVersion), r.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListRoutes(ctx context.Context, limit int) ([]model.Route, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, position_id, venue_ids, total_cost_bps::TEXT, amount_usd::TEXT,
		        mint_amount::TEXT, efficiency::TEXT, snapshot_version, timestamp
		 FROM routes ORDER BY timestamp DESC LIMIT $1`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []model.Route
	for rows.Next() {
		var r model.Route
		var cost, amount, mint, eff string
		var version int64
		if err := rows.Scan(&r.ID, &r.EventID, &r.PositionID, &r.VenueIDs, &cost, &amount,
			&mint, &eff, &version, &r.Timestamp); err != nil {
			return nil, err
		}
		r.TotalCostBps, _ = decimal.NewFromString(cost)
		r.AmountUSD, _ = decimal.NewFromString(amount)
		r.MintAmount, _ = decimal.NewFromString(mint)
		r.Efficiency, _ = decimal.NewFromString(eff)
		r.SnapshotVersion = uint64(version)
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// --- Mint records ---

func (s *PostgresStore) InsertMintRecord(ctx context.Context, r *model.MintRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO mint_records (id, recipient, amount_usd_input, amount_minted, path, ref,
		                           efficiency, native, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7::NUMERIC, $8, $9)`,
		r.ID, r.Recipient, r.AmountUSDInput.String(), r.AmountMinted.String(),
		string(r.Path), r.Ref, r.Efficiency.String(), r.Native, r.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListMintRecords(ctx context.Context, limit int) ([]model.MintRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, recipient, amount_usd_input::TEXT, amount_minted::TEXT, path, ref,
		        efficiency::TEXT, native, timestamp
		 FROM mint_records ORDER BY timestamp DESC LIMIT $1`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.MintRecord
	for rows.Next() {
		var r model.MintRecord
		var input, minted, path, eff string
		if err := rows.Scan(&r.ID, &r.Recipient, &input, &minted, &path, &r.Ref,
			&eff, &r.Native, &r.Timestamp); err != nil {
			return nil, err
		}
		r.AmountUSDInput, _ = decimal.NewFromString(input)
		r.AmountMinted, _ = decimal.NewFromString(minted)
		r.Efficiency, _ = decimal.NewFromString(eff)
		r.Path = model.PathKind(path)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) SumMinted(ctx context.Context) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_minted), 0)::TEXT FROM mint_records`).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum minted: %w", err)
	}
	return decimal.NewFromString(total)
}

func (s *PostgresStore) GetRecipientStats(ctx context.Context, recipient string) (*model.RecipientStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT path,
		        COUNT(*),
		        COALESCE(SUM(amount_usd_input), 0)::TEXT,
		        COALESCE(SUM(amount_minted), 0)::TEXT
		 FROM mint_records
		 WHERE recipient = $1
		 GROUP BY path`, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := newRecipientStats(recipient)
	for rows.Next() {
		var path, processedS, mintedS string
		var count int
		if err := rows.Scan(&path, &count, &processedS, &mintedS); err != nil {
			return nil, err
		}
		processed, _ := decimal.NewFromString(processedS)
		minted, _ := decimal.NewFromString(mintedS)

		stats.TotalProcessedUSD = stats.TotalProcessedUSD.Add(processed)
		stats.TotalMinted = stats.TotalMinted.Add(minted)
		stats.MintedByPath[model.PathKind(path)] = minted
		stats.MintCount += count
	}
	return stats, rows.Err()
}

// --- Audit ---

func (s *PostgresStore) InsertAudit(ctx context.Context, a *model.AuditRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_records (id, event_id, position_id, path, state, ref, detail, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.EventID, a.PositionID, string(a.Path), string(a.State), a.Ref, a.Detail, a.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, position_id, path, state, ref, detail, timestamp
		 FROM audit_records ORDER BY timestamp DESC LIMIT $1`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.AuditRecord
	for rows.Next() {
		var a model.AuditRecord
		var path, state string
		if err := rows.Scan(&a.ID, &a.EventID, &a.PositionID, &path, &state,
			&a.Ref, &a.Detail, &a.Timestamp); err != nil {
			return nil, err
		}
		a.Path = model.PathKind(path)
		a.State = model.SettlementState(state)
		records = append(records, a)
	}
	return records, rows.Err()
}

// --- Venues ---

func (s *PostgresStore) SaveVenue(ctx context.Context, v *model.Venue) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO venues (id, name, native_asset, capacity_usd, cost_bps, active, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name, native_asset = EXCLUDED.native_asset,
		     capacity_usd = EXCLUDED.capacity_usd, cost_bps = EXCLUDED.cost_bps,
		     active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		v.ID, v.Name, v.NativeAsset, v.CapacityUSD.String(), v.CostBps.String(), v.Active, v.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) ListVenues(ctx context.Context) ([]model.Venue, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, native_asset, capacity_usd::TEXT, cost_bps::TEXT, active, updated_at
		 FROM venues ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var venues []model.Venue
	for rows.Next() {
		var v model.Venue
		var capacity, cost string
		if err := rows.Scan(&v.ID, &v.Name, &v.NativeAsset, &capacity, &cost,
			&v.Active, &v.UpdatedAt); err != nil {
			return nil, err
		}
		v.CapacityUSD, _ = decimal.NewFromString(capacity)
		v.CostBps, _ = decimal.NewFromString(cost)
		venues = append(venues, v)
	}
	return venues, rows.Err()
}

// --- Role grants ---

func (s *PostgresStore) SaveRoleGrant(ctx context.Context, g *model.RoleGrant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO role_grants (actor, role, granted_by, granted_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (actor, role) DO UPDATE
		 SET granted_by = EXCLUDED.granted_by, granted_at = EXCLUDED.granted_at`,
		g.Actor, g.Role, g.GrantedBy, g.GrantedAt,
	)
	return err
}

func (s *PostgresStore) DeleteRoleGrant(ctx context.Context, actor, role string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM role_grants WHERE actor = $1 AND role = $2`, actor, role)
	return err
}

func (s *PostgresStore) ListRoleGrants(ctx context.Context) ([]model.RoleGrant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT actor, role, granted_by, granted_at FROM role_grants ORDER BY actor, role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []model.RoleGrant
	for rows.Next() {
		var g model.RoleGrant
		if err := rows.Scan(&g.Actor, &g.Role, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// --- Helpers ---

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var direction, amount, status string
	if err := row.Scan(&p.ID, &p.EventID, &p.ParentID, &p.Submitter, &direction, &p.Asset,
		&p.VenueHint, &amount, &status, &p.Matched, &p.MatchID, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Direction = model.Direction(direction)
	p.AmountUSD, _ = decimal.NewFromString(amount)
	p.Status = model.PositionStatus(status)
	return &p, nil
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", kind, id, err)
}

// sqlLimit maps "no limit" onto a value Postgres accepts for LIMIT.
func sqlLimit(limit int) int64 {
	if limit <= 0 {
		return 1 << 62
	}
	return int64(limit)
}
