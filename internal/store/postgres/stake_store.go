package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// StakeStore implements domain.StakeStore for one asset. Amounts are stored
// as NUMERIC(78,0) and cross the driver as decimal strings.
type StakeStore struct {
	pool  *pgxpool.Pool
	asset string
}

// NewStakeStore returns a store for asset, creating its pool row if needed.
func NewStakeStore(ctx context.Context, pool *pgxpool.Pool, asset string) (*StakeStore, error) {
	const query = `INSERT INTO stake_pool (asset) VALUES ($1) ON CONFLICT (asset) DO NOTHING`
	if _, err := pool.Exec(ctx, query, asset); err != nil {
		return nil, fmt.Errorf("postgres: ensure pool %s: %w", asset, err)
	}
	return &StakeStore{pool: pool, asset: asset}, nil
}

const stakeSelectCols = `id, owner, principal::text, apr_at_open, start_time,
	withdrawn, exit_kind, settled_at, reward::text, penalty::text, payout::text`

func scanStake(row pgx.Row) (domain.StakePosition, error) {
	var (
		p                       domain.StakePosition
		owner, principal, kind  string
		reward, penalty, payout *string
		id, apr                 int64
	)
	if err := row.Scan(
		&id, &owner, &principal, &apr, &p.StartTime,
		&p.Withdrawn, &kind, &p.SettledAt, &reward, &penalty, &payout,
	); err != nil {
		return domain.StakePosition{}, err
	}

	var err error
	p.ID = uint64(id)
	p.Owner = common.HexToAddress(owner)
	p.APRAtOpen = uint64(apr)
	p.Exit = domain.ExitKind(kind)
	p.StartTime = p.StartTime.UTC()
	if p.SettledAt != nil {
		t := p.SettledAt.UTC()
		p.SettledAt = &t
	}
	if p.Principal, err = parseAmount(principal); err != nil {
		return domain.StakePosition{}, err
	}
	if p.Reward, err = parseOptionalAmount(reward); err != nil {
		return domain.StakePosition{}, err
	}
	if p.Penalty, err = parseOptionalAmount(penalty); err != nil {
		return domain.StakePosition{}, err
	}
	if p.Payout, err = parseOptionalAmount(payout); err != nil {
		return domain.StakePosition{}, err
	}
	return p, nil
}

func scanStakes(rows pgx.Rows) ([]domain.StakePosition, error) {
	defer rows.Close()
	var out []domain.StakePosition
	for rows.Next() {
		p, err := scanStake(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// lockPool reads the pool row FOR UPDATE inside tx.
func (s *StakeStore) lockPool(ctx context.Context, tx pgx.Tx) (domain.PoolTotals, error) {
	var (
		total  string
		active int64
	)
	err := tx.QueryRow(ctx,
		`SELECT total_staked::text, active_positions FROM stake_pool WHERE asset = $1 FOR UPDATE`,
		s.asset,
	).Scan(&total, &active)
	if err != nil {
		return domain.PoolTotals{}, fmt.Errorf("lock pool: %w", err)
	}
	amount, err := parseAmount(total)
	if err != nil {
		return domain.PoolTotals{}, err
	}
	return domain.PoolTotals{TotalStaked: amount, ActivePositions: active}, nil
}

// Open inserts the position and adds its principal to the pool in one transaction.
func (s *StakeStore) Open(ctx context.Context, pos domain.StakePosition) (domain.StakePosition, error) {
	if pos.Principal == nil || pos.Principal.IsZero() {
		return domain.StakePosition{}, fmt.Errorf("postgres: open position: %w", domain.ErrInvalidAmount)
	}

	stored := pos.Clone()
	stored.Withdrawn = false
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		pool, err := s.lockPool(ctx, tx)
		if err != nil {
			return err
		}
		total, overflow := new(uint256.Int).AddOverflow(pool.TotalStaked, pos.Principal)
		if overflow {
			return fmt.Errorf("pool overflow: %w", domain.ErrInvalidAmount)
		}

		var id int64
		const insert = `
			INSERT INTO stake_positions (asset, owner, principal, apr_at_open, start_time)
			VALUES ($1, $2, $3::numeric, $4, $5)
			RETURNING id`
		if err := tx.QueryRow(ctx, insert,
			s.asset, pos.Owner.Hex(), pos.Principal.Dec(), int64(pos.APRAtOpen), pos.StartTime,
		).Scan(&id); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		stored.ID = uint64(id)

		const bump = `
			UPDATE stake_pool
			SET total_staked = $2::numeric, active_positions = active_positions + 1, updated_at = NOW()
			WHERE asset = $1`
		if _, err := tx.Exec(ctx, bump, s.asset, total.Dec()); err != nil {
			return fmt.Errorf("update pool: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.StakePosition{}, fmt.Errorf("postgres: open position: %w", err)
	}
	return stored, nil
}

// Settle marks the position withdrawn and removes its principal from the pool.
func (s *StakeStore) Settle(ctx context.Context, st domain.Settlement) error {
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.lockPool(ctx, tx); err != nil {
			return err
		}

		var (
			principal string
			withdrawn bool
		)
		err := tx.QueryRow(ctx,
			`SELECT principal::text, withdrawn FROM stake_positions WHERE id = $1 AND asset = $2 FOR UPDATE`,
			int64(st.PositionID), s.asset,
		).Scan(&principal, &withdrawn)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load position: %w", err)
		}
		if withdrawn {
			return domain.ErrAlreadyWithdrawn
		}

		const settle = `
			UPDATE stake_positions
			SET withdrawn = TRUE, exit_kind = $2, settled_at = $3,
			    reward = $4::numeric, penalty = $5::numeric, payout = $6::numeric
			WHERE id = $1`
		if _, err := tx.Exec(ctx, settle,
			int64(st.PositionID), string(st.Kind), st.SettledAt,
			amountOrZero(st.Reward), amountOrZero(st.Penalty), amountOrZero(st.Payout),
		); err != nil {
			return fmt.Errorf("update position: %w", err)
		}

		const drain = `
			UPDATE stake_pool
			SET total_staked = total_staked - $2::numeric, active_positions = active_positions - 1, updated_at = NOW()
			WHERE asset = $1`
		if _, err := tx.Exec(ctx, drain, s.asset, principal); err != nil {
			return fmt.Errorf("update pool: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: settle %d: %w", st.PositionID, err)
	}
	return nil
}

// Revert restores a settled position to active and returns its principal
// to the pool.
func (s *StakeStore) Revert(ctx context.Context, id uint64) error {
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.lockPool(ctx, tx); err != nil {
			return err
		}

		var (
			principal string
			withdrawn bool
		)
		err := tx.QueryRow(ctx,
			`SELECT principal::text, withdrawn FROM stake_positions WHERE id = $1 AND asset = $2 FOR UPDATE`,
			int64(id), s.asset,
		).Scan(&principal, &withdrawn)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load position: %w", err)
		}
		if !withdrawn {
			return nil
		}

		const reopen = `
			UPDATE stake_positions
			SET withdrawn = FALSE, exit_kind = '', settled_at = NULL,
			    reward = NULL, penalty = NULL, payout = NULL
			WHERE id = $1`
		if _, err := tx.Exec(ctx, reopen, int64(id)); err != nil {
			return fmt.Errorf("update position: %w", err)
		}

		const refill = `
			UPDATE stake_pool
			SET total_staked = total_staked + $2::numeric, active_positions = active_positions + 1, updated_at = NOW()
			WHERE asset = $1`
		if _, err := tx.Exec(ctx, refill, s.asset, principal); err != nil {
			return fmt.Errorf("update pool: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: revert %d: %w", id, err)
	}
	return nil
}

// Get returns a single position.
func (s *StakeStore) Get(ctx context.Context, id uint64) (domain.StakePosition, error) {
	query := `SELECT ` + stakeSelectCols + ` FROM stake_positions WHERE id = $1 AND asset = $2`
	p, err := scanStake(s.pool.QueryRow(ctx, query, int64(id), s.asset))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StakePosition{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StakePosition{}, fmt.Errorf("postgres: get position %d: %w", id, err)
	}
	return p, nil
}

// ListByOwner returns owner's positions newest first.
func (s *StakeStore) ListByOwner(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.StakePosition, error) {
	query := `SELECT ` + stakeSelectCols + ` FROM stake_positions WHERE asset = $1 AND owner = $2`
	args := []any{s.asset, owner.Hex()}
	argIdx := 3

	if opts.Since != nil {
		query += fmt.Sprintf(" AND start_time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND start_time <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for %s: %w", owner.Hex(), err)
	}
	out, err := scanStakes(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions for %s: %w", owner.Hex(), err)
	}
	return out, nil
}

// ListActive returns every active position ordered by id.
func (s *StakeStore) ListActive(ctx context.Context) ([]domain.StakePosition, error) {
	query := `SELECT ` + stakeSelectCols + ` FROM stake_positions WHERE asset = $1 AND NOT withdrawn ORDER BY id`
	rows, err := s.pool.Query(ctx, query, s.asset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	out, err := scanStakes(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return out, nil
}

// ListSettledBefore returns positions settled strictly before the cutoff.
func (s *StakeStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.StakePosition, error) {
	query := `SELECT ` + stakeSelectCols + ` FROM stake_positions
		WHERE asset = $1 AND withdrawn AND settled_at < $2 ORDER BY id`
	rows, err := s.pool.Query(ctx, query, s.asset, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled positions: %w", err)
	}
	out, err := scanStakes(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settled positions: %w", err)
	}
	return out, nil
}

// CountActiveByOwner counts owner's active positions.
func (s *StakeStore) CountActiveByOwner(ctx context.Context, owner common.Address) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM stake_positions WHERE asset = $1 AND owner = $2 AND NOT withdrawn`,
		s.asset, owner.Hex(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active for %s: %w", owner.Hex(), err)
	}
	return n, nil
}

// Pool returns the pool totals.
func (s *StakeStore) Pool(ctx context.Context) (domain.PoolTotals, error) {
	var (
		total  string
		active int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT total_staked::text, active_positions FROM stake_pool WHERE asset = $1`, s.asset,
	).Scan(&total, &active)
	if err != nil {
		return domain.PoolTotals{}, fmt.Errorf("postgres: load pool: %w", err)
	}
	amount, err := parseAmount(total)
	if err != nil {
		return domain.PoolTotals{}, fmt.Errorf("postgres: load pool: %w", err)
	}
	return domain.PoolTotals{TotalStaked: amount, ActivePositions: active}, nil
}

// ActiveSnapshot reads the pool row and the active positions in one
// repeatable-read transaction.
func (s *StakeStore) ActiveSnapshot(ctx context.Context) (domain.PoolTotals, []domain.StakePosition, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.PoolTotals{}, nil, fmt.Errorf("postgres: snapshot: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		total  string
		active int64
	)
	err = tx.QueryRow(ctx,
		`SELECT total_staked::text, active_positions FROM stake_pool WHERE asset = $1`, s.asset,
	).Scan(&total, &active)
	if err != nil {
		return domain.PoolTotals{}, nil, fmt.Errorf("postgres: snapshot: load pool: %w", err)
	}
	amount, err := parseAmount(total)
	if err != nil {
		return domain.PoolTotals{}, nil, fmt.Errorf("postgres: snapshot: %w", err)
	}

	query := `SELECT ` + stakeSelectCols + ` FROM stake_positions WHERE asset = $1 AND NOT withdrawn ORDER BY id`
	rows, err := tx.Query(ctx, query, s.asset)
	if err != nil {
		return domain.PoolTotals{}, nil, fmt.Errorf("postgres: snapshot: list active: %w", err)
	}
	positions, err := scanStakes(rows)
	if err != nil {
		return domain.PoolTotals{}, nil, fmt.Errorf("postgres: snapshot: scan active: %w", err)
	}
	return domain.PoolTotals{TotalStaked: amount, ActivePositions: active}, positions, nil
}

func parseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

func parseOptionalAmount(s *string) (*uint256.Int, error) {
	if s == nil {
		return nil, nil
	}
	return parseAmount(*s)
}

func amountOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// Compile-time interface check.
var _ domain.StakeStore = (*StakeStore)(nil)
