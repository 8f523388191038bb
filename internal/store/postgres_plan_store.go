package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/shardroute/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const createPlansTable = `
	CREATE TABLE IF NOT EXISTS rebalance_plans (
		plan_id     TEXT PRIMARY KEY,
		term        BIGINT NOT NULL,
		leader      TEXT NOT NULL,
		moves       JSONB NOT NULL,
		state       TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	)
`

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int
	MinConns int
}

// PostgresPlanStore implements PlanStore for PostgreSQL
type PostgresPlanStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresPlanStore connects to PostgreSQL and creates the plans table
func NewPostgresPlanStore(cfg *PostgresConfig, logger *zap.Logger) (*PostgresPlanStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.MaxConns, cfg.MinConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(context.Background(), createPlansTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create rebalance_plans table: %w", err)
	}

	return &PostgresPlanStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// SavePlan implements PlanStore
func (s *PostgresPlanStore) SavePlan(ctx context.Context, plan *model.RebalancePlan) error {
	moves, err := json.Marshal(plan.Moves)
	if err != nil {
		return fmt.Errorf("failed to marshal moves: %w", err)
	}

	query := `
		INSERT INTO rebalance_plans (plan_id, term, leader, moves, state, reason, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (plan_id) DO UPDATE
		SET state = EXCLUDED.state, reason = EXCLUDED.reason, finished_at = EXCLUDED.finished_at
	`
	_, err = s.pool.Exec(ctx, query,
		plan.PlanID,
		int64(plan.Term),
		string(plan.Leader),
		string(moves),
		string(plan.State),
		plan.Reason,
		plan.CreatedAt,
		plan.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

// UpdatePlanState implements PlanStore
func (s *PostgresPlanStore) UpdatePlanState(ctx context.Context, planID string, state model.PlanState, reason string, finishedAt *time.Time) error {
	query := `
		UPDATE rebalance_plans
		SET state = $2, reason = $3, finished_at = $4
		WHERE plan_id = $1
	`
	result, err := s.pool.Exec(ctx, query, planID, string(state), reason, finishedAt)
	if err != nil {
		return fmt.Errorf("failed to update plan state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPlan implements PlanStore
func (s *PostgresPlanStore) GetPlan(ctx context.Context, planID string) (*model.RebalancePlan, error) {
	query := `
		SELECT plan_id, term, leader, moves, state, reason, created_at, finished_at
		FROM rebalance_plans
		WHERE plan_id = $1
	`
	plan, err := scanPlan(s.pool.QueryRow(ctx, query, planID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

// ListPlans implements PlanStore
func (s *PostgresPlanStore) ListPlans(ctx context.Context, limit int) ([]*model.RebalancePlan, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT plan_id, term, leader, moves, state, reason, created_at, finished_at
		FROM rebalance_plans
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*model.RebalancePlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// Close implements PlanStore
func (s *PostgresPlanStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPlan(row pgx.Row) (*model.RebalancePlan, error) {
	var (
		plan   model.RebalancePlan
		term   int64
		leader string
		moves  []byte
		state  string
	)
	if err := row.Scan(
		&plan.PlanID,
		&term,
		&leader,
		&moves,
		&state,
		&plan.Reason,
		&plan.CreatedAt,
		&plan.FinishedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(moves, &plan.Moves); err != nil {
		return nil, fmt.Errorf("failed to unmarshal moves: %w", err)
	}
	plan.Term = uint64(term)
	plan.Leader = model.NodeID(leader)
	plan.State = model.PlanState(state)
	return &plan, nil
}
