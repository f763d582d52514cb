package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SissiFeng/ot2-piloting/errors"
	"github.com/SissiFeng/ot2-piloting/experiment"
)

// PostgresRecorder stores terminal results in a results table. Rows are
// keyed by experiment id; a redelivered result overwrites its own row, so
// saving is idempotent.
type PostgresRecorder struct {
	pool    *pgxpool.Pool
	project string
}

// NewPostgresRecorder connects to the database and ensures the schema
// exists.
func NewPostgresRecorder(ctx context.Context, databaseURL, project string) (*PostgresRecorder, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresRecorder", "New", "connect postgres")
	}
	if err := initResultSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresRecorder{pool: pool, project: project}, nil
}

func initResultSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS experiment_results (
			experiment_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project TEXT NOT NULL DEFAULT '',
			well TEXT NOT NULL,
			volume_r DOUBLE PRECISION NOT NULL,
			volume_y DOUBLE PRECISION NOT NULL,
			volume_b DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			sensor_data JSONB NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_results_user_completed
			ON experiment_results (user_id, completed_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return errors.WrapTransient(
				fmt.Errorf("init result schema: %w", err),
				"PostgresRecorder", "initResultSchema", "execute DDL")
		}
	}
	return nil
}

// SaveResult upserts one terminal result.
func (r *PostgresRecorder) SaveResult(ctx context.Context, result experiment.Result) error {
	var sensorJSON []byte
	if result.SensorData != nil {
		data, err := json.Marshal(result.SensorData)
		if err != nil {
			return errors.WrapFatal(err, "PostgresRecorder", "SaveResult", "encode sensor data")
		}
		sensorJSON = data
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO experiment_results (
			experiment_id, user_id, project, well, volume_r, volume_y, volume_b,
			status, sensor_data, started_at, completed_at, error
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
		)
		ON CONFLICT (experiment_id) DO UPDATE SET
			user_id=EXCLUDED.user_id,
			project=EXCLUDED.project,
			well=EXCLUDED.well,
			volume_r=EXCLUDED.volume_r,
			volume_y=EXCLUDED.volume_y,
			volume_b=EXCLUDED.volume_b,
			status=EXCLUDED.status,
			sensor_data=EXCLUDED.sensor_data,
			started_at=EXCLUDED.started_at,
			completed_at=EXCLUDED.completed_at,
			error=EXCLUDED.error`,
		result.Token.ExperimentID,
		result.Token.UserID,
		r.project,
		result.Well,
		result.Volumes.R,
		result.Volumes.Y,
		result.Volumes.B,
		result.Status.String(),
		sensorJSON,
		result.StartedAt,
		result.CompletedAt,
		result.Error,
	)
	if err != nil {
		return errors.WrapTransient(err, "PostgresRecorder", "SaveResult", "upsert result")
	}
	return nil
}

// History returns a user's most recent results, newest first.
func (r *PostgresRecorder) History(ctx context.Context, userID string, limit int) ([]experiment.Result, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT experiment_id, user_id, well, volume_r, volume_y, volume_b,
		        status, sensor_data, started_at, completed_at, error
		   FROM experiment_results
		  WHERE user_id=$1
		  ORDER BY completed_at DESC
		  LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresRecorder", "History", "query results")
	}
	defer rows.Close()

	out := make([]experiment.Result, 0, limit)
	for rows.Next() {
		var (
			result     experiment.Result
			status     string
			sensorJSON []byte
		)
		if err := rows.Scan(
			&result.Token.ExperimentID,
			&result.Token.UserID,
			&result.Well,
			&result.Volumes.R,
			&result.Volumes.Y,
			&result.Volumes.B,
			&status,
			&sensorJSON,
			&result.StartedAt,
			&result.CompletedAt,
			&result.Error,
		); err != nil {
			return nil, errors.WrapTransient(err, "PostgresRecorder", "History", "scan result row")
		}
		parsed, err := experiment.ParseStatus(status)
		if err != nil {
			return nil, errors.WrapFatal(err, "PostgresRecorder", "History", "decode status")
		}
		result.Status = parsed
		if len(sensorJSON) > 0 {
			if err := json.Unmarshal(sensorJSON, &result.SensorData); err != nil {
				return nil, errors.WrapFatal(err, "PostgresRecorder", "History", "decode sensor data")
			}
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "PostgresRecorder", "History", "iterate result rows")
	}
	return out, nil
}

// Ping verifies database connectivity.
func (r *PostgresRecorder) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return errors.WrapTransient(err, "PostgresRecorder", "Ping", "ping postgres")
	}
	return nil
}

// Close releases the connection pool.
func (r *PostgresRecorder) Close() {
	r.pool.Close()
}
