// ABOUTME: Sandbox spec persistence with id-ordered cursor pagination
// ABOUTME: Specs are seeded from configuration on startup

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SaveSandboxSpec inserts or replaces a sandbox spec.
func (q *queries) SaveSandboxSpec(ctx context.Context, spec *SandboxSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("sandbox spec id is required")
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}

	command, err := json.Marshal(spec.Command)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}
	env, err := json.Marshal(spec.InitialEnv)
	if err != nil {
		return fmt.Errorf("encoding initial env: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO sandbox_specs (id, command_json, working_dir, initial_env_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			command_json = excluded.command_json,
			working_dir = excluded.working_dir,
			initial_env_json = excluded.initial_env_json
	`, spec.ID, string(command), nullString(spec.WorkingDir), string(env), formatTime(spec.CreatedAt))
	if err != nil {
		return fmt.Errorf("saving sandbox spec: %w", err)
	}
	return nil
}

func scanSandboxSpec(row rowScanner) (*SandboxSpec, error) {
	var (
		spec              SandboxSpec
		command, env, dir sql.NullString
		createdAt         string
	)
	if err := row.Scan(&spec.ID, &command, &dir, &env, &createdAt); err != nil {
		return nil, err
	}
	if command.Valid && command.String != "" {
		if err := json.Unmarshal([]byte(command.String), &spec.Command); err != nil {
			return nil, fmt.Errorf("decoding command for spec %s: %w", spec.ID, err)
		}
	}
	if env.Valid && env.String != "" {
		if err := json.Unmarshal([]byte(env.String), &spec.InitialEnv); err != nil {
			return nil, fmt.Errorf("decoding initial env for spec %s: %w", spec.ID, err)
		}
	}
	spec.WorkingDir = dir.String
	spec.CreatedAt = parseTime(createdAt)
	return &spec, nil
}

// GetSandboxSpec retrieves a spec by ID.
// Returns ErrNotFound if the spec doesn't exist.
func (q *queries) GetSandboxSpec(ctx context.Context, id string) (*SandboxSpec, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, command_json, working_dir, initial_env_json, created_at
		FROM sandbox_specs WHERE id = ?
	`, id)
	spec, err := scanSandboxSpec(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying sandbox spec: %w", err)
	}
	return spec, nil
}

// SearchSandboxSpecs returns up to limit specs ordered by creation, starting
// after pageID. The returned next page id is empty when no specs remain.
func (q *queries) SearchSandboxSpecs(ctx context.Context, pageID string, limit int) ([]*SandboxSpec, string, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, command_json, working_dir, initial_env_json, created_at FROM sandbox_specs`
	var args []any
	if pageID != "" {
		ts, id, err := decodeCursor(pageID)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidPageID, err)
		}
		query += ` WHERE (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, ts, ts, id)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("querying sandbox specs: %w", err)
	}
	defer rows.Close()

	var specs []*SandboxSpec
	for rows.Next() {
		spec, err := scanSandboxSpec(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning sandbox spec: %w", err)
		}
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating sandbox specs: %w", err)
	}

	var next string
	if len(specs) > limit {
		last := specs[limit-1]
		next = encodeCursor(formatTime(last.CreatedAt), last.ID)
		specs = specs[:limit]
	}
	return specs, next, nil
}
