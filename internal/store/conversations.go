// ABOUTME: Conversation and start-task persistence
// ABOUTME: Batch lookups return results positionally with nil for missing ids

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = `id, created_by_user_id, sandbox_id, sandbox_status, title,
	parent_conversation_id, llm_model, agent_type, selected_repository, selected_branch,
	git_provider, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c                                       Conversation
		id                                      string
		userID, sandboxID, sandboxStatus, title sql.NullString
		parentID, llmModel, agentType           sql.NullString
		repository, branch, gitProvider         sql.NullString
		createdAt, updatedAt                    string
	)
	err := row.Scan(&id, &userID, &sandboxID, &sandboxStatus, &title,
		&parentID, &llmModel, &agentType, &repository, &branch,
		&gitProvider, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	c.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing conversation id %q: %w", id, err)
	}
	if parentID.Valid && parentID.String != "" {
		parent, err := uuid.Parse(parentID.String)
		if err != nil {
			return nil, fmt.Errorf("parsing parent conversation id %q: %w", parentID.String, err)
		}
		c.ParentConversationID = &parent
	}
	c.CreatedByUserID = userID.String
	c.SandboxID = sandboxID.String
	c.SandboxStatus = sandboxStatus.String
	c.Title = title.String
	c.LLMModel = llmModel.String
	c.AgentType = agentType.String
	c.SelectedRepository = repository.String
	c.SelectedBranch = branch.String
	c.GitProvider = gitProvider.String
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicate if a conversation with the same ID exists.
func (q *queries) CreateConversation(ctx context.Context, c *Conversation) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID.String(),
		nullString(c.CreatedByUserID),
		nullString(c.SandboxID),
		nullString(c.SandboxStatus),
		nullString(c.Title),
		nullUUID(c.ParentConversationID),
		nullString(c.LLMModel),
		nullString(c.AgentType),
		nullString(c.SelectedRepository),
		nullString(c.SelectedBranch),
		nullString(c.GitProvider),
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	q.logger.Debug("created conversation", "id", c.ID, "parent", c.ParentConversationID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (q *queries) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id.String())
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// BatchGetConversations returns one entry per input id, in input order,
// with nil where no conversation exists. Duplicate ids are allowed.
func (q *queries) BatchGetConversations(ctx context.Context, ids []uuid.UUID) ([]*Conversation, error) {
	result := make([]*Conversation, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id.String()
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	found := make(map[uuid.UUID]*Conversation, len(ids))
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		found[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	for i, id := range ids {
		result[i] = found[id]
	}
	return result, nil
}

// UpdateConversationSandbox records the sandbox a conversation runs in.
// Returns ErrNotFound if the conversation doesn't exist.
func (q *queries) UpdateConversationSandbox(ctx context.Context, id uuid.UUID, sandboxID, status string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE conversations SET sandbox_id = ?, sandbox_status = ?, updated_at = ?
		WHERE id = ?
	`, nullString(sandboxID), nullString(status), formatTime(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("updating conversation sandbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChildConversations returns conversations created from the given parent, oldest first.
func (q *queries) ListChildConversations(ctx context.Context, parentID uuid.UUID) ([]*Conversation, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE parent_conversation_id = ? ORDER BY created_at ASC`, parentID.String())
	if err != nil {
		return nil, fmt.Errorf("querying child conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveStartTask inserts or replaces a start task.
func (q *queries) SaveStartTask(ctx context.Context, t *StartTask) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	reqJSON, err := json.Marshal(t.Request)
	if err != nil {
		return fmt.Errorf("encoding start request: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO start_tasks (
			id, created_by_user_id, status, detail, app_conversation_id, sandbox_id,
			agent_server_url, request_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			detail = excluded.detail,
			app_conversation_id = excluded.app_conversation_id,
			sandbox_id = excluded.sandbox_id,
			agent_server_url = excluded.agent_server_url,
			request_json = excluded.request_json,
			updated_at = excluded.updated_at
	`,
		t.ID.String(),
		nullString(t.CreatedByUserID),
		string(t.Status),
		nullString(t.Detail),
		nullUUID(t.AppConversationID),
		nullString(t.SandboxID),
		nullString(t.AgentServerURL),
		string(reqJSON),
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving start task: %w", err)
	}

	q.logger.Debug("saved start task", "id", t.ID, "status", t.Status)
	return nil
}

// GetStartTask retrieves a start task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (q *queries) GetStartTask(ctx context.Context, id uuid.UUID) (*StartTask, error) {
	var (
		t                                 StartTask
		rawID, status, reqJSON            string
		userID, detail, convID, sandboxID sql.NullString
		agentServerURL                    sql.NullString
		createdAt, updatedAt              string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, created_by_user_id, status, detail, app_conversation_id, sandbox_id,
		       agent_server_url, request_json, created_at, updated_at
		FROM start_tasks WHERE id = ?
	`, id.String()).Scan(&rawID, &userID, &status, &detail, &convID, &sandboxID,
		&agentServerURL, &reqJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying start task: %w", err)
	}

	t.ID = id
	t.CreatedByUserID = userID.String
	t.Status = StartTaskStatus(status)
	t.Detail = detail.String
	t.SandboxID = sandboxID.String
	t.AgentServerURL = agentServerURL.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	if convID.Valid && convID.String != "" {
		cid, err := uuid.Parse(convID.String)
		if err != nil {
			return nil, fmt.Errorf("parsing app conversation id %q: %w", convID.String, err)
		}
		t.AppConversationID = &cid
	}
	if err := json.Unmarshal([]byte(reqJSON), &t.Request); err != nil {
		return nil, fmt.Errorf("decoding start request: %w", err)
	}
	return &t, nil
}
