// ABOUTME: Slack workspace installations and bot token lookup
// ABOUTME: Backs the team-scoped credential lookup used by the Slack callback processor

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveSlackTeam inserts or replaces the installation for a Slack team.
func (q *queries) SaveSlackTeam(ctx context.Context, team *SlackTeam) error {
	if team.TeamID == "" {
		return fmt.Errorf("team id is required")
	}
	if team.InstalledAt.IsZero() {
		team.InstalledAt = time.Now().UTC()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO slack_teams (team_id, team_name, bot_token, installed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(team_id) DO UPDATE SET
			team_name = excluded.team_name,
			bot_token = excluded.bot_token,
			installed_at = excluded.installed_at
	`, team.TeamID, nullString(team.TeamName), team.BotToken, formatTime(team.InstalledAt))
	if err != nil {
		return fmt.Errorf("saving slack team: %w", err)
	}

	q.logger.Debug("saved slack team", "team_id", team.TeamID)
	return nil
}

// GetSlackTeam retrieves a Slack installation by team ID.
// Returns ErrNotFound if the team is not installed.
func (q *queries) GetSlackTeam(ctx context.Context, teamID string) (*SlackTeam, error) {
	var (
		team        SlackTeam
		name        sql.NullString
		installedAt string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT team_id, team_name, bot_token, installed_at FROM slack_teams WHERE team_id = ?
	`, teamID).Scan(&team.TeamID, &name, &team.BotToken, &installedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying slack team: %w", err)
	}
	team.TeamName = name.String
	team.InstalledAt = parseTime(installedAt)
	return &team, nil
}

// GetTeamBotToken returns the bot token for a team, or "" when the team is not installed.
func (q *queries) GetTeamBotToken(ctx context.Context, teamID string) (string, error) {
	team, err := q.GetSlackTeam(ctx, teamID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return team.BotToken, nil
}
