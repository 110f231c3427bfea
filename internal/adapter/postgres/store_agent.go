package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentry-io/agentry/internal/domain"
	"github.com/agentry-io/agentry/internal/domain/agent"
)

const agentColumns = `id, owner_id, name, type, model, system_prompt, config, enabled,
	tasks_completed, tasks_failed, last_active, created_at, updated_at`

func scanAgent(row scannable) (*agent.Agent, error) {
	var (
		a          agent.Agent
		typeStr    string
		configJSON []byte
	)
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &typeStr, &a.Model, &a.SystemPrompt,
		&configJSON, &a.Enabled, &a.TasksCompleted, &a.TasksFailed,
		&a.LastActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.Type = agent.Type(typeStr)
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &a.Config); err != nil {
			return nil, fmt.Errorf("unmarshal agent config: %w", err)
		}
	}
	return &a, nil
}

// GetAgent returns an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)

	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get agent %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}
