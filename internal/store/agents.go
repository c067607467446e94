package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"

	"github.com/mtzanidakis/maestro/internal/manifest"
)

// AgentRecord is the listing view of a persisted agent.
type AgentRecord struct {
	Name        string    `json:"name"`
	Framework   string    `json:"framework"`
	Model       string    `json:"model"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SaveAgent stores the full agent document, replacing any agent of the
// same name.
func (s *Store) SaveAgent(a *manifest.Agent) error {
	doc, err := manifest.Marshal(a)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO agents (name, framework, model, description, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			framework = excluded.framework,
			model = excluded.model,
			description = excluded.description,
			document = excluded.document,
			updated_at = CURRENT_TIMESTAMP`,
		a.Name(), string(a.Framework()), a.Spec.Model, a.Spec.Description, string(doc))
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

// GetAgent returns the stored agent, or nil when none has that name.
func (s *Store) GetAgent(name string) (*manifest.Agent, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM agents WHERE name = ?`, name).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}

	docs, err := manifest.Parse(bytes.NewReader([]byte(doc)))
	if err != nil {
		return nil, fmt.Errorf("decode agent %s: %w", name, err)
	}
	if len(docs.Agents) != 1 {
		return nil, fmt.Errorf("decode agent %s: stored document holds %d agents", name, len(docs.Agents))
	}
	return docs.Agents[0], nil
}

func (s *Store) ListAgents() ([]AgentRecord, error) {
	rows, err := s.db.Query(`SELECT name, framework, model, description, created_at, updated_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []AgentRecord
	for rows.Next() {
		var a AgentRecord
		var description sql.NullString
		if err := rows.Scan(&a.Name, &a.Framework, &a.Model, &description, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Description = description.String
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(name string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE name = ?`, name)
	return err
}
