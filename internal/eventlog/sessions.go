package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/workspace/session-coordinator/internal/protocol"
)

// SessionRecord is the persisted live state of a session. It lets a
// coordinator created after a restart resume its sandbox status and ports.
type SessionRecord struct {
	ID            string                 `json:"id"`
	Title         string                 `json:"title"`
	RepoOwner     string                 `json:"repoOwner"`
	RepoName      string                 `json:"repoName"`
	BranchName    string                 `json:"branchName"`
	Status        protocol.SessionStatus `json:"status"`
	SandboxStatus string                 `json:"sandboxStatus"`
	Model         string                 `json:"model"`
	ActivePorts   []int                  `json:"activePorts"`
	TunnelURLs    map[string]string      `json:"tunnelUrls"`
	CreatedAt     float64                `json:"createdAt"`
}

// SaveSession inserts or replaces the snapshot of a session. CreatedAt is
// preserved from the first save.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ports := rec.ActivePorts
	if ports == nil {
		ports = []int{}
	}
	urls := rec.TunnelURLs
	if urls == nil {
		urls = map[string]string{}
	}
	portsJSON, err := json.Marshal(ports)
	if err != nil {
		return fmt.Errorf("encode active ports: %w", err)
	}
	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("encode tunnel urls: %w", err)
	}
	if rec.Status == "" {
		rec.Status = protocol.SessionActive
	}
	now := time.Now()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = protocol.Timestamp(now)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, repo_owner, repo_name, branch_name, status, sandbox_status, model, active_ports, tunnel_urls, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			repo_owner = excluded.repo_owner,
			repo_name = excluded.repo_name,
			branch_name = excluded.branch_name,
			status = excluded.status,
			sandbox_status = excluded.sandbox_status,
			model = excluded.model,
			active_ports = excluded.active_ports,
			tunnel_urls = excluded.tunnel_urls,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Title, rec.RepoOwner, rec.RepoName, rec.BranchName, string(rec.Status), rec.SandboxStatus,
		rec.Model, string(portsJSON), string(urlsJSON), rec.CreatedAt, now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession returns the stored snapshot of a session, or nil if none exists.
func (s *Store) LoadSession(ctx context.Context, id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rec       SessionRecord
		status    string
		portsJSON string
		urlsJSON  string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, repo_owner, repo_name, branch_name, status, sandbox_status, model, active_ports, tunnel_urls, created_at FROM sessions WHERE id = ?",
		id,
	).Scan(&rec.ID, &rec.Title, &rec.RepoOwner, &rec.RepoName, &rec.BranchName, &status, &rec.SandboxStatus,
		&rec.Model, &portsJSON, &urlsJSON, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	rec.Status = protocol.SessionStatus(status)
	if err := json.Unmarshal([]byte(portsJSON), &rec.ActivePorts); err != nil {
		return nil, fmt.Errorf("decode active ports: %w", err)
	}
	if err := json.Unmarshal([]byte(urlsJSON), &rec.TunnelURLs); err != nil {
		return nil, fmt.Errorf("decode tunnel urls: %w", err)
	}
	return &rec, nil
}
