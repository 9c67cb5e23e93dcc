package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/workspace/session-coordinator/internal/protocol"
)

// UpsertArtifact stores an artifact, updating it in place when one with the
// same id already exists. created reports whether the artifact is new.
func (s *Store) UpsertArtifact(ctx context.Context, sessionID string, a protocol.Artifact) (stored protocol.Artifact, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := a.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return protocol.Artifact{}, false, fmt.Errorf("encode artifact metadata: %w", err)
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Artifact{}, false, fmt.Errorf("begin artifact upsert: %w", err)
	}
	defer tx.Rollback()

	var createdAt float64
	err = tx.QueryRowContext(ctx,
		"SELECT created_at FROM artifacts WHERE session_id = ? AND id = ?", sessionID, a.ID,
	).Scan(&createdAt)
	switch {
	case err == sql.ErrNoRows:
		created = true
		createdAt = a.CreatedAt
		if createdAt == 0 {
			createdAt = protocol.Timestamp(now)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO artifacts (session_id, id, type, url, label, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			sessionID, a.ID, string(a.Type), a.URL, a.Label, string(metaJSON), createdAt, now.UTC().Format(time.RFC3339Nano),
		)
	case err != nil:
		return protocol.Artifact{}, false, fmt.Errorf("lookup artifact: %w", err)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE artifacts SET type = ?, url = ?, label = ?, metadata = ?, updated_at = ? WHERE session_id = ? AND id = ?",
			string(a.Type), a.URL, a.Label, string(metaJSON), now.UTC().Format(time.RFC3339Nano), sessionID, a.ID,
		)
	}
	if err != nil {
		return protocol.Artifact{}, false, fmt.Errorf("write artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return protocol.Artifact{}, false, fmt.Errorf("commit artifact: %w", err)
	}

	stored = a
	stored.Metadata = meta
	stored.CreatedAt = createdAt
	return stored, created, nil
}

// ListArtifacts returns a session's artifacts in creation order.
func (s *Store) ListArtifacts(ctx context.Context, sessionID string) ([]protocol.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, type, url, label, metadata, created_at FROM artifacts WHERE session_id = ? ORDER BY created_at ASC, rowid ASC",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []protocol.Artifact{}
	for rows.Next() {
		var (
			a        protocol.Artifact
			typ      string
			metaJSON string
		)
		if err := rows.Scan(&a.ID, &typ, &a.URL, &a.Label, &metaJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Type = protocol.ArtifactType(typ)
		if err := json.Unmarshal([]byte(metaJSON), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode artifact metadata: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return artifacts, nil
}
