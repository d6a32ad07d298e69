package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"paidagent/orchestrator/internal/model"
)

// AppendAgentRunLog inserts one append-only log line, grounded on the agent
// log streaming in agents/manager/internal/beam (container exec output is
// demuxed into stdout/stderr then persisted line by line).
func (s *Store) AppendAgentRunLog(ctx context.Context, l model.AgentRunLog) (model.AgentRunLog, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	var metadata string
	if l.Metadata != nil {
		b, err := json.Marshal(l.Metadata)
		if err != nil {
			return model.AgentRunLog{}, err
		}
		metadata = string(b)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_run_logs (agent_run_id, log_type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		l.AgentRunID, string(l.LogType), l.Content, nullStringIfEmpty(metadata), fmtTime(l.CreatedAt))
	if err != nil {
		return model.AgentRunLog{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.AgentRunLog{}, err
	}
	l.ID = id
	return l, nil
}

func (s *Store) ListAgentRunLogs(ctx context.Context, agentRunID int64) ([]model.AgentRunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_run_id, log_type, content, metadata, created_at
		FROM agent_run_logs WHERE agent_run_id = ? ORDER BY id ASC`, agentRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AgentRunLog
	for rows.Next() {
		var l model.AgentRunLog
		var logType, createdAt string
		var metadata sql.NullString
		if err := rows.Scan(&l.ID, &l.AgentRunID, &logType, &l.Content, &metadata, &createdAt); err != nil {
			return nil, err
		}
		l.LogType = model.LogType(logType)
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &l.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func nullStringIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
