// Package monitoring - telemetry.go records per-request events.
//
// DESIGN: Tracker appends one RequestEvent per finished request to:
//   - a JSONL file (one JSON object per line), and/or
//   - a SQLite table (modernc.org/sqlite, no cgo)
//
// Writes happen under one mutex so JSONL lines never interleave. A failed
// write is logged and dropped; telemetry never fails a request.
package monitoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const telemetrySchema = `CREATE TABLE IF NOT EXISTS requests (
	request_id         TEXT NOT NULL,
	ts                 TEXT NOT NULL,
	method             TEXT NOT NULL,
	path               TEXT NOT NULL,
	provider           TEXT NOT NULL,
	adapter            TEXT,
	client_model       TEXT,
	session_id         TEXT,
	streaming          INTEGER NOT NULL,
	outcome            TEXT NOT NULL,
	frames_written     INTEGER NOT NULL,
	status_code        INTEGER NOT NULL,
	upstream_status    INTEGER NOT NULL,
	success            INTEGER NOT NULL,
	error              TEXT,
	input_tokens       INTEGER NOT NULL,
	output_tokens      INTEGER NOT NULL,
	forward_latency_ms INTEGER NOT NULL,
	total_latency_ms   INTEGER NOT NULL
)`

const telemetryInsert = `INSERT INTO requests (
	request_id, ts, method, path, provider, adapter, client_model, session_id,
	streaming, outcome, frames_written, status_code, upstream_status, success,
	error, input_tokens, output_tokens, forward_latency_ms, total_latency_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Tracker handles telemetry event recording.
type Tracker struct {
	config  TelemetryConfig
	logPath string
	db      *sql.DB
	count   int
	mu      sync.Mutex
}

// NewTracker creates a telemetry tracker. A disabled config yields a no-op
// tracker.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{config: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
			return nil, fmt.Errorf("failed to create telemetry dir: %w", err)
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open telemetry log: %w", err)
		}
		f.Close()
		t.logPath = cfg.LogPath
	}

	if cfg.DBPath != "" {
		db, err := openTelemetryDB(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		t.db = db
	}

	return t, nil
}

func openTelemetryDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create telemetry db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry db: %w", err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, telemetrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create telemetry schema: %w", err)
	}
	return db, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// Enabled reports whether events are recorded anywhere.
func (t *Tracker) Enabled() bool {
	return t.config.Enabled && (t.logPath != "" || t.db != nil || t.config.LogToStdout)
}

// RecordRequest records a request event.
func (t *Tracker) RecordRequest(event *RequestEvent) {
	if !t.config.Enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		log.Info().
			Str("request_id", event.RequestID).
			Str("provider", event.Provider).
			Str("outcome", string(event.Outcome)).
			Int("status", event.StatusCode).
			Int64("latency_ms", event.TotalLatencyMs).
			Msg("telemetry")
	}

	written := false
	if t.logPath != "" {
		if err := appendJSONL(t.logPath, event); err != nil {
			log.Error().Err(err).Str("path", t.logPath).Msg("telemetry: failed to write request event")
		} else {
			written = true
		}
	}
	if t.db != nil {
		if err := t.insert(event); err != nil {
			log.Error().Err(err).Msg("telemetry: failed to insert request event")
		} else {
			written = true
		}
	}
	if written {
		t.count++
	}
}

func (t *Tracker) insert(e *RequestEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := t.db.ExecContext(ctx, telemetryInsert,
		e.RequestID, e.Timestamp.Format(time.RFC3339Nano), e.Method, e.Path,
		e.Provider, e.Adapter, e.ClientModel, e.SessionID,
		e.Streaming, string(e.Outcome), e.FramesWritten, e.StatusCode, e.UpstreamStatus, e.Success,
		e.Error, e.InputTokens, e.OutputTokens, e.ForwardLatencyMs, e.TotalLatencyMs,
	)
	return err
}

// CountByProvider returns stored request counts per provider. Only
// available with a database sink.
func (t *Tracker) CountByProvider(ctx context.Context) (map[string]int, error) {
	if t.db == nil {
		return nil, fmt.Errorf("telemetry database not configured")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, err := t.db.QueryContext(ctx, `SELECT provider, COUNT(*) FROM requests GROUP BY provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			provider string
			n        int
		)
		if err := rows.Scan(&provider, &n); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry row: %w", err)
		}
		counts[provider] = n
	}
	return counts, rows.Err()
}

// Close flushes the session summary and closes the database.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count > 0 {
		log.Info().
			Str("path", t.logPath).
			Int("events", t.count).
			Msg("telemetry: session complete")
	}
	if t.db != nil {
		err := t.db.Close()
		t.db = nil
		return err
	}
	return nil
}
