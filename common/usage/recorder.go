// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"genstream/shared/logger"
)

// Generation outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeBusy     = "busy"
	OutcomeCanceled = "canceled"
)

// Schema creates the tables the recorder writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS generation_events (
	id                 BIGSERIAL PRIMARY KEY,
	request_id         TEXT,
	identity           TEXT NOT NULL,
	adapter            TEXT NOT NULL,
	model              TEXT,
	prompt_tokens      INTEGER NOT NULL DEFAULT 0,
	completion_tokens  INTEGER NOT NULL DEFAULT 0,
	total_tokens       INTEGER NOT NULL DEFAULT 0,
	tokens_estimated   BOOLEAN NOT NULL DEFAULT FALSE,
	estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms         BIGINT NOT NULL DEFAULT 0,
	streamed           BOOLEAN NOT NULL DEFAULT FALSE,
	outcome            TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS api_call_events (
	id               BIGSERIAL PRIMARY KEY,
	request_id       TEXT,
	identity         TEXT,
	http_method      TEXT NOT NULL,
	http_path        TEXT NOT NULL,
	http_status_code INTEGER NOT NULL,
	latency_ms       BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Recorder writes usage events to PostgreSQL. A Recorder with a nil
// database discards events.
type Recorder struct {
	db  *sql.DB
	log *logger.Logger
}

// NewRecorder creates a recorder. db may be nil.
func NewRecorder(db *sql.DB, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.Nop()
	}
	return &Recorder{db: db, log: log}
}

// Open connects to databaseURL and returns a recorder for it.
func Open(ctx context.Context, databaseURL string, log *logger.Logger) (*Recorder, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to usage database: %w", err)
	}

	return NewRecorder(db, log), nil
}

// Enabled reports whether events are persisted.
func (r *Recorder) Enabled() bool {
	return r != nil && r.db != nil
}

// Migrate creates the usage tables if they do not exist.
func (r *Recorder) Migrate(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create usage tables: %w", err)
	}
	return nil
}

// Close closes the database.
func (r *Recorder) Close() error {
	if !r.Enabled() {
		return nil
	}
	return r.db.Close()
}

// GenerationEvent is the terminal record of one generation.
type GenerationEvent struct {
	RequestID        string
	Identity         string
	Adapter          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Estimated        bool
	Latency          time.Duration
	Streamed         bool
	Outcome          string
}

// RecordGeneration stores a generation with its estimated cost.
func (r *Recorder) RecordGeneration(ctx context.Context, ev GenerationEvent) error {
	if !r.Enabled() {
		return nil
	}

	cost := CalculateCost(ev.Adapter, ev.Model, ev.PromptTokens, ev.CompletionTokens)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO generation_events (
			request_id, identity, adapter, model, prompt_tokens, completion_tokens,
			total_tokens, tokens_estimated, estimated_cost_usd, latency_ms, streamed, outcome
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, nullString(ev.RequestID), ev.Identity, ev.Adapter, nullString(ev.Model),
		ev.PromptTokens, ev.CompletionTokens, ev.PromptTokens+ev.CompletionTokens,
		ev.Estimated, cost, ev.Latency.Milliseconds(), ev.Streamed, ev.Outcome)

	if err != nil {
		r.log.Error(ev.Identity, ev.RequestID, "Failed to record generation usage", map[string]interface{}{
			"adapter": ev.Adapter,
			"error":   err.Error(),
		})
		return fmt.Errorf("failed to record generation: %w", err)
	}
	return nil
}

// APICallEvent is one HTTP request served by the gateway.
type APICallEvent struct {
	RequestID      string
	Identity       string
	HTTPMethod     string
	HTTPPath       string
	HTTPStatusCode int
	Latency        time.Duration
}

// RecordAPICall stores an HTTP request.
func (r *Recorder) RecordAPICall(ctx context.Context, ev APICallEvent) error {
	if !r.Enabled() {
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_call_events (
			request_id, identity, http_method, http_path, http_status_code, latency_ms
		) VALUES ($1, $2, $3, $4, $5, $6)
	`, nullString(ev.RequestID), nullString(ev.Identity), ev.HTTPMethod, ev.HTTPPath,
		ev.HTTPStatusCode, ev.Latency.Milliseconds())

	if err != nil {
		r.log.Error(ev.Identity, ev.RequestID, "Failed to record API call", map[string]interface{}{
			"path":  ev.HTTPPath,
			"error": err.Error(),
		})
		return fmt.Errorf("failed to record API call: %w", err)
	}
	return nil
}

// nullString converts an empty string to NULL for database insertion
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
