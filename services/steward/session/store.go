// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session persists conversation transcripts and reconstructs
// suspension state from them.
//
// Turns are strictly sequential per session and sessions are
// independent, so the store is append-only per session with no
// cross-session coordination. Nothing volatile survives between turns:
// pending confirmation gates, deferred task groups, and offered tier
// categories are all rebuilt from the transcript at the start of each
// turn.
//
// Storage layout:
//
//	session/v1/{sessionID}/{seq:08d}  →  gob-encoded TurnRecord
package session

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCloud/services/steward/policy"
)

const sessionKeyPrefix = "session/v1/"

var (
	sessionTurnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "session",
		Name:      "turns_appended_total",
		Help:      "Turn records appended across all sessions",
	})

	sessionLoadLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "steward",
		Subsystem: "session",
		Name:      "transcript_load_seconds",
		Help:      "Transcript load latency",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05},
	})
)

var sessionTracer = otel.Tracer("aleutian.steward.session")

// =============================================================================
// Turn Records
// =============================================================================

// GateSnapshot is the persisted view of a confirmation gate at the end
// of a turn. Enough to rebuild the gate on the next turn.
type GateSnapshot struct {
	ID               string
	Class            policy.OperationClass
	Resource         policy.ResourceRef
	BulkCount        int
	BulkResources    []policy.ResourceRef
	Tier             policy.Criticality
	State            policy.GateState
	RiskAcknowledged bool
}

// BatchSnapshot is the persisted view of a paused multi-task batch.
type BatchSnapshot struct {
	SubTasks             []policy.SubTask
	TotalEstimateSeconds int
	RequiresPause        bool
}

// TurnRecord is one user turn and the engine's resulting state.
type TurnRecord struct {
	Seq       int
	At        time.Time
	UserText  string
	Class     policy.OperationClass
	Response  string
	Region    string

	// PendingGate is the gate awaiting confirmation after this turn, nil
	// when none.
	PendingGate *GateSnapshot

	// PausedBatch is the multi-task batch awaiting continuation after
	// this turn, nil when none.
	PausedBatch *BatchSnapshot

	// QueuedDeletes are destructive targets still waiting for their own
	// per-resource confirmation gates once the pending gate resolves.
	// Only meaningful while PendingGate is set.
	QueuedDeletes []policy.ResourceRef

	// OfferedCategories are the follow-up categories a TIER_1 response
	// presented this turn, for TIER_2 expansion on the next turn.
	OfferedCategories []string
}

// =============================================================================
// Store
// =============================================================================

// Store persists per-session transcripts in BadgerDB.
//
// Thread Safety: Safe for concurrent use across sessions. Within one
// session the caller serializes turns.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewStore creates a Store over an opened BadgerDB. A nil logger falls
// back to slog.Default.
func NewStore(db *badger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

func turnKey(sessionID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d", sessionKeyPrefix, sessionID, seq))
}

// Append writes the next turn record for a session. The record's Seq is
// assigned from the current transcript length.
func (s *Store) Append(ctx context.Context, sessionID string, record *TurnRecord) error {
	_, span := sessionTracer.Start(ctx, "session.Store.Append")
	defer span.End()

	transcript, err := s.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	record.Seq = len(transcript)
	if record.At.IsZero() {
		record.At = time.Now().UTC()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(record); err != nil {
		return fmt.Errorf("encode turn record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(turnKey(sessionID, record.Seq), buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("append turn %d for session %s: %w", record.Seq, sessionID, err)
	}

	sessionTurnsTotal.Inc()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("seq", record.Seq),
	)
	return nil
}

// Load reads a session's full transcript in turn order. An unknown
// session returns an empty transcript, not an error.
func (s *Store) Load(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	start := time.Now()
	_, span := sessionTracer.Start(ctx, "session.Store.Load")
	defer span.End()

	prefix := []byte(sessionKeyPrefix + sessionID + "/")
	var transcript []TurnRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var record TurnRecord
			err := it.Item().Value(func(val []byte) error {
				return gob.NewDecoder(bytes.NewReader(val)).Decode(&record)
			})
			if err != nil {
				return err
			}
			transcript = append(transcript, record)
		}
		return nil
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("load transcript for session %s: %w", sessionID, err)
	}

	sessionLoadLatency.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("turns", len(transcript)),
	)
	return transcript, nil
}
