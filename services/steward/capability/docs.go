// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capability

// =============================================================================
// Per-Session Documentation Cache
// =============================================================================
//
// Documentation lookups repeat within a conversation ("how do I set up
// ALB health checks" tends to come back two turns later). Results are
// cached per session in BadgerDB so a repeated query inside one
// conversation never hits the search capability twice.
//
// Design choices:
//
//	1. BadgerDB, embedded: doc snippets are session infrastructure, not
//	   user data. No network dependency, microsecond access.
//	2. Key is session ID + SHA256 of the normalized query, so two
//	   sessions never share entries and phrasing changes miss cleanly.
//	3. TTL is BadgerDB-native: expired keys return ErrKeyNotFound, which
//	   reads as a cache miss. No application-level expiry bookkeeping.
//
// Storage layout:
//
//	docs/v1/{sessionID}/{queryHash}  →  gob-encoded []string entries

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianCloud/services/steward/config"
)

const docsCacheKeyPrefix = "docs/v1/"

var docsCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "steward",
	Subsystem: "docs_cache",
	Name:      "lookups_total",
	Help:      "Documentation cache lookups by result",
}, []string{"result"})

// CachingDocSearcher decorates a DocSearcher with the per-session cache.
//
// Thread Safety: Safe for concurrent use. BadgerDB transactions are
// per-goroutine.
type CachingDocSearcher struct {
	inner  DocSearcher
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachingDocSearcher wraps inner with the session cache. db may be
// nil, in which case every lookup passes straight through.
func NewCachingDocSearcher(inner DocSearcher, db *badger.DB, cfg *config.PolicyConfig, logger *slog.Logger) *CachingDocSearcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingDocSearcher{
		inner:  inner,
		db:     db,
		ttl:    time.Duration(cfg.DocsCache.TTLHours) * time.Hour,
		logger: logger,
	}
}

var _ DocSearcher = (*CachingDocSearcher)(nil)

// Search satisfies DocSearcher with an uncached pass-through. Callers
// that carry a session ID should use SearchSession so repeated queries
// inside one conversation hit the cache.
func (c *CachingDocSearcher) Search(ctx context.Context, q DocQuery) (*DocResult, error) {
	return c.inner.Search(ctx, q)
}

// SearchSession looks up documentation for one session, consulting the
// cache first.
//
// Inputs:
//
//	ctx - Context for the underlying search call.
//	sessionID - Opaque session identifier scoping the cache entry.
//	q - The scoped documentation query.
//
// Outputs:
//
//	*DocResult - Cached or fresh entries.
//	error - Search failure. Cache failures are logged and ignored; they
//	    never fail the lookup.
func (c *CachingDocSearcher) SearchSession(ctx context.Context, sessionID string, q DocQuery) (*DocResult, error) {
	key := c.cacheKey(sessionID, q)
	if entries, ok := c.load(key); ok {
		docsCacheLookups.WithLabelValues("hit").Inc()
		return &DocResult{Entries: entries}, nil
	}
	docsCacheLookups.WithLabelValues("miss").Inc()

	result, err := c.inner.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	c.store(key, result.Entries)
	return result, nil
}

func (c *CachingDocSearcher) cacheKey(sessionID string, q DocQuery) []byte {
	normalized := strings.ToLower(strings.TrimSpace(q.Service + "/" + q.Topic))
	sum := sha256.Sum256([]byte(normalized))
	return []byte(docsCacheKeyPrefix + sessionID + "/" + hex.EncodeToString(sum[:]))
}

func (c *CachingDocSearcher) load(key []byte) ([]string, bool) {
	if c.db == nil {
		return nil, false
	}
	var entries []string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&entries)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("docs cache read failed", slog.String("error", err.Error()))
		return nil, false
	}
	return entries, true
}

func (c *CachingDocSearcher) store(key []byte, entries []string) {
	if c.db == nil || len(entries) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		c.logger.Warn("docs cache encode failed", slog.String("error", err.Error()))
		return
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, buf.Bytes()).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		c.logger.Warn("docs cache write failed", slog.String("error", err.Error()))
	}
}
