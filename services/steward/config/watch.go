// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces editor write bursts into a single reload.
const watchDebounce = 500 * time.Millisecond

// WatchPolicyRules reloads the policy config whenever the override file
// changes.
//
// Description:
//
//	Watches the directory containing path (editors replace files rather
//	than writing in place, so watching the file itself misses renames).
//	On a write or create event for the file, re-reads and validates it;
//	a valid result replaces the cached config via SetPolicyConfig, while
//	an invalid file is logged and the previous config stays active.
//
// Inputs:
//
//	ctx - Cancels the watch loop. Must not be nil.
//	path - The override rules file to watch. Must not be empty.
//	logger - Logger instance. Must not be nil.
//
// Outputs:
//
//	error - Non-nil if the watcher could not be created.
//
// Thread Safety: Safe to call once per path; the loop runs in the calling
// goroutine (callers typically run it in a dedicated goroutine).
func WatchPolicyRules(ctx context.Context, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	var pending <-chan time.Time

	logger.Info("watching policy rules for changes", slog.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = time.After(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("policy rules watcher error", slog.String("error", err.Error()))
		case <-pending:
			pending = nil
			reloadPolicyRules(ctx, target, logger)
		}
	}
}

func reloadPolicyRules(ctx context.Context, path string, logger *slog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("policy rules reload: read failed, keeping previous config",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}
	cfg, err := LoadPolicyConfig(ctx, data)
	if err != nil {
		logger.Warn("policy rules reload: invalid file, keeping previous config",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}
	SetPolicyConfig(cfg)
	logger.Info("policy rules reloaded", slog.String("path", path))
}
