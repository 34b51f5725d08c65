// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the policy rules that drive the Steward routing and
// confirmation engine: classifier lexicons, multi-task thresholds, retry
// budgets, criticality tiers, and dependency ranks.
//
// The default rules ship embedded in the binary. Deployments may override
// them with a YAML file (STEWARD_POLICY_RULES); the server watches that file
// and hot-reloads on change.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Default Policy Rules
// =============================================================================

//go:embed policy_rules.yaml
var defaultPolicyRulesYAML []byte

// MaxYAMLFileSize bounds how large an override rules file may be.
// Policy rules are a few KB; anything beyond 1MB is a misconfiguration.
const MaxYAMLFileSize = 1 << 20

var policyConfigTracer = otel.Tracer("aleutian.steward.config")

// =============================================================================
// Policy Configuration Types
// =============================================================================

// PolicyConfig is the full rule set for the policy engine.
//
// Description:
//
//	Aggregates classifier lexicons, splitter thresholds, executor retry
//	budgets, the criticality matrix, dependency ranks, region defaults,
//	and the static cost table.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type PolicyConfig struct {
	Classifier      ClassifierConfig  `yaml:"classifier" validate:"required"`
	Splitter        SplitterConfig    `yaml:"splitter" validate:"required"`
	Executor        ExecutorConfig    `yaml:"executor" validate:"required"`
	Criticality     CriticalityConfig `yaml:"criticality"`
	DependencyRanks []DependencyRank  `yaml:"dependency_ranks" validate:"dive"`
	Region          RegionConfig      `yaml:"region"`
	DocsCache       DocsCacheConfig   `yaml:"docs_cache"`
	StaticCosts     []StaticCostEntry `yaml:"static_costs" validate:"dive"`
}

// ClassifierConfig holds the verb and term lexicons for operation
// classification. Matching is case-insensitive whole-word (single-word
// entries) or substring (multi-word entries).
type ClassifierConfig struct {
	// MultiTaskMinVerbs is the minimum count of distinct action verbs that
	// triggers multi-task handling.
	MultiTaskMinVerbs int `yaml:"multi_task_min_verbs" validate:"min=2"`

	DeleteVerbs     []string `yaml:"delete_verbs" validate:"min=1"`
	StopVerbs       []string `yaml:"stop_verbs" validate:"min=1"`
	StartVerbs      []string `yaml:"start_verbs" validate:"min=1"`
	CreateVerbs     []string `yaml:"create_verbs" validate:"min=1"`
	UpdateVerbs     []string `yaml:"update_verbs" validate:"min=1"`
	DiagramTerms    []string `yaml:"diagram_terms" validate:"min=1"`
	AnalysisMarkers []string `yaml:"analysis_markers" validate:"min=1"`
	CostTerms       []string `yaml:"cost_terms" validate:"min=1"`
	DocTerms        []string `yaml:"doc_terms" validate:"min=1"`
	ReadVerbs       []string `yaml:"read_verbs" validate:"min=1"`

	// FullDetailMarkers upgrade an analysis request to the full-depth tier.
	FullDetailMarkers []string `yaml:"full_detail_markers"`
}

// SplitterConfig bounds multi-task execution per turn.
//
// The 90-second threshold and per-verb estimates are operational
// heuristics inherited from the original deployment, exposed here as
// tunable constants pending real measurement.
type SplitterConfig struct {
	// MaxUninterruptedSeconds is the estimated-duration budget above which
	// a request must be split and paused for user continuation.
	MaxUninterruptedSeconds int `yaml:"max_uninterrupted_seconds" validate:"min=1"`

	// QuickReadSeconds is the aggregate bound for the quick-read group.
	QuickReadSeconds int `yaml:"quick_read_seconds" validate:"min=1"`

	// DefaultEstimateSeconds is the per-task estimate for unknown verbs.
	DefaultEstimateSeconds int `yaml:"default_estimate_seconds" validate:"min=1"`

	// VerbEstimates maps an action verb to its estimated duration.
	VerbEstimates map[string]int `yaml:"verb_estimates"`
}

// ExecutorConfig bounds retry behavior and polling cadence.
type ExecutorConfig struct {
	MaxAttempts         int `yaml:"max_attempts" validate:"min=1,max=10"`
	RetrySpacingSeconds int `yaml:"retry_spacing_seconds" validate:"min=1"`
	RetryBudgetSeconds  int `yaml:"retry_budget_seconds" validate:"min=1"`

	// LongRunningSeconds is the expected-duration threshold above which the
	// executor returns immediately with check-back guidance.
	LongRunningSeconds int `yaml:"long_running_seconds" validate:"min=1"`

	PollInitialSeconds int `yaml:"poll_initial_seconds" validate:"min=1"`
	PollMaxSeconds     int `yaml:"poll_max_seconds" validate:"min=1"`
}

// CriticalityConfig assigns resources to confirmation-risk tiers by type
// prefix and tag. Type entries match as prefixes against CloudFormation
// type names ("AWS::RDS::" matches every RDS resource type).
type CriticalityConfig struct {
	CriticalTypes []string `yaml:"critical_types"`
	CriticalTags  []string `yaml:"critical_tags"`
	HighTypes     []string `yaml:"high_types"`
	MediumTypes   []string `yaml:"medium_types"`

	// MediumRebootTypes lists type prefixes whose reboot is treated as
	// MEDIUM risk rather than LOW (database-tier resources).
	MediumRebootTypes []string `yaml:"medium_reboot_types"`
}

// DependencyRank groups resource type prefixes into a dispatch rank.
// Lower ranks dispatch first on create and last on delete.
type DependencyRank struct {
	Rank  int      `yaml:"rank" validate:"min=0"`
	Types []string `yaml:"types" validate:"min=1"`
}

// RegionConfig holds the lowest-priority region fallback. Resolution order
// is user-specified, then environment, then this default.
type RegionConfig struct {
	Default string `yaml:"default"`
}

// DocsCacheConfig bounds the per-session documentation cache lifetime.
type DocsCacheConfig struct {
	TTLHours int `yaml:"ttl_hours"`
}

// StaticCostEntry is one row of the design-mode cost table. The estimator
// matches request text against Match terms and sums Low/High ranges; no
// cost API is ever consulted for hypothetical designs.
type StaticCostEntry struct {
	Component string   `yaml:"component" validate:"required"`
	Match     []string `yaml:"match" validate:"min=1"`
	Low       float64  `yaml:"low" validate:"min=0"`
	High      float64  `yaml:"high" validate:"min=0"`
}

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultMultiTaskMinVerbs is the fallback multi-task verb threshold.
	DefaultMultiTaskMinVerbs = 3

	// DefaultMaxUninterruptedSeconds is the fallback split threshold.
	DefaultMaxUninterruptedSeconds = 90

	// DefaultRegion is the lowest-priority region fallback.
	DefaultRegion = "us-east-1"

	// DefaultDocsCacheTTLHours is the fallback docs cache lifetime.
	DefaultDocsCacheTTLHours = 24
)

// =============================================================================
// Singleton Policy Config
// =============================================================================

var (
	policyConfigMu      sync.RWMutex
	cachedPolicyConfig  *PolicyConfig
	policyConfigLoadErr error
)

// GetPolicyConfig returns the cached policy configuration, loading the
// embedded defaults on first call.
//
// Description:
//
//	Loads and validates the embedded rules once and caches the result.
//	SetPolicyConfig (hot reload) and ResetPolicyConfig (tests) replace the
//	cached value.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//
// Outputs:
//
//	*PolicyConfig - The loaded configuration. Never nil on success.
//	error - Non-nil if loading or validation failed.
//
// Thread Safety: Safe for concurrent use.
func GetPolicyConfig(ctx context.Context) (*PolicyConfig, error) {
	if ctx == nil {
		return nil, fmt.Errorf("GetPolicyConfig: ctx must not be nil")
	}

	policyConfigMu.RLock()
	if cachedPolicyConfig != nil || policyConfigLoadErr != nil {
		cfg, err := cachedPolicyConfig, policyConfigLoadErr
		policyConfigMu.RUnlock()
		return cfg, err
	}
	policyConfigMu.RUnlock()

	policyConfigMu.Lock()
	defer policyConfigMu.Unlock()

	if cachedPolicyConfig == nil && policyConfigLoadErr == nil {
		cachedPolicyConfig, policyConfigLoadErr = LoadPolicyConfig(ctx, defaultPolicyRulesYAML)
	}
	return cachedPolicyConfig, policyConfigLoadErr
}

// SetPolicyConfig replaces the cached configuration (hot reload path).
//
// Thread Safety: Safe for concurrent use.
func SetPolicyConfig(cfg *PolicyConfig) {
	policyConfigMu.Lock()
	defer policyConfigMu.Unlock()
	cachedPolicyConfig = cfg
	policyConfigLoadErr = nil
}

// ResetPolicyConfig clears the cached config so tests can reload with
// different data.
//
// Thread Safety: Safe for concurrent use.
func ResetPolicyConfig() {
	policyConfigMu.Lock()
	defer policyConfigMu.Unlock()
	cachedPolicyConfig = nil
	policyConfigLoadErr = nil
}

// =============================================================================
// Loading & Validation
// =============================================================================

// LoadPolicyConfig parses and validates a PolicyConfig from YAML bytes.
//
// Description:
//
//	Parses the YAML, applies defaults for missing fields, lowercases all
//	lexicon entries, and validates the result with struct tags plus
//	cross-field checks (non-overlapping verb lexicons, sane retry budget).
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - Raw YAML bytes to parse.
//
// Outputs:
//
//	*PolicyConfig - The validated configuration.
//	error - Non-nil if parsing or validation fails.
func LoadPolicyConfig(ctx context.Context, data []byte) (*PolicyConfig, error) {
	_, span := policyConfigTracer.Start(ctx, "config.LoadPolicyConfig")
	defer span.End()

	if len(data) == 0 {
		return nil, fmt.Errorf("LoadPolicyConfig: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadPolicyConfig: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var cfg PolicyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("LoadPolicyConfig: parsing YAML: %w", err)
	}

	applyDefaults(&cfg)
	normalizeLexicons(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("LoadPolicyConfig: validation: %w", err)
	}
	if err := validateCrossFields(&cfg); err != nil {
		return nil, fmt.Errorf("LoadPolicyConfig: validation: %w", err)
	}

	span.SetAttributes(
		attribute.Int("multi_task_min_verbs", cfg.Classifier.MultiTaskMinVerbs),
		attribute.Int("max_uninterrupted_seconds", cfg.Splitter.MaxUninterruptedSeconds),
		attribute.Int("dependency_ranks", len(cfg.DependencyRanks)),
		attribute.Int("static_cost_entries", len(cfg.StaticCosts)),
	)

	slog.Info("policy config loaded",
		slog.Int("multi_task_min_verbs", cfg.Classifier.MultiTaskMinVerbs),
		slog.Int("max_uninterrupted_seconds", cfg.Splitter.MaxUninterruptedSeconds),
		slog.String("default_region", cfg.Region.Default),
	)

	return &cfg, nil
}

func applyDefaults(cfg *PolicyConfig) {
	if cfg.Classifier.MultiTaskMinVerbs <= 0 {
		cfg.Classifier.MultiTaskMinVerbs = DefaultMultiTaskMinVerbs
	}
	if cfg.Splitter.MaxUninterruptedSeconds <= 0 {
		cfg.Splitter.MaxUninterruptedSeconds = DefaultMaxUninterruptedSeconds
	}
	if cfg.Splitter.QuickReadSeconds <= 0 {
		cfg.Splitter.QuickReadSeconds = 30
	}
	if cfg.Splitter.DefaultEstimateSeconds <= 0 {
		cfg.Splitter.DefaultEstimateSeconds = 20
	}
	if cfg.Executor.MaxAttempts <= 0 {
		cfg.Executor.MaxAttempts = 3
	}
	if cfg.Executor.RetrySpacingSeconds <= 0 {
		cfg.Executor.RetrySpacingSeconds = 5
	}
	if cfg.Executor.RetryBudgetSeconds <= 0 {
		cfg.Executor.RetryBudgetSeconds = 30
	}
	if cfg.Executor.LongRunningSeconds <= 0 {
		cfg.Executor.LongRunningSeconds = 300
	}
	if cfg.Executor.PollInitialSeconds <= 0 {
		cfg.Executor.PollInitialSeconds = 5
	}
	if cfg.Executor.PollMaxSeconds <= 0 {
		cfg.Executor.PollMaxSeconds = 30
	}
	if cfg.Region.Default == "" {
		cfg.Region.Default = DefaultRegion
	}
	if cfg.DocsCache.TTLHours <= 0 {
		cfg.DocsCache.TTLHours = DefaultDocsCacheTTLHours
	}
}

// normalizeLexicons lowercases every lexicon entry so matching can assume
// lowercase input.
func normalizeLexicons(cfg *PolicyConfig) {
	lower := func(ss []string) {
		for i := range ss {
			ss[i] = strings.ToLower(strings.TrimSpace(ss[i]))
		}
	}
	c := &cfg.Classifier
	lower(c.DeleteVerbs)
	lower(c.StopVerbs)
	lower(c.StartVerbs)
	lower(c.CreateVerbs)
	lower(c.UpdateVerbs)
	lower(c.DiagramTerms)
	lower(c.AnalysisMarkers)
	lower(c.CostTerms)
	lower(c.DocTerms)
	lower(c.ReadVerbs)
	lower(c.FullDetailMarkers)

	lowered := make(map[string]int, len(cfg.Splitter.VerbEstimates))
	for verb, est := range cfg.Splitter.VerbEstimates {
		lowered[strings.ToLower(strings.TrimSpace(verb))] = est
	}
	cfg.Splitter.VerbEstimates = lowered
}

// validateCrossFields checks constraints that struct tags cannot express.
func validateCrossFields(cfg *PolicyConfig) error {
	// A verb in two mutation lexicons would make first-match-wins rule
	// ordering silently load-bearing. Reject the overlap outright.
	seen := make(map[string]string)
	groups := map[string][]string{
		"delete_verbs": cfg.Classifier.DeleteVerbs,
		"stop_verbs":   cfg.Classifier.StopVerbs,
		"start_verbs":  cfg.Classifier.StartVerbs,
		"create_verbs": cfg.Classifier.CreateVerbs,
		"update_verbs": cfg.Classifier.UpdateVerbs,
	}
	for name, verbs := range groups {
		for _, v := range verbs {
			if prev, dup := seen[v]; dup {
				return fmt.Errorf("verb %q appears in both %s and %s", v, prev, name)
			}
			seen[v] = name
		}
	}

	if cfg.Executor.RetrySpacingSeconds*(cfg.Executor.MaxAttempts-1) > cfg.Executor.RetryBudgetSeconds {
		return fmt.Errorf("retry spacing %ds x %d attempts exceeds budget %ds",
			cfg.Executor.RetrySpacingSeconds, cfg.Executor.MaxAttempts, cfg.Executor.RetryBudgetSeconds)
	}

	for i, entry := range cfg.StaticCosts {
		if entry.High < entry.Low {
			return fmt.Errorf("static_costs[%d] (%s): high %.2f below low %.2f",
				i, entry.Component, entry.High, entry.Low)
		}
	}

	ranks := make(map[int]bool)
	for i, dr := range cfg.DependencyRanks {
		if ranks[dr.Rank] {
			return fmt.Errorf("dependency_ranks[%d]: duplicate rank %d", i, dr.Rank)
		}
		ranks[dr.Rank] = true
	}

	return nil
}

// =============================================================================
// Lookup Helpers
// =============================================================================

// RankFor returns the dependency rank for a resource type, matching by
// prefix. Unknown types land in the highest configured rank + 1 so they
// never block known infrastructure.
func (c *PolicyConfig) RankFor(resourceType string) int {
	maxRank := 0
	for _, dr := range c.DependencyRanks {
		if dr.Rank > maxRank {
			maxRank = dr.Rank
		}
		for _, prefix := range dr.Types {
			if strings.HasPrefix(resourceType, prefix) {
				return dr.Rank
			}
		}
	}
	return maxRank + 1
}

// EstimateFor returns the duration estimate in seconds for an action verb.
func (c *PolicyConfig) EstimateFor(verb string) int {
	if est, ok := c.Splitter.VerbEstimates[strings.ToLower(verb)]; ok {
		return est
	}
	return c.Splitter.DefaultEstimateSeconds
}
