// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package steward wires the policy engine into a conversational turn
// service: one user message in, one policy-governed response out, with
// all suspension state persisted to the session transcript.
package steward

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/AleutianAI/AleutianCloud/services/steward/agent"
	"github.com/AleutianAI/AleutianCloud/services/steward/capability"
	"github.com/AleutianAI/AleutianCloud/services/steward/config"
	"github.com/AleutianAI/AleutianCloud/services/steward/policy"
	"github.com/AleutianAI/AleutianCloud/services/steward/session"
)

// Deps carries the external collaborators the service dispatches to.
// Tests inject fakes here.
type Deps struct {
	Inspector capability.Inspector
	Mutator   capability.Mutator
	Costs     capability.CostAnalyzer
	Docs      capability.DocSearcher
	Diagrams  capability.DiagramRenderer

	// Store persists session transcripts. Required.
	Store *session.Store

	// Intent extracts targets and region; may carry a nil model.
	Intent *agent.Extractor

	// Registry tracks capability availability; nil gets a fresh
	// all-available registry.
	Registry *capability.Registry

	Logger *slog.Logger
}

// ruleSet bundles every component derived from one policy config
// revision. The whole bundle is swapped atomically when the config
// singleton changes, so a turn never mixes two revisions.
type ruleSet struct {
	cfg        *config.PolicyConfig
	classifier *policy.Classifier
	splitter   *policy.Splitter
	executor   *policy.Executor
	regions    *capability.RegionResolver
	statics    *capability.StaticEstimator
	inspect    *capability.GuardedInspector
}

// Service is the tool routing and confirmation policy engine behind the
// turn endpoint.
//
// Thread Safety: Safe for concurrent use across sessions. The caller
// serializes turns within one session.
type Service struct {
	live atomic.Pointer[ruleSet]

	router *policy.Router
	tiers  *policy.TierSelector

	registry  *capability.Registry
	inspector capability.Inspector
	mutator   capability.Mutator
	costs     *capability.GuardedCostAnalyzer
	docs      capability.DocSearcher
	diagrams  capability.DiagramRenderer

	store  *session.Store
	intent *agent.Extractor
	logger *slog.Logger
}

// NewService wires the policy engine over its collaborators.
func NewService(cfg *config.PolicyConfig, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := deps.Registry
	if registry == nil {
		registry = capability.NewRegistry()
	}
	intent := deps.Intent
	if intent == nil {
		intent = agent.NewExtractor(nil, logger)
	}

	s := &Service{
		router:    policy.NewRouter(logger),
		tiers:     policy.NewTierSelector(),
		registry:  registry,
		inspector: deps.Inspector,
		mutator:   deps.Mutator,
		costs:     &capability.GuardedCostAnalyzer{Inner: deps.Costs},
		docs:      deps.Docs,
		diagrams:  deps.Diagrams,
		store:     deps.Store,
		intent:    intent,
		logger:    logger,
	}
	s.live.Store(s.buildRules(cfg))
	return s
}

// buildRules derives the config-bound components from one revision.
func (s *Service) buildRules(cfg *config.PolicyConfig) *ruleSet {
	classifier := policy.NewClassifier(cfg)
	regions := capability.NewRegionResolver(cfg)
	return &ruleSet{
		cfg:        cfg,
		classifier: classifier,
		splitter:   policy.NewSplitter(cfg, classifier),
		executor:   policy.NewExecutor(cfg, s.logger),
		regions:    regions,
		statics:    capability.NewStaticEstimator(cfg),
		inspect:    &capability.GuardedInspector{Inner: s.inspector, Regions: regions},
	}
}

// currentRules returns the rule set for the live config singleton,
// rebuilding the bundle when a hot reload swapped the singleton since
// the last turn.
func (s *Service) currentRules(ctx context.Context) *ruleSet {
	cfg, err := config.GetPolicyConfig(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "policy config unavailable, keeping previous rules",
			slog.String("error", err.Error()))
		return s.live.Load()
	}
	rs := s.live.Load()
	if rs.cfg == cfg {
		return rs
	}
	rs = s.buildRules(cfg)
	s.live.Store(rs)
	s.logger.InfoContext(ctx, "policy rules rebuilt after config reload")
	return rs
}

// Registry exposes capability availability for the status endpoint.
func (s *Service) Registry() *capability.Registry {
	return s.registry
}

// Transcript returns the stored turn history for a session.
func (s *Service) Transcript(ctx context.Context, sessionID string) ([]session.TurnRecord, error) {
	return s.store.Load(ctx, sessionID)
}

// Ready reports whether the service can serve at least read requests.
func (s *Service) Ready() bool {
	return s.registry.Available(policy.CapabilityInspect)
}
