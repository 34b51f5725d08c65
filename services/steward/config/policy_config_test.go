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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

func TestLoadPolicyConfig_EmbeddedDefaults(t *testing.T) {
	cfg, err := LoadPolicyConfig(context.Background(), defaultPolicyRulesYAML)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 3, cfg.Classifier.MultiTaskMinVerbs)
	assert.Equal(t, 90, cfg.Splitter.MaxUninterruptedSeconds)
	assert.Equal(t, 3, cfg.Executor.MaxAttempts)
	assert.Equal(t, 5, cfg.Executor.RetrySpacingSeconds)
	assert.Equal(t, 30, cfg.Executor.RetryBudgetSeconds)
	assert.Equal(t, "us-east-1", cfg.Region.Default)
	assert.Contains(t, cfg.Classifier.DeleteVerbs, "terminate")
	assert.NotEmpty(t, cfg.StaticCosts)
}

func TestGetPolicyConfig_CachesResult(t *testing.T) {
	ResetPolicyConfig()
	t.Cleanup(ResetPolicyConfig)

	first, err := GetPolicyConfig(context.Background())
	require.NoError(t, err)
	second, err := GetPolicyConfig(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestGetPolicyConfig_NilContext(t *testing.T) {
	_, err := GetPolicyConfig(nil) //nolint:staticcheck // verifying the guard
	assert.Error(t, err)
}

// =============================================================================
// Validation
// =============================================================================

func TestLoadPolicyConfig_EmptyData(t *testing.T) {
	_, err := LoadPolicyConfig(context.Background(), nil)
	assert.Error(t, err)
}

func TestLoadPolicyConfig_RejectsOverlappingVerbs(t *testing.T) {
	yml := `
classifier:
  multi_task_min_verbs: 3
  delete_verbs: [delete, stop]
  stop_verbs: [stop]
  start_verbs: [start]
  create_verbs: [create]
  update_verbs: [update]
  diagram_terms: [diagram]
  analysis_markers: [existing]
  cost_terms: [cost]
  doc_terms: ["how to"]
  read_verbs: [list]
splitter:
  max_uninterrupted_seconds: 90
executor:
  max_attempts: 3
`
	_, err := LoadPolicyConfig(context.Background(), []byte(yml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop")
}

func TestLoadPolicyConfig_RejectsRetrySpacingOverBudget(t *testing.T) {
	yml := `
classifier:
  multi_task_min_verbs: 3
  delete_verbs: [delete]
  stop_verbs: [stop]
  start_verbs: [start]
  create_verbs: [create]
  update_verbs: [update]
  diagram_terms: [diagram]
  analysis_markers: [existing]
  cost_terms: [cost]
  doc_terms: ["how to"]
  read_verbs: [list]
splitter:
  max_uninterrupted_seconds: 90
executor:
  max_attempts: 5
  retry_spacing_seconds: 10
  retry_budget_seconds: 30
`
	_, err := LoadPolicyConfig(context.Background(), []byte(yml))
	assert.Error(t, err)
}

func TestLoadPolicyConfig_LowercasesLexicons(t *testing.T) {
	yml := `
classifier:
  multi_task_min_verbs: 3
  delete_verbs: [DELETE, Remove]
  stop_verbs: [stop]
  start_verbs: [start]
  create_verbs: [create]
  update_verbs: [update]
  diagram_terms: [diagram]
  analysis_markers: [existing]
  cost_terms: [cost]
  doc_terms: ["How To"]
  read_verbs: [list]
splitter:
  max_uninterrupted_seconds: 90
  verb_estimates:
    Scan: 15
executor:
  max_attempts: 3
`
	cfg, err := LoadPolicyConfig(context.Background(), []byte(yml))
	require.NoError(t, err)
	assert.Equal(t, []string{"delete", "remove"}, cfg.Classifier.DeleteVerbs)
	assert.Equal(t, []string{"how to"}, cfg.Classifier.DocTerms)
	assert.Equal(t, 15, cfg.EstimateFor("SCAN"))
}

// =============================================================================
// Lookup Helpers
// =============================================================================

func TestRankFor_KnownAndUnknownTypes(t *testing.T) {
	cfg, err := LoadPolicyConfig(context.Background(), defaultPolicyRulesYAML)
	require.NoError(t, err)

	sg := cfg.RankFor("AWS::EC2::SecurityGroup")
	ec2 := cfg.RankFor("AWS::EC2::Instance")
	rds := cfg.RankFor("AWS::RDS::DBInstance")
	unknown := cfg.RankFor("AWS::SomeNew::Thing")

	assert.Less(t, sg, ec2, "network before compute")
	assert.Less(t, ec2, rds, "compute before data")
	assert.Greater(t, unknown, rds, "unknown types never block known infrastructure")
}

func TestEstimateFor_FallsBackToDefault(t *testing.T) {
	cfg, err := LoadPolicyConfig(context.Background(), defaultPolicyRulesYAML)
	require.NoError(t, err)
	assert.Equal(t, cfg.Splitter.DefaultEstimateSeconds, cfg.EstimateFor("frobnicate"))
}
