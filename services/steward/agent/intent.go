// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent extracts structured intent (resource targets, region)
// from request text using a language model, with a rule fallback.
//
// The model is an opaque, non-deterministic collaborator. Its output
// enriches a turn with targets and region; it never decides the
// operation class and never overrides a policy rule verdict.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCloud/services/steward/policy"
)

var (
	intentExtractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "intent",
		Name:      "extractions_total",
		Help:      "Intent extractions by source (model or rules)",
	}, []string{"source"})

	intentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "steward",
		Subsystem: "intent",
		Name:      "latency_seconds",
		Help:      "Intent extraction latency",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})
)

var intentTracer = otel.Tracer("aleutian.steward.agent")

// Intent is the structured enrichment extracted from one request.
type Intent struct {
	// Targets are the resources the request names, where resolvable.
	Targets []policy.ResourceRef

	// Region is the region the user named, empty when none.
	Region string
}

const extractionPrompt = `Extract cloud resource targets and region from the user request.
Reply with only a JSON object, no prose:
{"region":"<region or empty>","resources":[{"type":"<CloudFormation type>","id":"<identifier or empty>","name":"<name or empty>"}]}

User request: `

// modelReply is the JSON shape the extraction prompt asks for.
type modelReply struct {
	Region    string `json:"region"`
	Resources []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"resources"`
}

// Extractor resolves intent via a language model with a rule fallback.
//
// Thread Safety: Safe for concurrent use when the model is.
type Extractor struct {
	model  llms.Model
	logger *slog.Logger
}

// NewExtractor creates an Extractor. model may be nil, in which case
// only the rule fallback runs.
func NewExtractor(model llms.Model, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{model: model, logger: logger}
}

// Extract resolves intent for one request. Model failures are not turn
// failures; the rule fallback always produces a usable Intent.
func (e *Extractor) Extract(ctx context.Context, text string) *Intent {
	start := time.Now()
	ctx, span := intentTracer.Start(ctx, "agent.Extractor.Extract")
	defer span.End()
	defer func() { intentLatency.Observe(time.Since(start).Seconds()) }()

	if e.model != nil {
		if intent, ok := e.extractWithModel(ctx, text); ok {
			intentExtractionsTotal.WithLabelValues("model").Inc()
			span.SetAttributes(attribute.String("source", "model"),
				attribute.Int("targets", len(intent.Targets)))
			return intent
		}
	}

	intent := ruleExtract(text)
	intentExtractionsTotal.WithLabelValues("rules").Inc()
	span.SetAttributes(attribute.String("source", "rules"),
		attribute.Int("targets", len(intent.Targets)))
	return intent
}

func (e *Extractor) extractWithModel(ctx context.Context, text string) (*Intent, bool) {
	reply, err := llms.GenerateFromSinglePrompt(ctx, e.model, extractionPrompt+text,
		llms.WithTemperature(0), llms.WithMaxTokens(512))
	if err != nil {
		e.logger.WarnContext(ctx, "intent model call failed, using rule fallback",
			slog.String("error", err.Error()))
		return nil, false
	}

	// Models wrap JSON in prose or fences often enough that we cut to
	// the outermost object before decoding.
	first, last := strings.Index(reply, "{"), strings.LastIndex(reply, "}")
	if first < 0 || last <= first {
		return nil, false
	}
	var parsed modelReply
	if err := json.Unmarshal([]byte(reply[first:last+1]), &parsed); err != nil {
		e.logger.WarnContext(ctx, "intent reply not parseable, using rule fallback",
			slog.String("error", err.Error()))
		return nil, false
	}

	intent := &Intent{Region: validRegion(parsed.Region)}
	for _, r := range parsed.Resources {
		if r.Type == "" && r.ID == "" && r.Name == "" {
			continue
		}
		intent.Targets = append(intent.Targets, policy.ResourceRef{
			Type: r.Type, ID: r.ID, Name: r.Name,
		})
	}
	return intent, true
}

// =============================================================================
// Rule Fallback
// =============================================================================

var (
	regionRe     = regexp.MustCompile(`\b((?:us|eu|ap|sa|ca|me|af|il)(?:-gov)?-(?:central|north|south|east|west|northeast|northwest|southeast|southwest)-\d)\b`)
	resourceIDRe = regexp.MustCompile(`\b((?:i|vpc|subnet|sg|vol|ami|snap|igw|rtb|eni|eipalloc)-[0-9a-f]{8,17})\b`)
	arnRe        = regexp.MustCompile(`\barn:aws[a-z-]*:[^\s"']+`)

	// namedResourceRe catches "the bucket staging-logs" style phrasing
	// where a type keyword precedes a resource name.
	namedResourceRe = regexp.MustCompile(`(?i)\b(bucket|instance|database|db|function|table|alarm|queue|cluster|stack|volume|role)\s+(?:named\s+|called\s+)?"?([A-Za-z][A-Za-z0-9._/-]{2,})"?`)
)

// nameStopwords are tokens that follow a type keyword without naming a
// resource ("delete the bucket in us-east-1").
var nameStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "my": true, "our": true,
	"this": true, "that": true, "all": true, "in": true, "for": true,
	"with": true, "and": true, "to": true, "from": true, "named": true,
	"called": true, "new": true,
}

// nameTypeKeywords maps the phrasing keyword to a resource type.
var nameTypeKeywords = map[string]string{
	"bucket":   "AWS::S3::Bucket",
	"instance": "AWS::EC2::Instance",
	"database": "AWS::RDS::DBInstance",
	"db":       "AWS::RDS::DBInstance",
	"function": "AWS::Lambda::Function",
	"table":    "AWS::DynamoDB::Table",
	"alarm":    "AWS::CloudWatch::Alarm",
	"queue":    "AWS::SQS::Queue",
	"cluster":  "AWS::ECS::Cluster",
	"stack":    "AWS::CloudFormation::Stack",
	"volume":   "AWS::EC2::Volume",
	"role":     "AWS::IAM::Role",
}

// idTypePrefixes maps identifier prefixes to resource types.
var idTypePrefixes = map[string]string{
	"i":        "AWS::EC2::Instance",
	"vpc":      "AWS::EC2::VPC",
	"subnet":   "AWS::EC2::Subnet",
	"sg":       "AWS::EC2::SecurityGroup",
	"vol":      "AWS::EC2::Volume",
	"snap":     "AWS::EC2::Snapshot",
	"igw":      "AWS::EC2::InternetGateway",
	"rtb":      "AWS::EC2::RouteTable",
	"eni":      "AWS::EC2::NetworkInterface",
	"eipalloc": "AWS::EC2::EIP",
	"ami":      "AWS::EC2::Image",
}

// ruleExtract pulls regions, resource identifiers, and ARNs out of the
// raw text without any model call.
func ruleExtract(text string) *Intent {
	intent := &Intent{}
	if m := regionRe.FindString(strings.ToLower(text)); m != "" {
		intent.Region = m
	}
	for _, id := range resourceIDRe.FindAllString(text, -1) {
		prefix, _, _ := strings.Cut(id, "-")
		intent.Targets = append(intent.Targets, policy.ResourceRef{
			Type: idTypePrefixes[prefix],
			ID:   id,
		})
	}
	for _, arn := range arnRe.FindAllString(text, -1) {
		intent.Targets = append(intent.Targets, policy.ResourceRef{ID: arn})
	}
	for _, m := range namedResourceRe.FindAllStringSubmatch(text, -1) {
		name := strings.Trim(m[2], `"`)
		if nameStopwords[strings.ToLower(name)] || resourceIDRe.MatchString(name) {
			continue
		}
		intent.Targets = append(intent.Targets, policy.ResourceRef{
			Type: nameTypeKeywords[strings.ToLower(m[1])],
			Name: name,
		})
	}
	return intent
}

// validRegion filters model hallucinations down to real region syntax.
func validRegion(region string) string {
	if regionRe.MatchString(strings.ToLower(region)) {
		return strings.ToLower(region)
	}
	return ""
}
