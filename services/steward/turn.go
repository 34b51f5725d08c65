// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package steward

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCloud/services/steward/agent"
	"github.com/AleutianAI/AleutianCloud/services/steward/capability"
	"github.com/AleutianAI/AleutianCloud/services/steward/policy"
	"github.com/AleutianAI/AleutianCloud/services/steward/session"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "turn",
		Name:      "total",
		Help:      "Turns by suspension outcome",
	}, []string{"suspension"})

	turnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "steward",
		Subsystem: "turn",
		Name:      "latency_seconds",
		Help:      "End-to-end turn latency",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})
)

var turnTracer = otel.Tracer("aleutian.steward.turn")

// Suspension names where a turn yielded control back to the user.
type Suspension string

const (
	SuspensionNone         Suspension = ""
	SuspensionConfirmation Suspension = "confirmation"
	SuspensionContinuation Suspension = "continuation"
	SuspensionCategory     Suspension = "category"
)

// TurnResult is the engine's output for one user message.
type TurnResult struct {
	// Response is the user-facing text. Always plain prose; routing
	// mechanics stay in logs.
	Response string

	// Class is the resolved operation class name.
	Class string

	// Tier is the selected response tier name, empty when the turn was
	// consumed by a suspension reply.
	Tier string

	// Suspended names the suspension point left open, if any.
	Suspended Suspension
}

// defaultCategories is the follow-up menu a TIER_1 summary offers.
var defaultCategories = []string{
	"Security",
	"Cost Optimization",
	"Performance",
	"Reliability",
	"Networking",
	"Monitoring",
	"Operations",
}

// turnEngine runs one turn against a single rule-set revision, so a
// hot reload mid-turn never mixes two configs.
type turnEngine struct {
	*Service
	rules     *ruleSet
	sessionID string
}

// HandleTurn runs one full turn for a session.
//
// Description:
//
//	Rebuilds suspension state from the transcript, then either resolves
//	the open suspension (confirmation token, continuation signal, or
//	category pick) or classifies and routes the message fresh. The
//	resulting state is appended to the transcript before returning, so
//	the next turn can rebuild it from history alone.
//
// Inputs:
//
//	ctx - Context for tracing and cancellation.
//	sessionID - Opaque session identity from the chat host.
//	text - The raw user message.
//
// Outputs:
//
//	*TurnResult - The rendered response. Policy failures render as plain
//	    actionable text inside the result, not as errors.
//	error - Infrastructure failure only (transcript store).
func (s *Service) HandleTurn(ctx context.Context, sessionID, text string) (*TurnResult, error) {
	start := time.Now()
	ctx, span := turnTracer.Start(ctx, "steward.Service.HandleTurn")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	e := &turnEngine{Service: s, rules: s.currentRules(ctx), sessionID: sessionID}

	transcript, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state := session.RebuildState(transcript)

	intent := s.intent.Extract(ctx, text)
	region := e.rules.regions.Resolve(firstNonEmpty(intent.Region, state.Region))

	record := &session.TurnRecord{UserText: text, Region: region}
	var result *TurnResult
	switch {
	case state.PendingGate != nil:
		result = e.resolveGateReply(ctx, state, text, region, record)
	case state.PausedBatch != nil:
		result = e.resolveContinuation(ctx, state.PausedBatch, text, region, record)
	default:
		result = e.freshTurn(ctx, state, intent, text, region, record)
	}

	record.Response = result.Response
	if err := s.store.Append(ctx, sessionID, record); err != nil {
		return nil, err
	}

	turnsTotal.WithLabelValues(string(result.Suspended)).Inc()
	turnLatency.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("class", result.Class),
		attribute.String("suspension", string(result.Suspended)),
	)
	return result, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// =============================================================================
// Fresh Classification Path
// =============================================================================

func (e *turnEngine) freshTurn(ctx context.Context, state *session.State, intent *agent.Intent, text, region string, record *session.TurnRecord) *TurnResult {
	c := e.rules.classifier.Classify(ctx, text)
	record.Class = c.Class

	if c.Ambiguous {
		return e.renderError(ambiguityError(), c.Class.String())
	}
	if c.Class == policy.ClassMultiTask {
		return e.runBatch(ctx, text, region, record)
	}

	tier := e.tiers.Select(ctx, c, state.OfferedCategories, text)

	route, err := e.router.Resolve(ctx, c)
	if err != nil {
		return e.renderError(err, c.Class.String())
	}
	if err := e.registry.CheckDispatch(route); err != nil {
		return e.renderError(err, c.Class.String())
	}

	if route.RequiresConfirmation {
		return e.proposeGate(ctx, c, intent, text, region, record)
	}
	return e.dispatchRead(ctx, c, route, tier, text, region, record)
}

// ambiguityError is the refusal for requests carrying contradictory
// mutation verbs. The user re-prompts; the engine never picks for them.
func ambiguityError() error {
	return policy.NewPolicyError(policy.ErrCodeAmbiguous,
		"That request reads as more than one conflicting operation, so nothing was changed.").
		WithHint("rephrase with a single action, or send each action as its own message")
}

// bulkPhraseRe detects explicitly bulk-phrased requests. Only these get
// the single count-bearing bulk gate; a list of named resources without
// bulk phrasing is confirmed one resource at a time.
var bulkPhraseRe = regexp.MustCompile(`(?i)\b(bulk|all|every)\b`)

// proposeGate creates the confirmation gate for a mutating request and
// presents its prompt.
func (e *turnEngine) proposeGate(ctx context.Context, c *policy.Classification, intent *agent.Intent, text, region string, record *session.TurnRecord) *TurnResult {
	targets := intent.Targets
	if len(targets) == 0 {
		targets = []policy.ResourceRef{{Name: "the named resource"}}
	}

	if len(targets) > 1 && c.Class.IsDestructive() {
		if bulkPhraseRe.MatchString(text) {
			return e.proposeBulkGate(ctx, targets, region, record)
		}
		// Without bulk phrasing, every resource is confirmed on its own
		// gate, dependents before the resources they depend on. The next
		// gate is not offered until the previous deletion dispatched.
		ordered := e.orderForDeletion(targets)
		record.QueuedDeletes = ordered[1:]
		out := e.proposeGateFor(ctx, c.Class, ordered[0], region, record)
		out.Response = fmt.Sprintf(
			"This request removes %d resources. Each one is confirmed separately, in dependency order.\n\n%s",
			len(ordered), out.Response)
		return out
	}
	return e.proposeGateFor(ctx, c.Class, targets[0], region, record)
}

// proposeGateFor gates one resource and presents the prompt.
func (e *turnEngine) proposeGateFor(ctx context.Context, class policy.OperationClass, target policy.ResourceRef, region string, record *session.TurnRecord) *TurnResult {
	gate := policy.NewGate(e.rules.cfg, class, target)

	// The cloud account is shared and unlocked, so the detail shown at
	// the prompt is always a live re-fetch, never a cached listing.
	detail := e.refetchDetail(ctx, target, region)
	if err := gate.Present(); err != nil {
		return e.renderError(err, class.String())
	}
	record.PendingGate = session.SnapshotGate(gate)
	return &TurnResult{
		Response:  e.renderGatePrompt(gate, detail),
		Class:     class.String(),
		Suspended: SuspensionConfirmation,
	}
}

// proposeBulkGate covers an explicitly bulk-phrased deletion batch with
// one count-bearing gate.
func (e *turnEngine) proposeBulkGate(ctx context.Context, targets []policy.ResourceRef, region string, record *session.TurnRecord) *TurnResult {
	gate := policy.NewBulkGate(e.rules.cfg, targets)
	detail := e.refetchDetail(ctx, targets[0], region)
	if err := gate.Present(); err != nil {
		return e.renderError(err, gate.Class.String())
	}
	record.PendingGate = session.SnapshotGate(gate)
	return &TurnResult{
		Response:  e.renderGatePrompt(gate, detail),
		Class:     gate.Class.String(),
		Suspended: SuspensionConfirmation,
	}
}

// orderForDeletion sorts targets dependents-first by dependency rank,
// matching the order the executor would dispatch a confirmed batch in.
func (e *turnEngine) orderForDeletion(targets []policy.ResourceRef) []policy.ResourceRef {
	ordered := append([]policy.ResourceRef(nil), targets...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return e.rules.cfg.RankFor(ordered[i].Type) > e.rules.cfg.RankFor(ordered[j].Type)
	})
	return ordered
}

func (e *turnEngine) refetchDetail(ctx context.Context, target policy.ResourceRef, region string) string {
	filters := map[string]string{}
	if target.ID != "" {
		filters["resource-id"] = target.ID
	} else if target.Name != "" {
		filters["name"] = target.Name
	}
	res, err := e.rules.inspect.Inspect(ctx, capability.InspectQuery{
		Service:   serviceForType(target.Type),
		Operation: "describe-resources",
		Region:    region,
		Filters:   filters,
	}, region)
	if err != nil {
		e.logger.WarnContext(ctx, "live re-fetch before confirmation failed",
			"resource", target.DisplayName(), "error", err.Error())
		return "Live state could not be re-fetched just now; the detail below may be stale."
	}
	return res.Raw
}

// dispatchRead serves the non-mutating classes.
func (e *turnEngine) dispatchRead(ctx context.Context, c *policy.Classification, route *policy.Route, tier *policy.TierDecision, text, region string, record *session.TurnRecord) *TurnResult {
	if route.Capability == policy.CapabilityDiagram {
		if err := e.router.AssertDispatch(ctx, c.Class, route.Capability); err != nil {
			return e.renderError(err, c.Class.String())
		}
		return e.dispatchDiagram(ctx, c, tier, text, record)
	}
	body, err := e.capabilityBody(ctx, c, route, text, region)
	if err != nil {
		return e.renderError(err, c.Class.String())
	}
	return e.renderTiered(tier, body, c, record)
}

// capabilityBody invokes the capability bound to the route and returns
// the response body. Every call passes the dispatch assertion first, so
// a sub-task routed here honors the same exclusivity as a full turn.
func (e *turnEngine) capabilityBody(ctx context.Context, c *policy.Classification, route *policy.Route, text, region string) (string, error) {
	if err := e.router.AssertDispatch(ctx, c.Class, route.Capability); err != nil {
		return "", err
	}

	switch route.Capability {
	case policy.CapabilityInspect:
		res, err := e.rules.inspect.Inspect(ctx, capability.InspectQuery{
			Service:   serviceForText(text),
			Operation: "describe-resources",
			Region:    region,
			Filters:   map[string]string{"query": text},
		}, region)
		if err != nil {
			return "", err
		}
		body := res.Raw
		if route.Companion == policy.CapabilityDocs && e.docs != nil {
			if docRes, docErr := e.searchDocs(ctx, text); docErr == nil && len(docRes.Entries) > 0 {
				body += "\n\nRelated guidance:\n- " + strings.Join(docRes.Entries, "\n- ")
			}
		}
		return body, nil

	case policy.CapabilityDocs:
		res, err := e.searchDocs(ctx, text)
		if err != nil {
			return "", err
		}
		return "- " + strings.Join(res.Entries, "\n- "), nil

	case policy.CapabilityCost:
		res, err := e.costs.Analyze(ctx, capability.CostQuery{
			TimeRange: "last-30-days",
			Region:    region,
		}, false)
		if err != nil {
			return "", err
		}
		return res.Report, nil

	case policy.CapabilityDiagram:
		var (
			res *capability.DiagramResult
			err error
		)
		if c.Class == policy.ClassDiagramDesign {
			res, err = e.diagrams.RenderDesign(ctx, text)
		} else {
			res, err = e.diagrams.RenderResources(ctx, nil)
		}
		if err != nil {
			return "", err
		}
		return capability.FormatDiagramResponse(res, "Here is the architecture.")
	}
	return "", policy.NewPolicyError(policy.ErrCodeBindingViolation,
		fmt.Sprintf("no dispatch for capability %s", route.Capability))
}

func (e *turnEngine) searchDocs(ctx context.Context, text string) (*capability.DocResult, error) {
	q := capability.DocQuery{Service: serviceForText(text), Topic: text}
	if cached, ok := e.docs.(*capability.CachingDocSearcher); ok {
		return cached.SearchSession(ctx, e.sessionID, q)
	}
	return e.docs.Search(ctx, q)
}

func (e *turnEngine) dispatchDiagram(ctx context.Context, c *policy.Classification, tier *policy.TierDecision, text string, record *session.TurnRecord) *TurnResult {
	var (
		res *capability.DiagramResult
		err error
	)
	if c.Class == policy.ClassDiagramDesign {
		res, err = e.diagrams.RenderDesign(ctx, text)
	} else {
		res, err = e.diagrams.RenderResources(ctx, nil)
	}
	if err != nil {
		return e.renderError(err, c.Class.String())
	}

	prose := "Here is the architecture."
	if tier.StaticCostEstimate {
		// Design flows never touch the cost capability; the estimate is
		// the static table, stated as such.
		prose += "\n\n" + e.rules.statics.EstimateDesign(text).Render()
	}
	response, err := capability.FormatDiagramResponse(res, prose)
	if err != nil {
		return e.renderError(err, c.Class.String())
	}
	return e.renderTiered(tier, response, c, record)
}

// =============================================================================
// Suspension Replies
// =============================================================================

// resolveGateReply feeds the user's message into the pending gate.
func (e *turnEngine) resolveGateReply(ctx context.Context, state *session.State, text, region string, record *session.TurnRecord) *TurnResult {
	gate := state.PendingGate
	record.Class = gate.Class
	outcome, err := gate.Evaluate(text)
	if err != nil {
		return e.renderError(err, gate.Class.String())
	}

	switch outcome {
	case policy.GateConfirmed:
		result, executed := e.executeConfirmed(ctx, gate, region)
		return e.afterGateResolved(ctx, state, gate, region, record, result, executed)

	case policy.GateAwaitingConfirmation:
		// CRITICAL stage one accepted; stage two still pending.
		record.PendingGate = session.SnapshotGate(gate)
		e.carrySuspension(state, record)
		return &TurnResult{
			Response: fmt.Sprintf("Risk acknowledged. To proceed, reply exactly:\n%s", gate.RequiredToken()),
			Class:    gate.Class.String(), Suspended: SuspensionConfirmation,
		}

	case policy.GateRejectedMismatch:
		// Re-display the format and re-arm; never accept close-enough.
		if err := gate.Reoffer(); err == nil {
			record.PendingGate = session.SnapshotGate(gate)
		}
		e.carrySuspension(state, record)
		return &TurnResult{
			Response: fmt.Sprintf("That confirmation did not match. Nothing was changed.\nTo proceed, reply exactly:\n%s", gate.RequiredToken()),
			Class:    gate.Class.String(), Suspended: SuspensionConfirmation,
		}

	default: // cancelled
		result := &TurnResult{
			Response: "Understood, nothing was changed. The resource is untouched.",
			Class:    gate.Class.String(),
		}
		return e.afterGateResolved(ctx, state, gate, region, record, result, false)
	}
}

// carrySuspension re-snapshots the paused batch and delete queue onto a
// turn record whose gate is still open, so neither is lost while the
// user works through the confirmation.
func (e *turnEngine) carrySuspension(state *session.State, record *session.TurnRecord) {
	if state.PausedBatch != nil {
		record.PausedBatch = session.SnapshotBatch(state.PausedBatch)
	}
	if len(state.QueuedDeletes) > 0 {
		record.QueuedDeletes = state.QueuedDeletes
	}
}

// afterGateResolved resumes whatever the gate turn had suspended: the
// rest of a paused batch, or the next queued per-resource deletion.
func (e *turnEngine) afterGateResolved(ctx context.Context, state *session.State, gate *policy.Gate, region string, record *session.TurnRecord, result *TurnResult, executed bool) *TurnResult {
	if batch := state.PausedBatch; batch != nil {
		status := policy.SubTaskSkipped
		if executed {
			status = policy.SubTaskCompleted
		}
		for i := range batch.SubTasks {
			if batch.SubTasks[i].Status == policy.SubTaskAwaiting {
				batch.SubTasks[i].Status = status
			}
		}
		cont := e.advanceBatch(ctx, batch, region, record, nil)
		return &TurnResult{
			Response:  result.Response + "\n\n" + cont.Response,
			Class:     result.Class,
			Suspended: cont.Suspended,
		}
	}

	if len(state.QueuedDeletes) > 0 {
		if !executed {
			result.Response += "\n\nThe remaining queued deletions were not started."
			return result
		}
		next := state.QueuedDeletes[0]
		record.QueuedDeletes = state.QueuedDeletes[1:]
		cont := e.proposeGateFor(ctx, gate.Class, next, region, record)
		return &TurnResult{
			Response:  result.Response + "\n\n" + cont.Response,
			Class:     result.Class,
			Suspended: cont.Suspended,
		}
	}
	return result
}

// executeConfirmed dispatches the confirmed gate through the executor.
// The second return is true when every operation was attempted without
// failure, which is what allows a queued follow-up gate to be offered.
func (e *turnEngine) executeConfirmed(ctx context.Context, gate *policy.Gate, region string) (*TurnResult, bool) {
	// The binding assertion runs at the dispatch boundary even here; a
	// confirmed gate never bypasses it.
	if err := e.router.AssertDispatch(ctx, gate.Class, policy.CapabilityMutate); err != nil {
		return e.renderError(err, gate.Class.String()), false
	}

	targets := gate.BulkResources
	if len(targets) == 0 {
		targets = []policy.ResourceRef{gate.Resource}
	}
	ops := make([]policy.MutationOp, 0, len(targets))
	for _, target := range targets {
		target := target
		ops = append(ops, policy.MutationOp{
			Resource: target,
			Class:    gate.Class,
			Dispatch: e.mutationDispatch(gate.Class, target, region),
		})
	}

	reports, execErr := e.rules.executor.Execute(ctx, ops)
	return e.renderExecution(gate.Class, reports, execErr), execErr == nil
}

func (e *turnEngine) mutationDispatch(class policy.OperationClass, target policy.ResourceRef, region string) policy.DispatchFunc {
	return func(ctx context.Context) (*policy.OpResult, error) {
		var (
			res *capability.MutationResult
			err error
		)
		switch {
		case class == policy.ClassMutateDelete || class == policy.ClassStateChangeHigh:
			res, err = e.mutator.Delete(ctx, capability.DeleteInput{
				ResourceType: target.Type, Identifier: target.ID,
			})
		case class == policy.ClassMutateCreate:
			in := capability.CreateInput{
				ResourceType:   target.Type,
				Properties:     map[string]any{},
				RequiredFields: requiredCreateFields(target.Type),
			}
			if target.Name != "" {
				in.Properties["Name"] = target.Name
			}
			if err := capability.ValidateCreate(&in); err != nil {
				return nil, err
			}
			res, err = e.mutator.Create(ctx, in)
		case class == policy.ClassStateChangeMedium:
			res, err = e.mutator.Update(ctx, capability.UpdateInput{
				ResourceType: target.Type, Identifier: target.ID,
				Properties: map[string]any{"DesiredState": "stopped"},
			})
		case class == policy.ClassStateChangeLow:
			res, err = e.mutator.Update(ctx, capability.UpdateInput{
				ResourceType: target.Type, Identifier: target.ID,
				Properties: map[string]any{"DesiredState": "running"},
			})
		default:
			res, err = e.mutator.Update(ctx, capability.UpdateInput{
				ResourceType: target.Type, Identifier: target.ID,
			})
		}
		if err != nil {
			return nil, err
		}
		return &policy.OpResult{
			Identifier:  res.Identifier,
			Status:      res.Status,
			LongRunning: res.LongRunning,
		}, nil
	}
}

// requiredCreateFields lists the schema-required property names by
// resource type, consumed by create validation.
func requiredCreateFields(resourceType string) []string {
	switch {
	case strings.HasPrefix(resourceType, "AWS::EC2::Instance"):
		return []string{"Name", "InstanceType"}
	case strings.HasPrefix(resourceType, "AWS::RDS::"):
		return []string{"Name", "DBInstanceClass", "AllocatedStorage"}
	case strings.HasPrefix(resourceType, "AWS::Lambda::"):
		return []string{"Name", "MemorySize"}
	default:
		return []string{"Name"}
	}
}

// resolveContinuation handles the reply to a paused batch.
func (e *turnEngine) resolveContinuation(ctx context.Context, batch *policy.TaskBatch, text, region string, record *session.TurnRecord) *TurnResult {
	cont := policy.ParseContinuation(text, batch)
	if !cont.Approved {
		for i := range batch.SubTasks {
			if batch.SubTasks[i].Status == policy.SubTaskDeferred {
				batch.SubTasks[i].Status = policy.SubTaskSkipped
			}
		}
		return &TurnResult{
			Response: "Remaining tasks skipped. Completed work stands; nothing else was changed.",
			Class:    policy.ClassMultiTask.String(),
		}
	}

	var lines []string
	if len(cont.Subset) > 0 {
		approved := make(map[int]bool, len(cont.Subset))
		for _, idx := range cont.Subset {
			approved[idx] = true
		}
		for i := range batch.SubTasks {
			st := &batch.SubTasks[i]
			if st.Status == policy.SubTaskDeferred && !approved[st.Index] {
				st.Status = policy.SubTaskSkipped
				lines = append(lines, fmt.Sprintf("%d. %s (skipped)", st.Index, st.Text))
			}
		}
	}
	return e.advanceBatch(ctx, batch, region, record, lines)
}

// advanceBatch works through the approved deferred sub-tasks in order.
// Each sub-task is atomically classified and routed through its bound
// capability; mutating sub-tasks park the batch behind their own
// confirmation gate, because a continuation approval authorizes reaching
// the gate, never the mutation itself.
func (e *turnEngine) advanceBatch(ctx context.Context, batch *policy.TaskBatch, region string, record *session.TurnRecord, lines []string) *TurnResult {
	for i := range batch.SubTasks {
		st := &batch.SubTasks[i]
		if st.Status != policy.SubTaskDeferred {
			continue
		}

		c := e.rules.classifier.ClassifyAtomic(ctx, st.Text)
		route, err := e.resolveSubTaskRoute(ctx, c)
		if err != nil {
			st.Status = policy.SubTaskSkipped
			lines = append(lines, fmt.Sprintf("%d. %s: %s", st.Index, st.Text, userMessage(err)))
			continue
		}

		if route.RequiresConfirmation {
			st.Status = policy.SubTaskAwaiting
			intent := e.intent.Extract(ctx, st.Text)
			out := e.proposeGate(ctx, c, intent, st.Text, region, record)
			record.PausedBatch = session.SnapshotBatch(batch)
			if len(lines) > 0 {
				out.Response = strings.Join(lines, "\n") + "\n\n" + out.Response
			}
			out.Class = policy.ClassMultiTask.String()
			return out
		}

		body, err := e.capabilityBody(ctx, c, route, st.Text, region)
		st.Status = policy.SubTaskCompleted
		if err != nil {
			lines = append(lines, fmt.Sprintf("%d. %s: could not complete (%s)", st.Index, st.Text, userMessage(err)))
			continue
		}
		lines = append(lines, fmt.Sprintf("%d. %s:\n%s", st.Index, st.Text, body))
	}

	record.PausedBatch = session.SnapshotBatch(batch)
	if len(lines) == 0 {
		return &TurnResult{Response: "That completes the approved tasks.", Class: policy.ClassMultiTask.String()}
	}
	return &TurnResult{
		Response: "Continuing with the approved tasks:\n" + strings.Join(lines, "\n"),
		Class:    policy.ClassMultiTask.String(),
	}
}

// resolveSubTaskRoute routes one atomic sub-task, applying the same
// ambiguity refusal, binding resolution, and availability check a full
// turn gets.
func (e *turnEngine) resolveSubTaskRoute(ctx context.Context, c *policy.Classification) (*policy.Route, error) {
	if c.Ambiguous {
		return nil, ambiguityError()
	}
	route, err := e.router.Resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := e.registry.CheckDispatch(route); err != nil {
		return nil, err
	}
	return route, nil
}

// runBatch executes the read groups of a fresh multi-task request and
// pauses before the writes. Each sub-task dispatches through its own
// bound capability, never blanket inspection.
func (e *turnEngine) runBatch(ctx context.Context, text, region string, record *session.TurnRecord) *TurnResult {
	batch := e.rules.splitter.Split(ctx, text)

	var completed []string
	for i := range batch.SubTasks {
		st := &batch.SubTasks[i]
		if st.Group == policy.GroupWrites {
			continue
		}
		c := e.rules.classifier.ClassifyAtomic(ctx, st.Text)
		route, err := e.resolveSubTaskRoute(ctx, c)
		if err != nil {
			st.Status = policy.SubTaskCompleted
			completed = append(completed, fmt.Sprintf("%d. %s: could not complete (%s)", st.Index, st.Text, userMessage(err)))
			continue
		}
		body, err := e.capabilityBody(ctx, c, route, st.Text, region)
		st.Status = policy.SubTaskCompleted
		if err != nil {
			completed = append(completed, fmt.Sprintf("%d. %s: could not complete (%s)", st.Index, st.Text, userMessage(err)))
			continue
		}
		completed = append(completed, fmt.Sprintf("%d. %s:\n%s", st.Index, st.Text, body))
	}

	record.PausedBatch = session.SnapshotBatch(batch)
	response := strings.Join(completed, "\n\n")
	if record.PausedBatch != nil {
		response += "\n\n" + e.renderBatchPause(batch)
		return &TurnResult{
			Response:  response,
			Class:     policy.ClassMultiTask.String(),
			Suspended: SuspensionContinuation,
		}
	}
	return &TurnResult{Response: response, Class: policy.ClassMultiTask.String()}
}

// =============================================================================
// Rendering
// =============================================================================

func (e *turnEngine) renderTiered(tier *policy.TierDecision, body string, c *policy.Classification, record *session.TurnRecord) *TurnResult {
	result := &TurnResult{
		Response: body,
		Class:    c.Class.String(),
		Tier:     tier.Tier.String(),
	}
	switch tier.Tier {
	case policy.Tier1Summary:
		menu := make([]string, 0, len(defaultCategories))
		for i, category := range defaultCategories {
			menu = append(menu, fmt.Sprintf("%d. %s", i+1, category))
		}
		result.Response += "\n\nWant to go deeper on one area?\n" + strings.Join(menu, "\n") +
			"\nPick a category by name or number, or reply \"all\" to see everything again."
		record.OfferedCategories = defaultCategories
		result.Suspended = SuspensionCategory

	case policy.Tier2Category:
		if tier.Category != "" {
			result.Response = "Deep dive: " + tier.Category + "\n\n" + result.Response
		}

	case policy.Tier3Full:
		var sections []string
		for _, name := range policy.Tier3Sections() {
			sections = append(sections, "## "+name)
		}
		result.Response += "\n\n" + strings.Join(sections, "\n")
	}
	return result
}

func (e *turnEngine) renderGatePrompt(gate *policy.Gate, detail string) string {
	var b strings.Builder
	if gate.BulkCount > 0 {
		fmt.Fprintf(&b, "You are about to delete %d resources:\n", gate.BulkCount)
		for _, r := range gate.BulkResources {
			fmt.Fprintf(&b, "- %s (%s)\n", r.DisplayName(), r.Type)
		}
	} else {
		fmt.Fprintf(&b, "You are about to act on %s (%s), risk tier %s.\n",
			gate.Resource.DisplayName(), gate.Resource.Type, gate.Tier)
	}
	if detail != "" {
		b.WriteString("\nCurrent state:\n" + detail + "\n")
	}
	if gate.Tier == policy.CriticalityCritical && !gate.RiskAcknowledged {
		fmt.Fprintf(&b, "\nThis is a critical resource. First reply exactly:\n%s\n", policy.RiskAcknowledgmentToken)
		fmt.Fprintf(&b, "Then you will be asked for the final confirmation.")
		return b.String()
	}
	fmt.Fprintf(&b, "\nTo proceed, reply exactly:\n%s\nAnything else cancels.", gate.RequiredToken())
	return b.String()
}

func (e *turnEngine) renderBatchPause(batch *policy.TaskBatch) string {
	var b strings.Builder
	b.WriteString("This request is large, so I paused before the remaining tasks:\n")
	for _, st := range batch.SubTasks {
		fmt.Fprintf(&b, "%d. %s (~%ds, %s)\n", st.Index, st.Text, st.EstimateSeconds, st.Status)
	}
	b.WriteString("Reply \"yes\" to run the remaining tasks, or list task numbers to run a subset.")
	return b.String()
}

func (e *turnEngine) renderExecution(class policy.OperationClass, reports []policy.OpReport, execErr error) *TurnResult {
	var b strings.Builder
	for _, r := range reports {
		switch r.Outcome {
		case policy.OpCompleted:
			fmt.Fprintf(&b, "%s: done.\n", r.Resource.DisplayName())
		case policy.OpLongRunning:
			eta := "several minutes"
			if r.Result != nil && r.Result.EstimatedCompletion > 0 {
				eta = fmt.Sprintf("about %s", r.Result.EstimatedCompletion.Round(time.Minute))
			}
			fmt.Fprintf(&b, "%s: started; this takes %s. Check back and I will report status.\n",
				r.Resource.DisplayName(), eta)
		case policy.OpFailed:
			fmt.Fprintf(&b, "%s: failed. %s\n", r.Resource.DisplayName(), userMessage(r.Err))
		case policy.OpSkipped:
			fmt.Fprintf(&b, "%s: not started.\n", r.Resource.DisplayName())
		}
	}
	if execErr != nil {
		b.WriteString("\nI stopped before the remaining items. Completed work stands and nothing is undone automatically.\n")
		b.WriteString("Tell me whether to continue, skip the failed item, or abort the rest.")
	}
	return &TurnResult{Response: b.String(), Class: class.String()}
}

func (e *turnEngine) renderError(err error, class string) *TurnResult {
	e.logger.Warn("turn failed", "class", class, "error", err.Error())
	return &TurnResult{Response: userMessage(err), Class: class}
}

// userMessage renders an error as plain actionable text. Internal codes
// and rule mechanics never reach the user.
func userMessage(err error) string {
	var pe *policy.PolicyError
	if errors.As(err, &pe) {
		msg := pe.Message
		if pe.Hint != "" {
			msg += " " + strings.ToUpper(pe.Hint[:1]) + pe.Hint[1:] + "."
		}
		return msg
	}
	return "Something went wrong with that request. Please try again."
}

// =============================================================================
// Text Heuristics
// =============================================================================

// serviceWords maps request vocabulary to service scopes for inspection
// and documentation queries. Ordered so more specific terms win; the
// first match decides.
var serviceWords = []struct {
	term    string
	service string
}{
	{"load balancer", "elbv2"}, {"alb", "elbv2"}, {"elb", "elbv2"},
	{"security group", "ec2"},
	{"dynamodb", "dynamodb"},
	{"bucket", "s3"}, {"s3", "s3"},
	{"database", "rds"}, {"rds", "rds"}, {"postgres", "rds"}, {"mysql", "rds"},
	{"lambda", "lambda"}, {"function", "lambda"},
	{"alarm", "cloudwatch"}, {"metric", "cloudwatch"},
	{"iam", "iam"}, {"role", "iam"}, {"user", "iam"}, {"mfa", "iam"},
	{"instance", "ec2"}, {"ec2", "ec2"}, {"server", "ec2"}, {"ami", "ec2"},
	{"vpc", "ec2"}, {"subnet", "ec2"}, {"volume", "ec2"},
	{"snapshot", "ec2"}, {"ebs", "ec2"},
	{"table", "dynamodb"},
}

func serviceForText(text string) string {
	lower := strings.ToLower(text)
	for _, entry := range serviceWords {
		if strings.Contains(lower, entry.term) {
			return entry.service
		}
	}
	return ""
}

// serviceForType maps a CloudFormation type to its service scope.
func serviceForType(resourceType string) string {
	parts := strings.Split(resourceType, "::")
	if len(parts) >= 2 {
		return strings.ToLower(parts[1])
	}
	return ""
}
