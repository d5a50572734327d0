package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/contentgen-gateway/internal/domain"
	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
	"github.com/tjfontaine/contentgen-gateway/internal/storage"
	"github.com/tjfontaine/contentgen-gateway/internal/tokens"
	"github.com/tjfontaine/contentgen-gateway/internal/upstream"
)

// Stage names used in logs, spans and metrics.
const (
	StageAnalysis   = "analysis"
	StageGeneration = "generation"
)

// Run outcomes reported to metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeWarning   = "warning"
	OutcomeStopped   = "stopped"
	OutcomeRejected  = "rejected"
)

// Completer is the upstream model call.
type Completer interface {
	Complete(ctx context.Context, req upstream.CompletionRequest) (*upstream.Completion, error)
}

// Registry is the operation registry the orchestrator admits runs into.
type Registry interface {
	TryAdmit(id string) bool
	IsActive(id string) bool
	Release(id string)
}

// Responder delivers envelopes back to the requesting client.
type Responder interface {
	Send(env protocol.Envelope) error
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(env protocol.Envelope) error

// Send implements Responder.
func (f ResponderFunc) Send(env protocol.Envelope) error { return f(env) }

// Metrics receives run outcomes and stage timings.
type Metrics interface {
	RunFinished(outcome string)
	ObserveStage(stage string, seconds float64)
}

// Models are the per-stage upstream parameters.
type Models struct {
	Analysis   upstream.Params
	Generation upstream.Params
}

// Request is one admitted GENERATE.
type Request struct {
	// ID is the generation id, the GENERATE envelope's metadata.id.
	ID        string
	SessionID string
	Payload   protocol.GeneratePayload
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithStore records every run in store.
func WithStore(store storage.RunStore) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// WithMetrics reports outcomes to m.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithHistoryBudget trims prompt history to budget tokens counted by counter.
func WithHistoryBudget(counter tokens.Counter, budget int) Option {
	return func(o *Orchestrator) {
		o.prompts.counter = counter
		o.prompts.budget = budget
	}
}

// WithPrompts replaces the stage system prompts.
func WithPrompts(p Prompts) Option {
	return func(o *Orchestrator) {
		o.prompts.prompts = p
	}
}

// WithTracer sets the tracer; defaults to the global provider's.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// Orchestrator runs GENERATE requests through analysis and generation.
type Orchestrator struct {
	completer Completer
	registry  Registry
	models    atomic.Pointer[Models]
	prompts   promptBuilder
	store     storage.RunStore
	metrics   Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// New creates an Orchestrator.
func New(completer Completer, registry Registry, models Models, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		completer: completer,
		registry:  registry,
		prompts:   promptBuilder{prompts: DefaultPrompts},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/tjfontaine/contentgen-gateway/internal/pipeline")
	}
	o.models.Store(&models)
	return o
}

// SetModels swaps the stage parameters used by subsequent runs.
func (o *Orchestrator) SetModels(m Models) {
	o.models.Store(&m)
	o.logger.Info("pipeline models updated",
		slog.String("analysis_model", m.Analysis.Model),
		slog.String("generation_model", m.Generation.Model),
	)
}

// Models returns the current stage parameters.
func (o *Orchestrator) Models() Models {
	return *o.models.Load()
}

// Stop releases generationID. The run notices at its next registry check and
// emits nothing further.
func (o *Orchestrator) Stop(generationID string) {
	o.registry.Release(generationID)
	o.logger.Debug("generation stop requested", slog.String("generation_id", generationID))
}

// run carries the per-request state of one pipeline execution.
type run struct {
	o      *Orchestrator
	req    Request
	ref    protocol.RequestRef
	out    Responder
	record *storage.RunRecord
	logger *slog.Logger
}

// Run executes req and sends ANALYZED, GENERATED or FAILED envelopes to out.
// It never panics and always releases the generation id before returning.
func (o *Orchestrator) Run(ctx context.Context, req Request, out Responder) {
	ref := protocol.RequestRef{GenerationID: req.ID, Prompt: req.Payload.Prompt}
	logger := o.logger.With(slog.String("generation_id", req.ID))
	if req.SessionID != "" {
		logger = logger.With(slog.String("session_id", req.SessionID))
	}

	if !o.registry.TryAdmit(req.ID) {
		logger.Warn("duplicate generation rejected")
		o.finish(OutcomeRejected)
		o.send(logger, out, failedEnvelope(ref, domain.ErrOperationRunning()))
		return
	}
	defer o.registry.Release(req.ID)

	models := o.Models()
	r := &run{
		o:      o,
		req:    req,
		ref:    ref,
		out:    out,
		logger: logger,
		record: &storage.RunRecord{
			ID:              req.ID,
			SessionID:       req.SessionID,
			Status:          storage.RunStatusRunning,
			Prompt:          req.Payload.Prompt,
			Language:        req.Payload.Meta.Language,
			ContentPath:     req.Payload.Meta.ContentPath,
			Fields:          sortedKeys(req.Payload.Fields),
			AnalysisModel:   models.Analysis.Model,
			GenerationModel: models.Generation.Model,
		},
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("generation.id", req.ID),
		attribute.Int("generation.fields", len(req.Payload.Fields)),
	))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			logger.Error("pipeline panic",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			span.SetStatus(codes.Error, "panic")
			r.fail(ctx, domain.ErrUnknown(), fmt.Errorf("panic: %v", p))
		}
	}()

	r.save(ctx)
	r.execute(ctx, models)
}

func (r *run) execute(ctx context.Context, models Models) {
	payload := r.req.Payload

	// Analysis.
	msgs, err := r.o.prompts.BuildAnalysisMessages(payload)
	if err != nil {
		r.fail(ctx, domain.AsAPIError(err), err)
		return
	}
	comp, err := r.call(ctx, StageAnalysis, models.Analysis, msgs)
	if err != nil {
		r.fail(ctx, domain.AsAPIError(err), err)
		return
	}
	if r.stopped(ctx) {
		return
	}

	analysis, warning, err := ParseAnalysis(comp.Text, payload.Fields)
	if err != nil {
		r.fail(ctx, domain.AsAPIError(err), err)
		return
	}
	if warning != "" {
		r.warn(ctx, warning)
		return
	}

	r.record.Status = storage.RunStatusAnalyzed
	r.record.Analysis = analysis
	r.save(ctx)
	r.o.send(r.logger, r.out, protocol.MustNew(protocol.TypeAnalyzed, protocol.AnalyzedPayload{
		Request: r.ref,
		Result:  analysis,
	}))

	// Generation.
	msgs, err = r.o.prompts.BuildGenerationMessages(payload, analysis)
	if err != nil {
		r.fail(ctx, domain.AsAPIError(err), err)
		return
	}
	comp, err = r.call(ctx, StageGeneration, models.Generation, msgs)
	if r.stopped(ctx) {
		return
	}
	if err != nil {
		r.fail(ctx, domain.AsAPIError(err), err)
		return
	}
	if comp.FinishReason == upstream.FinishReasonLength {
		apiErr := domain.ErrOutputTruncated("generated content exceeded the output token limit")
		r.fail(ctx, apiErr, apiErr)
		return
	}

	result, err := ParseGeneration(comp.Text, analysis)
	if err != nil {
		r.fail(ctx, domain.AsAPIError(err), err)
		return
	}

	if data, err := json.Marshal(result); err == nil {
		r.record.Result = data
	}
	r.record.Status = storage.RunStatusCompleted
	r.save(ctx)
	r.o.finish(OutcomeCompleted)
	r.logger.Info("generation completed", slog.Int("fields", len(result)))
	r.o.send(r.logger, r.out, protocol.MustNew(protocol.TypeGenerated, protocol.GeneratedPayload{
		Request: r.ref,
		Result:  result,
	}))
}

// call performs one stage's model call inside a child span.
func (r *run) call(ctx context.Context, stage string, params upstream.Params, msgs []upstream.Message) (*upstream.Completion, error) {
	ctx, span := r.o.tracer.Start(ctx, "pipeline."+stage, trace.WithAttributes(
		attribute.String("model", params.Model),
		attribute.Int("messages", len(msgs)),
	))
	defer span.End()

	start := time.Now()
	comp, err := r.o.completer.Complete(ctx, upstream.CompletionRequest{Params: params, Messages: msgs})
	elapsed := time.Since(start)
	if r.o.metrics != nil {
		r.o.metrics.ObserveStage(stage, elapsed.Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("finish_reason", comp.FinishReason))
	r.logger.Debug("stage completed",
		slog.String("stage", stage),
		slog.Duration("duration", elapsed),
		slog.String("finish_reason", comp.FinishReason),
	)
	return comp, nil
}

// stopped reports whether the run was released while a call was in flight.
func (r *run) stopped(ctx context.Context) bool {
	if r.o.registry.IsActive(r.req.ID) {
		return false
	}
	r.logger.Info("generation stopped, dropping result")
	r.record.Status = storage.RunStatusStopped
	r.save(ctx)
	r.o.finish(OutcomeStopped)
	return true
}

func (r *run) fail(ctx context.Context, apiErr *domain.APIError, cause error) {
	attrs := []any{
		slog.String("code", apiErr.WireCode()),
		slog.String("error", cause.Error()),
	}
	var modelErr *domain.APIError
	if errors.As(cause, &modelErr) && modelErr.Type == domain.ErrorTypeModelOutput {
		r.logger.Warn("model output rejected", attrs...)
	} else {
		r.logger.Error("generation failed", attrs...)
	}

	r.record.Status = storage.RunStatusFailed
	r.record.ErrorCode = apiErr.WireCode()
	r.record.ErrorMessage = apiErr.Message
	r.save(ctx)
	r.o.finish(OutcomeFailed)
	r.o.send(r.logger, r.out, failedEnvelope(r.ref, apiErr))
}

func (r *run) warn(ctx context.Context, message string) {
	r.logger.Info("analysis returned a warning", slog.String("warning", message))
	r.record.Status = storage.RunStatusWarning
	r.record.ErrorMessage = message
	r.save(ctx)
	r.o.finish(OutcomeWarning)
	r.o.send(r.logger, r.out, protocol.MustNew(protocol.TypeFailed, protocol.FailedPayload{
		Request: r.ref,
		Warning: &protocol.WarningDetail{Message: message},
	}))
}

// save records the run. Storage problems never fail a run.
func (r *run) save(ctx context.Context) {
	if r.o.store == nil {
		return
	}
	if err := r.o.store.SaveRun(context.WithoutCancel(ctx), r.record); err != nil {
		r.logger.Warn("failed to save run record", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) finish(outcome string) {
	if o.metrics != nil {
		o.metrics.RunFinished(outcome)
	}
}

func (o *Orchestrator) send(logger *slog.Logger, out Responder, env protocol.Envelope) {
	if err := out.Send(env); err != nil {
		logger.Debug("failed to deliver response",
			slog.String("type", string(env.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func failedEnvelope(ref protocol.RequestRef, apiErr *domain.APIError) protocol.Envelope {
	return protocol.MustNew(protocol.TypeFailed, protocol.FailedPayload{
		Request: ref,
		Error: &protocol.ErrorDetail{
			Code:    apiErr.WireCode(),
			Message: apiErr.Message,
		},
	})
}
