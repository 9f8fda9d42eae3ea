// Package gatehouse composes the admission controller, the session store and
// the metrics recorder into the question-answering front end's core service.
// It owns the end-to-end request path (admit, select history, generate,
// append, release, record) and the retention janitor, and stays transport
// agnostic: the API layer maps these operations onto whatever wire protocol
// it serves.
package gatehouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"go.opentelemetry.io/otel/codes"
	"goa.design/clue/health"

	"github.com/genkai-ai/gatehouse/admission"
	"github.com/genkai-ai/gatehouse/generate"
	"github.com/genkai-ai/gatehouse/history"
	"github.com/genkai-ai/gatehouse/metrics"
	"github.com/genkai-ai/gatehouse/telemetry"
)

type (
	// Options configures the service. Controller, Store and Generator are
	// required; everything else has a working default.
	Options struct {
		// Controller gates the request path. Required.
		Controller *admission.Controller
		// Store owns per-session history. Required.
		Store history.Store
		// Generator answers admitted questions. Pass a *generate.Registry
		// to enable provider switching. Required.
		Generator generate.Client
		// Recorder receives latency/outcome samples. Nil creates one.
		Recorder *metrics.Recorder
		// ContextSize bounds the history messages sent downstream with each
		// query. Zero means 10.
		ContextSize int
		// MetricsWindow bounds the age of samples SystemMetrics aggregates
		// over. Zero means 24h.
		MetricsWindow time.Duration
		// EvictionInterval spaces the retention janitor passes started by
		// Run. Zero means one hour.
		EvictionInterval time.Duration
		// Pingers are the external collaborators Health checks, e.g. store
		// clients and provider adapters.
		Pingers []health.Pinger
		// Logger, Metrics and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Service is the composed front-end core.
	Service struct {
		controller *admission.Controller
		store      history.Store
		generator  generate.Client
		recorder   *metrics.Recorder
		checker    health.Checker

		contextSize   int
		metricsWindow time.Duration
		evictEvery    time.Duration

		logger telemetry.Logger
		mtr    telemetry.Metrics
		tracer telemetry.Tracer

		stop     chan struct{}
		stopOnce sync.Once

		now func() time.Time
	}

	// Answer is the outcome of one successfully admitted and answered query.
	Answer struct {
		// RequestID identifies the admission ticket that carried the query.
		RequestID string
		// SessionID names the session the exchange was appended to. Equal to
		// the submitted id, or freshly minted when the submission was empty.
		SessionID string
		// Text is the generated answer.
		Text string
		// Sources lists the documents the answer cites.
		Sources []generate.Source
		// Model identifies the model that produced the answer.
		Model string
	}
)

const (
	defaultContextSize   = 10
	defaultMetricsWindow = 24 * time.Hour
	defaultEvictEvery    = time.Hour

	opQuery = "query"
)

// New composes a Service from its components.
func New(opts Options) (*Service, error) {
	if opts.Controller == nil {
		return nil, errors.New("admission controller is required")
	}
	if opts.Store == nil {
		return nil, errors.New("history store is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("generator is required")
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}
	contextSize := opts.ContextSize
	if contextSize <= 0 {
		contextSize = defaultContextSize
	}
	window := opts.MetricsWindow
	if window <= 0 {
		window = defaultMetricsWindow
	}
	evictEvery := opts.EvictionInterval
	if evictEvery <= 0 {
		evictEvery = defaultEvictEvery
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	mtr := opts.Metrics
	if mtr == nil {
		mtr = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Service{
		controller:    opts.Controller,
		store:         opts.Store,
		generator:     opts.Generator,
		recorder:      recorder,
		checker:       health.NewChecker(opts.Pingers...),
		contextSize:   contextSize,
		metricsWindow: window,
		evictEvery:    evictEvery,
		logger:        logger,
		mtr:           mtr,
		tracer:        tracer,
		stop:          make(chan struct{}),
		now:           time.Now,
	}, nil
}

// SubmitQuery runs the full request path for one question: admission,
// history selection, downstream generation, history append, release and
// metric recording. Admission rejections are returned synchronously and
// typed (*admission.QueueFullError, *admission.RateLimitError,
// *admission.TimeoutError). The concurrency slot is released exactly once
// regardless of the downstream outcome.
func (s *Service) SubmitQuery(ctx context.Context, sessionID, query string) (*Answer, error) {
	if query == "" {
		return nil, errors.New("query is required")
	}
	if sessionID == "" {
		sessionID = shortuuid.New()
	}
	requestID := uuid.NewString()

	tk, err := s.controller.Admit(ctx, requestID)
	if err != nil {
		s.recorder.Record(opQuery, 0, false)
		return nil, err
	}
	defer s.controller.Release(requestID)

	start := s.now()
	res, err := s.generateWithHistory(ctx, sessionID, query)
	s.recorder.Record(opQuery, s.now().Sub(start), err == nil)
	if err != nil {
		s.logger.Error(ctx, "query failed",
			"request_id", requestID,
			"session_id", sessionID,
			"err", err)
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	if err := s.appendExchange(ctx, sessionID, query, res); err != nil {
		// The caller already has an answer; losing the history write is a
		// housekeeping failure, not a query failure.
		s.logger.Warn(ctx, "history append failed",
			"request_id", requestID,
			"session_id", sessionID,
			"err", err)
	}

	return &Answer{
		RequestID: tk.RequestID,
		SessionID: sessionID,
		Text:      res.Answer,
		Sources:   res.Sources,
		Model:     res.ModelUsed,
	}, nil
}

func (s *Service) generateWithHistory(ctx context.Context, sessionID, query string) (*generate.Result, error) {
	relevant, err := s.store.SelectRelevant(ctx, sessionID, query, s.contextSize)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "gatehouse.generate")
	defer span.End()

	res, err := s.generator.RetrieveAndGenerate(ctx, &generate.Request{
		Query:   query,
		History: relevant,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return res, nil
}

// appendExchange writes the user question and the assistant answer to the
// session, in that order, so a later query's context always sees the question
// before its answer.
func (s *Service) appendExchange(ctx context.Context, sessionID, query string, res *generate.Result) error {
	now := s.now()
	if err := s.store.Append(ctx, sessionID, history.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      history.RoleUser,
		Content:   query,
		Timestamp: now,
	}); err != nil {
		return err
	}
	refs := make([]string, 0, len(res.Sources))
	for _, src := range res.Sources {
		ref := src.Location
		if ref == "" {
			ref = src.Title
		}
		if ref != "" {
			refs = append(refs, ref)
		}
	}
	return s.store.Append(ctx, sessionID, history.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      history.RoleAssistant,
		Content:   res.Answer,
		Timestamp: now,
		Sources:   refs,
	})
}

// ClearSession removes the session and all its messages.
func (s *Service) ClearSession(ctx context.Context, sessionID string) error {
	return s.store.Clear(ctx, sessionID)
}

// Sessions lists a snapshot of every live session.
func (s *Service) Sessions(ctx context.Context) ([]history.SessionInfo, error) {
	return s.store.Sessions(ctx)
}

// SessionInfo returns the snapshot of one session, or
// history.ErrSessionNotFound.
func (s *Service) SessionInfo(ctx context.Context, sessionID string) (history.SessionInfo, error) {
	infos, err := s.store.Sessions(ctx)
	if err != nil {
		return history.SessionInfo{}, err
	}
	for _, info := range infos {
		if info.ID == sessionID {
			return info, nil
		}
	}
	return history.SessionInfo{}, history.ErrSessionNotFound
}

// ExportSession returns a portable snapshot of the session.
func (s *Service) ExportSession(ctx context.Context, sessionID string) (*history.SessionDump, error) {
	return s.store.Export(ctx, sessionID)
}

// ImportSession replaces the session named by the dump with its contents.
func (s *Service) ImportSession(ctx context.Context, dump *history.SessionDump) error {
	return s.store.Import(ctx, dump)
}

// SystemMetrics aggregates every operation's samples over the configured
// window.
func (s *Service) SystemMetrics() metrics.AggregateStats {
	return s.recorder.Stats("", s.metricsWindow)
}

// OperationMetrics aggregates one operation's samples over the configured
// window.
func (s *Service) OperationMetrics(operation string) metrics.AggregateStats {
	return s.recorder.Stats(operation, s.metricsWindow)
}

// AdmissionStats returns the controller's counters and occupancy.
func (s *Service) AdmissionStats() admission.Stats {
	return s.controller.Stats()
}

// Reconfigure swaps the admission limits at runtime. The change applies to
// subsequent admissions only.
func (s *Service) Reconfigure(limits admission.Limits) error {
	return s.controller.Reconfigure(limits)
}

// Health pings every registered collaborator and reports their statuses.
func (s *Service) Health(ctx context.Context) (*health.Health, bool) {
	return s.checker.Check(ctx)
}

// UseProvider switches the active generation provider. Fails with
// generate.ErrUnknownProvider when the generator is not a registry or the
// name is not registered.
func (s *Service) UseProvider(name string) error {
	reg, ok := s.generator.(*generate.Registry)
	if !ok {
		return fmt.Errorf("%w: provider switching requires a registry", generate.ErrUnknownProvider)
	}
	return reg.Use(name)
}

// Providers lists the registered provider names, nil when the generator is a
// single fixed client.
func (s *Service) Providers() []string {
	reg, ok := s.generator.(*generate.Registry)
	if !ok {
		return nil
	}
	return reg.Providers()
}

// CurrentProvider returns the active provider name, empty when the generator
// is a single fixed client.
func (s *Service) CurrentProvider() string {
	reg, ok := s.generator.(*generate.Registry)
	if !ok {
		return ""
	}
	return reg.Active()
}

// Run drives the retention janitor until ctx is cancelled or Close is
// called. Eviction is time-triggered so bounded retention holds for idle
// sessions too, independent of read/write traffic.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.evictEvery)
	defer ticker.Stop()

	s.logger.Info(ctx, "retention janitor started", "interval", s.evictEvery.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictPass(ctx)
		}
	}
}

func (s *Service) evictPass(ctx context.Context) {
	start := s.now()
	evicted, err := s.store.EvictExpired(ctx, start)
	if err != nil {
		s.logger.Error(ctx, "retention eviction failed", "err", err)
		return
	}
	s.mtr.RecordTimer("gatehouse.evict.duration", s.now().Sub(start))
	s.mtr.IncCounter("gatehouse.evict.sessions", float64(evicted))
	if evicted > 0 {
		s.logger.Info(ctx, "expired sessions evicted", "sessions", evicted)
	}
}

// Close stops the retention janitor started by Run. Safe to call more than
// once and without a prior Run.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}
