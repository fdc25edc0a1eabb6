package execution

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/flemzord/snaphost/internal/clock"
	"github.com/flemzord/snaphost/internal/mux"
	"github.com/flemzord/snaphost/internal/rpc"
	"github.com/flemzord/snaphost/internal/security"
	"github.com/flemzord/snaphost/internal/timer"
)

// Default timeouts.
const (
	DefaultInitTimeout        = 60 * time.Second
	DefaultTerminationTimeout = time.Second
)

const tracerName = "github.com/flemzord/snaphost/internal/execution"

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAuditLogger records job lifecycle events.
func WithAuditLogger(a *security.AuditLogger) Option {
	return func(s *Service) { s.audit = a }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer sets the tracer used for command spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock sets the clock used for init and termination timeouts.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithInitTimeout bounds ping and executeSnap during ExecuteSnap.
func WithInitTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.initTimeout = d
		}
	}
}

// WithTerminationTimeout bounds the graceful terminate command.
func WithTerminationTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.terminationTimeout = d
		}
	}
}

// WithProvider sets the handler for requests on the jobs' RPC channels.
func WithProvider(p ProviderHandler) Option {
	return func(s *Service) { s.provider = p }
}

// rpcHook forwards one handler request to a running snap.
type rpcHook func(ctx context.Context, req SnapRPCRequest) (json.RawMessage, error)

type job struct {
	id        string
	snapID    string
	digest    string
	startedAt time.Time
	handle    Handle
	mux       *mux.Mux
	commandCh *mux.Channel
	rpcCh     *mux.Channel
	client    *commandClient
	cancel    context.CancelFunc

	mu          sync.Mutex
	terminating bool
	unhandled   sync.Once
}

func (j *job) isTerminating() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.terminating
}

// JobInfo describes a running job.
type JobInfo struct {
	ID           string    `json:"id"`
	SnapID       string    `json:"snap_id"`
	SourceDigest string    `json:"source_digest"`
	StartedAt    time.Time `json:"started_at"`
}

// Service runs at most one job per snap, dispatches handler requests to
// them and tears them down.
type Service struct {
	env                Environment
	provider           ProviderHandler
	logger             *slog.Logger
	audit              *security.AuditLogger
	metrics            *Metrics
	tracer             trace.Tracer
	clock              clock.Clock
	initTimeout        time.Duration
	terminationTimeout time.Duration
	events             observers

	mu        sync.Mutex
	jobs      map[string]*job
	snapToJob map[string]string
	starting  map[string]struct{}
	hooks     map[string]rpcHook
}

// NewService creates a Service spawning jobs in env.
func NewService(env Environment, opts ...Option) *Service {
	s := &Service{
		env:                env,
		logger:             slog.Default(),
		tracer:             otel.Tracer(tracerName),
		clock:              clock.Real(),
		initTimeout:        DefaultInitTimeout,
		terminationTimeout: DefaultTerminationTimeout,
		jobs:               make(map[string]*job),
		snapToJob:          make(map[string]string),
		starting:           make(map[string]struct{}),
		hooks:              make(map[string]rpcHook),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn for execution events and returns a function that
// removes it. Subscribers run on the job's read goroutine and must not
// block on the service.
func (s *Service) Subscribe(fn func(Event)) (unsubscribe func()) {
	return s.events.subscribe(fn)
}

// ExecuteSnap spawns a job for p.SnapID, checks it is alive and starts the
// snap in it. The snap's RPC hook is registered only once both commands
// succeed; on failure the job is torn down and nothing stays registered.
func (s *Service) ExecuteSnap(ctx context.Context, p ExecuteSnapParams) (string, error) {
	if p.SnapID == "" {
		return "", ErrInvalidSnapID
	}

	s.mu.Lock()
	_, running := s.snapToJob[p.SnapID]
	_, pending := s.starting[p.SnapID]
	if running || pending {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyRunning, p.SnapID)
	}
	s.starting[p.SnapID] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.starting, p.SnapID)
		s.mu.Unlock()
	}()

	jobID := uuid.NewString()
	handle, transport, err := s.env.Spawn(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("execution: spawn job for %s: %w", p.SnapID, err)
	}
	j := s.newJob(jobID, p, handle, transport)

	if err := s.initJob(ctx, j, p); err != nil {
		s.teardown(ctx, j)
		return "", err
	}

	s.mu.Lock()
	s.jobs[j.id] = j
	s.snapToJob[j.snapID] = j.id
	s.hooks[j.snapID] = s.hookFor(j)
	s.mu.Unlock()

	s.metrics.jobStarted()
	s.audit.Log(security.AuditEvent{
		Type:     security.EventSnapStart,
		SnapID:   j.snapID,
		JobID:    j.id,
		Metadata: map[string]string{"source_digest": j.digest},
	})
	s.logger.Info("execution: snap started",
		"snap_id", j.snapID, "job_id", j.id, "source_digest", j.digest)
	return j.id, nil
}

func (s *Service) newJob(jobID string, p ExecuteSnapParams, handle Handle, transport io.ReadWriteCloser) *job {
	sum := blake3.Sum256([]byte(p.SourceCode))
	m := mux.New(transport, []string{ChannelCommand, ChannelRPC}, mux.WithLogger(s.logger))
	rpcCtx, cancel := context.WithCancel(context.Background())

	j := &job{
		id:        jobID,
		snapID:    p.SnapID,
		digest:    hex.EncodeToString(sum[:]),
		startedAt: s.clock.Now(),
		handle:    handle,
		mux:       m,
		commandCh: m.Channel(ChannelCommand),
		rpcCh:     m.Channel(ChannelRPC),
		cancel:    cancel,
	}
	j.client = newCommandClient(j.commandCh, s.logger.With("job_id", jobID), func(msg *rpc.Message) {
		s.handleNotification(j, msg)
	})

	go func() {
		j.client.run()
		if !j.isTerminating() {
			s.reportUnhandled(j, fmt.Errorf("command channel closed: %w", j.client.Err()))
		}
	}()
	go s.serveProvider(rpcCtx, j)
	return j
}

func (s *Service) initJob(ctx context.Context, j *job, p ExecuteSnapParams) error {
	if _, err := s.command(ctx, j, MethodPing, nil, s.initTimeout); err != nil {
		return fmt.Errorf("execution: ping job %s: %w", j.id, err)
	}
	endowments := p.Endowments
	if endowments == nil {
		endowments = []string{}
	}
	params := ExecuteSnapParams{SnapID: p.SnapID, SourceCode: p.SourceCode, Endowments: endowments}
	if _, err := s.command(ctx, j, MethodExecuteSnap, params, s.initTimeout); err != nil {
		return fmt.Errorf("execution: start %s in job %s: %w", p.SnapID, j.id, err)
	}
	return nil
}

// command sends one command, bounded by timeout when timeout > 0.
func (s *Service) command(ctx context.Context, j *job, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ctx, span := s.tracer.Start(ctx, "execution."+method, trace.WithAttributes(
		attribute.String("snap.id", j.snapID),
		attribute.String("job.id", j.id),
	))
	defer span.End()

	start := s.clock.Now()
	op := func(ctx context.Context) (json.RawMessage, error) {
		return j.client.Request(ctx, method, params)
	}
	var (
		res json.RawMessage
		err error
	)
	if timeout > 0 {
		res, err = timer.WithTimeoutDuration(ctx, timeout, s.clock, op)
	} else {
		res, err = op(ctx)
	}
	s.metrics.command(method, err, s.clock.Now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (s *Service) hookFor(j *job) rpcHook {
	return func(ctx context.Context, req SnapRPCRequest) (json.RawMessage, error) {
		return s.command(ctx, j, MethodSnapRPC, snapRPCParams{
			SnapID:  j.snapID,
			Origin:  req.Origin,
			Handler: req.Handler,
			Request: req.Request,
		}, 0)
	}
}

// HandleRPCRequest sends req to the running snap and returns its result.
// It fails with a resource-not-found rpc error when the snap has no job.
func (s *Service) HandleRPCRequest(ctx context.Context, snapID string, req SnapRPCRequest) (json.RawMessage, error) {
	s.mu.Lock()
	hook, ok := s.hooks[snapID]
	s.mu.Unlock()
	if !ok {
		return nil, rpc.ResourceNotFound("no running job for snap %q", snapID)
	}
	return hook(ctx, req)
}

// IsRunning reports whether snapID has a job.
func (s *Service) IsRunning(snapID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.snapToJob[snapID]
	return ok
}

// JobID returns the job running snapID.
func (s *Service) JobID(snapID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.snapToJob[snapID]
	return id, ok
}

// Jobs lists running jobs ordered by snap ID.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{ID: j.id, SnapID: j.snapID, SourceDigest: j.digest, StartedAt: j.startedAt})
	}
	slices.SortFunc(out, func(a, b JobInfo) int {
		switch {
		case a.SnapID < b.SnapID:
			return -1
		case a.SnapID > b.SnapID:
			return 1
		}
		return 0
	})
	return out
}

// TerminateSnap terminates the job running snapID. Unknown snaps are a
// no-op.
func (s *Service) TerminateSnap(ctx context.Context, snapID string) error {
	s.mu.Lock()
	jobID, ok := s.snapToJob[snapID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return ignoreNotFound(s.Terminate(ctx, jobID))
}

// TerminateAllSnaps terminates every job concurrently.
func (s *Service) TerminateAllSnaps(ctx context.Context) error {
	s.mu.Lock()
	ids := slices.Collect(maps.Keys(s.jobs))
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return ignoreNotFound(s.Terminate(gctx, id))
		})
	}
	return g.Wait()
}

// Terminate asks the job to stop, waits at most the termination timeout,
// then tears it down regardless. The job, its snap mapping and its RPC
// hook are removed together before teardown starts. Teardown failures are
// logged, never returned.
func (s *Service) Terminate(ctx context.Context, jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return rpc.ResourceNotFound("no job %q", jobID)
	}
	delete(s.jobs, jobID)
	delete(s.snapToJob, j.snapID)
	delete(s.hooks, j.snapID)
	s.mu.Unlock()

	j.mu.Lock()
	j.terminating = true
	j.mu.Unlock()

	_, err := s.command(ctx, j, MethodTerminate, nil, s.terminationTimeout)
	switch {
	case errors.Is(err, timer.ErrTimedOut):
		s.metrics.terminationTimeout()
		s.logger.Warn("execution: job did not acknowledge terminate, forcing teardown",
			"snap_id", j.snapID, "job_id", j.id, "timeout", s.terminationTimeout)
	case err != nil:
		s.logger.Debug("execution: terminate command failed, forcing teardown",
			"snap_id", j.snapID, "job_id", j.id, "error", err)
	}

	s.teardown(ctx, j)
	s.metrics.jobStopped()
	s.audit.Log(security.AuditEvent{
		Type:   security.EventSnapTerminate,
		SnapID: j.snapID,
		JobID:  j.id,
	})
	s.logger.Info("execution: snap terminated", "snap_id", j.snapID, "job_id", j.id)
	return nil
}

// teardown closes both channels and the transport, then destroys the
// environment handle. Every step is best effort.
func (s *Service) teardown(ctx context.Context, j *job) {
	j.mu.Lock()
	j.terminating = true
	j.mu.Unlock()

	j.cancel()
	_ = j.commandCh.Close()
	_ = j.rpcCh.Close()
	if err := j.mux.Close(); err != nil {
		s.logger.Debug("execution: close transport", "job_id", j.id, "error", err)
	}
	if err := s.env.Destroy(context.WithoutCancel(ctx), j.handle); err != nil {
		s.logger.Warn("execution: destroy environment", "job_id", j.id, "error", err)
	}
}

func (s *Service) handleNotification(j *job, msg *rpc.Message) {
	switch msg.Method {
	case NotifyOutboundRequest:
		s.events.publish(Event{Type: EventOutboundRequest, SnapID: j.snapID, JobID: j.id, Data: msg.Params})
	case NotifyOutboundResponse:
		s.events.publish(Event{Type: EventOutboundResponse, SnapID: j.snapID, JobID: j.id, Data: msg.Params})
	case NotifyUnhandledError:
		var p UnhandledErrorParams
		if err := rpc.UnmarshalParams(msg.Params, &p); err != nil {
			s.logger.Debug("execution: malformed unhandledError params", "snap_id", j.snapID, "job_id", j.id, "error", err)
		}
		message := p.Error.Message
		if message == "" {
			message = "unknown error"
		}
		s.reportUnhandled(j, errors.New(message))
	default:
		s.logger.Warn("execution: unknown notification", "snap_id", j.snapID, "method", msg.Method)
	}
}

// reportUnhandled publishes at most one unhandledError per job.
func (s *Service) reportUnhandled(j *job, err error) {
	j.unhandled.Do(func() {
		s.metrics.unhandledError()
		s.audit.Log(security.AuditEvent{
			Type:   security.EventUnhandledError,
			SnapID: j.snapID,
			JobID:  j.id,
			Detail: err.Error(),
		})
		s.logger.Error("execution: unhandled snap error", "snap_id", j.snapID, "job_id", j.id, "error", err)
		s.events.publish(Event{Type: EventUnhandledError, SnapID: j.snapID, JobID: j.id, Err: err})
	})
}

func ignoreNotFound(err error) error {
	if errors.Is(err, rpc.ErrResourceNotFound) {
		return nil
	}
	return err
}
