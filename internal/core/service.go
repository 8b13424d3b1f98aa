package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"graphmerge/internal/infra/persistence/memory"
	"graphmerge/internal/journal"
	"graphmerge/internal/reconcile"
	"graphmerge/pkg/domain"
	"graphmerge/pkg/graph"
	"graphmerge/pkg/schema"
)

// Service merges detached graphs into the store, one transaction per request.
type Service struct {
	store      PersistentStore
	reconciler *reconcile.Reconciler
	journal    *journal.Journal
	metrics    MetricsRecorder
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the recorder observing every request.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithJournal archives every committed, non-empty plan.
func WithJournal(j *journal.Journal) Option {
	return func(s *Service) { s.journal = j }
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:      store,
		reconciler: reconcile.New(store.Registry()),
		metrics:    noopMetrics{},
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "service"))
	return s
}

// NewInMemoryService creates a service over an in-memory store guarded by the
// default rules.
func NewInMemoryService(reg *schema.Registry, opts ...Option) *Service {
	return NewService(memory.NewStore(reg, NewDefaultRulesEngine()), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore { return s.store }

// Registry returns the schema the service reconciles against.
func (s *Service) Registry() *schema.Registry { return s.store.Registry() }

// Close releases the store when it holds external resources.
func (s *Service) Close() error {
	if c, ok := s.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Report describes a committed request.
type Report struct {
	Plan    domain.Plan
	Applied domain.Applied
	// Result carries the non-blocking rule violations.
	Result domain.Result
	// JournalKey is the archive key, empty when nothing was archived.
	JournalKey string
}

// RootID returns the identity of the plan root after the commit.
func (r Report) RootID() (int64, bool) { return r.Applied.Resolve(r.Plan.Root) }

// Map reconciles incoming, declared as typeName, against the persisted state
// and applies the plan in the same transaction. incoming may be a
// *graph.Node, a map[string]any projection, a JSON document ([]byte or
// json.RawMessage) or any JSON-encodable entity value.
func (s *Service) Map(ctx context.Context, typeName string, incoming any) (Report, error) {
	start := s.now()
	node, err := s.decode(typeName, incoming)
	if err != nil {
		return Report{}, s.reject(ctx, typeName, domain.Plan{}, start, err)
	}

	var report Report
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		plan, err := s.reconciler.Reconcile(tx, typeName, node)
		if err != nil {
			return err
		}
		report.Plan = plan
		s.logPlan("plan built", plan)
		report.Applied, err = tx.Apply(plan)
		return err
	})
	if err != nil {
		return Report{}, s.reject(ctx, typeName, report.Plan, start, err)
	}
	report.Result = res
	s.committed(ctx, &report, start)
	return report, nil
}

// Plan reconciles incoming against a read view and returns the plan without
// applying it. Applying it later fails with a ConflictError when a planned row
// changed in between.
func (s *Service) Plan(ctx context.Context, typeName string, incoming any) (domain.Plan, error) {
	start := s.now()
	node, err := s.decode(typeName, incoming)
	if err != nil {
		return domain.Plan{}, s.reject(ctx, typeName, domain.Plan{}, start, err)
	}
	var plan domain.Plan
	err = s.store.View(ctx, func(view TransactionView) error {
		var err error
		plan, err = s.reconciler.Reconcile(view, typeName, node)
		return err
	})
	if err != nil {
		return domain.Plan{}, s.reject(ctx, typeName, domain.Plan{}, start, err)
	}
	s.logPlan("plan built", plan)
	s.metrics.Observe(ctx, OutcomePlanned, plan, s.now().Sub(start))
	return plan, nil
}

// Apply executes a plan produced by Plan.
func (s *Service) Apply(ctx context.Context, plan domain.Plan) (Report, error) {
	start := s.now()
	report := Report{Plan: plan}
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		report.Applied, err = tx.Apply(plan)
		return err
	})
	if err != nil {
		return Report{}, s.reject(ctx, plan.Root.Type, plan, start, err)
	}
	report.Result = res
	s.committed(ctx, &report, start)
	return report, nil
}

// Load returns the persisted graph rooted at a row in the shape a client
// sends it back: derived back-references are left out.
func (s *Service) Load(ctx context.Context, typeName string, id int64) (*graph.Node, error) {
	var node *graph.Node
	err := s.store.View(ctx, func(view TransactionView) error {
		n, ok := view.Find(typeName, id)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityType(typeName), ID: id}
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	stripDerived(s.Registry(), node, make(map[*graph.Node]bool))
	return node, nil
}

// Seed writes raw rows, for reference data and fixtures with explicit keys.
func (s *Service) Seed(ctx context.Context, fn func(Transaction) error) (domain.Result, error) {
	res, err := s.store.RunInTransaction(ctx, fn)
	if err != nil {
		s.logger.Warn("seed rejected", zap.Error(err))
		return res, err
	}
	s.logger.Debug("seed committed", zap.Int("violations", len(res.Violations)))
	return res, nil
}

// Journal returns the plan archive, nil when archiving is disabled.
func (s *Service) Journal() *journal.Journal { return s.journal }

func (s *Service) decode(typeName string, incoming any) (*graph.Node, error) {
	reg := s.Registry()
	switch v := incoming.(type) {
	case nil:
		return nil, schema.DecodeError{Path: typeName, Reason: "no incoming graph"}
	case *graph.Node:
		if v == nil {
			return nil, schema.DecodeError{Path: typeName, Reason: "no incoming graph"}
		}
		return v, nil
	case map[string]any:
		return reg.Decode(typeName, v)
	case json.RawMessage:
		return reg.DecodeJSON(typeName, v)
	case []byte:
		return reg.DecodeJSON(typeName, v)
	default:
		return reg.DecodeValue(typeName, v)
	}
}

func (s *Service) committed(ctx context.Context, report *Report, start time.Time) {
	outcome := OutcomeApplied
	if report.Plan.Empty() {
		outcome = OutcomeUnchanged
	}
	root, _ := report.RootID()
	s.logger.Info("plan applied",
		zap.String("root", report.Plan.Root.Type),
		zap.Int64("root_id", root),
		zap.Int("operations", len(report.Plan.Operations)),
		zap.Int("warnings", len(report.Result.Violations)),
	)
	s.metrics.Observe(ctx, outcome, report.Plan, s.now().Sub(start))

	if s.journal == nil || report.Plan.Empty() {
		return
	}
	key, err := s.journal.Record(ctx, report.Plan, report.Applied)
	if err != nil {
		s.logger.Warn("journal write failed", zap.String("root", report.Plan.Root.String()), zap.Error(err))
		return
	}
	report.JournalKey = key
}

func (s *Service) reject(ctx context.Context, typeName string, plan domain.Plan, start time.Time, err error) error {
	kind := ErrorKind(err)
	outcome := OutcomeRejected
	if kind == "execution" || kind == "rule_violation" || kind == "internal" {
		outcome = OutcomeFailed
	}
	s.logger.Info("plan rejected",
		zap.String("type", typeName),
		zap.String("error_kind", kind),
		zap.Int("operations", len(plan.Operations)),
		zap.Error(err),
	)
	s.metrics.Observe(ctx, outcome, plan, s.now().Sub(start))
	return err
}

func (s *Service) logPlan(msg string, plan domain.Plan) {
	s.logger.Debug(msg,
		zap.String("root", plan.Root.String()),
		zap.Int("inserts", plan.Count(domain.OpInsert)),
		zap.Int("updates", plan.Count(domain.OpUpdate)),
		zap.Int("relinks", plan.Count(domain.OpRelink)),
		zap.Int("deletes", plan.Count(domain.OpDelete)),
	)
}

// ErrorKind names the class of a service error for logs and metrics.
func ErrorKind(err error) string {
	var (
		cfgErr      schema.ConfigurationError
		unknownErr  schema.UnknownDiscriminatorError
		mismatchErr schema.TypeMismatchError
		decodeErr   schema.DecodeError
		reconErr    reconcile.ReconciliationError
		ruleErr     domain.RuleViolationError
		execErr     domain.ExecutionError
		notFound    domain.ErrNotFound
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ruleErr):
		return "rule_violation"
	case errors.As(err, &execErr):
		return "execution"
	case errors.As(err, &cfgErr):
		return "configuration"
	case errors.As(err, &unknownErr):
		return "unknown_discriminator"
	case errors.As(err, &mismatchErr):
		return "type_mismatch"
	case errors.As(err, &decodeErr):
		return "decode"
	case errors.As(err, &reconErr):
		return "reconciliation"
	case errors.As(err, &notFound):
		return "not_found"
	default:
		return "internal"
	}
}

// stripDerived removes the back-reference scalars of composition collection
// members, which callers never send.
func stripDerived(reg *schema.Registry, n *graph.Node, seen map[*graph.Node]bool) {
	if n == nil || seen[n] {
		return
	}
	seen[n] = true
	d, err := reg.Describe(n.Type)
	if err != nil {
		return
	}
	for _, nav := range d.Navigations {
		if nav.Kind != schema.Composition {
			continue
		}
		if !nav.Collection {
			if target, ok := n.Ref(nav.Name); ok {
				stripDerived(reg, target, seen)
			}
			continue
		}
		members, _ := n.Collection(nav.Name)
		for _, m := range members {
			m.Unset(nav.ForeignKey)
			stripDerived(reg, m, seen)
		}
	}
}
