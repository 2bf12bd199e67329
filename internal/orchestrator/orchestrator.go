// Package orchestrator owns desired/observed service stores and drives one
// end-to-end reconcile pass per service.
//
// A pass reads remote state, applies the service document, and only when the
// service is READY reconciles its domain mappings and invoker bindings
// concurrently. Child failures are reported per resource; nothing already
// applied is rolled back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/runctl/internal/access"
	"github.com/danmuck/runctl/internal/builder"
	"github.com/danmuck/runctl/internal/controlplane"
	"github.com/danmuck/runctl/internal/domains"
	"github.com/danmuck/runctl/internal/reconcile"
	"github.com/danmuck/runctl/internal/resource"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrServiceNotFound   = errors.New("orchestrator: service not found")
	ErrReconcileInFlight = errors.New("orchestrator: reconcile already in flight")
)

const (
	// ReportPhaseComplete means the pass reached the child binders.
	ReportPhaseComplete = "complete"
	// ReportPhaseBlocked means the service apply failed and children were skipped.
	ReportPhaseBlocked = "blocked"

	CompletionSatisfied = "satisfied"
	CompletionPartial   = "partial"
	CompletionFailed    = "failed"

	DefaultReportHistory = 256
)

// Config tunes an Orchestrator.
type Config struct {
	// Parallelism bounds concurrent child calls per binder and concurrent
	// services in ReconcileAll. <= 0 means unbounded.
	Parallelism     int
	BindingIdentity access.Identity
	// IgnoredAnnotations extends the engine's default ignore set.
	IgnoredAnnotations []string
	ReportHistory      int
}

// DesiredService is one normalized desired state.
type DesiredService struct {
	Desired    resource.Desired
	Document   resource.Document
	ReceivedAt time.Time
}

// ObservedService is what the last passes saw for one service.
type ObservedService struct {
	State      reconcile.State
	Remote     *resource.RemoteState
	Reports    []Report
	ObservedAt time.Time
}

// ServiceSnapshot is a read-only projection of desired and optional observed state.
type ServiceSnapshot struct {
	Desired     DesiredService
	Observed    ObservedService
	HasObserved bool
}

// Snapshot summarizes store sizes.
type Snapshot struct {
	ServiceCount  int
	ObservedCount int
	ReportCount   int
}

// ChildResult is the outcome of one domain mapping or invoker binding.
type ChildResult struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Error    string `json:"error,omitempty"`
	Err      error  `json:"-"`
}

// Report is the outcome of one reconcile pass.
type Report struct {
	ID         string                `json:"id"`
	Key        string                `json:"key"`
	Phase      string                `json:"phase"`
	Completion string                `json:"completion"`
	Service    reconcile.ApplyResult `json:"service"`
	Domains    []ChildResult         `json:"domains,omitempty"`
	Bindings   []ChildResult         `json:"bindings,omitempty"`
	Summary    string                `json:"summary"`
	Error      string                `json:"error,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Orchestrator owns desired/observed stores and reconcile behavior.
type Orchestrator struct {
	client   controlplane.Client
	engine   *reconcile.Engine
	cfg      Config
	mu       sync.RWMutex
	desired  map[string]DesiredService
	observed map[string]*ObservedService
	inflight map[string]struct{}
	reports  []Report
}

// New returns an orchestrator with empty stores.
func New(client controlplane.Client, cfg Config) *Orchestrator {
	if cfg.BindingIdentity == "" {
		cfg.BindingIdentity = access.IdentityPositional
	}
	if cfg.ReportHistory <= 0 {
		cfg.ReportHistory = DefaultReportHistory
	}
	return &Orchestrator{
		client:   client,
		engine:   reconcile.NewEngine(client, reconcile.WithIgnoredAnnotations(cfg.IgnoredAnnotations...)),
		cfg:      cfg,
		desired:  make(map[string]DesiredService),
		observed: make(map[string]*ObservedService),
		inflight: make(map[string]struct{}),
	}
}

// Submit validates, normalizes, and stores desired state. Validation and
// config errors surface here, before any remote call.
func (o *Orchestrator) Submit(d resource.Desired) (resource.ServiceIdentity, error) {
	doc, err := builder.Build(d.Service)
	if err != nil {
		return resource.ServiceIdentity{}, err
	}
	if err := domains.Validate(d.Domains); err != nil {
		return resource.ServiceIdentity{}, err
	}
	if err := access.ValidateMembers(d.Members); err != nil {
		return resource.ServiceIdentity{}, err
	}
	id := doc.Identity

	o.mu.Lock()
	defer o.mu.Unlock()
	o.desired[id.Key()] = DesiredService{
		Desired:    d,
		Document:   doc,
		ReceivedAt: time.Now(),
	}
	log.Info().Str("service", id.Key()).Int("domains", len(d.Domains)).Int("members", len(d.Members)).Msg("orchestrator.Submit")
	return id, nil
}

// Keys returns the stored service keys in sorted order.
func (o *Orchestrator) Keys() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.desired))
	for k := range o.desired {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns aggregate store counters.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Snapshot{
		ServiceCount:  len(o.desired),
		ObservedCount: len(o.observed),
		ReportCount:   len(o.reports),
	}
}

// SnapshotService returns one service snapshot by Key or Slug.
func (o *Orchestrator) SnapshotService(key string) (ServiceSnapshot, bool) {
	id, err := resource.ParseIdentity(key)
	if err != nil {
		return ServiceSnapshot{}, false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	desired, ok := o.desired[id.Key()]
	if !ok {
		return ServiceSnapshot{}, false
	}
	out := ServiceSnapshot{Desired: desired}
	if obs, ok := o.observed[id.Key()]; ok {
		out.HasObserved = true
		out.Observed = cloneObserved(*obs)
	}
	return out, true
}

// RecentReports returns up to limit reports, newest first. limit <= 0
// returns all retained reports.
func (o *Orchestrator) RecentReports(limit int) []Report {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := len(o.reports)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Report, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, o.reports[i])
	}
	return out
}

// ReconcileOnce runs one pass for key. The returned error joins the service
// failure or every child failure; the report is populated either way.
func (o *Orchestrator) ReconcileOnce(ctx context.Context, key string) (Report, error) {
	id, err := resource.ParseIdentity(key)
	if err != nil {
		return Report{}, err
	}
	key = id.Key()

	o.mu.Lock()
	desired, ok := o.desired[key]
	if !ok {
		o.mu.Unlock()
		return Report{}, fmt.Errorf("%w: %s", ErrServiceNotFound, key)
	}
	if _, busy := o.inflight[key]; busy {
		o.mu.Unlock()
		return Report{}, fmt.Errorf("%w: %s", ErrReconcileInFlight, key)
	}
	o.inflight[key] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inflight, key)
		o.mu.Unlock()
	}()

	report := Report{Key: key}
	remote, err := o.readRemote(ctx, id)
	if err != nil {
		report.Service = reconcile.ApplyResult{State: reconcile.StateFailed}
		return o.finishBlocked(report, err)
	}

	applied, err := o.engine.Apply(ctx, desired.Document, remote)
	report.Service = applied
	if err != nil {
		return o.finishBlocked(report, err)
	}

	ref := applied.Remote.Document.Identity
	var g errgroup.Group
	g.Go(func() error {
		report.Domains = o.reconcileDomains(ctx, ref, desired.Desired)
		return nil
	})
	g.Go(func() error {
		report.Bindings = o.reconcileBindings(ctx, ref, desired.Desired.Members)
		return nil
	})
	_ = g.Wait()

	var errs []error
	for _, r := range append(append([]ChildResult{}, report.Domains...), report.Bindings...) {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	err = errors.Join(errs...)

	report.Phase = ReportPhaseComplete
	report.Completion = CompletionSatisfied
	report.Summary = fmt.Sprintf("service %s %s; %s; %s",
		key, applied.Action, childSummary("domains", report.Domains), childSummary("bindings", report.Bindings))
	if err != nil {
		report.Completion = CompletionPartial
		report.Error = err.Error()
		report.Summary = fmt.Sprintf("service %s %s; %d child resources failed", key, applied.Action, len(errs))
	}
	o.record(&report, applied.State, applied.Remote)

	event := log.Info()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.Str("service", key).Str("completion", report.Completion).Msg("orchestrator.ReconcileOnce")
	return report, err
}

// Plan is what a pass would do, computed without writing to the control plane.
type Plan struct {
	Key      string
	Document resource.Document
	Action   reconcile.Action
	Changes  []string
	Domains  domains.Plan
	Bindings []access.Change
}

// Plan reads remote state for key and diffs it against desired state.
func (o *Orchestrator) Plan(ctx context.Context, key string) (Plan, error) {
	id, err := resource.ParseIdentity(key)
	if err != nil {
		return Plan{}, err
	}
	o.mu.RLock()
	desired, ok := o.desired[id.Key()]
	o.mu.RUnlock()
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrServiceNotFound, id.Key())
	}

	remote, err := o.readRemote(ctx, id)
	if err != nil {
		return Plan{}, err
	}
	out := Plan{Key: id.Key(), Document: desired.Document}
	out.Action, out.Changes = o.engine.Plan(desired.Document, remote)

	existing, err := o.client.ListDomains(ctx, id)
	if err != nil {
		return Plan{}, resource.Rejected("domains "+id.Key(), err)
	}
	out.Domains = domains.Reconcile(desired.Desired.Domains, existing)

	binder := access.NewBinder(o.client, o.cfg.BindingIdentity, o.cfg.Parallelism)
	if out.Bindings, err = binder.Plan(ctx, id, desired.Desired.Members); err != nil {
		return Plan{}, resource.Rejected("bindings "+id.Key(), err)
	}
	return out, nil
}

// Delete removes key from the control plane and forgets its desired and
// observed state. Domain mappings routed to the service are deleted first;
// invoker bindings live on the service and go with it. A service already
// absent remotely is not an error.
func (o *Orchestrator) Delete(ctx context.Context, key string) error {
	id, err := resource.ParseIdentity(key)
	if err != nil {
		return err
	}
	key = id.Key()

	o.mu.Lock()
	if _, ok := o.desired[key]; !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceNotFound, key)
	}
	if _, busy := o.inflight[key]; busy {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrReconcileInFlight, key)
	}
	o.inflight[key] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inflight, key)
		o.mu.Unlock()
	}()

	existing, err := o.client.ListDomains(ctx, id)
	if err != nil {
		return remoteFailure(ctx, "domains "+key, err)
	}
	for _, name := range slices.Sorted(maps.Keys(existing)) {
		err := o.client.DeleteDomain(ctx, existing[name])
		if err != nil && !errors.Is(err, controlplane.ErrNotFound) {
			return remoteFailure(ctx, "domain "+name, err)
		}
	}
	if err := o.client.DeleteService(ctx, id); err != nil {
		return remoteFailure(ctx, "service "+key, err)
	}

	o.mu.Lock()
	delete(o.desired, key)
	delete(o.observed, key)
	o.mu.Unlock()
	log.Info().Str("service", key).Int("domains", len(existing)).Msg("orchestrator.Delete")
	return nil
}

// remoteFailure keeps context errors matchable and wraps the rest as
// RemoteRejected.
func remoteFailure(ctx context.Context, name string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("orchestrator: %s: %w", name, err)
	}
	return resource.Rejected(name, err)
}

// ReconcileAll runs one pass per stored service. Services are independent:
// one failing does not stop the others.
func (o *Orchestrator) ReconcileAll(ctx context.Context) ([]Report, error) {
	keys := o.Keys()
	reports := make([]Report, len(keys))
	errs := make([]error, len(keys))
	var g errgroup.Group
	if o.cfg.Parallelism > 0 {
		g.SetLimit(o.cfg.Parallelism)
	}
	for i, key := range keys {
		g.Go(func() error {
			reports[i], errs[i] = o.ReconcileOnce(ctx, key)
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

func (o *Orchestrator) readRemote(ctx context.Context, id resource.ServiceIdentity) (*resource.RemoteState, error) {
	remote, err := o.client.GetService(ctx, id)
	switch {
	case err == nil:
		return &remote, nil
	case errors.Is(err, controlplane.ErrNotFound):
		return nil, nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return nil, fmt.Errorf("orchestrator: read service %s: %w", id.Key(), err)
	default:
		return nil, resource.Rejected("service "+id.Key(), err)
	}
}

func (o *Orchestrator) reconcileDomains(ctx context.Context, svc resource.ServiceIdentity, d resource.Desired) []ChildResult {
	existing, err := o.client.ListDomains(ctx, svc)
	if err != nil {
		return []ChildResult{failedChild(ctx, "domains", "list", err)}
	}
	binder := domains.NewBinder(o.client, d.DomainDefaults, o.cfg.Parallelism)
	results, _ := binder.Apply(ctx, svc, domains.Reconcile(d.Domains, existing), existing)
	out := make([]ChildResult, 0, len(results))
	for _, r := range results {
		out = append(out, newChild("domain "+r.Domain, r.Action, r.Err))
	}
	return out
}

func (o *Orchestrator) reconcileBindings(ctx context.Context, svc resource.ServiceIdentity, members []string) []ChildResult {
	binder := access.NewBinder(o.client, o.cfg.BindingIdentity, o.cfg.Parallelism)
	changes, err := binder.Plan(ctx, svc, members)
	if err != nil {
		return []ChildResult{failedChild(ctx, "bindings", "list", err)}
	}
	results, _ := binder.Apply(ctx, svc, changes)
	out := make([]ChildResult, 0, len(results))
	for _, r := range results {
		if r.Change.Action == access.ChangeNoop {
			continue
		}
		out = append(out, newChild("binding "+r.Change.Key, string(r.Change.Action), r.Err))
	}
	return out
}

func (o *Orchestrator) finishBlocked(report Report, err error) (Report, error) {
	report.Phase = ReportPhaseBlocked
	report.Completion = CompletionFailed
	report.Error = err.Error()
	report.Summary = fmt.Sprintf("service %s failed; domains and bindings skipped", report.Key)
	o.record(&report, reconcile.StateFailed, report.Service.Remote)
	log.Warn().Err(err).Str("service", report.Key).Msg("orchestrator.ReconcileOnce blocked")
	return report, err
}

func (o *Orchestrator) record(report *Report, state reconcile.State, remote *resource.RemoteState) {
	report.ID = uuid.NewString()
	report.Timestamp = time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	obs := o.observed[report.Key]
	if obs == nil {
		obs = &ObservedService{}
		o.observed[report.Key] = obs
	}
	obs.State = state
	if remote != nil {
		obs.Remote = remote
	}
	obs.Reports = appendBounded(obs.Reports, *report, o.cfg.ReportHistory)
	obs.ObservedAt = report.Timestamp
	o.reports = appendBounded(o.reports, *report, o.cfg.ReportHistory)
}

func appendBounded(in []Report, r Report, limit int) []Report {
	in = append(in, r)
	if over := len(in) - limit; over > 0 {
		in = append([]Report(nil), in[over:]...)
	}
	return in
}

func newChild(name, action string, err error) ChildResult {
	out := ChildResult{Resource: name, Action: action, Err: err}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// failedChild reports a read that failed before any child could be applied.
func failedChild(ctx context.Context, name, action string, err error) ChildResult {
	if ctx.Err() == nil || !errors.Is(err, ctx.Err()) {
		err = resource.Rejected(name, err)
	}
	return newChild(name, action, err)
}

func childSummary(kind string, results []ChildResult) string {
	if len(results) == 0 {
		return kind + " unchanged"
	}
	actions := make([]string, 0, len(results))
	for _, r := range results {
		actions = append(actions, r.Action+" "+strings.TrimPrefix(r.Resource, strings.TrimSuffix(kind, "s")+" "))
	}
	return kind + ": " + strings.Join(actions, ", ")
}

func cloneObserved(in ObservedService) ObservedService {
	out := in
	out.Reports = append([]Report(nil), in.Reports...)
	if in.Remote != nil {
		remote := *in.Remote
		remote.Document = in.Remote.Document.Clone()
		out.Remote = &remote
	}
	return out
}
