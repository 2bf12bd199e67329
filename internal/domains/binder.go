// Package domains reconciles verified custom domains of a service as
// independent child resources keyed by domain name.
//
// An existing mapping is never mutated in place: changing its route target
// requires removing the domain and adding it back.
package domains

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/runctl/internal/controlplane"
	"github.com/danmuck/runctl/internal/observability"
	"github.com/danmuck/runctl/internal/resource"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultCertificateMode = "AUTOMATIC"

// Plan is the set difference between desired and existing domains.
type Plan struct {
	ToCreate  []string
	ToDelete  []string
	Unchanged []string
}

// Empty reports whether the plan has nothing to apply.
func (p Plan) Empty() bool {
	return len(p.ToCreate) == 0 && len(p.ToDelete) == 0
}

// Reconcile computes which domains to create and delete. Domains present
// on both sides are left untouched.
func Reconcile(desired []string, existing map[string]resource.DomainBinding) Plan {
	want := mapset.NewThreadUnsafeSet[string]()
	for _, d := range desired {
		if d = normalize(d); d != "" {
			want.Add(d)
		}
	}
	have := mapset.NewThreadUnsafeSet[string]()
	for d := range existing {
		have.Add(d)
	}
	return Plan{
		ToCreate:  sorted(want.Difference(have)),
		ToDelete:  sorted(have.Difference(want)),
		Unchanged: sorted(want.Intersect(have)),
	}
}

// Validate rejects blank domains and domains that cannot be host names.
func Validate(desired []string) error {
	for i, d := range desired {
		field := fmt.Sprintf("domains[%d]", i)
		n := normalize(d)
		switch {
		case n == "":
			return resource.Invalid(field, "is empty")
		case strings.ContainsAny(n, " /:@"):
			return resource.Invalid(field, "%q is not a host name", d)
		case !strings.Contains(n, "."):
			return resource.Invalid(field, "%q must be fully qualified", d)
		}
	}
	return nil
}

// Result is the per-domain outcome of Apply.
type Result struct {
	Domain string
	Action string
	Err    error
}

const (
	ActionCreate = "create"
	ActionDelete = "delete"
)

// Binder applies domain plans against a DomainClient.
type Binder struct {
	client      controlplane.DomainClient
	defaults    resource.DomainDefaults
	parallelism int
}

// NewBinder returns a binder. parallelism <= 0 means unbounded.
func NewBinder(client controlplane.DomainClient, defaults resource.DomainDefaults, parallelism int) *Binder {
	if strings.TrimSpace(defaults.CertificateMode) == "" {
		defaults.CertificateMode = DefaultCertificateMode
	}
	return &Binder{client: client, defaults: defaults, parallelism: parallelism}
}

// Binding builds the binding for domain, snapshotting svc at call time.
func (b *Binder) Binding(svc resource.ServiceIdentity, domain string) resource.DomainBinding {
	return resource.DomainBinding{
		DomainName:      domain,
		Labels:          maps.Clone(b.defaults.Labels),
		Annotations:     maps.Clone(b.defaults.Annotations),
		RouteName:       svc.Name,
		ForceOverride:   b.defaults.ForceOverride,
		CertificateMode: b.defaults.CertificateMode,
		Service:         svc,
	}
}

// Apply executes plan concurrently. Each domain is independent: a failure
// is recorded in its Result and does not stop siblings. Results are ordered
// creates first, then deletes, each sorted by domain. The returned error
// joins every per-domain failure.
func (b *Binder) Apply(
	ctx context.Context,
	svc resource.ServiceIdentity,
	plan Plan,
	existing map[string]resource.DomainBinding,
) ([]Result, error) {
	results := make([]Result, len(plan.ToCreate)+len(plan.ToDelete))
	var g errgroup.Group
	if b.parallelism > 0 {
		g.SetLimit(b.parallelism)
	}
	for i, domain := range plan.ToCreate {
		binding := b.Binding(svc, domain)
		g.Go(func() error {
			results[i] = b.run(ctx, ActionCreate, binding, b.client.CreateDomain)
			return nil
		})
	}
	offset := len(plan.ToCreate)
	for i, domain := range plan.ToDelete {
		binding, ok := existing[domain]
		if !ok {
			binding = b.Binding(svc, domain)
		}
		g.Go(func() error {
			results[offset+i] = b.run(ctx, ActionDelete, binding, b.client.DeleteDomain)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return results, errors.Join(errs...)
}

func (b *Binder) run(
	ctx context.Context,
	action string,
	binding resource.DomainBinding,
	call func(context.Context, resource.DomainBinding) error,
) Result {
	res := Result{Domain: binding.DomainName, Action: action}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	start := time.Now()
	err := call(ctx, binding)
	observability.RecordRemoteCall("domain", action, time.Since(start), err == nil)
	if err != nil {
		if ctx.Err() == nil || !errors.Is(err, ctx.Err()) {
			err = resource.Rejected("domain "+binding.DomainName, err)
		}
		res.Err = err
		observability.RecordReconcile("domain", action, observability.OutcomeError)
		log.Warn().Err(err).Str("domain", binding.DomainName).Str("action", action).Msg("domains.Binder.Apply failed")
		return res
	}
	observability.RecordReconcile("domain", action, observability.OutcomeSuccess)
	log.Info().
		Str("domain", binding.DomainName).
		Str("action", action).
		Str("service", binding.Service.Key()).
		Msg("domains.Binder.Apply")
	return res
}

func normalize(domain string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
}

func sorted(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}
