// Package access grants the invoker role to an enumerated list of principals,
// one binding per principal.
//
// Binding identity is positional by default: the binding at index i holds
// members[i]. Removing an early member therefore shows up as updates to every
// later index plus one delete at the tail. IdentityByMember keys bindings by
// member value instead, so removing a member deletes exactly its binding.
package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/runctl/internal/controlplane"
	"github.com/danmuck/runctl/internal/observability"
	"github.com/danmuck/runctl/internal/resource"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Identity selects how bindings are keyed.
type Identity string

const (
	IdentityPositional Identity = "positional"
	IdentityByMember   Identity = "member"
)

// ParseIdentity maps config text to an Identity. Empty means positional.
func ParseIdentity(raw string) (Identity, error) {
	switch Identity(strings.ToLower(strings.TrimSpace(raw))) {
	case "", IdentityPositional:
		return IdentityPositional, nil
	case IdentityByMember:
		return IdentityByMember, nil
	default:
		return "", fmt.Errorf("%w: unknown binding identity %q", resource.ErrValidation, raw)
	}
}

// ChangeAction is the observed transition of one keyed binding.
type ChangeAction string

const (
	ChangeCreate ChangeAction = "create"
	ChangeUpdate ChangeAction = "update"
	ChangeDelete ChangeAction = "delete"
	ChangeNoop   ChangeAction = "noop"
)

// Change is one keyed binding transition.
type Change struct {
	Key      string
	Action   ChangeAction
	Previous *resource.IamBinding
	Next     *resource.IamBinding
}

// ReconcileBindings builds one invoker binding per member, indexed by
// position.
func ReconcileBindings(members []string) []resource.IamBinding {
	out := make([]resource.IamBinding, 0, len(members))
	for i, m := range members {
		out = append(out, resource.IamBinding{
			Index:  i,
			Member: strings.TrimSpace(m),
			Role:   resource.InvokerRole,
		})
	}
	return out
}

// ValidateMembers rejects blank and malformed principals. Principals use the
// type:id form (user:, serviceAccount:, group:, domain:) or allUsers /
// allAuthenticatedUsers.
func ValidateMembers(members []string) error {
	for i, m := range members {
		m = strings.TrimSpace(m)
		switch {
		case m == "":
			return resource.Invalid(fmt.Sprintf("members[%d]", i), "is empty")
		case m == "allUsers" || m == "allAuthenticatedUsers":
		case !strings.Contains(m, ":"):
			return resource.Invalid(fmt.Sprintf("members[%d]", i), "principal %q must be type:id", m)
		}
	}
	return nil
}

// Key renders the stable key of a binding under identity mode.
func Key(mode Identity, b resource.IamBinding) string {
	if mode == IdentityByMember {
		return b.Member + "/" + b.Role
	}
	return fmt.Sprintf("%d/%s", b.Index, b.Role)
}

// Diff compares existing bindings to desired ones by key. Changes are
// ordered by binding index, then key.
func Diff(existing, desired []resource.IamBinding, mode Identity) []Change {
	have := make(map[string]resource.IamBinding, len(existing))
	for _, b := range existing {
		have[Key(mode, b)] = b
	}
	want := make(map[string]resource.IamBinding, len(desired))
	for _, b := range desired {
		k := Key(mode, b)
		if _, dup := want[k]; dup && mode == IdentityByMember {
			continue
		}
		want[k] = b
	}

	var out []Change
	for k, next := range want {
		prev, ok := have[k]
		switch {
		case !ok:
			out = append(out, Change{Key: k, Action: ChangeCreate, Next: &next})
		case prev.Member != next.Member:
			out = append(out, Change{Key: k, Action: ChangeUpdate, Previous: &prev, Next: &next})
		default:
			out = append(out, Change{Key: k, Action: ChangeNoop, Previous: &prev, Next: &next})
		}
	}
	for k, prev := range have {
		if _, ok := want[k]; ok {
			continue
		}
		out = append(out, Change{Key: k, Action: ChangeDelete, Previous: &prev})
	}
	sort.Slice(out, func(i, j int) bool {
		return changeIndex(out[i]) < changeIndex(out[j]) ||
			(changeIndex(out[i]) == changeIndex(out[j]) && out[i].Key < out[j].Key)
	})
	return out
}

func changeIndex(c Change) int {
	if c.Next != nil {
		return c.Next.Index
	}
	return c.Previous.Index
}

// Result is the per-binding outcome of Apply.
type Result struct {
	Change Change
	Err    error
}

// Binder applies binding changes through a BindingClient.
type Binder struct {
	client      controlplane.BindingClient
	mode        Identity
	parallelism int
}

// NewBinder returns a binder. parallelism <= 0 means unbounded.
func NewBinder(client controlplane.BindingClient, mode Identity, parallelism int) *Binder {
	if mode == "" {
		mode = IdentityPositional
	}
	return &Binder{client: client, mode: mode, parallelism: parallelism}
}

// Mode returns the identity mode of the binder.
func (b *Binder) Mode() Identity {
	return b.mode
}

// Plan reads existing bindings of svc and diffs them against members.
func (b *Binder) Plan(ctx context.Context, svc resource.ServiceIdentity, members []string) ([]Change, error) {
	if err := ValidateMembers(members); err != nil {
		return nil, err
	}
	existing, err := b.client.ListBindings(ctx, svc)
	if err != nil {
		return nil, fmt.Errorf("access: list bindings %s: %w", svc.Key(), err)
	}
	return Diff(existing, ReconcileBindings(members), b.mode), nil
}

// Apply executes non-noop changes concurrently. A failed binding does not
// block its siblings; the returned error joins all per-binding failures.
func (b *Binder) Apply(ctx context.Context, svc resource.ServiceIdentity, changes []Change) ([]Result, error) {
	results := make([]Result, len(changes))
	var g errgroup.Group
	if b.parallelism > 0 {
		g.SetLimit(b.parallelism)
	}
	for i, c := range changes {
		results[i] = Result{Change: c}
		if c.Action == ChangeNoop {
			continue
		}
		g.Go(func() error {
			results[i].Err = b.apply(ctx, svc, c)
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

func (b *Binder) apply(ctx context.Context, svc resource.ServiceIdentity, c Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := b.client.ApplyBinding(ctx, svc, controlplane.BindingChange{
		Key:      c.Key,
		Previous: c.Previous,
		Next:     c.Next,
	})
	observability.RecordRemoteCall("binding", string(c.Action), time.Since(start), err == nil)
	if err != nil {
		if ctx.Err() == nil || !errors.Is(err, ctx.Err()) {
			err = resource.Rejected("binding "+c.Key, err)
		}
		observability.RecordReconcile("binding", string(c.Action), observability.OutcomeError)
		log.Warn().Err(err).Str("binding", c.Key).Str("action", string(c.Action)).Msg("access.Binder.Apply failed")
		return err
	}
	observability.RecordReconcile("binding", string(c.Action), observability.OutcomeSuccess)
	log.Info().Str("binding", c.Key).Str("action", string(c.Action)).Str("service", svc.Key()).Msg("access.Binder.Apply")
	return nil
}
