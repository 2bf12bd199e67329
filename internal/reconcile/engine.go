// Package reconcile owns the service apply state machine.
//
// Apply compares a desired document against last-known remote state and
// decides create, update or no-op. Annotation keys in the ignore set are
// owned by the control plane and never drive an update. The engine does not
// retry: retry policy belongs to the caller.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/runctl/internal/controlplane"
	"github.com/danmuck/runctl/internal/observability"
	"github.com/danmuck/runctl/internal/resource"
	"github.com/rs/zerolog/log"
)

// State is a service lifecycle state.
type State string

const (
	StateAbsent   State = "ABSENT"
	StateCreating State = "CREATING"
	StateReady    State = "READY"
	StateUpdating State = "UPDATING"
	StateFailed   State = "FAILED"
)

// Action is the decision taken by one apply.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionNoop   Action = "noop"
)

var ErrInvalidTransition = errors.New("reconcile: invalid state transition")

// ApplyResult is the outcome of one apply.
type ApplyResult struct {
	Action      Action  `json:"action"`
	State       State   `json:"state"`
	Transitions []State `json:"transitions"`
	// Changes lists differing field paths that drove an update.
	Changes []string `json:"changes,omitempty"`
	// Remote is the state after the apply; on failure the last-known state.
	Remote *resource.RemoteState `json:"remote,omitempty"`
}

// Engine applies service documents through a ServiceClient.
type Engine struct {
	client  controlplane.ServiceClient
	ignored map[string]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithIgnoredAnnotations extends the ignore set.
func WithIgnoredAnnotations(keys ...string) Option {
	return func(e *Engine) {
		for _, k := range keys {
			e.ignored[k] = struct{}{}
		}
	}
}

// NewEngine returns an engine with the default ignore set.
func NewEngine(client controlplane.ServiceClient, opts ...Option) *Engine {
	e := &Engine{
		client:  client,
		ignored: make(map[string]struct{}, len(DefaultIgnoredAnnotations)),
	}
	for _, k := range DefaultIgnoredAnnotations {
		e.ignored[k] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ignored reports whether an annotation key is in the ignore set.
func (e *Engine) Ignored(key string) bool {
	_, ok := e.ignored[key]
	return ok
}

// Plan decides the action for desired against remote without calling the
// control plane.
func (e *Engine) Plan(desired resource.Document, remote *resource.RemoteState) (Action, []string) {
	if remote == nil {
		return ActionCreate, nil
	}
	changes := Diff(desired, remote.Document, e.ignored)
	if len(changes) == 0 {
		return ActionNoop, nil
	}
	return ActionUpdate, changes
}

// Apply drives desired onto the control plane. A nil remote means the
// service is absent. Control-plane failures, including a write that lands
// but leaves the service Ready=False, come back as *resource.RemoteRejected
// with State FAILED; context errors are returned unchanged.
func (e *Engine) Apply(ctx context.Context, desired resource.Document, remote *resource.RemoteState) (ApplyResult, error) {
	key := desired.Identity.Key()
	action, changes := e.Plan(desired, remote)

	var res ApplyResult
	res.Action = action
	res.Changes = changes
	if remote == nil {
		res.State = StateAbsent
	} else {
		res.State = StateReady
		last := *remote
		res.Remote = &last
	}
	res.Transitions = []State{res.State}

	if action == ActionNoop {
		if err := res.failIfNotReady(key, *remote); err != nil {
			observability.RecordReconcile("service", string(action), observability.OutcomeError)
			return res, err
		}
		log.Debug().Str("service", key).Msg("reconcile.Engine.Apply noop")
		observability.RecordReconcile("service", string(action), observability.OutcomeSuccess)
		return res, nil
	}

	next := StateCreating
	if action == ActionUpdate {
		next = StateUpdating
	}
	if err := res.transition(next); err != nil {
		return res, err
	}
	log.Info().
		Str("service", key).
		Str("action", string(action)).
		Strs("changes", changes).
		Msg("reconcile.Engine.Apply")

	start := time.Now()
	var (
		out resource.RemoteState
		err error
	)
	if action == ActionCreate {
		out, err = e.client.CreateService(ctx, desired)
	} else {
		out, err = e.client.UpdateService(ctx, desired, *remote)
	}
	observability.RecordRemoteCall("service", string(action), time.Since(start), err == nil)

	if err != nil {
		_ = res.transition(StateFailed)
		observability.RecordReconcile("service", string(action), observability.OutcomeError)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return res, fmt.Errorf("reconcile: %s service %s: %w", action, key, err)
		}
		log.Warn().Err(err).Str("service", key).Str("action", string(action)).Msg("reconcile.Engine.Apply rejected")
		return res, resource.Rejected("service "+key, err)
	}
	res.Remote = &out
	if err := res.failIfNotReady(key, out); err != nil {
		observability.RecordReconcile("service", string(action), observability.OutcomeError)
		return res, err
	}
	if err := res.transition(StateReady); err != nil {
		return res, err
	}
	observability.RecordReconcile("service", string(action), observability.OutcomeSuccess)
	return res, nil
}

// failIfNotReady moves to FAILED when the control plane accepted the
// document but reports the service explicitly not ready. An Unknown or
// missing Ready condition still counts as READY.
func (r *ApplyResult) failIfNotReady(key string, remote resource.RemoteState) error {
	if !remote.NotReady() {
		return nil
	}
	_ = r.transition(StateFailed)
	reason := remote.ReadyMessage
	if reason == "" {
		reason = "service reported Ready=False"
	}
	log.Warn().Str("service", key).Str("reason", reason).Msg("reconcile.Engine.Apply not ready")
	return &resource.RemoteRejected{Resource: "service " + key, Reason: reason}
}

var transitions = map[State][]State{
	StateAbsent:   {StateCreating, StateFailed},
	StateCreating: {StateReady, StateFailed},
	StateReady:    {StateUpdating, StateFailed},
	StateUpdating: {StateReady, StateFailed},
	StateFailed:   {StateCreating, StateUpdating},
}

func (r *ApplyResult) transition(to State) error {
	for _, allowed := range transitions[r.State] {
		if allowed == to {
			r.State = to
			r.Transitions = append(r.Transitions, to)
			return nil
		}
	}
	return fmt.Errorf("%w: %s->%s", ErrInvalidTransition, r.State, to)
}
