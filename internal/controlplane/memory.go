package controlplane

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/runctl/internal/resource"
	"github.com/google/uuid"
)

// Op names one control-plane operation for call counting and rejection.
type Op string

const (
	OpGetService    Op = "service.get"
	OpCreateService Op = "service.create"
	OpUpdateService Op = "service.update"
	OpDeleteService Op = "service.delete"
	OpListDomains   Op = "domain.list"
	OpCreateDomain  Op = "domain.create"
	OpDeleteDomain  Op = "domain.delete"
	OpListBindings  Op = "binding.list"
	OpApplyBinding  Op = "binding.apply"
)

// Annotation keys stamped by the control plane after every write.
const (
	AnnotationOperationID   = "run.googleapis.com/operation-id"
	AnnotationClientName    = "run.googleapis.com/client-name"
	AnnotationClientVersion = "run.googleapis.com/client-version"
	AnnotationCreator       = "serving.knative.dev/creator"
	AnnotationLastModifier  = "serving.knative.dev/lastModifier"
)

type rejection struct {
	op     Op
	key    string
	reason string
}

type readinessFault struct {
	key     string
	message string
}

type storedService struct {
	state resource.RemoteState
}

// Memory is an in-process control plane. It mimics a managed service API:
// documents are deep-copied in and out, identity and client annotations are
// stamped on every write, and generation advances per write.
type Memory struct {
	// Principal is recorded as creator/lastModifier on writes.
	Principal string
	// Latency delays every call; calls observe ctx while waiting.
	Latency time.Duration

	mu         sync.Mutex
	services   map[string]*storedService
	domains    map[string]resource.DomainBinding
	bindings   map[string]map[string]resource.IamBinding
	rejections []rejection
	notReady   []readinessFault
	calls      map[Op]int
}

// NewMemory returns an empty in-process control plane.
func NewMemory() *Memory {
	return &Memory{
		Principal: "runctl@local",
		services:  make(map[string]*storedService),
		domains:   make(map[string]resource.DomainBinding),
		bindings:  make(map[string]map[string]resource.IamBinding),
		calls:     make(map[Op]int),
	}
}

// Reject makes every call of op whose key matches fail with RemoteRejected.
// An empty key matches all keys. Keys are the service Key, the domain name,
// or the binding member.
func (m *Memory) Reject(op Op, key string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections = append(m.rejections, rejection{op: op, key: key, reason: reason})
}

// FailReadiness makes service writes whose key matches succeed but leave
// the service with Ready=False and message, the way an unpullable image
// does. Matching services already stored are marked at once. An empty key
// matches all services.
func (m *Memory) FailReadiness(key string, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notReady = append(m.notReady, readinessFault{key: key, message: message})
	for k, stored := range m.services {
		m.setReadiness(k, &stored.state)
	}
}

// ClearRejections removes all injected rejections and readiness failures.
// Stored services keep their readiness until the next write.
func (m *Memory) ClearRejections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections = nil
	m.notReady = nil
}

// setReadiness must be called with mu held.
func (m *Memory) setReadiness(key string, state *resource.RemoteState) {
	state.Ready = true
	state.ReadyStatus = resource.ReadyTrue
	state.ReadyMessage = ""
	for _, f := range m.notReady {
		if f.key == "" || f.key == key {
			state.Ready = false
			state.ReadyStatus = resource.ReadyFalse
			state.ReadyMessage = f.message
			return
		}
	}
}

// Calls returns how many times op was invoked, rejected calls included.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Annotate mutates stored annotations the way an external writer would.
func (m *Memory) Annotate(id resource.ServiceIdentity, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.services[id.Key()]
	if !ok {
		return fmt.Errorf("%w: service %s", ErrNotFound, id.Key())
	}
	if stored.state.Document.Annotations == nil {
		stored.state.Document.Annotations = make(map[string]string)
	}
	stored.state.Document.Annotations[key] = value
	return nil
}

func (m *Memory) GetService(ctx context.Context, id resource.ServiceIdentity) (resource.RemoteState, error) {
	if err := m.enter(ctx, OpGetService, id.Key()); err != nil {
		return resource.RemoteState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.services[id.Key()]
	if !ok {
		return resource.RemoteState{}, fmt.Errorf("%w: service %s", ErrNotFound, id.Key())
	}
	return copyState(stored.state)
}

func (m *Memory) CreateService(ctx context.Context, doc resource.Document) (resource.RemoteState, error) {
	key := doc.Identity.Key()
	if err := m.enter(ctx, OpCreateService, key); err != nil {
		return resource.RemoteState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.services[key]; exists {
		return resource.RemoteState{}, &resource.RemoteRejected{
			Resource: "service " + key,
			Reason:   "already exists",
		}
	}
	state := resource.RemoteState{
		Generation: 1,
		URL:        serviceURL(doc.Identity),
	}
	m.setReadiness(key, &state)
	copied, err := copyDocument(doc)
	if err != nil {
		return resource.RemoteState{}, err
	}
	state.Document = copied
	m.stamp(&state.Document, true)
	m.services[key] = &storedService{state: state}
	return copyState(state)
}

func (m *Memory) UpdateService(ctx context.Context, doc resource.Document, prev resource.RemoteState) (resource.RemoteState, error) {
	key := doc.Identity.Key()
	if err := m.enter(ctx, OpUpdateService, key); err != nil {
		return resource.RemoteState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.services[key]
	if !ok {
		return resource.RemoteState{}, fmt.Errorf("%w: service %s", ErrNotFound, key)
	}
	if prev.Generation != 0 && prev.Generation != stored.state.Generation {
		return resource.RemoteState{}, &resource.RemoteRejected{
			Resource: "service " + key,
			Reason: fmt.Sprintf("generation conflict: have %d, caller saw %d",
				stored.state.Generation, prev.Generation),
		}
	}
	copied, err := copyDocument(doc)
	if err != nil {
		return resource.RemoteState{}, err
	}
	// Control-plane owned annotations survive updates that omit them.
	for k, v := range stored.state.Document.Annotations {
		if isStamped(k) {
			if copied.Annotations == nil {
				copied.Annotations = make(map[string]string)
			}
			if _, set := copied.Annotations[k]; !set {
				copied.Annotations[k] = v
			}
		}
	}
	m.stamp(&copied, false)
	stored.state.Document = copied
	stored.state.Generation++
	m.setReadiness(key, &stored.state)
	return copyState(stored.state)
}

func (m *Memory) DeleteService(ctx context.Context, id resource.ServiceIdentity) error {
	if err := m.enter(ctx, OpDeleteService, id.Key()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[id.Key()]; !ok {
		return nil
	}
	delete(m.services, id.Key())
	delete(m.bindings, id.Key())
	for name, b := range m.domains {
		if b.Service == id {
			delete(m.domains, name)
		}
	}
	return nil
}

func (m *Memory) ListDomains(ctx context.Context, svc resource.ServiceIdentity) (map[string]resource.DomainBinding, error) {
	if err := m.enter(ctx, OpListDomains, svc.Key()); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]resource.DomainBinding)
	for name, b := range m.domains {
		if b.Service == svc {
			out[name] = cloneDomain(b)
		}
	}
	return out, nil
}

func (m *Memory) CreateDomain(ctx context.Context, binding resource.DomainBinding) error {
	if err := m.enter(ctx, OpCreateDomain, binding.DomainName); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.domains[binding.DomainName]; ok && !binding.ForceOverride {
		return &resource.RemoteRejected{
			Resource: "domain " + binding.DomainName,
			Reason:   fmt.Sprintf("already mapped to %s", existing.Service.Key()),
		}
	}
	m.domains[binding.DomainName] = cloneDomain(binding)
	return nil
}

func (m *Memory) DeleteDomain(ctx context.Context, binding resource.DomainBinding) error {
	if err := m.enter(ctx, OpDeleteDomain, binding.DomainName); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[binding.DomainName]; !ok {
		return fmt.Errorf("%w: domain %s", ErrNotFound, binding.DomainName)
	}
	delete(m.domains, binding.DomainName)
	return nil
}

func (m *Memory) ListBindings(ctx context.Context, svc resource.ServiceIdentity) ([]resource.IamBinding, error) {
	if err := m.enter(ctx, OpListBindings, svc.Key()); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]resource.IamBinding, 0, len(m.bindings[svc.Key()]))
	for _, b := range m.bindings[svc.Key()] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Member < out[j].Member
	})
	return out, nil
}

func (m *Memory) ApplyBinding(ctx context.Context, svc resource.ServiceIdentity, change BindingChange) error {
	member := ""
	switch {
	case change.Next != nil:
		member = change.Next.Member
	case change.Previous != nil:
		member = change.Previous.Member
	}
	if err := m.enter(ctx, OpApplyBinding, member); err != nil {
		return err
	}
	if strings.TrimSpace(change.Key) == "" {
		return fmt.Errorf("controlplane: binding change without key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	slots := m.bindings[svc.Key()]
	if slots == nil {
		slots = make(map[string]resource.IamBinding)
		m.bindings[svc.Key()] = slots
	}
	if change.Next == nil {
		if _, ok := slots[change.Key]; !ok {
			return fmt.Errorf("%w: binding %s", ErrNotFound, change.Key)
		}
		delete(slots, change.Key)
		return nil
	}
	slots[change.Key] = *change.Next
	return nil
}

// enter counts the call, waits out Latency, and applies injected rejections.
func (m *Memory) enter(ctx context.Context, op Op, key string) error {
	m.mu.Lock()
	m.calls[op]++
	latency := m.Latency
	var reject *rejection
	for i := range m.rejections {
		r := m.rejections[i]
		if r.op == op && (r.key == "" || r.key == key) {
			reject = &r
			break
		}
	}
	m.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	if reject != nil {
		return &resource.RemoteRejected{Resource: string(op) + " " + key, Reason: reject.reason}
	}
	return nil
}

func (m *Memory) stamp(doc *resource.Document, create bool) {
	if doc.Annotations == nil {
		doc.Annotations = make(map[string]string)
	}
	doc.Annotations[AnnotationOperationID] = uuid.NewString()
	doc.Annotations[AnnotationClientName] = "runctl"
	doc.Annotations[AnnotationClientVersion] = "memory"
	doc.Annotations[AnnotationLastModifier] = m.Principal
	if create {
		doc.Annotations[AnnotationCreator] = m.Principal
	}
}

func isStamped(key string) bool {
	switch key {
	case AnnotationOperationID, AnnotationClientName, AnnotationClientVersion,
		AnnotationCreator, AnnotationLastModifier:
		return true
	}
	return false
}

func serviceURL(id resource.ServiceIdentity) string {
	return fmt.Sprintf("https://%s-%s.%s.run.local", id.Name, id.Project, id.Location)
}

func copyDocument(doc resource.Document) (resource.Document, error) {
	out, err := resource.Copy(doc)
	if err != nil {
		return resource.Document{}, fmt.Errorf("controlplane: copy document: %w", err)
	}
	return out, nil
}

func copyState(state resource.RemoteState) (resource.RemoteState, error) {
	doc, err := copyDocument(state.Document)
	if err != nil {
		return resource.RemoteState{}, err
	}
	state.Document = doc
	return state, nil
}

func cloneDomain(b resource.DomainBinding) resource.DomainBinding {
	b.Labels = maps.Clone(b.Labels)
	b.Annotations = maps.Clone(b.Annotations)
	return b
}

var _ Client = (*Memory)(nil)
