package cloudrun

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/runctl/internal/builder"
	"github.com/danmuck/runctl/internal/controlplane"
	"github.com/danmuck/runctl/internal/reconcile"
	"github.com/danmuck/runctl/internal/resource"
	"github.com/danmuck/runctl/internal/testutil/testlog"
	run "google.golang.org/api/run/v1"
)

var svcID = resource.ServiceIdentity{Name: "hello", Location: "us-central1", Project: "acme"}

func fullDoc(t *testing.T) resource.Document {
	t.Helper()
	doc, err := builder.Build(resource.ServiceSpec{
		Name:           "hello",
		Location:       "us-central1",
		Project:        "acme",
		Concurrency:    80,
		TimeoutSeconds: 300,
		ServiceAccount: "runner@acme.iam.gserviceaccount.com",
		Labels:         map[string]string{"team": "edge"},
		Annotations:    map[string]string{"run.googleapis.com/ingress": "all"},
		Containers: []resource.ContainerSpec{{
			Name:           "app",
			Image:          "us-docker.pkg.dev/acme/app/hello:1.0",
			Args:           []string{"--serve"},
			Ports:          []resource.PortSpec{{Name: "http1", ContainerPort: 8080}},
			ResourceLimits: map[string]string{"cpu": "1", "memory": "512Mi"},
			Env:            []resource.NameValue{{Name: "MODE", Value: "prod"}},
			EnvSecrets:     []resource.NameSecretRef{{Name: "TOKEN", SecretName: "api-token", Key: "latest"}},
			VolumeMounts:   []resource.MountSpec{{Name: "certs", MountPath: "/certs"}},
			StartupProbe:   resource.TCPSocketProbe(8080),
			LivenessProbe:  resource.HTTPGetProbe("/healthz"),
		}},
		Volumes: []resource.VolumeSpec{{
			Name:       "certs",
			SecretName: "tls",
			Items:      []resource.KeyPath{{Key: "latest", Path: "tls.crt"}},
		}},
		Traffic: []resource.TrafficEntry{
			{Percent: resource.Ptr(90), RevisionName: resource.Ptr("v1")},
			{Percent: resource.Ptr(10), LatestRevision: resource.Ptr(true), Tag: resource.Ptr("canary")},
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return doc
}

func TestServiceMappingRoundTrip(t *testing.T) {
	doc := fullDoc(t)
	svc := toService(doc)
	svc.Metadata.Labels[LabelLocation] = "us-central1"
	svc.Metadata.Generation = 4
	svc.Status = &run.ServiceStatus{
		Url:        "https://hello-abc.a.run.app",
		Conditions: []*run.GoogleCloudRunV1Condition{{Type: "Ready", Status: "True"}},
	}

	state := fromService(svc, svcID)
	if changes := reconcile.Diff(doc, state.Document, nil); len(changes) != 0 {
		t.Fatalf("expected lossless round trip, got changes %v", changes)
	}
	if state.Generation != 4 || !state.Ready || state.URL != "https://hello-abc.a.run.app" {
		t.Fatalf("unexpected remote state: %+v", state)
	}
}

func TestTrafficTargetForcesZeroAndFalse(t *testing.T) {
	tt := toTrafficTarget(resource.Route{Percent: 0, LatestRevision: resource.Ptr(false), RevisionName: resource.Ptr("hello-v1")})
	raw, err := json.Marshal(tt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"percent":0`) || !strings.Contains(string(raw), `"latestRevision":false`) {
		t.Fatalf("expected zero percent and false latestRevision on the wire, got %s", raw)
	}
}

func TestApplyChangeEditsMemberSet(t *testing.T) {
	members := []string{"user:a", "user:b"}
	got := applyChange(members, controlplane.BindingChange{
		Previous: &resource.IamBinding{Member: "user:a"},
		Next:     &resource.IamBinding{Member: "user:c"},
	})
	if strings.Join(got, ",") != "user:b,user:c" {
		t.Fatalf("unexpected members: %v", got)
	}
	if strings.Join(members, ",") != "user:a,user:b" {
		t.Fatalf("input must not be mutated: %v", members)
	}
}

func TestSetInvokerMembersKeepsOtherRoles(t *testing.T) {
	policy := &run.Policy{Bindings: []*run.Binding{
		{Role: "roles/run.admin", Members: []string{"user:ops"}},
		{Role: resource.InvokerRole, Members: []string{"user:a"}},
	}}
	setInvokerMembers(policy, nil)
	if len(policy.Bindings) != 1 || policy.Bindings[0].Role != "roles/run.admin" {
		t.Fatalf("expected only admin binding left, got %+v", policy.Bindings)
	}
}

// fakeRun serves the subset of the Admin API the client uses.
type fakeRun struct {
	mu       sync.Mutex
	services map[string]*run.Service
	domains  map[string]*run.DomainMapping
	policy   *run.Policy
	deny     bool
	// defaults fills server-side defaults on write the way the real API does.
	defaults bool
	// notReady, when set, is the Ready=False message of every write.
	notReady string
}

func (f *fakeRun) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deny {
		writeError(w, http.StatusForbidden, "caller lacks run.services.get")
		return
	}
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, ":getIamPolicy"):
		writeJSON(w, f.policy)
	case strings.HasSuffix(path, ":setIamPolicy"):
		var req run.SetIamPolicyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.policy = req.Policy
		writeJSON(w, f.policy)
	case strings.HasPrefix(path, "/apis/domains.cloudrun.com/v1/namespaces/acme/domainmappings"):
		f.serveDomains(w, r, strings.TrimPrefix(path, "/apis/domains.cloudrun.com/v1/namespaces/acme/domainmappings"))
	case strings.HasPrefix(path, "/apis/serving.knative.dev/v1/namespaces/acme/services"):
		f.serveServices(w, r, strings.TrimPrefix(path, "/apis/serving.knative.dev/v1/namespaces/acme/services"))
	default:
		writeError(w, http.StatusNotFound, "unknown path "+path)
	}
}

func (f *fakeRun) serveServices(w http.ResponseWriter, r *http.Request, rest string) {
	name := strings.TrimPrefix(rest, "/")
	switch r.Method {
	case http.MethodGet:
		svc, ok := f.services[name]
		if !ok {
			writeError(w, http.StatusNotFound, "service not found")
			return
		}
		writeJSON(w, svc)
	case http.MethodPost, http.MethodPut:
		var svc run.Service
		if err := json.NewDecoder(r.Body).Decode(&svc); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		prev := f.services[svc.Metadata.Name]
		svc.Metadata.Generation = 1
		if prev != nil {
			svc.Metadata.Generation = prev.Metadata.Generation + 1
		}
		if svc.Metadata.Annotations == nil {
			svc.Metadata.Annotations = make(map[string]string)
		}
		svc.Metadata.Annotations["run.googleapis.com/operation-id"] = "op-1"
		if f.defaults {
			fillServerDefaults(&svc)
		}
		ready := &run.GoogleCloudRunV1Condition{Type: "Ready", Status: "True"}
		if f.notReady != "" {
			ready = &run.GoogleCloudRunV1Condition{Type: "Ready", Status: "False", Reason: "ContainerMissing", Message: f.notReady}
		}
		svc.Status = &run.ServiceStatus{
			Url:        "https://" + svc.Metadata.Name + ".a.run.app",
			Conditions: []*run.GoogleCloudRunV1Condition{ready},
		}
		f.services[svc.Metadata.Name] = &svc
		writeJSON(w, &svc)
	case http.MethodDelete:
		if _, ok := f.services[name]; !ok {
			writeError(w, http.StatusNotFound, "service not found")
			return
		}
		delete(f.services, name)
		writeJSON(w, &run.Status{Status: "Success"})
	default:
		writeError(w, http.StatusMethodNotAllowed, r.Method)
	}
}

func (f *fakeRun) serveDomains(w http.ResponseWriter, r *http.Request, rest string) {
	switch r.Method {
	case http.MethodGet:
		resp := &run.ListDomainMappingsResponse{}
		for _, dm := range f.domains {
			resp.Items = append(resp.Items, dm)
		}
		writeJSON(w, resp)
	case http.MethodPost:
		var dm run.DomainMapping
		if err := json.NewDecoder(r.Body).Decode(&dm); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.domains[dm.Metadata.Name] = &dm
		writeJSON(w, &dm)
	case http.MethodDelete:
		name := strings.TrimPrefix(rest, "/")
		if _, ok := f.domains[name]; !ok {
			writeError(w, http.StatusNotFound, "mapping not found")
			return
		}
		delete(f.domains, name)
		writeJSON(w, &run.Status{Status: "Success"})
	}
}

// fillServerDefaults applies the defaults Cloud Run writes into fields a
// caller leaves unset.
func fillServerDefaults(svc *run.Service) {
	if _, ok := svc.Metadata.Annotations["run.googleapis.com/ingress"]; !ok {
		svc.Metadata.Annotations["run.googleapis.com/ingress"] = "all"
	}
	svc.Metadata.Annotations["run.googleapis.com/ingress-status"] = svc.Metadata.Annotations["run.googleapis.com/ingress"]
	if svc.Spec == nil || svc.Spec.Template == nil || svc.Spec.Template.Spec == nil {
		return
	}
	tmpl := svc.Spec.Template
	if tmpl.Metadata == nil {
		tmpl.Metadata = &run.ObjectMeta{}
	}
	if tmpl.Metadata.Annotations == nil {
		tmpl.Metadata.Annotations = make(map[string]string)
	}
	if _, ok := tmpl.Metadata.Annotations["autoscaling.knative.dev/maxScale"]; !ok {
		tmpl.Metadata.Annotations["autoscaling.knative.dev/maxScale"] = "100"
	}
	spec := tmpl.Spec
	if spec.ContainerConcurrency == 0 {
		spec.ContainerConcurrency = 80
	}
	if spec.TimeoutSeconds == 0 {
		spec.TimeoutSeconds = 300
	}
	if spec.ServiceAccountName == "" {
		spec.ServiceAccountName = "123456789-compute@developer.gserviceaccount.com"
	}
	for _, c := range spec.Containers {
		if len(c.Ports) == 0 {
			c.Ports = []*run.ContainerPort{{Name: "http1", ContainerPort: 8080}}
		}
		if c.Resources == nil {
			c.Resources = &run.ResourceRequirements{}
		}
		if len(c.Resources.Limits) == 0 {
			c.Resources.Limits = map[string]string{"cpu": "1000m", "memory": "512Mi"}
		}
		if c.StartupProbe == nil {
			c.StartupProbe = &run.Probe{
				TcpSocket:        &run.TCPSocketAction{Port: c.Ports[0].ContainerPort},
				FailureThreshold: 1,
				PeriodSeconds:    240,
				TimeoutSeconds:   240,
			}
		}
	}
	for _, t := range svc.Spec.Traffic {
		if t.RevisionName == "" {
			t.LatestRevision = true
		}
	}
	if len(svc.Spec.Traffic) == 0 {
		svc.Spec.Traffic = []*run.TrafficTarget{{Percent: 100, LatestRevision: true}}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}

func newTestClient(t *testing.T) (*Client, *fakeRun) {
	t.Helper()
	fake := &fakeRun{
		services: make(map[string]*run.Service),
		domains:  make(map[string]*run.DomainMapping),
		policy:   &run.Policy{Etag: "BwX"},
	}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	client, err := New(context.Background(), Config{Endpoint: srv.URL + "/", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, fake
}

func TestClientServiceLifecycle(t *testing.T) {
	testlog.Start(t)

	client, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := client.GetService(ctx, svcID); !errors.Is(err, controlplane.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	engine := reconcile.NewEngine(client)
	doc := fullDoc(t)
	created, err := engine.Apply(ctx, doc, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Remote.Generation != 1 || !created.Remote.Ready {
		t.Fatalf("unexpected created state: %+v", created.Remote)
	}

	remote, err := client.GetService(ctx, svcID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	again, err := engine.Apply(ctx, doc, &remote)
	if err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if again.Action != reconcile.ActionNoop {
		t.Fatalf("expected noop against stamped remote, got %q changes=%v", again.Action, again.Changes)
	}

	changed := doc.Clone()
	changed.Template.Containers[0].Image = "us-docker.pkg.dev/acme/app/hello:2.0"
	updated, err := engine.Apply(ctx, changed, &remote)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Remote.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", updated.Remote.Generation)
	}

	if _, err := client.UpdateService(ctx, changed, remote); !errors.Is(err, resource.ErrRemoteRejected) {
		t.Fatalf("expected generation conflict, got %v", err)
	}
}

func TestClientMapsAPIErrorsToRejections(t *testing.T) {
	client, fake := newTestClient(t)
	fake.deny = true

	_, err := client.GetService(context.Background(), svcID)
	var rejected *resource.RemoteRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RemoteRejected, got %v", err)
	}
	if rejected.Reason != "caller lacks run.services.get" {
		t.Fatalf("unexpected reason: %q", rejected.Reason)
	}
}

func TestClientDomainsAndBindings(t *testing.T) {
	testlog.Start(t)

	client, fake := newTestClient(t)
	ctx := context.Background()
	fake.domains["other.example.com"] = &run.DomainMapping{
		Metadata: &run.ObjectMeta{Name: "other.example.com"},
		Spec:     &run.DomainMappingSpec{RouteName: "other"},
	}

	binding := resource.DomainBinding{
		DomainName:      "api.example.com",
		RouteName:       "hello",
		CertificateMode: "AUTOMATIC",
		Service:         svcID,
	}
	if err := client.CreateDomain(ctx, binding); err != nil {
		t.Fatalf("create domain: %v", err)
	}
	domains, err := client.ListDomains(ctx, svcID)
	if err != nil {
		t.Fatalf("list domains: %v", err)
	}
	if len(domains) != 1 || domains["api.example.com"].CertificateMode != "AUTOMATIC" {
		t.Fatalf("expected only the service's mapping, got %+v", domains)
	}
	if err := client.DeleteDomain(ctx, binding); err != nil {
		t.Fatalf("delete domain: %v", err)
	}
	if err := client.DeleteDomain(ctx, binding); err != nil {
		t.Fatalf("delete of missing mapping must succeed, got %v", err)
	}

	next := resource.IamBinding{Member: "user:a@example.com", Role: resource.InvokerRole}
	if err := client.ApplyBinding(ctx, svcID, controlplane.BindingChange{Key: "user:a@example.com/" + resource.InvokerRole, Next: &next}); err != nil {
		t.Fatalf("apply binding: %v", err)
	}
	bindings, err := client.ListBindings(ctx, svcID)
	if err != nil {
		t.Fatalf("list bindings: %v", err)
	}
	if len(bindings) != 1 || bindings[0].Member != "user:a@example.com" || bindings[0].Role != resource.InvokerRole {
		t.Fatalf("unexpected bindings: %+v", bindings)
	}
	if fake.policy.Etag != "BwX" {
		t.Fatalf("expected etag sent back with the policy, got %q", fake.policy.Etag)
	}
}

func minimalDoc(t *testing.T) resource.Document {
	t.Helper()
	doc, err := builder.Build(resource.ServiceSpec{
		Name:     "hello",
		Location: "us-central1",
		Project:  "acme",
		Containers: []resource.ContainerSpec{{
			Image: "us-docker.pkg.dev/cloudrun/container/hello",
		}},
		AutogenerateRevisionName: true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return doc
}

func TestServerDefaultsDoNotCauseUpdates(t *testing.T) {
	testlog.Start(t)

	client, fake := newTestClient(t)
	fake.defaults = true
	ctx := context.Background()
	engine := reconcile.NewEngine(client)
	doc := minimalDoc(t)

	created, err := engine.Apply(ctx, doc, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Remote.Document.Template.Concurrency != 80 {
		t.Fatalf("expected defaulted concurrency on remote, got %d", created.Remote.Document.Template.Concurrency)
	}
	for pass := 2; pass <= 4; pass++ {
		remote, err := client.GetService(ctx, svcID)
		if err != nil {
			t.Fatalf("pass %d get: %v", pass, err)
		}
		res, err := engine.Apply(ctx, doc, &remote)
		if err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		if res.Action != reconcile.ActionNoop || res.Remote.Generation != 1 {
			t.Fatalf("pass %d: expected noop at generation 1, got %q changes=%v gen=%d",
				pass, res.Action, res.Changes, res.Remote.Generation)
		}
	}

	remote, err := client.GetService(ctx, svcID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	explicit := doc.Clone()
	explicit.Template.Concurrency = 10
	explicit.Template.Annotations = map[string]string{"autoscaling.knative.dev/maxScale": "3"}
	res, err := engine.Apply(ctx, explicit, &remote)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	want := "Template.Annotations[autoscaling.knative.dev/maxScale],Template.Concurrency"
	if res.Action != reconcile.ActionUpdate || strings.Join(res.Changes, ",") != want {
		t.Fatalf("explicit values must still drive an update, got %q changes=%v", res.Action, res.Changes)
	}
}

func TestNotReadyServiceFails(t *testing.T) {
	testlog.Start(t)

	client, fake := newTestClient(t)
	fake.notReady = "Image 'us-docker.pkg.dev/cloudrun/container/hello' not found."
	engine := reconcile.NewEngine(client)

	res, err := engine.Apply(context.Background(), minimalDoc(t), nil)
	var rejected *resource.RemoteRejected
	if !errors.As(err, &rejected) || rejected.Reason != fake.notReady {
		t.Fatalf("expected RemoteRejected with the Ready message, got %v", err)
	}
	if res.State != reconcile.StateFailed {
		t.Fatalf("expected FAILED, got %q", res.State)
	}
	if res.Remote == nil || res.Remote.Ready || res.Remote.ReadyStatus != resource.ReadyFalse {
		t.Fatalf("expected the not-ready remote state, got %+v", res.Remote)
	}
}

func TestClientDeleteService(t *testing.T) {
	testlog.Start(t)

	client, fake := newTestClient(t)
	ctx := context.Background()
	if _, err := client.CreateService(ctx, minimalDoc(t)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := client.DeleteService(ctx, svcID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(fake.services) != 0 {
		t.Fatalf("expected service removed from the fake")
	}
	if err := client.DeleteService(ctx, svcID); err != nil {
		t.Fatalf("delete of a missing service must succeed, got %v", err)
	}

	fake.deny = true
	if err := client.DeleteService(ctx, svcID); !errors.Is(err, resource.ErrRemoteRejected) {
		t.Fatalf("expected permission failure surfaced, got %v", err)
	}
}
