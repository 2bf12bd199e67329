package builder

import (
	"errors"
	"testing"

	"github.com/danmuck/runctl/internal/resource"
	"github.com/google/go-cmp/cmp"
)

func baseSpec() resource.ServiceSpec {
	return resource.ServiceSpec{
		Name:           "hello",
		Location:       "us-central1",
		Project:        "acme",
		Concurrency:    80,
		TimeoutSeconds: 120,
		ServiceAccount: "runner@acme.iam.gserviceaccount.com",
		Containers: []resource.ContainerSpec{{
			Image: "us-docker.pkg.dev/acme/app/hello:1.0",
			Ports: []resource.PortSpec{{Name: "http1", ContainerPort: 8080}},
			Env: []resource.NameValue{
				{Name: "B", Value: "2"},
				{Name: "A", Value: "1"},
			},
			VolumeMounts: []resource.MountSpec{
				{Name: "creds", MountPath: "/secrets"},
				{Name: "tls", MountPath: "/tls"},
			},
			StartupProbe:  resource.TCPSocketProbe(8080),
			LivenessProbe: resource.HTTPGetProbe("/healthz"),
		}},
		Volumes: []resource.VolumeSpec{
			{Name: "creds", SecretName: "app-creds"},
			{Name: "tls", SecretName: "app-tls", Items: []resource.KeyPath{{Key: "latest", Path: "cert.pem"}}},
		},
		Labels:                   map[string]string{"team": "edge"},
		AutogenerateRevisionName: true,
	}
}

func TestBuildPreservesOrderingAndDefaultsTraffic(t *testing.T) {
	doc, err := Build(baseSpec())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if doc.Identity.Key() != "acme/us-central1/hello" {
		t.Fatalf("unexpected identity: %q", doc.Identity.Key())
	}
	if doc.Template.Name != "" {
		t.Fatalf("expected autogenerated revision name, got %q", doc.Template.Name)
	}
	c := doc.Template.Containers[0]
	if c.Env[0].Name != "B" || c.Env[1].Name != "A" {
		t.Fatalf("env order not preserved: %+v", c.Env)
	}
	if c.VolumeMounts[0].Name != "creds" || c.VolumeMounts[1].Name != "tls" {
		t.Fatalf("volume mount order not preserved: %+v", c.VolumeMounts)
	}
	want := []resource.Route{{Percent: 100, LatestRevision: resource.Ptr(true)}}
	if diff := cmp.Diff(want, doc.Traffic); diff != "" {
		t.Fatalf("traffic mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDoesNotAliasInput(t *testing.T) {
	spec := baseSpec()
	doc, err := Build(spec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	spec.Labels["team"] = "mutated"
	spec.Containers[0].Env[0].Value = "mutated"
	if doc.Labels["team"] != "edge" {
		t.Fatalf("labels aliased input")
	}
	if doc.Template.Containers[0].Env[0].Value != "2" {
		t.Fatalf("env aliased input")
	}
}

func TestBuildDerivesRevisionNameFromFirstTrafficEntry(t *testing.T) {
	spec := baseSpec()
	spec.AutogenerateRevisionName = false
	spec.Traffic = []resource.TrafficEntry{
		{Percent: resource.Ptr(90), RevisionName: resource.Ptr("v2")},
		{Percent: resource.Ptr(10), RevisionName: resource.Ptr("v1")},
	}
	doc, err := Build(spec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if doc.Template.Name != "hello-v2" {
		t.Fatalf("unexpected revision name: %q", doc.Template.Name)
	}
}

func TestBuildConfigErrorWhenRevisionNameUnresolvable(t *testing.T) {
	spec := baseSpec()
	spec.AutogenerateRevisionName = false
	if _, err := Build(spec); !errors.Is(err, resource.ErrConfig) {
		t.Fatalf("expected config error for empty traffic, got %v", err)
	}

	spec.Traffic = []resource.TrafficEntry{{LatestRevision: resource.Ptr(true)}}
	if _, err := Build(spec); !errors.Is(err, resource.ErrConfig) {
		t.Fatalf("expected config error for latest-only first entry, got %v", err)
	}
}

func TestBuildValidationErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*resource.ServiceSpec)
	}{
		{"no containers", func(s *resource.ServiceSpec) { s.Containers = nil }},
		{"empty image", func(s *resource.ServiceSpec) { s.Containers[0].Image = " " }},
		{"tcp liveness", func(s *resource.ServiceSpec) { s.Containers[0].LivenessProbe = resource.TCPSocketProbe(8080) }},
		{"two probe variants", func(s *resource.ServiceSpec) {
			p := resource.HTTPGetProbe("/")
			p.GRPC = &resource.GRPCAction{Port: 8081}
			s.Containers[0].StartupProbe = p
		}},
		{"undeclared volume", func(s *resource.ServiceSpec) { s.Volumes = s.Volumes[:1] }},
		{"bad port", func(s *resource.ServiceSpec) { s.Containers[0].Ports[0].ContainerPort = 0 }},
		{"bad traffic", func(s *resource.ServiceSpec) {
			s.Traffic = []resource.TrafficEntry{{Percent: resource.Ptr(90), LatestRevision: resource.Ptr(true)}}
		}},
		{"missing project", func(s *resource.ServiceSpec) { s.Project = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := baseSpec()
			tc.mutate(&spec)
			if _, err := Build(spec); !errors.Is(err, resource.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
