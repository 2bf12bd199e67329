package config

import (
	"fmt"

	"github.com/danmuck/runctl/internal/orchestrator"
	"github.com/danmuck/runctl/internal/resource"
	"github.com/pelletier/go-toml/v2"
)

type planView struct {
	Service  string        `toml:"service"`
	Action   string        `toml:"action"`
	Changes  []string      `toml:"changes,omitempty"`
	Domains  domainsView   `toml:"domains"`
	Bindings []bindingView `toml:"bindings,omitempty"`
	Document documentView  `toml:"document"`
}

type domainsView struct {
	Create    []string `toml:"create,omitempty"`
	Delete    []string `toml:"delete,omitempty"`
	Unchanged []string `toml:"unchanged,omitempty"`
}

type bindingView struct {
	Key      string `toml:"key"`
	Action   string `toml:"action"`
	Previous string `toml:"previous,omitempty"`
	Next     string `toml:"next,omitempty"`
}

type documentView struct {
	Name        string            `toml:"name"`
	Location    string            `toml:"location"`
	Project     string            `toml:"project"`
	Labels      map[string]string `toml:"labels,omitempty"`
	Annotations map[string]string `toml:"annotations,omitempty"`
	Template    templateView      `toml:"template"`
	Traffic     []routeView       `toml:"traffic"`
}

type templateView struct {
	Name           string            `toml:"name,omitempty"`
	Labels         map[string]string `toml:"labels,omitempty"`
	Annotations    map[string]string `toml:"annotations,omitempty"`
	Concurrency    int               `toml:"concurrency,omitempty"`
	TimeoutSeconds int               `toml:"timeout_seconds,omitempty"`
	ServiceAccount string            `toml:"service_account,omitempty"`
	Containers     []containerView   `toml:"containers"`
	Volumes        []volumeFile      `toml:"volumes,omitempty"`
}

type containerView struct {
	Name             string            `toml:"name,omitempty"`
	Image            string            `toml:"image"`
	Command          []string          `toml:"command,omitempty"`
	Args             []string          `toml:"args,omitempty"`
	Ports            []portFile        `toml:"ports,omitempty"`
	ResourceLimits   map[string]string `toml:"resource_limits,omitempty"`
	ResourceRequests map[string]string `toml:"resource_requests,omitempty"`
	Env              []nameValueFile   `toml:"env,omitempty"`
	EnvSecrets       []envSecretFile   `toml:"env_secrets,omitempty"`
	VolumeMounts     []mountFile       `toml:"volume_mounts,omitempty"`
	StartupProbe     *probeView        `toml:"startup_probe,omitempty"`
	LivenessProbe    *probeView        `toml:"liveness_probe,omitempty"`
}

type probeView struct {
	Kind                string          `toml:"kind"`
	Path                string          `toml:"path,omitempty"`
	Headers             []nameValueFile `toml:"headers,omitempty"`
	Port                int             `toml:"port,omitempty"`
	Service             string          `toml:"service,omitempty"`
	FailureThreshold    int             `toml:"failure_threshold,omitempty"`
	InitialDelaySeconds int             `toml:"initial_delay_seconds,omitempty"`
	TimeoutSeconds      int             `toml:"timeout_seconds,omitempty"`
	PeriodSeconds       int             `toml:"period_seconds,omitempty"`
}

type routeView struct {
	Percent        int     `toml:"percent"`
	LatestRevision *bool   `toml:"latest_revision,omitempty"`
	RevisionName   *string `toml:"revision_name,omitempty"`
	Tag            *string `toml:"tag,omitempty"`
}

type reportView struct {
	ID          string      `toml:"id"`
	Key         string      `toml:"key"`
	Phase       string      `toml:"phase"`
	Completion  string      `toml:"completion"`
	Summary     string      `toml:"summary"`
	Error       string      `toml:"error,omitempty"`
	Action      string      `toml:"action"`
	State       string      `toml:"state"`
	Transitions []string    `toml:"transitions"`
	Changes     []string    `toml:"changes,omitempty"`
	Generation  int64       `toml:"generation,omitempty"`
	URL         string      `toml:"url,omitempty"`
	Domains     []childView `toml:"domains,omitempty"`
	Bindings    []childView `toml:"bindings,omitempty"`
}

type childView struct {
	Resource string `toml:"resource"`
	Action   string `toml:"action"`
	Error    string `toml:"error,omitempty"`
}

// RenderPlan renders a plan as TOML.
func RenderPlan(p orchestrator.Plan) ([]byte, error) {
	view := planView{
		Service: p.Key,
		Action:  string(p.Action),
		Changes: p.Changes,
		Domains: domainsView{
			Create:    p.Domains.ToCreate,
			Delete:    p.Domains.ToDelete,
			Unchanged: p.Domains.Unchanged,
		},
		Document: documentOf(p.Document),
	}
	for _, c := range p.Bindings {
		b := bindingView{Key: c.Key, Action: string(c.Action)}
		if c.Previous != nil {
			b.Previous = c.Previous.Member
		}
		if c.Next != nil {
			b.Next = c.Next.Member
		}
		view.Bindings = append(view.Bindings, b)
	}
	out, err := toml.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("render plan: %w", err)
	}
	return out, nil
}

// RenderDocument renders a normalized document as TOML.
func RenderDocument(doc resource.Document) ([]byte, error) {
	out, err := toml.Marshal(documentOf(doc))
	if err != nil {
		return nil, fmt.Errorf("render document: %w", err)
	}
	return out, nil
}

// RenderReport renders a reconcile report as TOML.
func RenderReport(r orchestrator.Report) ([]byte, error) {
	view := reportView{
		ID:         r.ID,
		Key:        r.Key,
		Phase:      r.Phase,
		Completion: r.Completion,
		Summary:    r.Summary,
		Error:      r.Error,
		Action:     string(r.Service.Action),
		State:      string(r.Service.State),
		Changes:    r.Service.Changes,
	}
	for _, s := range r.Service.Transitions {
		view.Transitions = append(view.Transitions, string(s))
	}
	if remote := r.Service.Remote; remote != nil {
		view.Generation = remote.Generation
		view.URL = remote.URL
	}
	for _, c := range r.Domains {
		view.Domains = append(view.Domains, childView{Resource: c.Resource, Action: c.Action, Error: c.Error})
	}
	for _, c := range r.Bindings {
		view.Bindings = append(view.Bindings, childView{Resource: c.Resource, Action: c.Action, Error: c.Error})
	}
	out, err := toml.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return out, nil
}

func documentOf(doc resource.Document) documentView {
	t := doc.Template
	out := documentView{
		Name:        doc.Identity.Name,
		Location:    doc.Identity.Location,
		Project:     doc.Identity.Project,
		Labels:      doc.Labels,
		Annotations: doc.Annotations,
		Template: templateView{
			Name:           t.Name,
			Labels:         t.Labels,
			Annotations:    t.Annotations,
			Concurrency:    t.Concurrency,
			TimeoutSeconds: t.TimeoutSeconds,
			ServiceAccount: t.ServiceAccount,
		},
	}
	for _, c := range t.Containers {
		out.Template.Containers = append(out.Template.Containers, containerOf(c))
	}
	for _, v := range t.Volumes {
		vol := volumeFile{Name: v.Name, SecretName: v.SecretName}
		for _, it := range v.Items {
			vol.Items = append(vol.Items, keyPathFile{Key: it.Key, Path: it.Path})
		}
		out.Template.Volumes = append(out.Template.Volumes, vol)
	}
	for _, r := range doc.Traffic {
		out.Traffic = append(out.Traffic, routeView{
			Percent:        r.Percent,
			LatestRevision: r.LatestRevision,
			RevisionName:   r.RevisionName,
			Tag:            r.Tag,
		})
	}
	return out
}

func containerOf(c resource.ContainerSpec) containerView {
	out := containerView{
		Name:             c.Name,
		Image:            c.Image,
		Command:          c.Command,
		Args:             c.Args,
		ResourceLimits:   c.ResourceLimits,
		ResourceRequests: c.ResourceRequests,
		StartupProbe:     probeOf(c.StartupProbe),
		LivenessProbe:    probeOf(c.LivenessProbe),
	}
	for _, p := range c.Ports {
		out.Ports = append(out.Ports, portFile{Name: p.Name, ContainerPort: p.ContainerPort})
	}
	for _, e := range c.Env {
		out.Env = append(out.Env, nameValueFile{Name: e.Name, Value: e.Value})
	}
	for _, e := range c.EnvSecrets {
		out.EnvSecrets = append(out.EnvSecrets, envSecretFile{Name: e.Name, SecretName: e.SecretName, Key: e.Key})
	}
	for _, m := range c.VolumeMounts {
		out.VolumeMounts = append(out.VolumeMounts, mountFile{Name: m.Name, MountPath: m.MountPath})
	}
	return out
}

func probeOf(p *resource.ProbeSpec) *probeView {
	if p == nil {
		return nil
	}
	out := &probeView{
		Kind:                string(p.Kind),
		FailureThreshold:    p.FailureThreshold,
		InitialDelaySeconds: p.InitialDelaySeconds,
		TimeoutSeconds:      p.TimeoutSeconds,
		PeriodSeconds:       p.PeriodSeconds,
	}
	switch {
	case p.HTTPGet != nil:
		out.Path = p.HTTPGet.Path
		for _, h := range p.HTTPGet.Headers {
			out.Headers = append(out.Headers, nameValueFile{Name: h.Name, Value: h.Value})
		}
	case p.TCPSocket != nil:
		out.Port = p.TCPSocket.Port
	case p.GRPC != nil:
		out.Port = p.GRPC.Port
		out.Service = p.GRPC.Service
	}
	return out
}
