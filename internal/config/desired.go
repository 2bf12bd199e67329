package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/runctl/internal/resource"
)

// desiredFile is the desired-state TOML layout. Top-level arrays (domains,
// members) must precede the first table.
type desiredFile struct {
	Domains        []string           `toml:"domains"`
	Members        []string           `toml:"members"`
	Service        serviceFile        `toml:"service"`
	Traffic        []trafficFile      `toml:"traffic"`
	DomainDefaults domainDefaultsFile `toml:"domain_defaults"`
}

type serviceFile struct {
	Name                     string            `toml:"name"`
	Location                 string            `toml:"location"`
	Project                  string            `toml:"project"`
	Concurrency              int               `toml:"concurrency"`
	TimeoutSeconds           int               `toml:"timeout_seconds"`
	ServiceAccount           string            `toml:"service_account"`
	AutogenerateRevisionName *bool             `toml:"autogenerate_revision_name"`
	Labels                   map[string]string `toml:"labels"`
	Annotations              map[string]string `toml:"annotations"`
	TemplateLabels           map[string]string `toml:"template_labels"`
	TemplateAnnotations      map[string]string `toml:"template_annotations"`
	Containers               []containerFile   `toml:"containers"`
	Volumes                  []volumeFile      `toml:"volumes"`
}

type containerFile struct {
	Name             string            `toml:"name"`
	Image            string            `toml:"image"`
	Command          []string          `toml:"command"`
	Args             []string          `toml:"args"`
	Ports            []portFile        `toml:"ports"`
	ResourceLimits   map[string]string `toml:"resource_limits"`
	ResourceRequests map[string]string `toml:"resource_requests"`
	Env              []nameValueFile   `toml:"env"`
	EnvSecrets       []envSecretFile   `toml:"env_secrets"`
	VolumeMounts     []mountFile       `toml:"volume_mounts"`
	StartupProbe     *probeFile        `toml:"startup_probe"`
	LivenessProbe    *probeFile        `toml:"liveness_probe"`
}

type portFile struct {
	Name          string `toml:"name"`
	ContainerPort int    `toml:"container_port"`
}

type nameValueFile struct {
	Name  string `toml:"name"`
	Value string `toml:"value"`
}

type envSecretFile struct {
	Name       string `toml:"name"`
	SecretName string `toml:"secret_name"`
	Key        string `toml:"key"`
}

type mountFile struct {
	Name      string `toml:"name"`
	MountPath string `toml:"mount_path"`
}

type probeFile struct {
	Kind                string `toml:"kind"`
	FailureThreshold    int    `toml:"failure_threshold"`
	InitialDelaySeconds int    `toml:"initial_delay_seconds"`
	TimeoutSeconds      int    `toml:"timeout_seconds"`
	PeriodSeconds       int    `toml:"period_seconds"`
	HTTPGet             *struct {
		Path    string          `toml:"path"`
		Headers []nameValueFile `toml:"headers"`
	} `toml:"http_get"`
	TCPSocket *struct {
		Port int `toml:"port"`
	} `toml:"tcp_socket"`
	GRPC *struct {
		Port    int    `toml:"port"`
		Service string `toml:"service"`
	} `toml:"grpc"`
}

type volumeFile struct {
	Name       string        `toml:"name"`
	SecretName string        `toml:"secret_name"`
	Items      []keyPathFile `toml:"items"`
}

type keyPathFile struct {
	Key  string `toml:"key"`
	Path string `toml:"path"`
}

type trafficFile struct {
	Percent        *int    `toml:"percent"`
	LatestRevision *bool   `toml:"latest_revision"`
	RevisionName   *string `toml:"revision_name"`
	Tag            *string `toml:"tag"`
}

type domainDefaultsFile struct {
	Labels          map[string]string `toml:"labels"`
	Annotations     map[string]string `toml:"annotations"`
	ForceOverride   bool              `toml:"force_override"`
	CertificateMode string            `toml:"certificate_mode"`
}

// LoadDesired reads one service's desired state. Unknown keys are rejected
// so typos cannot silently drop settings.
func LoadDesired(path string) (resource.Desired, error) {
	var raw desiredFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return resource.Desired{}, fmt.Errorf("load desired state (%s): %w", path, err)
	}
	if err := rejectUndecoded(meta); err != nil {
		return resource.Desired{}, fmt.Errorf("load desired state (%s): %w", path, err)
	}
	return raw.desired(), nil
}

// DecodeDesired is LoadDesired for in-memory TOML.
func DecodeDesired(data string) (resource.Desired, error) {
	var raw desiredFile
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return resource.Desired{}, fmt.Errorf("decode desired state: %w", err)
	}
	if err := rejectUndecoded(meta); err != nil {
		return resource.Desired{}, err
	}
	return raw.desired(), nil
}

func (f desiredFile) desired() resource.Desired {
	svc := f.Service
	out := resource.Desired{
		Service: resource.ServiceSpec{
			Name:                     strings.TrimSpace(svc.Name),
			Location:                 strings.TrimSpace(svc.Location),
			Project:                  strings.TrimSpace(svc.Project),
			Concurrency:              svc.Concurrency,
			TimeoutSeconds:           svc.TimeoutSeconds,
			ServiceAccount:           strings.TrimSpace(svc.ServiceAccount),
			Labels:                   svc.Labels,
			Annotations:              svc.Annotations,
			TemplateLabels:           svc.TemplateLabels,
			TemplateAnnotations:      svc.TemplateAnnotations,
			AutogenerateRevisionName: svc.AutogenerateRevisionName == nil || *svc.AutogenerateRevisionName,
		},
		Domains: f.Domains,
		Members: f.Members,
		DomainDefaults: resource.DomainDefaults{
			Labels:          f.DomainDefaults.Labels,
			Annotations:     f.DomainDefaults.Annotations,
			ForceOverride:   f.DomainDefaults.ForceOverride,
			CertificateMode: strings.TrimSpace(f.DomainDefaults.CertificateMode),
		},
	}
	for _, c := range svc.Containers {
		out.Service.Containers = append(out.Service.Containers, c.spec())
	}
	for _, v := range svc.Volumes {
		vol := resource.VolumeSpec{Name: v.Name, SecretName: v.SecretName}
		for _, it := range v.Items {
			vol.Items = append(vol.Items, resource.KeyPath{Key: it.Key, Path: it.Path})
		}
		out.Service.Volumes = append(out.Service.Volumes, vol)
	}
	for _, t := range f.Traffic {
		out.Service.Traffic = append(out.Service.Traffic, resource.TrafficEntry{
			Percent:        t.Percent,
			LatestRevision: t.LatestRevision,
			RevisionName:   t.RevisionName,
			Tag:            t.Tag,
		})
	}
	return out
}

func (c containerFile) spec() resource.ContainerSpec {
	out := resource.ContainerSpec{
		Name:             c.Name,
		Image:            strings.TrimSpace(c.Image),
		Command:          c.Command,
		Args:             c.Args,
		ResourceLimits:   c.ResourceLimits,
		ResourceRequests: c.ResourceRequests,
		StartupProbe:     c.StartupProbe.spec(),
		LivenessProbe:    c.LivenessProbe.spec(),
	}
	for _, p := range c.Ports {
		out.Ports = append(out.Ports, resource.PortSpec{Name: p.Name, ContainerPort: p.ContainerPort})
	}
	for _, e := range c.Env {
		out.Env = append(out.Env, resource.NameValue{Name: e.Name, Value: e.Value})
	}
	for _, e := range c.EnvSecrets {
		out.EnvSecrets = append(out.EnvSecrets, resource.NameSecretRef{Name: e.Name, SecretName: e.SecretName, Key: e.Key})
	}
	for _, m := range c.VolumeMounts {
		out.VolumeMounts = append(out.VolumeMounts, resource.MountSpec{Name: m.Name, MountPath: m.MountPath})
	}
	return out
}

// spec converts a probe table. kind may be omitted when exactly one variant
// table is present; the builder rejects anything else.
func (p *probeFile) spec() *resource.ProbeSpec {
	if p == nil {
		return nil
	}
	out := &resource.ProbeSpec{
		Kind:                resource.ProbeKind(strings.TrimSpace(p.Kind)),
		FailureThreshold:    p.FailureThreshold,
		InitialDelaySeconds: p.InitialDelaySeconds,
		TimeoutSeconds:      p.TimeoutSeconds,
		PeriodSeconds:       p.PeriodSeconds,
	}
	var kinds []resource.ProbeKind
	if p.HTTPGet != nil {
		out.HTTPGet = &resource.HTTPGetAction{Path: p.HTTPGet.Path}
		for _, h := range p.HTTPGet.Headers {
			out.HTTPGet.Headers = append(out.HTTPGet.Headers, resource.NameValue{Name: h.Name, Value: h.Value})
		}
		kinds = append(kinds, resource.ProbeHTTPGet)
	}
	if p.TCPSocket != nil {
		out.TCPSocket = &resource.TCPSocketAction{Port: p.TCPSocket.Port}
		kinds = append(kinds, resource.ProbeTCPSocket)
	}
	if p.GRPC != nil {
		out.GRPC = &resource.GRPCAction{Port: p.GRPC.Port, Service: p.GRPC.Service}
		kinds = append(kinds, resource.ProbeGRPC)
	}
	if out.Kind == "" && len(kinds) == 1 {
		out.Kind = kinds[0]
	}
	return out
}
