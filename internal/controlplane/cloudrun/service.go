package cloudrun

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/danmuck/runctl/internal/controlplane"
	"github.com/danmuck/runctl/internal/resource"
	"github.com/rs/zerolog/log"
	run "google.golang.org/api/run/v1"
)

const (
	ServiceAPIVersion = "serving.knative.dev/v1"
	ServiceKind       = "Service"

	// LabelLocation is added by the control plane to every service.
	LabelLocation = "cloud.googleapis.com/location"
)

func (c *Client) GetService(ctx context.Context, id resource.ServiceIdentity) (resource.RemoteState, error) {
	api, err := c.region(ctx, id.Location)
	if err != nil {
		return resource.RemoteState{}, err
	}
	svc, err := api.Namespaces.Services.Get(serviceName(id)).Context(ctx).Do()
	if err != nil {
		return resource.RemoteState{}, remoteError("service "+id.Key(), err)
	}
	return fromService(svc, id), nil
}

func (c *Client) CreateService(ctx context.Context, doc resource.Document) (resource.RemoteState, error) {
	id := doc.Identity
	api, err := c.region(ctx, id.Location)
	if err != nil {
		return resource.RemoteState{}, err
	}
	out, err := api.Namespaces.Services.Create(namespace(id.Project), toService(doc)).Context(ctx).Do()
	if err != nil {
		return resource.RemoteState{}, remoteError("service "+id.Key(), err)
	}
	state := fromService(out, id)
	log.Info().Str("service", id.Key()).Int64("generation", state.Generation).Msg("cloudrun.Client.CreateService")
	return state, nil
}

// UpdateService replaces the service. The current generation must still be
// prev.Generation; the current resourceVersion is sent for optimistic
// concurrency.
func (c *Client) UpdateService(ctx context.Context, doc resource.Document, prev resource.RemoteState) (resource.RemoteState, error) {
	id := doc.Identity
	api, err := c.region(ctx, id.Location)
	if err != nil {
		return resource.RemoteState{}, err
	}
	current, err := api.Namespaces.Services.Get(serviceName(id)).Context(ctx).Do()
	if err != nil {
		return resource.RemoteState{}, remoteError("service "+id.Key(), err)
	}
	if current.Metadata != nil && prev.Generation != 0 && current.Metadata.Generation != prev.Generation {
		return resource.RemoteState{}, &resource.RemoteRejected{
			Resource: "service " + id.Key(),
			Reason:   fmt.Sprintf("generation conflict: have %d, remote %d", prev.Generation, current.Metadata.Generation),
		}
	}
	next := toService(doc)
	if current.Metadata != nil {
		next.Metadata.ResourceVersion = current.Metadata.ResourceVersion
	}
	out, err := api.Namespaces.Services.ReplaceService(serviceName(id), next).Context(ctx).Do()
	if err != nil {
		return resource.RemoteState{}, remoteError("service "+id.Key(), err)
	}
	state := fromService(out, id)
	log.Info().Str("service", id.Key()).Int64("generation", state.Generation).Msg("cloudrun.Client.UpdateService")
	return state, nil
}

func (c *Client) DeleteService(ctx context.Context, id resource.ServiceIdentity) error {
	api, err := c.region(ctx, id.Location)
	if err != nil {
		return err
	}
	_, err = api.Namespaces.Services.Delete(serviceName(id)).Context(ctx).Do()
	if err = remoteError("service "+id.Key(), err); err != nil && !errors.Is(err, controlplane.ErrNotFound) {
		return err
	}
	return nil
}

// toService renders a document as a Knative-style service resource.
func toService(doc resource.Document) *run.Service {
	tmpl := doc.Template
	spec := &run.RevisionSpec{
		ContainerConcurrency: int64(tmpl.Concurrency),
		TimeoutSeconds:       int64(tmpl.TimeoutSeconds),
		ServiceAccountName:   tmpl.ServiceAccount,
	}
	for _, c := range tmpl.Containers {
		spec.Containers = append(spec.Containers, toContainer(c))
	}
	for _, v := range tmpl.Volumes {
		vol := &run.Volume{Name: v.Name, Secret: &run.SecretVolumeSource{SecretName: v.SecretName}}
		for _, it := range v.Items {
			vol.Secret.Items = append(vol.Secret.Items, &run.KeyToPath{Key: it.Key, Path: it.Path})
		}
		spec.Volumes = append(spec.Volumes, vol)
	}

	out := &run.Service{
		ApiVersion: ServiceAPIVersion,
		Kind:       ServiceKind,
		Metadata: &run.ObjectMeta{
			Name:        doc.Identity.Name,
			Namespace:   doc.Identity.Project,
			Labels:      maps.Clone(doc.Labels),
			Annotations: maps.Clone(doc.Annotations),
		},
		Spec: &run.ServiceSpec{
			Template: &run.RevisionTemplate{
				Metadata: &run.ObjectMeta{
					Name:        tmpl.Name,
					Labels:      maps.Clone(tmpl.Labels),
					Annotations: maps.Clone(tmpl.Annotations),
				},
				Spec: spec,
			},
		},
	}
	for _, r := range doc.Traffic {
		out.Spec.Traffic = append(out.Spec.Traffic, toTrafficTarget(r))
	}
	return out
}

func toContainer(c resource.ContainerSpec) *run.Container {
	out := &run.Container{
		Name:          c.Name,
		Image:         c.Image,
		Command:       append([]string(nil), c.Command...),
		Args:          append([]string(nil), c.Args...),
		StartupProbe:  toProbe(c.StartupProbe),
		LivenessProbe: toProbe(c.LivenessProbe),
	}
	if len(c.ResourceLimits) > 0 || len(c.ResourceRequests) > 0 {
		out.Resources = &run.ResourceRequirements{
			Limits:   maps.Clone(c.ResourceLimits),
			Requests: maps.Clone(c.ResourceRequests),
		}
	}
	for _, p := range c.Ports {
		out.Ports = append(out.Ports, &run.ContainerPort{Name: p.Name, ContainerPort: int64(p.ContainerPort)})
	}
	for _, e := range c.Env {
		out.Env = append(out.Env, &run.EnvVar{Name: e.Name, Value: e.Value})
	}
	for _, e := range c.EnvSecrets {
		out.Env = append(out.Env, &run.EnvVar{
			Name: e.Name,
			ValueFrom: &run.EnvVarSource{
				SecretKeyRef: &run.SecretKeySelector{Name: e.SecretName, Key: e.Key},
			},
		})
	}
	for _, m := range c.VolumeMounts {
		out.VolumeMounts = append(out.VolumeMounts, &run.VolumeMount{Name: m.Name, MountPath: m.MountPath})
	}
	return out
}

func toProbe(p *resource.ProbeSpec) *run.Probe {
	if p == nil {
		return nil
	}
	out := &run.Probe{
		FailureThreshold:    int64(p.FailureThreshold),
		InitialDelaySeconds: int64(p.InitialDelaySeconds),
		TimeoutSeconds:      int64(p.TimeoutSeconds),
		PeriodSeconds:       int64(p.PeriodSeconds),
	}
	switch p.Kind {
	case resource.ProbeHTTPGet:
		out.HttpGet = &run.HTTPGetAction{Path: p.HTTPGet.Path}
		for _, h := range p.HTTPGet.Headers {
			out.HttpGet.HttpHeaders = append(out.HttpGet.HttpHeaders, &run.HTTPHeader{Name: h.Name, Value: h.Value})
		}
	case resource.ProbeTCPSocket:
		out.TcpSocket = &run.TCPSocketAction{Port: int64(p.TCPSocket.Port)}
	case resource.ProbeGRPC:
		out.Grpc = &run.GRPCAction{Port: int64(p.GRPC.Port), Service: p.GRPC.Service}
	}
	return out
}

func toTrafficTarget(r resource.Route) *run.TrafficTarget {
	out := &run.TrafficTarget{Percent: int64(r.Percent)}
	if r.Percent == 0 {
		out.ForceSendFields = append(out.ForceSendFields, "Percent")
	}
	if r.LatestRevision != nil {
		out.LatestRevision = *r.LatestRevision
		out.ForceSendFields = append(out.ForceSendFields, "LatestRevision")
	}
	if r.RevisionName != nil {
		out.RevisionName = *r.RevisionName
	}
	if r.Tag != nil {
		out.Tag = *r.Tag
	}
	return out
}

// fromService maps a remote service back to a document. id is used as the
// identity because the remote namespace may be a project number.
func fromService(svc *run.Service, id resource.ServiceIdentity) resource.RemoteState {
	out := resource.RemoteState{Document: resource.Document{Identity: id}}
	if svc == nil {
		return out
	}
	if md := svc.Metadata; md != nil {
		out.Document.Labels = withoutLabel(md.Labels, LabelLocation)
		out.Document.Annotations = maps.Clone(md.Annotations)
		out.Generation = md.Generation
	}
	if svc.Spec != nil {
		if tmpl := svc.Spec.Template; tmpl != nil {
			out.Document.Template = fromTemplate(tmpl)
		}
		for _, t := range svc.Spec.Traffic {
			out.Document.Traffic = append(out.Document.Traffic, fromTrafficTarget(t))
		}
	}
	if st := svc.Status; st != nil {
		out.URL = st.Url
		for _, cond := range st.Conditions {
			if cond.Type != "Ready" {
				continue
			}
			out.Ready = cond.Status == resource.ReadyTrue
			out.ReadyStatus = cond.Status
			out.ReadyMessage = cond.Message
			if out.ReadyMessage == "" {
				out.ReadyMessage = cond.Reason
			}
		}
	}
	return out
}

func fromTemplate(tmpl *run.RevisionTemplate) resource.RevisionTemplate {
	var out resource.RevisionTemplate
	if md := tmpl.Metadata; md != nil {
		out.Name = md.Name
		out.Labels = maps.Clone(md.Labels)
		out.Annotations = maps.Clone(md.Annotations)
	}
	spec := tmpl.Spec
	if spec == nil {
		return out
	}
	out.Concurrency = int(spec.ContainerConcurrency)
	out.TimeoutSeconds = int(spec.TimeoutSeconds)
	out.ServiceAccount = spec.ServiceAccountName
	for _, c := range spec.Containers {
		out.Containers = append(out.Containers, fromContainer(c))
	}
	for _, v := range spec.Volumes {
		vol := resource.VolumeSpec{Name: v.Name}
		if v.Secret != nil {
			vol.SecretName = v.Secret.SecretName
			for _, it := range v.Secret.Items {
				vol.Items = append(vol.Items, resource.KeyPath{Key: it.Key, Path: it.Path})
			}
		}
		out.Volumes = append(out.Volumes, vol)
	}
	return out
}

func fromContainer(c *run.Container) resource.ContainerSpec {
	out := resource.ContainerSpec{
		Name:          c.Name,
		Image:         c.Image,
		Command:       append([]string(nil), c.Command...),
		Args:          append([]string(nil), c.Args...),
		StartupProbe:  fromProbe(c.StartupProbe),
		LivenessProbe: fromProbe(c.LivenessProbe),
	}
	if c.Resources != nil {
		out.ResourceLimits = maps.Clone(c.Resources.Limits)
		out.ResourceRequests = maps.Clone(c.Resources.Requests)
	}
	for _, p := range c.Ports {
		out.Ports = append(out.Ports, resource.PortSpec{Name: p.Name, ContainerPort: int(p.ContainerPort)})
	}
	for _, e := range c.Env {
		if e.ValueFrom != nil && e.ValueFrom.SecretKeyRef != nil {
			out.EnvSecrets = append(out.EnvSecrets, resource.NameSecretRef{
				Name:       e.Name,
				SecretName: e.ValueFrom.SecretKeyRef.Name,
				Key:        e.ValueFrom.SecretKeyRef.Key,
			})
			continue
		}
		out.Env = append(out.Env, resource.NameValue{Name: e.Name, Value: e.Value})
	}
	for _, m := range c.VolumeMounts {
		out.VolumeMounts = append(out.VolumeMounts, resource.MountSpec{Name: m.Name, MountPath: m.MountPath})
	}
	return out
}

func fromProbe(p *run.Probe) *resource.ProbeSpec {
	if p == nil {
		return nil
	}
	out := &resource.ProbeSpec{
		FailureThreshold:    int(p.FailureThreshold),
		InitialDelaySeconds: int(p.InitialDelaySeconds),
		TimeoutSeconds:      int(p.TimeoutSeconds),
		PeriodSeconds:       int(p.PeriodSeconds),
	}
	switch {
	case p.HttpGet != nil:
		out.Kind = resource.ProbeHTTPGet
		out.HTTPGet = &resource.HTTPGetAction{Path: p.HttpGet.Path}
		for _, h := range p.HttpGet.HttpHeaders {
			out.HTTPGet.Headers = append(out.HTTPGet.Headers, resource.NameValue{Name: h.Name, Value: h.Value})
		}
	case p.TcpSocket != nil:
		out.Kind = resource.ProbeTCPSocket
		out.TCPSocket = &resource.TCPSocketAction{Port: int(p.TcpSocket.Port)}
	case p.Grpc != nil:
		out.Kind = resource.ProbeGRPC
		out.GRPC = &resource.GRPCAction{Port: int(p.Grpc.Port), Service: p.Grpc.Service}
	}
	return out
}

func fromTrafficTarget(t *run.TrafficTarget) resource.Route {
	out := resource.Route{Percent: int(t.Percent)}
	if t.LatestRevision {
		out.LatestRevision = resource.Ptr(true)
	}
	if t.RevisionName != "" {
		out.RevisionName = resource.Ptr(t.RevisionName)
	}
	if t.Tag != "" {
		out.Tag = resource.Ptr(t.Tag)
	}
	return out
}

func withoutLabel(in map[string]string, key string) map[string]string {
	out := maps.Clone(in)
	delete(out, key)
	return out
}
