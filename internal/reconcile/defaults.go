package reconcile

import (
	"github.com/danmuck/runctl/internal/resource"
)

// ServerDefaultedAnnotations are service annotations the control plane
// fills on write when the caller leaves them unset.
var ServerDefaultedAnnotations = []string{
	"run.googleapis.com/ingress",
}

// ServerDefaultedTemplateAnnotations are the template counterpart of
// ServerDefaultedAnnotations.
var ServerDefaultedTemplateAnnotations = []string{
	"autoscaling.knative.dev/maxScale",
}

// adoptServerDefaults returns a copy of desired in which every field the
// caller left unset takes the remote value. The control plane writes its
// own defaults into those fields, so comparing them would never settle.
// A field the caller did set is never touched, and remote is not modified.
func adoptServerDefaults(desired, remote resource.Document) resource.Document {
	out := desired.Clone()
	rt := remote.Template

	if out.Template.Concurrency == 0 {
		out.Template.Concurrency = rt.Concurrency
	}
	if out.Template.TimeoutSeconds == 0 {
		out.Template.TimeoutSeconds = rt.TimeoutSeconds
	}
	if out.Template.ServiceAccount == "" {
		out.Template.ServiceAccount = rt.ServiceAccount
	}
	out.Annotations = adoptAnnotations(out.Annotations, remote.Annotations, ServerDefaultedAnnotations)
	out.Template.Annotations = adoptAnnotations(out.Template.Annotations, rt.Annotations, ServerDefaultedTemplateAnnotations)

	for i := range out.Template.Containers {
		if i >= len(rt.Containers) {
			break
		}
		adoptContainerDefaults(&out.Template.Containers[i], rt.Containers[i])
	}

	if len(out.Traffic) == 0 {
		out.Traffic = remote.Traffic
	}
	out.Traffic = withImplicitLatest(out.Traffic)
	return out
}

// adoptAnnotations copies each of keys from remote into dst when dst does
// not set it. dst is owned by the caller.
func adoptAnnotations(dst, remote map[string]string, keys []string) map[string]string {
	for _, key := range keys {
		v, ok := remote[key]
		if !ok {
			continue
		}
		if _, set := dst[key]; set {
			continue
		}
		if dst == nil {
			dst = make(map[string]string, len(keys))
		}
		dst[key] = v
	}
	return dst
}

func adoptContainerDefaults(c *resource.ContainerSpec, remote resource.ContainerSpec) {
	if c.Name == "" {
		c.Name = remote.Name
	}
	if len(c.Ports) == 0 {
		c.Ports = remote.Ports
	}
	if len(c.ResourceLimits) == 0 {
		c.ResourceLimits = remote.ResourceLimits
	}
	if len(c.ResourceRequests) == 0 {
		c.ResourceRequests = remote.ResourceRequests
	}
	// The control plane adds a startup check to every container; it never
	// adds a liveness check, so removing one must still show as a change.
	if c.StartupProbe == nil {
		c.StartupProbe = remote.StartupProbe
	} else {
		adoptCheckDefaults(c.StartupProbe, remote.StartupProbe)
	}
	if c.LivenessProbe != nil {
		adoptCheckDefaults(c.LivenessProbe, remote.LivenessProbe)
	}
}

// adoptCheckDefaults fills the unset timings and port of c from the remote
// check of the same kind.
func adoptCheckDefaults(c, remote *resource.ProbeSpec) {
	if remote == nil || remote.Kind != c.Kind {
		return
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = remote.FailureThreshold
	}
	if c.InitialDelaySeconds == 0 {
		c.InitialDelaySeconds = remote.InitialDelaySeconds
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = remote.TimeoutSeconds
	}
	if c.PeriodSeconds == 0 {
		c.PeriodSeconds = remote.PeriodSeconds
	}
	switch {
	case c.TCPSocket != nil && remote.TCPSocket != nil && c.TCPSocket.Port == 0:
		c.TCPSocket.Port = remote.TCPSocket.Port
	case c.GRPC != nil && remote.GRPC != nil && c.GRPC.Port == 0:
		c.GRPC.Port = remote.GRPC.Port
	}
}

// withImplicitLatest marks a route without a revision name as following the
// latest revision, which is how the control plane reports it back.
func withImplicitLatest(routes []resource.Route) []resource.Route {
	var out []resource.Route
	for i, r := range routes {
		if r.RevisionName != nil && *r.RevisionName != "" {
			continue
		}
		if r.LatestRevision != nil && *r.LatestRevision {
			continue
		}
		if out == nil {
			out = append([]resource.Route(nil), routes...)
		}
		out[i].RevisionName = nil
		out[i].LatestRevision = resource.Ptr(true)
	}
	if out == nil {
		return routes
	}
	return out
}
