// Package builder translates a typed service description into the
// normalized resource document compared by the reconcile engine.
package builder

import (
	"fmt"
	"strings"

	"github.com/danmuck/runctl/internal/resource"
	"github.com/danmuck/runctl/internal/traffic"
)

// Build normalizes desired into a resource document. It is pure: inputs are
// copied, never aliased. Sequence order of containers, ports, env vars and
// volume mounts is preserved because remote APIs diff them by index.
func Build(desired resource.ServiceSpec) (resource.Document, error) {
	if err := desired.Identity().Validate(); err != nil {
		return resource.Document{}, err
	}
	if len(desired.Containers) == 0 {
		return resource.Document{}, resource.Invalid("containers", "at least one container is required")
	}
	for i := range desired.Containers {
		if err := validateContainer(fmt.Sprintf("containers[%d]", i), desired.Containers[i]); err != nil {
			return resource.Document{}, err
		}
	}
	if err := validateVolumes(desired); err != nil {
		return resource.Document{}, err
	}
	if desired.Concurrency < 0 {
		return resource.Document{}, resource.Invalid("concurrency", "must not be negative")
	}
	if desired.TimeoutSeconds < 0 {
		return resource.Document{}, resource.Invalid("timeout_seconds", "must not be negative")
	}

	entries := desired.Traffic
	if len(entries) == 0 && desired.AutogenerateRevisionName {
		entries = traffic.LatestOnly()
	}
	revisionName, err := revisionName(desired.Name, desired.AutogenerateRevisionName, entries)
	if err != nil {
		return resource.Document{}, err
	}
	routes, err := traffic.Plan(entries)
	if err != nil {
		return resource.Document{}, err
	}

	doc := resource.Document{
		Identity:    desired.Identity(),
		Labels:      desired.Labels,
		Annotations: desired.Annotations,
		Template: resource.RevisionTemplate{
			Name:           revisionName,
			Labels:         desired.TemplateLabels,
			Annotations:    desired.TemplateAnnotations,
			Concurrency:    desired.Concurrency,
			TimeoutSeconds: desired.TimeoutSeconds,
			ServiceAccount: strings.TrimSpace(desired.ServiceAccount),
			Containers:     desired.Containers,
			Volumes:        desired.Volumes,
		},
		Traffic: routes,
	}
	if len(doc.Template.Volumes) == 0 {
		doc.Template.Volumes = nil
	}
	// The document must not alias the caller's desired state.
	return doc.Clone(), nil
}

// revisionName derives "{service}-{first traffic revision}" when names are
// not autogenerated.
func revisionName(service string, autogenerate bool, entries []resource.TrafficEntry) (string, error) {
	if autogenerate {
		return "", nil
	}
	if len(entries) == 0 {
		return "", &resource.ConfigError{
			Field:  "template.name",
			Reason: "traffic split is empty while revision name autogeneration is disabled",
		}
	}
	first, ok := traffic.FirstRevisionName(entries)
	if !ok {
		return "", &resource.ConfigError{
			Field:  "template.name",
			Reason: "first traffic entry has no revision_name while revision name autogeneration is disabled",
		}
	}
	return service + "-" + first, nil
}

func validateContainer(field string, c resource.ContainerSpec) error {
	if strings.TrimSpace(c.Image) == "" {
		return resource.Invalid(field+".image", "is required")
	}
	for i, p := range c.Ports {
		if p.ContainerPort <= 0 || p.ContainerPort > 65535 {
			return resource.Invalid(fmt.Sprintf("%s.ports[%d]", field, i), "container_port %d out of range", p.ContainerPort)
		}
	}
	for i, e := range c.Env {
		if strings.TrimSpace(e.Name) == "" {
			return resource.Invalid(fmt.Sprintf("%s.env[%d]", field, i), "name is required")
		}
	}
	for i, e := range c.EnvSecrets {
		if strings.TrimSpace(e.Name) == "" || strings.TrimSpace(e.SecretName) == "" {
			return resource.Invalid(fmt.Sprintf("%s.env_secrets[%d]", field, i), "name and secret_name are required")
		}
	}
	for i, m := range c.VolumeMounts {
		if strings.TrimSpace(m.Name) == "" || strings.TrimSpace(m.MountPath) == "" {
			return resource.Invalid(fmt.Sprintf("%s.volume_mounts[%d]", field, i), "name and mount_path are required")
		}
	}
	if err := c.StartupProbe.Validate(field+".startup_probe", true); err != nil {
		return err
	}
	return c.LivenessProbe.Validate(field+".liveness_probe", false)
}

// validateVolumes checks every mount references a declared volume.
func validateVolumes(desired resource.ServiceSpec) error {
	declared := make(map[string]struct{}, len(desired.Volumes))
	for i, v := range desired.Volumes {
		if strings.TrimSpace(v.Name) == "" || strings.TrimSpace(v.SecretName) == "" {
			return resource.Invalid(fmt.Sprintf("volumes[%d]", i), "name and secret_name are required")
		}
		declared[v.Name] = struct{}{}
	}
	for ci, c := range desired.Containers {
		for mi, m := range c.VolumeMounts {
			if _, ok := declared[m.Name]; !ok {
				return resource.Invalid(
					fmt.Sprintf("containers[%d].volume_mounts[%d]", ci, mi),
					"references undeclared volume %q", m.Name,
				)
			}
		}
	}
	return nil
}
