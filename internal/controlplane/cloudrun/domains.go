package cloudrun

import (
	"context"
	"errors"
	"maps"

	"github.com/danmuck/runctl/internal/controlplane"
	"github.com/danmuck/runctl/internal/resource"
	"github.com/rs/zerolog/log"
	run "google.golang.org/api/run/v1"
)

const (
	DomainMappingAPIVersion = "domains.cloudrun.com/v1"
	DomainMappingKind       = "DomainMapping"
)

// ListDomains returns mappings in the service's namespace and region whose
// route is the service.
func (c *Client) ListDomains(ctx context.Context, svc resource.ServiceIdentity) (map[string]resource.DomainBinding, error) {
	api, err := c.region(ctx, svc.Location)
	if err != nil {
		return nil, err
	}
	resp, err := api.Namespaces.Domainmappings.List(namespace(svc.Project)).Context(ctx).Do()
	if err != nil {
		return nil, remoteError("domainmappings "+svc.Key(), err)
	}
	out := make(map[string]resource.DomainBinding)
	for _, dm := range resp.Items {
		b, ok := fromDomainMapping(dm, svc)
		if !ok {
			continue
		}
		out[b.DomainName] = b
	}
	return out, nil
}

func (c *Client) CreateDomain(ctx context.Context, binding resource.DomainBinding) error {
	api, err := c.region(ctx, binding.Service.Location)
	if err != nil {
		return err
	}
	_, err = api.Namespaces.Domainmappings.Create(namespace(binding.Service.Project), toDomainMapping(binding)).Context(ctx).Do()
	if err != nil {
		return remoteError("domain "+binding.DomainName, err)
	}
	log.Info().Str("domain", binding.DomainName).Str("route", binding.RouteName).Msg("cloudrun.Client.CreateDomain")
	return nil
}

// DeleteDomain treats an already missing mapping as deleted.
func (c *Client) DeleteDomain(ctx context.Context, binding resource.DomainBinding) error {
	api, err := c.region(ctx, binding.Service.Location)
	if err != nil {
		return err
	}
	_, err = api.Namespaces.Domainmappings.Delete(domainMappingName(binding.Service.Project, binding.DomainName)).Context(ctx).Do()
	if err = remoteError("domain "+binding.DomainName, err); err != nil && !errors.Is(err, controlplane.ErrNotFound) {
		return err
	}
	return nil
}

func toDomainMapping(b resource.DomainBinding) *run.DomainMapping {
	out := &run.DomainMapping{
		ApiVersion: DomainMappingAPIVersion,
		Kind:       DomainMappingKind,
		Metadata: &run.ObjectMeta{
			Name:        b.DomainName,
			Namespace:   b.Service.Project,
			Labels:      maps.Clone(b.Labels),
			Annotations: maps.Clone(b.Annotations),
		},
		Spec: &run.DomainMappingSpec{
			RouteName:       b.RouteName,
			CertificateMode: b.CertificateMode,
			ForceOverride:   b.ForceOverride,
		},
	}
	return out
}

func fromDomainMapping(dm *run.DomainMapping, svc resource.ServiceIdentity) (resource.DomainBinding, bool) {
	if dm == nil || dm.Metadata == nil || dm.Spec == nil || dm.Spec.RouteName != svc.Name {
		return resource.DomainBinding{}, false
	}
	return resource.DomainBinding{
		DomainName:      dm.Metadata.Name,
		Labels:          withoutLabel(dm.Metadata.Labels, LabelLocation),
		Annotations:     maps.Clone(dm.Metadata.Annotations),
		RouteName:       dm.Spec.RouteName,
		ForceOverride:   dm.Spec.ForceOverride,
		CertificateMode: dm.Spec.CertificateMode,
		Service:         svc,
	}, true
}
