// Package controlplane defines the remote resource control plane boundary
// and an in-process implementation of it.
//
// Three resource kinds are exposed, each keyed stably:
// - service: name+location+project
// - domain mapping: domain string
// - invoker binding: index+role
package controlplane

import (
	"context"
	"errors"

	"github.com/danmuck/runctl/internal/resource"
)

var ErrNotFound = errors.New("controlplane: not found")

// ServiceClient manages the primary service resource.
type ServiceClient interface {
	// GetService returns ErrNotFound when the service does not exist.
	GetService(ctx context.Context, id resource.ServiceIdentity) (resource.RemoteState, error)
	CreateService(ctx context.Context, doc resource.Document) (resource.RemoteState, error)
	UpdateService(ctx context.Context, doc resource.Document, prev resource.RemoteState) (resource.RemoteState, error)
	// DeleteService removes the service with its domain mappings and
	// bindings. Deleting an absent service succeeds.
	DeleteService(ctx context.Context, id resource.ServiceIdentity) error
}

// DomainClient manages domain mappings of a service.
type DomainClient interface {
	ListDomains(ctx context.Context, svc resource.ServiceIdentity) (map[string]resource.DomainBinding, error)
	CreateDomain(ctx context.Context, binding resource.DomainBinding) error
	DeleteDomain(ctx context.Context, binding resource.DomainBinding) error
}

// BindingChange is one keyed invoker-binding transition. Previous is nil for
// a create, Next is nil for a delete.
type BindingChange struct {
	Key      string
	Previous *resource.IamBinding
	Next     *resource.IamBinding
}

// BindingClient manages invoker bindings of a service.
type BindingClient interface {
	ListBindings(ctx context.Context, svc resource.ServiceIdentity) ([]resource.IamBinding, error)
	ApplyBinding(ctx context.Context, svc resource.ServiceIdentity, change BindingChange) error
}

// Client is the full control plane surface used by the orchestrator.
type Client interface {
	ServiceClient
	DomainClient
	BindingClient
}
