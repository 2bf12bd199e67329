// Package cloudrun implements the control-plane client interfaces against
// the Cloud Run Admin API v1.
//
// Services and domain mappings live on the regional Knative-style endpoint
// (https://{region}-run.googleapis.com/). Invoker bindings are members of the
// roles/run.invoker binding in the service IAM policy, read and written on
// the global endpoint. IAM stores members as a set, so bindings are only
// meaningful keyed by member.
package cloudrun

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/danmuck/runctl/internal/controlplane"
	"github.com/danmuck/runctl/internal/resource"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	run "google.golang.org/api/run/v1"
)

const (
	DefaultScope            = "https://www.googleapis.com/auth/cloud-platform"
	RegionalEndpointPattern = "https://%s-run.googleapis.com/"
)

// Config selects credentials and endpoints.
type Config struct {
	// Scopes for default credentials. Empty means DefaultScope.
	Scopes []string
	// Endpoint replaces both the regional and the global endpoint. Used to
	// point the client at a local emulator.
	Endpoint string
	// HTTPClient skips default credential lookup when set.
	HTTPClient *http.Client
}

// Client talks to Cloud Run. One API service is cached per region.
type Client struct {
	cfg    Config
	http   *http.Client
	global *run.APIService

	mu       sync.Mutex
	regional map[string]*run.APIService

	// iamMu serializes read-modify-write of IAM policies within the process;
	// the policy etag guards against writers elsewhere.
	iamMu sync.Mutex
}

var _ controlplane.Client = (*Client)(nil)

// New resolves credentials and builds the global API service.
func New(ctx context.Context, cfg Config) (*Client, error) {
	hc := cfg.HTTPClient
	if hc == nil {
		scopes := cfg.Scopes
		if len(scopes) == 0 {
			scopes = []string{DefaultScope}
		}
		var err error
		hc, err = google.DefaultClient(ctx, scopes...)
		if err != nil {
			return nil, fmt.Errorf("cloudrun: default credentials: %w", err)
		}
	}
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	global, err := run.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloudrun: global service: %w", err)
	}
	return &Client{
		cfg:      cfg,
		http:     hc,
		global:   global,
		regional: make(map[string]*run.APIService),
	}, nil
}

func (c *Client) region(ctx context.Context, location string) (*run.APIService, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, resource.Invalid("location", "is required for the regional endpoint")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc, ok := c.regional[location]; ok {
		return svc, nil
	}
	endpoint := c.cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(RegionalEndpointPattern, location)
	}
	svc, err := run.NewService(ctx, option.WithHTTPClient(c.http), option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("cloudrun: regional service %s: %w", location, err)
	}
	c.regional[location] = svc
	log.Debug().Str("location", location).Str("endpoint", endpoint).Msg("cloudrun.Client regional endpoint")
	return svc, nil
}

func namespace(project string) string {
	return "namespaces/" + project
}

func serviceName(id resource.ServiceIdentity) string {
	return namespace(id.Project) + "/services/" + id.Name
}

func domainMappingName(project, domain string) string {
	return namespace(project) + "/domainmappings/" + domain
}

func iamResource(id resource.ServiceIdentity) string {
	return "projects/" + id.Project + "/locations/" + id.Location + "/services/" + id.Name
}

// remoteError maps API failures: 404 becomes ErrNotFound, any other API
// status becomes RemoteRejected. Transport and context errors pass through.
func remoteError(what string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", controlplane.ErrNotFound, what)
	}
	reason := strings.TrimSpace(apiErr.Message)
	if reason == "" {
		reason = http.StatusText(apiErr.Code)
	}
	return &resource.RemoteRejected{Resource: what, Reason: reason, Err: err}
}
