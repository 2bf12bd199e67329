package resource

import (
	"fmt"
	"strings"
)

// InvokerRole is the only role granted by access bindings.
const InvokerRole = "roles/run.invoker"

// ServiceIdentity is the stable key of a service. Child resources hold it as
// a non-owning back-reference.
type ServiceIdentity struct {
	Name     string `toml:"name"`
	Location string `toml:"location"`
	Project  string `toml:"project"`
}

// Key renders project/location/name.
func (id ServiceIdentity) Key() string {
	return id.Project + "/" + id.Location + "/" + id.Name
}

// Slug renders a URL-safe project.location.name key.
func (id ServiceIdentity) Slug() string {
	return id.Project + "." + id.Location + "." + id.Name
}

func (id ServiceIdentity) Validate() error {
	if strings.TrimSpace(id.Name) == "" {
		return Invalid("name", "is required")
	}
	if strings.TrimSpace(id.Location) == "" {
		return Invalid("location", "is required")
	}
	if strings.TrimSpace(id.Project) == "" {
		return Invalid("project", "is required")
	}
	return nil
}

// ParseIdentity accepts either Key or Slug form. In Slug form the project
// may be domain-scoped (example.com:proj); location and name never hold a
// dot, so they are split from the right.
func ParseIdentity(raw string) (ServiceIdentity, error) {
	raw = strings.TrimSpace(raw)
	var parts []string
	if strings.Contains(raw, "/") {
		parts = strings.SplitN(raw, "/", 3)
	} else {
		parts = splitSlug(raw)
	}
	if len(parts) != 3 {
		return ServiceIdentity{}, fmt.Errorf("%w: malformed service key %q", ErrValidation, raw)
	}
	id := ServiceIdentity{Project: parts[0], Location: parts[1], Name: parts[2]}
	if err := id.Validate(); err != nil {
		return ServiceIdentity{}, err
	}
	return id, nil
}

func splitSlug(raw string) []string {
	i := strings.LastIndex(raw, ".")
	if i < 0 {
		return nil
	}
	j := strings.LastIndex(raw[:i], ".")
	if j < 0 {
		return nil
	}
	return []string{raw[:j], raw[j+1 : i], raw[i+1:]}
}

// ServiceSpec is the typed desired state of one service.
type ServiceSpec struct {
	Name                string
	Location            string
	Project             string
	Concurrency         int
	TimeoutSeconds      int
	ServiceAccount      string
	Containers          []ContainerSpec
	Volumes             []VolumeSpec
	Labels              map[string]string
	Annotations         map[string]string
	TemplateLabels      map[string]string
	TemplateAnnotations map[string]string

	// AutogenerateRevisionName lets the control plane name revisions. When
	// false the revision name is derived from the first traffic entry.
	AutogenerateRevisionName bool
	Traffic                  []TrafficEntry
}

// Identity returns the stable key of the service.
func (s ServiceSpec) Identity() ServiceIdentity {
	return ServiceIdentity{Name: s.Name, Location: s.Location, Project: s.Project}
}

// ContainerSpec describes one container in the revision template.
type ContainerSpec struct {
	Name             string
	Image            string
	Command          []string
	Args             []string
	Ports            []PortSpec
	ResourceLimits   map[string]string
	ResourceRequests map[string]string
	StartupProbe     *ProbeSpec
	LivenessProbe    *ProbeSpec
	Env              []NameValue
	EnvSecrets       []NameSecretRef
	VolumeMounts     []MountSpec
}

type PortSpec struct {
	Name          string
	ContainerPort int
}

type NameValue struct {
	Name  string
	Value string
}

// NameSecretRef sources an env var from a secret version key.
type NameSecretRef struct {
	Name       string
	SecretName string
	Key        string
}

type MountSpec struct {
	Name      string
	MountPath string
}

// VolumeSpec is a secret-backed volume.
type VolumeSpec struct {
	Name       string
	SecretName string
	Items      []KeyPath
}

type KeyPath struct {
	Key  string
	Path string
}

// TrafficEntry is one requested traffic-split entry. Nil fields are unset.
type TrafficEntry struct {
	Percent        *int
	LatestRevision *bool
	RevisionName   *string
	Tag            *string
}

// Route is one resolved entry of the routing table.
type Route struct {
	Percent        int
	LatestRevision *bool
	RevisionName   *string
	Tag            *string
}

// DomainBinding maps one verified domain to the service route.
type DomainBinding struct {
	DomainName      string
	Labels          map[string]string
	Annotations     map[string]string
	RouteName       string
	ForceOverride   bool
	CertificateMode string
	Service         ServiceIdentity
}

// IamBinding grants the invoker role to one principal.
type IamBinding struct {
	Index  int
	Member string
	Role   string
}

// Desired is the full inbound desired state of one service.
type Desired struct {
	Service ServiceSpec
	Domains []string
	Members []string

	DomainDefaults DomainDefaults
}

// DomainDefaults are applied to every domain binding created for a service.
type DomainDefaults struct {
	Labels          map[string]string
	Annotations     map[string]string
	ForceOverride   bool
	CertificateMode string
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
