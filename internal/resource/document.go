package resource

import "github.com/mitchellh/copystructure"

// Document is the normalized resource document produced by the builder and
// compared by the reconcile engine. All fields are exported so the document
// can be diffed structurally.
type Document struct {
	Identity    ServiceIdentity
	Labels      map[string]string
	Annotations map[string]string
	Template    RevisionTemplate
	Traffic     []Route
}

// RevisionTemplate is the immutable-snapshot part of the service.
type RevisionTemplate struct {
	// Name is empty when revision names are autogenerated.
	Name           string
	Labels         map[string]string
	Annotations    map[string]string
	Concurrency    int
	TimeoutSeconds int
	ServiceAccount string
	Containers     []ContainerSpec
	Volumes        []VolumeSpec
}

// Ready condition statuses as reported by the control plane.
const (
	ReadyTrue    = "True"
	ReadyFalse   = "False"
	ReadyUnknown = "Unknown"
)

// RemoteState is the last-known state of the service on the control plane.
type RemoteState struct {
	Document   Document
	Generation int64
	URL        string
	Ready      bool
	// ReadyStatus is the raw Ready condition status, empty when the control
	// plane reported none. ReadyMessage carries its reason.
	ReadyStatus  string
	ReadyMessage string
}

// NotReady reports whether the control plane accepted the write but then
// marked the service explicitly not ready, e.g. for an unpullable image.
func (s RemoteState) NotReady() bool {
	return s.ReadyStatus == ReadyFalse
}

// Clone returns a deep copy of the document. Nil maps and slices stay nil.
func (d Document) Clone() Document {
	return copystructure.Must(copystructure.Copy(d)).(Document)
}

// Copy deep-copies any plain value model type.
func Copy[T any](v T) (T, error) {
	raw, err := copystructure.Copy(v)
	if err != nil {
		var zero T
		return zero, err
	}
	return raw.(T), nil
}
