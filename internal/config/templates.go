package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	KindRuntime = "runtime"
	KindDesired = "desired"
)

// Template returns the starter file for kind.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindRuntime:
		return runtimeTemplate, nil
	case KindDesired:
		return desiredTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

// WriteTemplate writes the starter file for kind to path. An existing file
// is kept unless overwrite is set.
func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const runtimeTemplate = `admin_listen_addr = "127.0.0.1:7070"
control_plane = "memory"
parallelism = 4
binding_identity = "positional"
ignore_annotations = []
cors_origins = ["http://localhost:3000"]
# admin_token = "change-me"
`

const desiredTemplate = `domains = ["api.example.com"]
members = ["allUsers"]

[service]
name = "hello"
location = "us-central1"
project = "example-project"
autogenerate_revision_name = true
annotations = { "run.googleapis.com/ingress" = "all" }

[[service.containers]]
image = "us-docker.pkg.dev/cloudrun/container/hello"
resource_limits = { cpu = "1", memory = "512Mi" }

[[service.containers.ports]]
name = "http1"
container_port = 8080

[[service.containers.env]]
name = "MODE"
value = "prod"

[service.containers.startup_probe.tcp_socket]
port = 8080

[service.containers.liveness_probe]
period_seconds = 10

[service.containers.liveness_probe.http_get]
path = "/"

[[traffic]]
percent = 100
latest_revision = true

[domain_defaults]
certificate_mode = "AUTOMATIC"
`
