// Package config loads runctl TOML files: the runtime config of the binary
// and the desired state of one service per file.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/runctl/internal/access"
	"github.com/danmuck/runctl/internal/orchestrator"
	"github.com/danmuck/runctl/internal/resource"
)

const (
	ControlPlaneMemory   = "memory"
	ControlPlaneCloudRun = "cloudrun"

	DefaultAdminListenAddr  = "127.0.0.1:7070"
	DefaultParallelism      = 4
	DefaultCredentialsScope = "https://www.googleapis.com/auth/cloud-platform"
)

// Runtime is the resolved runctl.toml.
type Runtime struct {
	AdminListenAddr   string
	ControlPlane      string
	Parallelism       int
	BindingIdentity   access.Identity
	IgnoreAnnotations []string
	CorsOrigins       []string
	CredentialsScope  string
	// Endpoint overrides the Cloud Run endpoints, for emulators.
	Endpoint      string
	ReportHistory int
	// AdminToken guards the mutating admin routes when set.
	AdminToken string
}

// runtimeFile is the runctl.toml key mapping.
type runtimeFile struct {
	AdminListenAddr   string   `toml:"admin_listen_addr"`
	ControlPlane      string   `toml:"control_plane"`
	Parallelism       int      `toml:"parallelism"`
	BindingIdentity   string   `toml:"binding_identity"`
	IgnoreAnnotations []string `toml:"ignore_annotations"`
	CorsOrigins       []string `toml:"cors_origins"`
	CredentialsScope  string   `toml:"credentials_scope"`
	Endpoint          string   `toml:"endpoint"`
	ReportHistory     int      `toml:"report_history"`
	AdminToken        string   `toml:"admin_token"`
}

// DefaultRuntime returns the settings used when no runctl.toml is given.
func DefaultRuntime() Runtime {
	return Runtime{
		AdminListenAddr:  DefaultAdminListenAddr,
		ControlPlane:     ControlPlaneMemory,
		Parallelism:      DefaultParallelism,
		BindingIdentity:  access.IdentityPositional,
		CorsOrigins:      []string{"http://localhost:3000"},
		CredentialsScope: DefaultCredentialsScope,
		ReportHistory:    orchestrator.DefaultReportHistory,
	}
}

// LoadRuntime overlays the keys defined in path onto DefaultRuntime.
func LoadRuntime(path string) (Runtime, error) {
	var raw runtimeFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Runtime{}, fmt.Errorf("load runtime config (%s): %w", path, err)
	}
	if err := rejectUndecoded(meta); err != nil {
		return Runtime{}, err
	}
	return overlayRuntime(DefaultRuntime(), raw, meta)
}

// DecodeRuntime is LoadRuntime for in-memory TOML.
func DecodeRuntime(data string) (Runtime, error) {
	var raw runtimeFile
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Runtime{}, fmt.Errorf("decode runtime config: %w", err)
	}
	if err := rejectUndecoded(meta); err != nil {
		return Runtime{}, err
	}
	return overlayRuntime(DefaultRuntime(), raw, meta)
}

func overlayRuntime(cfg Runtime, raw runtimeFile, meta toml.MetaData) (Runtime, error) {
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("control_plane") {
		cfg.ControlPlane = strings.ToLower(strings.TrimSpace(raw.ControlPlane))
	}
	if meta.IsDefined("parallelism") {
		cfg.Parallelism = raw.Parallelism
	}
	identitySet := meta.IsDefined("binding_identity")
	if identitySet {
		mode, err := access.ParseIdentity(raw.BindingIdentity)
		if err != nil {
			return Runtime{}, &resource.ConfigError{Field: "binding_identity", Reason: err.Error()}
		}
		cfg.BindingIdentity = mode
	}
	if meta.IsDefined("ignore_annotations") {
		cfg.IgnoreAnnotations = trimAll(raw.IgnoreAnnotations)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = trimAll(raw.CorsOrigins)
	}
	if meta.IsDefined("credentials_scope") {
		cfg.CredentialsScope = strings.TrimSpace(raw.CredentialsScope)
	}
	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("report_history") {
		cfg.ReportHistory = raw.ReportHistory
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}

	// IAM keeps invoker members as a set, so Cloud Run bindings are keyed by
	// member unless positional identity was asked for explicitly.
	if cfg.ControlPlane == ControlPlaneCloudRun && !identitySet {
		cfg.BindingIdentity = access.IdentityByMember
	}
	if err := cfg.Validate(); err != nil {
		return Runtime{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (r Runtime) Validate() error {
	switch r.ControlPlane {
	case ControlPlaneMemory, ControlPlaneCloudRun:
	default:
		return &resource.ConfigError{Field: "control_plane", Reason: fmt.Sprintf("unknown control plane %q (expected memory or cloudrun)", r.ControlPlane)}
	}
	if r.ControlPlane == ControlPlaneCloudRun && r.BindingIdentity == access.IdentityPositional {
		return &resource.ConfigError{Field: "binding_identity", Reason: "cloudrun stores invoker members as a set; use \"member\""}
	}
	if r.Parallelism < 0 {
		return &resource.ConfigError{Field: "parallelism", Reason: "must be >= 0"}
	}
	if r.ReportHistory < 0 {
		return &resource.ConfigError{Field: "report_history", Reason: "must be >= 0"}
	}
	if r.ControlPlane == ControlPlaneCloudRun && r.CredentialsScope == "" && r.Endpoint == "" {
		return &resource.ConfigError{Field: "credentials_scope", Reason: "is required for cloudrun"}
	}
	return nil
}

// Orchestrator maps runtime settings onto the orchestrator.
func (r Runtime) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		Parallelism:        r.Parallelism,
		BindingIdentity:    r.BindingIdentity,
		IgnoredAnnotations: append([]string(nil), r.IgnoreAnnotations...),
		ReportHistory:      r.ReportHistory,
	}
}

func rejectUndecoded(meta toml.MetaData) error {
	undecoded := meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return &resource.ConfigError{Field: keys[0], Reason: "unknown key (" + strings.Join(keys, ", ") + ")"}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
