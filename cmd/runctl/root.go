package main

import (
	"context"
	"fmt"

	"github.com/danmuck/runctl/internal/config"
	"github.com/danmuck/runctl/internal/controlplane"
	"github.com/danmuck/runctl/internal/controlplane/cloudrun"
	"github.com/danmuck/runctl/internal/orchestrator"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	runtimePath  string
	desiredPaths []string
}

// session is one loaded runtime with every desired file submitted.
type session struct {
	runtime config.Runtime
	orch    *orchestrator.Orchestrator
}

func newRootCommand() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:           "runctl",
		Short:         "Reconcile Cloud Run services, domain mappings and invoker bindings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.runtimePath, "config", "c", "", "runtime config file (defaults apply when empty)")
	flags.StringSliceVarP(&opts.desiredPaths, "file", "f", nil, "desired state file, one service per file (repeatable)")

	cmd.AddCommand(
		newPlanCommand(&opts),
		newApplyCommand(&opts),
		newDeleteCommand(&opts),
		newServeCommand(&opts),
		newInitCommand(),
	)
	return cmd
}

func (o *rootOptions) loadRuntime() (config.Runtime, error) {
	if o.runtimePath == "" {
		return config.DefaultRuntime(), nil
	}
	return config.LoadRuntime(o.runtimePath)
}

// open loads the runtime config, dials the control plane and submits every
// desired file. Validation errors stop here, before any remote call.
func (o *rootOptions) open(ctx context.Context, requireDesired bool) (*session, error) {
	if requireDesired && len(o.desiredPaths) == 0 {
		return nil, fmt.Errorf("at least one desired state file is required (-f)")
	}
	rt, err := o.loadRuntime()
	if err != nil {
		return nil, err
	}
	client, err := newControlPlane(ctx, rt)
	if err != nil {
		return nil, err
	}
	orch := orchestrator.New(client, rt.Orchestrator())
	for _, path := range o.desiredPaths {
		d, err := config.LoadDesired(path)
		if err != nil {
			return nil, err
		}
		if _, err := orch.Submit(d); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	log.Info().
		Str("control_plane", rt.ControlPlane).
		Str("binding_identity", string(rt.BindingIdentity)).
		Int("services", len(orch.Keys())).
		Msg("runctl session ready")
	return &session{runtime: rt, orch: orch}, nil
}

func newControlPlane(ctx context.Context, rt config.Runtime) (controlplane.Client, error) {
	switch rt.ControlPlane {
	case config.ControlPlaneCloudRun:
		cfg := cloudrun.Config{Endpoint: rt.Endpoint}
		if rt.CredentialsScope != "" {
			cfg.Scopes = []string{rt.CredentialsScope}
		}
		return cloudrun.New(ctx, cfg)
	case config.ControlPlaneMemory:
		return controlplane.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown control plane %q", rt.ControlPlane)
	}
}
