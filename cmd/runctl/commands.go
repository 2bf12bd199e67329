package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/runctl/internal/config"
	"github.com/danmuck/runctl/internal/orchestrator"
	"github.com/danmuck/runctl/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type planOptions struct {
	documentOnly bool
}

func newPlanCommand(root *rootOptions) *cobra.Command {
	var opts planOptions
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what apply would change without writing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			return runPlan(cmd, s, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.documentOnly, "document", false, "print only the normalized documents, without reading remote state")
	return cmd
}

func runPlan(cmd *cobra.Command, s *session, opts planOptions) error {
	out := cmd.OutOrStdout()
	for i, key := range s.orch.Keys() {
		var (
			rendered []byte
			err      error
		)
		if opts.documentOnly {
			snap, _ := s.orch.SnapshotService(key)
			rendered, err = config.RenderDocument(snap.Desired.Document)
		} else {
			var plan orchestrator.Plan
			if plan, err = s.orch.Plan(cmd.Context(), key); err != nil {
				return err
			}
			rendered, err = config.RenderPlan(plan)
		}
		if err != nil {
			return err
		}
		writeDocument(out, i, key, rendered)
	}
	return nil
}

func newApplyCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Run one reconcile pass per service and print the reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			return runApply(cmd, s)
		},
	}
}

// runApply prints every report, then fails when any pass was not satisfied.
func runApply(cmd *cobra.Command, s *session) error {
	reports, applyErr := s.orch.ReconcileAll(cmd.Context())
	out := cmd.OutOrStdout()
	for i, report := range reports {
		if report.Key == "" {
			continue
		}
		rendered, err := config.RenderReport(report)
		if err != nil {
			return errors.Join(applyErr, err)
		}
		writeDocument(out, i, report.Key, rendered)
	}
	return applyErr
}

func newDeleteCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete each described service and its domain mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			return runDelete(cmd, s)
		},
	}
}

// runDelete stops at the first failure so a partial delete is visible.
func runDelete(cmd *cobra.Command, s *session) error {
	for _, key := range s.orch.Keys() {
		if err := s.orch.Delete(cmd.Context(), key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", key)
	}
	return nil
}

type serveOptions struct {
	interval         time.Duration
	reconcileTimeout time.Duration
}

func newServeCommand(root *rootOptions) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API, reconciling on demand or on an interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			return runServe(cmd, s, opts)
		},
	}
	flags := cmd.Flags()
	flags.DurationVar(&opts.interval, "interval", 0, "reconcile every service on this interval (0 disables)")
	flags.DurationVar(&opts.reconcileTimeout, "reconcile-timeout", 2*time.Minute, "upper bound for one triggered pass")
	return cmd
}

func runServe(cmd *cobra.Command, s *session, opts serveOptions) error {
	ctx := cmd.Context()
	srv := server.New(s.orch, server.Options{
		Addr:             s.runtime.AdminListenAddr,
		CorsOrigins:      s.runtime.CorsOrigins,
		ReconcileTimeout: opts.reconcileTimeout,
		AdminToken:       s.runtime.AdminToken,
	})
	if opts.interval > 0 {
		go func() {
			ticker := time.NewTicker(opts.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := s.orch.ReconcileAll(ctx); err != nil {
						log.Warn().Err(err).Msg("periodic reconcile finished with errors")
					}
				}
			}
		}()
	}
	return srv.Serve(ctx)
}

type initOptions struct {
	kind  string
	force bool
}

func newInitCommand() *cobra.Command {
	var opts initOptions
	cmd := &cobra.Command{
		Use:   "init PATH",
		Short: "Write a starter runtime or desired state file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], opts.kind, opts.force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", opts.kind, args[0])
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.kind, "kind", config.KindDesired, "template kind: runtime or desired")
	flags.BoolVar(&opts.force, "force", false, "overwrite an existing file")
	return cmd
}

// writeDocument separates rendered services with a comment header.
func writeDocument(out io.Writer, i int, key string, body []byte) {
	if i > 0 {
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "# %s\n", key)
	_, _ = out.Write(body)
}
