package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/compose"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/deploy"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/docker"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/preflight"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/watch"
)

const (
	notifyWait      = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func validateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse, interpolate and validate the descriptor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.deployer(false)
			if err != nil {
				return err
			}
			p, err := d.Load(nil, a.cfg.RequiredVariables)
			if err != nil {
				return err
			}
			if p.Service(a.cfg.Service) == nil {
				return fmt.Errorf("service %q not found in %s", a.cfg.Service, a.cfg.File)
			}
			if _, err := docker.NewServiceSpec(p, a.cfg.Service); err != nil {
				return err
			}
			for _, v := range p.UnsetVariables {
				logging.Get().Warn().Str("variable", v).Msg("variable is not set, substituting empty string")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: project %s, service %s is valid\n", a.cfg.File, p.Name, a.cfg.Service)
			return nil
		},
	}
}

func configCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Render the interpolated descriptor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.deployer(false)
			if err != nil {
				return err
			}
			p, err := d.Load(nil, a.cfg.RequiredVariables)
			if err != nil {
				return err
			}
			out, err := compose.Marshal(p)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func preflightCmd(a *app) *cobra.Command {
	var fix, jsonOutput, offline bool
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check host prerequisites for the service",
		Long: `Check host prerequisites for the service: bind mount sources, the
read-only secret key, the SQLite file, the output directory, environment
values, host ports and the image reference.

With --fix, missing directories and an empty SQLite file are created.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.deployer(!offline)
			if err != nil {
				return err
			}
			p, err := d.LoadResolved(cmd.Context())
			if err != nil {
				return err
			}
			var report *preflight.Report
			if offline {
				report, err = d.Preflight(p, nil, fix)
			} else {
				report, err = d.Check(cmd.Context(), p, fix)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printReport(cmd.OutOrStdout(), report)
			}
			return report.Err()
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "Create missing directories and the SQLite file")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.Flags().BoolVar(&offline, "offline", false, "Do not contact the container engine")
	return cmd
}

func printReport(w io.Writer, r *preflight.Report) {
	for _, f := range r.Fixed {
		fmt.Fprintf(w, "fixed   %s\n", f)
	}
	for _, f := range r.Findings {
		fmt.Fprintln(w, f)
	}
	switch {
	case r.Failed():
		fmt.Fprintf(w, "preflight failed: %d error(s), %d warning(s)\n", len(r.Errors()), len(r.Warnings()))
	default:
		fmt.Fprintf(w, "preflight passed with %d warning(s)\n", len(r.Warnings()))
	}
}

func upCmd(a *app) *cobra.Command {
	var opts deploy.Options
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Create or recreate the service container",
		Long: `Resolve the image, run preflight, then create the service container or
recreate it when its configuration or image changed. A failed recreate
restores the previous container.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.DryRun {
				opts.DryRun = true
			}
			d, err := a.deployer(true)
			if err != nil {
				return err
			}
			res, err := d.Up(cmd.Context(), opts)
			if res != nil {
				if jsonOutput {
					if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil {
						return werr
					}
				} else {
					printResult(cmd.OutOrStdout(), res, opts.DryRun)
				}
			}
			return err
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.Build, "build", false, "Build the image from the descriptor's build context")
	f.BoolVar(&opts.Force, "force", false, "Deploy even when preflight reports errors")
	f.BoolVar(&opts.DryRun, "dry-run", false, "Print the plan without touching containers")
	f.BoolVar(&opts.Fix, "fix", false, "Apply preflight fixes before deploying")
	f.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func printResult(w io.Writer, res *deploy.Result, dryRun bool) {
	if res.Preflight != nil {
		for _, f := range res.Preflight.Findings {
			fmt.Fprintln(w, f)
		}
	}
	prefix := ""
	if dryRun {
		prefix = "[dry-run] "
	}
	fmt.Fprintf(w, "%s%s\n", prefix, res.Plan)
	if rec := res.Deployment; rec.Outcome != "" {
		fmt.Fprintf(w, "%s (%s, id %s)\n", rec.Outcome, rec.Duration().Round(time.Millisecond), rec.ID)
	}
}

func downCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop and remove the service container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.deployer(true)
			if err != nil {
				return err
			}
			rec, err := d.Down(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s\n", rec.Project, rec.Service, rec.Outcome)
			return nil
		},
	}
}

func statusCmd(a *app) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the service container and health status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.deployer(true)
			if err != nil {
				return err
			}
			st, err := d.Status(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func printStatus(w io.Writer, st *deploy.Status) {
	fmt.Fprintf(w, "service:   %s/%s\n", st.Project, st.Service)
	if st.Container == nil {
		fmt.Fprintln(w, "container: none")
	} else {
		c := st.Container
		fmt.Fprintf(w, "container: %s (%s) %s\n", c.Name, shortID(c.ID), c.State)
		fmt.Fprintf(w, "image:     %s\n", c.Image)
		for _, p := range c.Ports {
			fmt.Fprintf(w, "port:      %s\n", p)
		}
		fmt.Fprintf(w, "up to date: %t\n", st.UpToDate)
	}
	switch {
	case st.Health != nil:
		fmt.Fprintf(w, "health:    %s\n", st.Health)
	case st.HealthError != "":
		fmt.Fprintf(w, "health:    %s\n", st.HealthError)
	}
	if st.Last != nil {
		fmt.Fprintf(w, "last:      %s %s at %s\n", st.Last.Action, st.Last.Outcome, st.Last.FinishedAt.Format(time.RFC3339))
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func watchCmd(a *app) *cobra.Command {
	var autoApply bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the descriptor and the service health until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("auto-apply") {
				a.cfg.AutoApply = autoApply
			}
			d, err := a.deployer(true)
			if err != nil {
				return err
			}
			w := watch.New(a.cfg, d, a.notifier)
			ctx := cmd.Context()
			errCh := make(chan error, 1)
			go func() { errCh <- w.Start(ctx) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			// Graceful shutdown: bounded wait for active passes to complete
			logging.Get().Info().Msg("shutdown signal received, waiting for active operations to complete")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			w.Stop(shutdownCtx)
			return <-errCh
		},
	}
	cmd.Flags().BoolVar(&autoApply, "auto-apply", false, "Apply descriptor changes that pass preflight")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "deployctl %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}
