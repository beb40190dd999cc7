package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/app"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/config"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/logging"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/sped"
)

// backend is what the commands need from an assembled service.
type backend struct {
	svc     *core.Service
	migrate func(ctx context.Context) error
	close   func() error
}

// opener builds the backend. logs receives the service logs.
type opener func(ctx context.Context, logs io.Writer, level string) (*backend, error)

func openApp(ctx context.Context, logs io.Writer, level string) (*backend, error) {
	// Load .env file if it exists (Overload overwrites existing env vars)
	_ = godotenv.Overload()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if level != "" {
		cfg.Logging.Level = level
	}
	// Commands run jobs in this process.
	cfg.Server.RunWorkers = true
	logging.SetupWriter(logs, cfg.Logging.Level, cfg.Logging.Format)

	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &backend{svc: a.Service, migrate: a.Store.Migrate, close: a.Close}, nil
}

type cli struct {
	open     opener
	b        *backend
	logLevel string
}

// backend opens the service on first use.
func (c *cli) backend(cmd *cobra.Command) (*backend, error) {
	if c.b != nil {
		return c.b, nil
	}
	b, err := c.open(cmd.Context(), cmd.ErrOrStderr(), c.logLevel)
	if err != nil {
		return nil, err
	}
	c.b = b
	return b, nil
}

func (c *cli) close() {
	if c.b == nil || c.b.close == nil {
		return
	}
	if err := c.b.close(); err != nil {
		slog.Warn("close failed", "error", err)
	}
	c.b = nil
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fbimport",
		Short:         "Import fiscal ledger files into the reporting tables",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error (default from LOG_LEVEL)")

	root.AddCommand(
		c.importCmd(),
		c.statusCmd(),
		c.jobCmd("pause", "Ask a processing job to pause at its next chunk", func(s *core.Service) jobOp { return s.Pause }),
		c.resumeCmd(),
		c.jobCmd("cancel", "Cancel a job; raw records are kept", func(s *core.Service) jobOp { return s.Cancel }),
		c.purgeCmd(),
		c.staleCmd(),
		c.migrateCmd(),
	)
	return root
}

type jobOp func(ctx context.Context, id string) (*core.Job, error)

func (c *cli) importCmd() *cobra.Command {
	var (
		req   core.ImportRequest
		scope string
		run   bool
	)
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Register a ledger file for import",
		Long: `Register a ledger file for import. The job is picked up by a running
server; with --run it is processed in this process instead, and progress is
logged until the job finishes. Interrupting a --run import pauses the job.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.backend(cmd)
			if err != nil {
				return err
			}
			req.FilePath = args[0]
			req.Scope = sped.Scope(scope)

			job, err := b.svc.StartImport(cmd.Context(), req)
			if err != nil {
				var conflict *core.ConflictError
				if errors.As(err, &conflict) {
					writeJSON(cmd.OutOrStdout(), conflict)
				}
				return err
			}
			if !run {
				return writeJSON(cmd.OutOrStdout(), job)
			}
			job, err = runJob(cmd.Context(), b.svc, job.ID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVar(&req.CompanyID, "company", "", "Company the import belongs to (required)")
	cmd.Flags().StringVar(&req.BranchID, "branch", "", "Branch id; defaults to the filer tax id in the header")
	cmd.Flags().StringVar(&req.UserID, "user", "", "User requesting the import")
	cmd.Flags().StringVar(&scope, "scope", string(sped.ScopeAll), "Record families to import: all, services, merchandise_utilities, freight")
	cmd.Flags().Int64Var(&req.RecordLimit, "limit", 0, "Stop after this many records (0 means no limit)")
	cmd.Flags().BoolVar(&req.Replace, "replace", false, "Replace a completed or failed import of the same period")
	cmd.Flags().BoolVar(&run, "run", false, "Process the job in this process and wait for it")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

// runJob processes pending jobs here and returns id's final snapshot.
func runJob(ctx context.Context, svc *core.Service, id string) (*core.Job, error) {
	events, err := svc.SubscribeProgress(ctx, id)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			slog.Info("import progress",
				"job_id", ev.JobID,
				"status", ev.Status,
				"progress", ev.Progress,
				"chunk", ev.Chunk,
				"records", ev.Counts.Records,
			)
		}
	}()

	_, runErr := svc.RunPending(ctx)
	// RunPending stops early only when ctx is cancelled; the job has paused.
	job, err := svc.GetStatus(context.WithoutCancel(ctx), id)
	<-done
	if err != nil {
		return nil, err
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return job, runErr
	}
	if job.Status == core.StatusFailed {
		return job, fmt.Errorf("import failed: %s", job.ErrorMessage)
	}
	return job, nil
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.backend(cmd)
			if err != nil {
				return err
			}
			job, err := b.svc.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
}

func (c *cli) jobCmd(name, short string, op func(*core.Service) jobOp) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.backend(cmd)
			if err != nil {
				return err
			}
			job, err := op(b.svc)(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
}

func (c *cli) resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a paused or failed job here and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.backend(cmd)
			if err != nil {
				return err
			}
			job, err := b.svc.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if job.Status == core.StatusProcessing {
				// Resume runs the job on a worker of this process.
				if err := b.svc.WaitIdle(cmd.Context()); err != nil {
					return pauseRunning(b.svc, err)
				}
				if job, err = b.svc.GetStatus(cmd.Context(), job.ID); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
}

// pauseRunning pauses local workers after the command was interrupted.
func pauseRunning(svc *core.Service, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (c *cli) purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <job-id>",
		Short: "Delete a job with its raw records and consolidated rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.backend(cmd)
			if err != nil {
				return err
			}
			if err := b.svc.Purge(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) staleCmd() *cobra.Command {
	var recoverStale bool
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List unfinished jobs that stopped making progress",
		Long: `List unfinished jobs that stopped making progress. With --recover, jobs
interrupted while processing or consolidating become resumable failures and
jobs interrupted during the view refresh complete with the refresh pending.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.backend(cmd)
			if err != nil {
				return err
			}
			var jobs []*core.Job
			if recoverStale {
				jobs, err = b.svc.RecoverStale(cmd.Context())
			} else {
				jobs, err = b.svc.StaleJobs(cmd.Context())
			}
			if err != nil {
				return err
			}
			if jobs == nil {
				jobs = []*core.Job{}
			}
			return writeJSON(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().BoolVar(&recoverStale, "recover", false, "Release stale jobs so they can be resumed")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the import tables if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.backend(cmd)
			if err != nil {
				return err
			}
			if err := b.migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
