// Package main provides the loom CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hurricanerix/loom/internal/catalog"
	"github.com/hurricanerix/loom/internal/config"
	"github.com/hurricanerix/loom/internal/diagnose"
	"github.com/hurricanerix/loom/internal/graph"
	"github.com/hurricanerix/loom/internal/history"
	"github.com/hurricanerix/loom/internal/startup"
	"github.com/hurricanerix/loom/internal/tracker"
	"github.com/hurricanerix/loom/internal/web"
	"github.com/hurricanerix/loom/internal/workspace"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	root := &cobra.Command{
		Use:           "loom",
		Short:         "Run job server workflows from the browser or the terminal",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return cfg.Validate()
	}
	cfg.BindFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(cfg),
		newRunCmd(cfg),
		newWorkflowsCmd(cfg),
		newHistoryCmd(cfg),
		newPingCmd(cfg),
		newVersionCmd(),
	)

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w\nRun '%s --help' for usage", err, cmd.CommandPath())
	})
	return root
}

func initialize(cfg *config.Config) (*startup.Components, error) {
	logger := startup.CreateLogger(cfg)
	logger.Debug("Configuration: data-dir=%s, workflows=%s, server=%q", cfg.DataDir, cfg.WorkflowDir, cfg.Server)
	return startup.InitializeAll(cfg, logger)
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local web API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := initialize(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			// The server may come up later; the channel keeps retrying.
			_ = startup.CheckServer(ctx, c.Client, c.Logger)

			server := web.NewServer(fmt.Sprintf("localhost:%d", cfg.Port), c.Env())
			c.Logger.Info("Listening on http://localhost:%d", cfg.Port)
			return startup.Run(ctx, c.Logger, c.Channel, startup.ServiceFunc(server.ListenAndServe))
		},
	}
	cmd.Flags().IntVarP(&cfg.Port, "port", "p", cfg.Port, "Port for the web API")
	return cmd
}

type runOptions struct {
	prompt      string
	negative    string
	seed        int64
	randomSeed  bool
	uploads     []string
	showUpdates bool
}

func newRunCmd(cfg *config.Config) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Run a workflow and print its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := initialize(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			chDone := make(chan struct{})
			go func() {
				defer close(chDone)
				c.Channel.Run(ctx)
			}()
			defer func() {
				c.Channel.Close()
				<-chDone
			}()

			var observer tracker.Observer
			if opts.showUpdates {
				observer = &progressPrinter{w: cmd.ErrOrStderr()}
			}
			ws := workspace.New(c.Env(), observer)
			defer ws.Close()

			return runWorkflow(ctx, cmd, ws, args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.prompt, "prompt", "", "Positive prompt text")
	f.StringVar(&opts.negative, "negative", "", "Negative prompt text")
	f.Int64Var(&opts.seed, "seed", 0, "Seed written to every seed input")
	f.BoolVar(&opts.randomSeed, "random-seed", false, "Draw a new random seed before submitting")
	f.StringArrayVar(&opts.uploads, "upload", nil, "Upload a file into a node, as NODE=PATH (repeatable)")
	f.BoolVar(&opts.showUpdates, "progress", true, "Print progress to stderr")
	return cmd
}

func runWorkflow(ctx context.Context, cmd *cobra.Command, ws *workspace.Workspace, name string, opts runOptions) error {
	form, err := ws.LoadWorkflow(name)
	if err != nil {
		return err
	}
	if form.Conflict != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", form.Conflict)
	}

	flags := cmd.Flags()
	if flags.Changed("prompt") {
		if _, err := ws.SetPrompt(graph.RolePositive, opts.prompt); err != nil {
			return err
		}
	}
	if flags.Changed("negative") {
		form, err := ws.SetPrompt(graph.RoleNegative, opts.negative)
		if err != nil {
			return err
		}
		if form.Conflict != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", form.Conflict)
		}
	}
	if flags.Changed("seed") {
		if _, err := ws.SetSeed(opts.seed); err != nil {
			return err
		}
	}
	for _, arg := range opts.uploads {
		if err := uploadFile(ctx, ws, arg); err != nil {
			return err
		}
	}

	job, err := ws.Generate(ctx, workspace.GenerateOptions{RandomizeSeed: opts.randomSeed})
	if err != nil {
		return explain("Generation failed", err)
	}
	outcome, err := job.Wait(ctx)
	if err != nil {
		return err
	}
	if outcome.Err != nil {
		return explain("Generation failed", outcome.Err)
	}

	out := cmd.OutOrStdout()
	for _, a := range outcome.Artifacts {
		fmt.Fprintf(out, "%s\t%s\n", a.Kind, a.URL)
	}
	return nil
}

func uploadFile(ctx context.Context, ws *workspace.Workspace, arg string) error {
	nodeID, path, ok := strings.Cut(arg, "=")
	if !ok || nodeID == "" || path == "" {
		return fmt.Errorf("invalid upload %q: want NODE=PATH", arg)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat upload: %w", err)
	}
	if _, err := ws.Upload(ctx, nodeID, filepath.Base(path), info.Size(), f); err != nil {
		return explain("Upload failed", err)
	}
	return nil
}

// explain attaches the diagnosis hints to err.
func explain(title string, err error) error {
	report := diagnose.Explain(title, err)
	if len(report.Hints) == 0 {
		return err
	}
	return fmt.Errorf("%w\n  - %s", err, strings.Join(report.Hints, "\n  - "))
}

// progressPrinter writes job updates as one line each.
type progressPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *progressPrinter) JobUpdated(u tracker.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "[%3d%%] %s\n", u.Percent, u.Message)
}

func (p *progressPrinter) JobFinished(o tracker.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.Err != nil {
		fmt.Fprintf(p.w, "Job %s failed after %s\n", o.JobID, o.Elapsed.Round(time.Millisecond))
		return
	}
	fmt.Fprintf(p.w, "Job %s finished in %s with %d artifact(s)\n", o.JobID, o.Elapsed.Round(time.Millisecond), len(o.Artifacts))
}

func newWorkflowsCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows [term]",
		Short: "List workflows, optionally filtered by a search term",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := catalog.New(cfg.WorkflowDir, startup.CreateLogger(cfg))
			workflows, err := cat.Scan()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				workflows = catalog.Search(workflows, args[0])
			}
			out := cmd.OutOrStdout()
			for _, wf := range workflows {
				fmt.Fprintf(out, "%-24s %s\n", wf.Name, wf.Description)
			}
			return nil
		},
	}
}

func newHistoryCmd(cfg *config.Config) *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List or clear remembered artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := startup.CreateLogger(cfg)
			store := startup.OpenStore(cfg, logger)
			defer store.Close()
			h := history.NewStore(store, logger.Named("history"))

			if clear {
				return h.Clear()
			}
			entries, err := h.Load()
			if err != nil {
				return err
			}
			settings := startup.LoadSettings(cfg, logger)
			out := cmd.OutOrStdout()
			for _, e := range history.Rebase(entries, settings.ServerURL()) {
				fmt.Fprintf(out, "%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Kind, e.URL)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "Remove every entry")
	return cmd
}

func newPingCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the job server answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := startup.CreateLogger(cfg)
			client := startup.CreateClient(cfg, startup.LoadSettings(cfg, logger))
			if err := client.Ping(cmd.Context()); err != nil {
				return explain("Job server unavailable", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job server at %s is reachable\n", client.Endpoint())
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loom %s\n", config.Version)
		},
	}
}
