// Package workspace holds the state behind one user's form: the loaded
// workflow graph, prompt and seed edits, uploads, and the job tracker
// that runs it.
//
// Every edit is serialized by the workspace mutex, so conflict resolution
// between the positive and negative prompts always sees a consistent
// graph. Jobs run on a private copy of the graph.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hurricanerix/loom/internal/catalog"
	"github.com/hurricanerix/loom/internal/config"
	"github.com/hurricanerix/loom/internal/graph"
	"github.com/hurricanerix/loom/internal/history"
	"github.com/hurricanerix/loom/internal/logging"
	"github.com/hurricanerix/loom/internal/media"
	"github.com/hurricanerix/loom/internal/tracker"
)

var (
	// ErrNoWorkflow is returned when an operation needs a loaded workflow
	ErrNoWorkflow = errors.New("no workflow loaded")
	// ErrNoUploadSlot is returned when a node does not accept uploads
	ErrNoUploadSlot = errors.New("node does not accept uploads")
	// ErrFileTooLarge is returned when an upload exceeds its size limit
	ErrFileTooLarge = errors.New("file exceeds the upload size limit")
)

// Server is the job server API a workspace uses.
type Server interface {
	tracker.Server
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
}

// Env is what every workspace shares.
type Env struct {
	Server    Server
	Channel   tracker.Channel
	Catalog   *catalog.Catalog
	History   *history.Store
	Extractor tracker.Extractor
	Settings  *SettingsManager

	HistoryPollInterval time.Duration
	QueuePollInterval   time.Duration

	Logger *logging.Logger
}

// Form is the editable view of the loaded workflow.
type Form struct {
	Workflow    string             `json:"workflow"`
	Positive    string             `json:"positive"`
	HasPositive bool               `json:"has_positive"`
	Negative    string             `json:"negative"`
	HasNegative bool               `json:"has_negative"`
	ShowPrompt  bool               `json:"show_prompt"`
	Seed        any                `json:"seed,omitempty"`
	ShowSeed    bool               `json:"show_seed"`
	Uploads     []graph.UploadSlot `json:"uploads"`
	// Conflict describes a prompt conflict resolved by the last edit.
	Conflict string `json:"conflict,omitempty"`
}

// GenerateOptions tune a single generation.
type GenerateOptions struct {
	// RandomizeSeed draws a new seed before submitting.
	RandomizeSeed bool
}

// Workspace is one user's loaded workflow and job tracker.
type Workspace struct {
	env     Env
	tracker *tracker.Tracker
	logger  *logging.Logger

	mu       sync.Mutex
	workflow string
	graph    graph.Graph
}

// New creates a workspace. observer receives the progress of its jobs and
// may be nil.
func New(env Env, observer tracker.Observer) *Workspace {
	logger := logging.OrDiscard(env.Logger)

	var recorder tracker.Recorder
	if env.History != nil {
		recorder = env.History
	}

	return &Workspace{
		env:    env,
		logger: logger,
		tracker: tracker.New(env.Server, env.Channel, env.Extractor, recorder, tracker.Options{
			HistoryPollInterval: env.HistoryPollInterval,
			QueuePollInterval:   env.QueuePollInterval,
			Observer:            observer,
			Logger:              logger.Named("tracker"),
		}),
	}
}

// LoadWorkflow replaces the working graph with a fresh copy of the named
// catalog workflow and repairs any prompt conflict it ships with.
func (w *Workspace) LoadWorkflow(name string) (Form, error) {
	_, g, err := w.env.Catalog.Load(name)
	if err != nil {
		return Form{}, err
	}
	return w.LoadGraph(name, g), nil
}

// LoadGraph installs g as the working graph under name.
func (w *Workspace) LoadGraph(name string, g graph.Graph) Form {
	w.mu.Lock()
	defer w.mu.Unlock()

	conflict := ""
	if c := graph.ResolveOnLoad(g); c != nil {
		conflict = c.String()
		w.logger.Warn("Prompt conflict in workflow %q: %s", name, conflict)
	}
	w.workflow = name
	w.graph = g
	w.logger.Info("Loaded workflow %q (%d nodes)", name, len(g))

	f := w.form()
	f.Conflict = conflict
	return f
}

// Form returns the current form.
func (w *Workspace) Form() (Form, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.graph == nil {
		return Form{}, ErrNoWorkflow
	}
	return w.form(), nil
}

// form must be called with w.mu held.
func (w *Workspace) form() Form {
	f := Form{
		Workflow:   w.workflow,
		ShowPrompt: graph.ShowPromptControls(w.graph),
		ShowSeed:   graph.HasVisibleSeed(w.graph),
		Uploads:    graph.FindUploadSlots(w.graph),
	}
	f.Positive, f.HasPositive = graph.FindRoleValue(w.graph, graph.RolePositive)
	f.Negative, f.HasNegative = graph.FindRoleValue(w.graph, graph.RoleNegative)
	if s, ok := graph.FindSeed(w.graph); ok {
		f.Seed = s.Value
	}
	return f
}

// SetPrompt writes a prompt role. Conflicts between the roles are resolved
// in favor of the positive prompt and logged; a rejected negative edit
// leaves the graph unchanged and the negative prompt reads back empty.
func (w *Workspace) SetPrompt(role graph.Role, value string) (Form, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.graph == nil {
		return Form{}, ErrNoWorkflow
	}

	edit, err := graph.SetRoleValue(w.graph, role, value)
	if err != nil && !errors.Is(err, graph.ErrNegativeConflict) {
		return Form{}, err
	}

	f := w.form()
	if edit.Conflict != nil {
		f.Conflict = edit.Conflict.String()
		if err != nil {
			w.logger.Warn("Ignored negative prompt edit: %s", f.Conflict)
		} else {
			w.logger.Warn("Positive prompt took over shared field: %s", f.Conflict)
		}
	}
	if edit.ClearNegative {
		f.Negative = ""
	}
	return f, nil
}

// SetSeed writes value into every seed input.
func (w *Workspace) SetSeed(value int64) (Form, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.graph == nil {
		return Form{}, ErrNoWorkflow
	}
	updated := graph.RandomizeSeeds(w.graph, value)
	w.logger.Debug("Seed %d written to %v", value, updated)
	return w.form(), nil
}

// RandomizeSeed draws a new seed and writes it into every seed input.
func (w *Workspace) RandomizeSeed() (Form, error) {
	return w.SetSeed(graph.RandomSeed())
}

// Upload sends a user file to the server and points the upload node at
// it. size is the file length in bytes and is checked against the limit
// for the node's media kind.
func (w *Workspace) Upload(ctx context.Context, nodeID, filename string, size int64, r io.Reader) (Form, error) {
	w.mu.Lock()
	if w.graph == nil {
		w.mu.Unlock()
		return Form{}, ErrNoWorkflow
	}
	var slot *graph.UploadSlot
	for _, s := range graph.FindUploadSlots(w.graph) {
		if s.NodeID == nodeID {
			s := s
			slot = &s
			break
		}
	}
	w.mu.Unlock()

	if slot == nil {
		return Form{}, fmt.Errorf("%w: %s", ErrNoUploadSlot, nodeID)
	}

	limit := w.settingsLimit(slot.Kind)
	if size > limit {
		return Form{}, fmt.Errorf("%w: %s is %d bytes, %s limit is %d MB", ErrFileTooLarge, filename, size, slot.Kind, limit/(1024*1024))
	}

	name, err := w.env.Server.Upload(ctx, filename, io.LimitReader(r, limit))
	if err != nil {
		return Form{}, fmt.Errorf("failed to upload %s: %w", filename, err)
	}
	w.logger.Info("Uploaded %s as %s for node %s", filename, name, nodeID)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := graph.SetFileReference(w.graph, nodeID, slot.Kind, name); err != nil {
		return Form{}, err
	}
	return w.form(), nil
}

func (w *Workspace) settingsLimit(kind media.Kind) int64 {
	if w.env.Settings == nil {
		return config.DefaultSettings().SizeLimit(kind)
	}
	return w.env.Settings.Get().SizeLimit(kind)
}

// Generate submits a copy of the working graph.
func (w *Workspace) Generate(ctx context.Context, opts GenerateOptions) (*tracker.Job, error) {
	w.mu.Lock()
	if w.graph == nil {
		w.mu.Unlock()
		return nil, ErrNoWorkflow
	}
	if opts.RandomizeSeed {
		graph.RandomizeSeeds(w.graph, graph.RandomSeed())
	}
	g := w.graph.Clone()
	name := w.workflow
	w.mu.Unlock()

	job, err := w.tracker.Submit(ctx, g)
	if err != nil {
		return nil, err
	}
	w.logger.Info("Generating %q as job %s", name, job.ID)
	return job, nil
}

// Current returns the running job, or nil.
func (w *Workspace) Current() *tracker.Job {
	return w.tracker.Current()
}

// Close abandons the running job.
func (w *Workspace) Close() {
	w.tracker.Close()
}
