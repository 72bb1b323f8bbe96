// Package tracker submits job graphs and follows them to completion.
//
// A submitted job is followed through two independent paths: events from
// the push channel and a periodic history poll. Whichever path first sees
// the job finish calls finalize; a compare-and-swap guard turns every
// later call into a no-op. A queue side-poll reports the job's position
// while it waits. There is no overall deadline: each HTTP call has its own
// timeout and the push channel has its reconnect budget.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hurricanerix/loom/internal/channel"
	"github.com/hurricanerix/loom/internal/comfy"
	"github.com/hurricanerix/loom/internal/graph"
	"github.com/hurricanerix/loom/internal/logging"
	"github.com/hurricanerix/loom/internal/media"
)

const (
	// DefaultHistoryPollInterval is the history fallback cadence
	DefaultHistoryPollInterval = 3 * time.Second
	// DefaultQueuePollInterval is the queue position cadence
	DefaultQueuePollInterval = 2 * time.Second
)

var (
	// ErrJobInProgress is returned when a job is submitted while another
	// one is still being tracked
	ErrJobInProgress = errors.New("a job is already in progress")
	// ErrTrackerClosed is the outcome of jobs abandoned by Close
	ErrTrackerClosed = errors.New("tracker closed")
	// ErrExecution is the parent of every *ExecutionError
	ErrExecution = errors.New("job execution failed")
)

// ExecutionError reports that the server ran the graph and it failed.
type ExecutionError struct {
	JobID    string
	NodeID   string
	NodeType string
	Message  string
}

func (e *ExecutionError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("job %s failed at node %s: %s", e.JobID, e.NodeID, e.Message)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

// Unwrap lets errors.Is match ErrExecution.
func (e *ExecutionError) Unwrap() error {
	return ErrExecution
}

// Server is the subset of the job server API the tracker drives.
// *comfy.Client satisfies it.
type Server interface {
	Ping(ctx context.Context) error
	Submit(ctx context.Context, g graph.Graph, clientID string) (string, error)
	History(ctx context.Context, promptID string) (comfy.History, error)
	Queue(ctx context.Context) (comfy.QueueStatus, error)
}

// Channel is the push connection jobs listen on. *channel.Channel
// satisfies it.
type Channel interface {
	ClientID() string
	Subscribe(l channel.Listener) func()
}

// Extractor turns a history record into artifacts.
type Extractor interface {
	Extract(h comfy.History, jobID string) []media.Artifact
}

// Recorder persists the artifacts of finished jobs.
type Recorder interface {
	Append(artifacts []media.Artifact) error
}

// Observer is told about job progress. Calls come from tracker goroutines
// and must not block.
type Observer interface {
	JobUpdated(u Update)
	JobFinished(o Outcome)
}

// Options configures a Tracker. Zero values take the defaults.
type Options struct {
	HistoryPollInterval time.Duration
	QueuePollInterval   time.Duration
	Observer            Observer
	Logger              *logging.Logger
}

// Tracker owns the current job. At most one job is tracked at a time.
type Tracker struct {
	server    Server
	channel   Channel
	extractor Extractor
	recorder  Recorder
	observer  Observer
	logger    *logging.Logger

	historyInterval time.Duration
	queueInterval   time.Duration
	now             func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	current *Job
}

// New creates a Tracker.
func New(server Server, ch Channel, extractor Extractor, recorder Recorder, opts Options) *Tracker {
	if opts.HistoryPollInterval <= 0 {
		opts.HistoryPollInterval = DefaultHistoryPollInterval
	}
	if opts.QueuePollInterval <= 0 {
		opts.QueuePollInterval = DefaultQueuePollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		server:          server,
		channel:         ch,
		extractor:       extractor,
		recorder:        recorder,
		observer:        opts.Observer,
		logger:          logging.OrDiscard(opts.Logger),
		historyInterval: opts.HistoryPollInterval,
		queueInterval:   opts.QueuePollInterval,
		now:             time.Now,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Submit checks the server is reachable, submits g and starts tracking
// the new job. g must be a private copy; the job keeps it for node titles.
//
// Returns ErrJobInProgress while another job is tracked, and an error
// wrapping comfy.ErrConnectivity when the server cannot be reached. In
// both cases no job is created.
func (t *Tracker) Submit(ctx context.Context, g graph.Graph) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx.Err() != nil {
		return nil, ErrTrackerClosed
	}
	if t.current != nil {
		return nil, ErrJobInProgress
	}

	if err := t.server.Ping(ctx); err != nil {
		return nil, err
	}

	id, err := t.server.Submit(ctx, g, t.channel.ClientID())
	if err != nil {
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}

	job := newJob(t, id, g)
	t.current = job
	t.logger.Info("Submitted job %s", id)

	job.start()
	return job, nil
}

// Current returns the job being tracked, or nil.
func (t *Tracker) Current() *Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Close abandons the current job and rejects new submissions.
func (t *Tracker) Close() {
	t.cancel()
	if job := t.Current(); job != nil {
		job.finalize(nil, ErrTrackerClosed)
	}
}

func (t *Tracker) release(job *Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == job {
		t.current = nil
	}
}

func (t *Tracker) notify(u Update) {
	if t.observer != nil {
		t.observer.JobUpdated(u)
	}
}

func (t *Tracker) finished(o Outcome) {
	if t.observer != nil {
		t.observer.JobFinished(o)
	}
}
