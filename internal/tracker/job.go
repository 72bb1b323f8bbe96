package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hurricanerix/loom/internal/channel"
	"github.com/hurricanerix/loom/internal/comfy"
	"github.com/hurricanerix/loom/internal/graph"
	"github.com/hurricanerix/loom/internal/media"
	"github.com/hurricanerix/loom/internal/protocol"
)

// Phase is where a job is in its lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSubmitted
	PhaseQueued
	PhaseExecuting
	PhaseFinalizing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSubmitted:
		return "submitted"
	case PhaseQueued:
		return "queued"
	case PhaseExecuting:
		return "executing"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase by name in JSON payloads.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Progress percentages reported for each stage.
const (
	percentSubmitted     = 10
	percentExecutingLow  = 15
	percentExecutingHigh = 25
	percentStarted       = 20
	percentProgressSpan  = 70
	percentCached        = 85
	percentFinalizing    = 95
	percentDone          = 100
)

// Update is a progress report for the current job.
type Update struct {
	JobID   string        `json:"job_id"`
	Phase   Phase         `json:"phase"`
	Percent int           `json:"percent"`
	Message string        `json:"message"`
	Node    string        `json:"node,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
	// QueuePosition is 0 while running, n while n-th pending and
	// comfy.PositionUnknown when the server does not list the job.
	QueuePosition int `json:"queue_position"`
}

// Outcome is how a job ended. Err is nil on success.
type Outcome struct {
	JobID     string           `json:"job_id"`
	Artifacts []media.Artifact `json:"artifacts"`
	Err       error            `json:"-"`
	Elapsed   time.Duration    `json:"elapsed"`
}

// Job is one submitted graph.
type Job struct {
	ID          string
	Graph       graph.Graph
	SubmittedAt time.Time

	tracker *Tracker
	ctx     context.Context
	cancel  context.CancelFunc

	finalized atomic.Bool
	done      chan struct{}
	outcome   Outcome

	mu          sync.Mutex
	phase       Phase
	percent     int
	position    int
	unsubscribe func()
}

func newJob(t *Tracker, id string, g graph.Graph) *Job {
	ctx, cancel := context.WithCancel(t.ctx)
	return &Job{
		ID:          id,
		Graph:       g,
		SubmittedAt: t.now(),
		tracker:     t,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		position:    comfy.PositionUnknown,
	}
}

// Done is closed once the job is finalized.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Outcome returns how the job ended. It is only meaningful after Done is
// closed.
func (j *Job) Outcome() Outcome {
	<-j.done
	return j.outcome
}

// Wait blocks until the job is finalized or ctx ends.
func (j *Job) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-j.done:
		return j.outcome, j.outcome.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Phase returns the current phase.
func (j *Job) Phase() Phase {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phase
}

func (j *Job) start() {
	j.update(PhaseSubmitted, percentSubmitted, "Job submitted", "")

	unsubscribe := j.tracker.channel.Subscribe(&listener{job: j})
	j.mu.Lock()
	j.unsubscribe = unsubscribe
	j.mu.Unlock()
	if j.finalized.Load() {
		unsubscribe()
	}

	go j.every(j.tracker.historyInterval, j.checkHistory)
	go j.every(j.tracker.queueInterval, j.checkQueue)
}

func (j *Job) every(interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			fn(j.ctx)
		}
	}
}

func (j *Job) elapsed() time.Duration {
	return j.tracker.now().Sub(j.SubmittedAt)
}

func (j *Job) update(phase Phase, percent int, message, node string) {
	if j.finalized.Load() && phase != PhaseFinalizing && phase != PhaseDone {
		return
	}

	j.mu.Lock()
	j.phase = phase
	j.percent = percent
	position := j.position
	j.mu.Unlock()

	j.tracker.notify(Update{
		JobID:         j.ID,
		Phase:         phase,
		Percent:       percent,
		Message:       message,
		Node:          node,
		Elapsed:       j.elapsed(),
		QueuePosition: position,
	})
}

// checkHistory finalizes the job when its history record shows it ended.
// A missing or unfinished record is not an error.
func (j *Job) checkHistory(ctx context.Context) {
	if j.finalized.Load() {
		return
	}

	h, err := j.tracker.server.History(ctx, j.ID)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, comfy.ErrNotFound) {
			j.tracker.logger.Debug("History poll for job %s failed: %v", j.ID, err)
		}
		return
	}

	item, ok := h[j.ID]
	if !ok {
		return
	}
	if msg, failed := item.Failure(); failed {
		j.finalize(nil, &ExecutionError{JobID: j.ID, Message: msg})
		return
	}
	if item.Done() {
		j.finalize(h, nil)
	}
}

func (j *Job) checkQueue(ctx context.Context) {
	if j.finalized.Load() {
		return
	}

	q, err := j.tracker.server.Queue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			j.tracker.logger.Debug("Queue poll for job %s failed: %v", j.ID, err)
		}
		return
	}

	pos := q.Position(j.ID)

	j.mu.Lock()
	changed := pos != j.position
	j.position = pos
	phase, percent := j.phase, j.percent
	j.mu.Unlock()

	if !changed {
		return
	}

	switch {
	case pos > 0:
		j.update(PhaseQueued, percentSubmitted, fmt.Sprintf("Queued at position %d", pos), "")
	case pos == 0 && phase != PhaseExecuting:
		j.update(PhaseExecuting, percent, "Running", "")
	default:
		j.update(phase, percent, fmt.Sprintf("Queue position %d", pos), "")
	}
}

// finalize ends the job once. h is the history record of a successful job
// and may be nil, in which case it is fetched. err marks a failed job.
func (j *Job) finalize(h comfy.History, err error) {
	if !j.finalized.CompareAndSwap(false, true) {
		return
	}

	j.cancel()
	j.mu.Lock()
	unsubscribe := j.unsubscribe
	j.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	go j.complete(h, err)
}

func (j *Job) complete(h comfy.History, err error) {
	t := j.tracker
	outcome := Outcome{JobID: j.ID, Err: err}

	if err == nil {
		j.update(PhaseFinalizing, percentFinalizing, "Collecting results", "")

		if h == nil {
			ctx, cancel := context.WithTimeout(t.ctx, comfy.DefaultTimeout*time.Second)
			h, err = t.server.History(ctx, j.ID)
			cancel()
			if err != nil {
				outcome.Err = fmt.Errorf("failed to fetch results: %w", err)
			}
		}
		if outcome.Err == nil {
			if item, ok := h[j.ID]; ok {
				if msg, failed := item.Failure(); failed {
					outcome.Err = &ExecutionError{JobID: j.ID, Message: msg}
				}
			}
		}
		if outcome.Err == nil {
			outcome.Artifacts = t.extractor.Extract(h, j.ID)
			if t.recorder != nil {
				if err := t.recorder.Append(outcome.Artifacts); err != nil {
					t.logger.Warn("Failed to record results of job %s: %v", j.ID, err)
				}
			}
		}
	}

	outcome.Elapsed = j.elapsed()
	j.outcome = outcome

	if outcome.Err != nil {
		t.logger.Error("Job %s failed after %s: %v", j.ID, outcome.Elapsed.Round(time.Millisecond), outcome.Err)
	} else {
		t.logger.Info("Job %s finished in %s with %d artifacts", j.ID, outcome.Elapsed.Round(time.Millisecond), len(outcome.Artifacts))
		j.update(PhaseDone, percentDone, "Done", "")
	}

	j.mu.Lock()
	j.phase = PhaseDone
	j.mu.Unlock()

	t.release(j)
	t.finished(outcome)
	close(j.done)
}

// progressPercent maps numeric progress onto the 20..90 band.
func progressPercent(value, max int) int {
	if max <= 0 {
		return percentStarted
	}
	if value > max {
		value = max
	}
	if value < 0 {
		value = 0
	}
	return percentStarted + int(math.Round(float64(percentProgressSpan)*float64(value)/float64(max)))
}

// listener adapts a Job to channel.Listener.
type listener struct {
	job *Job
}

func (l *listener) HandleEvent(ev protocol.Event) {
	j := l.job
	if id := ev.JobID(); id != "" && id != j.ID {
		return
	}

	switch e := ev.(type) {
	case *protocol.ExecutionStartEvent:
		j.update(PhaseExecuting, percentStarted, "Execution started", "")

	case *protocol.ExecutingEvent:
		if e.Finished() {
			if e.PromptID == j.ID {
				go j.checkHistory(j.ctx)
			}
			return
		}
		j.update(PhaseExecuting, j.executingPercent(), "Executing "+j.Graph.Title(*e.Node), *e.Node)

	case *protocol.ProgressEvent:
		msg := fmt.Sprintf("Processing (%d/%d)", e.Value, e.Max)
		j.update(PhaseExecuting, progressPercent(e.Value, e.Max), msg, e.Node)

	case *protocol.ExecutionCachedEvent:
		if e.PromptID == j.ID {
			j.update(PhaseExecuting, percentCached, "Using cached results", "")
		}

	case *protocol.ExecutedEvent:
		if e.PromptID == j.ID {
			go j.checkHistory(j.ctx)
		}

	case *protocol.ExecutionSuccessEvent:
		if e.PromptID == j.ID {
			go j.checkHistory(j.ctx)
		}

	case *protocol.ExecutionErrorEvent:
		if e.PromptID == j.ID {
			j.finalize(nil, &ExecutionError{
				JobID:    j.ID,
				NodeID:   e.NodeID,
				NodeType: e.NodeType,
				Message:  e.Message(),
			})
		}
	}
}

func (l *listener) HandleState(state channel.State, err error) {
	if state != channel.StateFailed {
		return
	}
	if err == nil {
		err = channel.ErrReconnectExhausted
	}
	l.job.finalize(nil, err)
}

// executingPercent walks the 15..25 band one step per executed node.
func (j *Job) executingPercent() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.percent < percentExecutingLow:
		return percentExecutingLow
	case j.percent >= percentExecutingHigh:
		return j.percent
	default:
		return j.percent + 1
	}
}
