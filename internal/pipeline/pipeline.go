package pipeline

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"filmarchive/internal/logging"
	"filmarchive/internal/storage"
)

// Kind enumerates supported run categories.
type Kind string

const (
	KindSync     Kind = "sync"
	KindSanitize Kind = "cleanup-sanitize"
	KindForks    Kind = "cleanup-forks"
	KindImport   Kind = "import"
)

// Job represents a single run request.
type Job struct {
	ID      string
	Kind    Kind
	Options map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Stats map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline runs jobs one at a time on the calling goroutine and fans results
// out to subscribers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	store     *storage.Store

	runMu sync.Mutex

	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline around processor. store may be nil, in which case
// runs are not recorded.
func New(processor Processor, store *storage.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		processor: processor,
		log:       logger,
		store:     store,
		subs:      make(map[int]chan Result),
	}
}

// Run executes job synchronously. A second Run waits for the first to finish,
// so runs never overlap.
func (p *Pipeline) Run(ctx context.Context, job Job) Result {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	start := time.Now()
	logging.LogRunStart(p.log, string(job.Kind), job.ID, job.Options)
	if err := p.store.RecordRunStart(ctx, storage.RunRecord{ID: job.ID, Kind: string(job.Kind), Options: job.Options}); err != nil {
		p.log.Warn("cannot record run start", "id", job.ID, "error", err)
	}

	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogRunError(p.log, string(job.Kind), job.ID, duration, res.Error)
	} else {
		logging.LogRunComplete(p.log, string(job.Kind), job.ID, duration, res.Stats)
	}
	// the run context may already be cancelled; the record still has to land
	if err := p.store.RecordRunResult(context.WithoutCancel(ctx), job.ID, status, res.Stats, errString(res.Error)); err != nil {
		p.log.Warn("cannot record run result", "id", job.ID, "error", err)
	}

	p.broadcast(res)
	return res
}

// Subscribe returns a channel for receiving run results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// Close drops every subscriber.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "run", res.Job.ID)
		}
	}
}
