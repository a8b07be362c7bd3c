package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// Job frame types.
const (
	FrameStdout = "stdout"
	FrameStderr = "stderr"
	FrameExit   = "exit"
)

// JobFrame is one unit of job output as sent to remote subscribers.
type JobFrame struct {
	Type string `json:"type"`
	Line string `json:"line,omitempty"`
	Code int    `json:"code"`
}

// JobStream buffers the whole output of a job so that subscribers attaching
// late still see every line. The exit frame is always last.
type JobStream struct {
	mu      sync.Mutex
	frames  []JobFrame
	done    bool
	changed chan struct{}
}

// NewJobStream creates an empty stream. It implements domain.ShellCallback.
func NewJobStream() *JobStream {
	return &JobStream{changed: make(chan struct{})}
}

func (s *JobStream) OnStdout(line string) { s.add(JobFrame{Type: FrameStdout, Line: line}) }
func (s *JobStream) OnStderr(line string) { s.add(JobFrame{Type: FrameStderr, Line: line}) }
func (s *JobStream) OnExit(code int)      { s.add(JobFrame{Type: FrameExit, Code: code}) }

func (s *JobStream) add(f JobFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.frames = append(s.frames, f)
	s.done = f.Type == FrameExit
	close(s.changed)
	s.changed = make(chan struct{})
}

// Next returns the frames after index from, blocking until at least one is
// available. done is true once the returned batch ends with the exit frame.
func (s *JobStream) Next(ctx context.Context, from int) (frames []JobFrame, done bool, err error) {
	for {
		s.mu.Lock()
		if from < len(s.frames) {
			frames = append([]JobFrame(nil), s.frames[from:]...)
			done = s.done
			s.mu.Unlock()
			return frames, done, nil
		}
		if s.done {
			s.mu.Unlock()
			return nil, true, nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Forward replays the stream into cb until the exit frame.
func (s *JobStream) Forward(ctx context.Context, cb domain.ShellCallback) error {
	from := 0
	for {
		frames, done, err := s.Next(ctx, from)
		if err != nil {
			return err
		}
		from += len(frames)
		for _, f := range frames {
			DeliverFrame(cb, f)
		}
		if done {
			return nil
		}
	}
}

// DeliverFrame calls the ShellCallback method matching f.
func DeliverFrame(cb domain.ShellCallback, f JobFrame) {
	switch f.Type {
	case FrameStdout:
		cb.OnStdout(f.Line)
	case FrameStderr:
		cb.OnStderr(f.Line)
	case FrameExit:
		cb.OnExit(f.Code)
	}
}

// DefaultJobRetention is how long a finished job stays available for streaming.
const DefaultJobRetention = time.Minute

type jobEntry struct {
	job    domain.Job
	stream *JobStream
}

// JobTable tracks jobs started on behalf of remote callers, keyed by job id.
type JobTable struct {
	logger    *zap.Logger
	retention time.Duration

	mu   sync.Mutex
	jobs map[string]jobEntry
}

// NewJobTable creates an empty table. Finished jobs are dropped after retention.
func NewJobTable(retention time.Duration, logger *zap.Logger) *JobTable {
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	return &JobTable{logger: logger, retention: retention, jobs: make(map[string]jobEntry)}
}

// Start launches a job whose output goes into a new stream, and registers it.
func (t *JobTable) Start(start func(cb domain.ShellCallback) (domain.Job, error)) (string, error) {
	stream := NewJobStream()
	job, err := start(stream)
	if err != nil {
		return "", err
	}
	id := job.ID()

	t.mu.Lock()
	t.jobs[id] = jobEntry{job: job, stream: stream}
	t.mu.Unlock()
	t.logger.Debug("job registered", zap.String("job", id))

	go func() {
		<-job.Done()
		time.AfterFunc(t.retention, func() { t.drop(id) })
	}()
	return id, nil
}

func (t *JobTable) drop(id string) {
	t.mu.Lock()
	delete(t.jobs, id)
	t.mu.Unlock()
	t.logger.Debug("job reaped", zap.String("job", id))
}

// Stream returns the output stream of job id.
func (t *JobTable) Stream(id string) (*JobStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return e.stream, nil
}

// Cancel kills job id. Cancelling a finished job is a no-op.
func (t *JobTable) Cancel(id string) error {
	t.mu.Lock()
	e, ok := t.jobs[id]
	t.mu.Unlock()
	if !ok {
		return domain.ErrJobNotFound
	}
	t.logger.Info("job cancel requested", zap.String("job", id))
	return e.job.Close()
}

// Len returns the number of tracked jobs.
func (t *JobTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// CloseAll kills every tracked job.
func (t *JobTable) CloseAll() {
	t.mu.Lock()
	entries := make([]jobEntry, 0, len(t.jobs))
	for _, e := range t.jobs {
		entries = append(entries, e)
	}
	t.mu.Unlock()
	for _, e := range entries {
		_ = e.job.Close()
	}
}
