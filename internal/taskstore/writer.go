package taskstore

import (
	"errors"
	"sync"

	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

// ErrWriterClosed is returned by an AsyncWriter after Close.
var ErrWriterClosed = errors.New("async writer closed")

type writeJob struct {
	commit *preparedCommit
	state  *TaskState
	flush  chan struct{}
}

// AsyncWriter moves durable writes off the caller's path. Jobs go through a
// bounded channel to one goroutine, so writes for a task are applied in
// submission order. Commit still checks and advances the sequence
// synchronously; only the disk writes are deferred. Commit, Save and Flush
// must not race with Close.
type AsyncWriter struct {
	store *Store
	jobs  chan writeJob
	done  chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// NewAsyncWriter starts the writer goroutine. depth bounds the queue;
// Commit blocks while it is full.
func NewAsyncWriter(store *Store, depth int) *AsyncWriter {
	if depth <= 0 {
		depth = 16
	}
	w := &AsyncWriter{
		store: store,
		jobs:  make(chan writeJob, depth),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *AsyncWriter) loop() {
	defer close(w.done)
	for job := range w.jobs {
		if job.flush != nil {
			close(job.flush)
			continue
		}
		if w.failed() {
			continue
		}
		var err error
		switch {
		case job.commit != nil:
			if err = w.store.writeCommit(*job.commit); err == nil {
				w.store.index(job.commit.summary)
			}
		case job.state != nil:
			err = w.store.writeState(job.state)
		}
		if err != nil {
			w.mu.Lock()
			if w.err == nil {
				w.err = err
			}
			w.mu.Unlock()
			w.store.logger.Error("deferred write failed", "error", err)
		}
	}
}

func (w *AsyncWriter) failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err != nil
}

// Err returns the first write error, if any.
func (w *AsyncWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *AsyncWriter) submit(job writeJob) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return err
	}
	w.mu.Unlock()
	w.jobs <- job
	return nil
}

// Commit checks the sequence, advances st.Step and queues the writes. A
// failure of an earlier queued write is returned instead, with st left
// unchanged. A queued commit that fails later leaves st ahead of the disk;
// use Store.MarkFatal, not Save, to record that.
func (w *AsyncWriter) Commit(st *TaskState, record task.ActionRecord) error {
	if err := w.Err(); err != nil {
		return err
	}
	p, err := w.store.prepareCommit(st, record)
	if err != nil {
		return err
	}
	if err := w.submit(writeJob{commit: &p}); err != nil {
		st.Step, st.UpdatedAt = p.prevStep, p.prevUpdated
		return err
	}
	return nil
}

// Save queues a full state write of a snapshot of st.
func (w *AsyncWriter) Save(st *TaskState) error {
	if err := st.Validate(); err != nil {
		return err
	}
	st.UpdatedAt = w.store.now().UTC()
	data, err := marshalStable(st)
	if err != nil {
		return err
	}
	var snapshot TaskState
	if err := decodeStrict(data, &snapshot); err != nil {
		return err
	}
	return w.submit(writeJob{state: &snapshot})
}

// Flush waits until every queued write has been applied and returns the
// first error.
func (w *AsyncWriter) Flush() error {
	ch := make(chan struct{})
	if err := w.submitFlush(ch); err != nil {
		return err
	}
	<-ch
	return w.Err()
}

func (w *AsyncWriter) submitFlush(ch chan struct{}) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrWriterClosed
	}
	w.jobs <- writeJob{flush: ch}
	return nil
}

// Close drains the queue and stops the goroutine.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return w.Err()
	}
	w.closed = true
	w.mu.Unlock()
	close(w.jobs)
	<-w.done
	return w.Err()
}
