package jobs

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
)

// errStreamStopped unwinds the poll loop after Stop.
var errStreamStopped = errors.New("stream stopped")

// Stream is a live view over one job's output log. Persisted messages are
// delivered first, then new lines as the executor appends them. The
// Messages channel closes when the job reaches a terminal status, when
// the stream fails, or after Stop; Err distinguishes the three.
type Stream struct {
	store  *Store
	jobID  string
	poll   time.Duration
	logger *slog.Logger

	msgs     chan *runner.Message
	done     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func newStream(store *Store, jobID string, poll time.Duration, logger *slog.Logger) *Stream {
	s := &Stream{
		store:  store,
		jobID:  jobID,
		poll:   poll,
		logger: logger,
		msgs:   make(chan *runner.Message, 16),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Messages returns the delivery channel. It closes when the stream ends;
// callers that stop consuming early must call Stop.
func (s *Stream) Messages() <-chan *runner.Message { return s.msgs }

// Err reports why the stream ended. It is nil for a clean end (terminal
// job or Stop) and meaningful only after Messages is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop ends the stream and frees its timer. Safe to call multiple times
// and after the stream has already ended.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Stream) run() {
	defer close(s.msgs)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	var offset int64
	for {
		if err := s.drain(&offset); err != nil {
			if !errors.Is(err, errStreamStopped) {
				s.setErr(err)
			}
			return
		}

		job, err := s.store.Load(s.jobID)
		if err != nil {
			s.setErr(err)
			return
		}
		if job.Terminal() {
			// Lines written before the terminal save are on disk by now;
			// pick up any the first drain raced past.
			if err := s.drain(&offset); err != nil && !errors.Is(err, errStreamStopped) {
				s.setErr(err)
			}
			return
		}

		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

// drain reads complete lines from the current offset and delivers them.
// A missing output file means the job has not produced anything yet. A
// trailing line without its newline is left for the next pass.
func (s *Stream) drain(offset *int64) error {
	f, err := os.Open(s.store.outputPath(s.jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(*offset, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		*offset += int64(len(line))
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		msg, perr := runner.Parse(trimmed)
		if perr != nil {
			s.logger.Warn("skipping malformed output line", "id", s.jobID, "error", perr)
			continue
		}
		select {
		case s.msgs <- msg:
		case <-s.done:
			return errStreamStopped
		}
	}
}
