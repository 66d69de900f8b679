// Package trace implements the trace replay/tailing component (C8):
// a Writer that appends every HB event to a newline-delimited JSON
// file (§6 Trace file), and a Tailer that follows an existing trace
// file with fsnotify and replays newly-appended events, for offline
// incremental mode.
//
// The Writer is grounded on hb_logger.py's write(): append the
// encoded record and flush immediately, so a killed run's trace file
// is readable up to its last completed event. gchux-pcap-sidecar's
// pcap-fsnotify module depends on fsnotify for the same file-growth
// watching concern but its source was not available to adapt from, so
// the Tailer's use of the fsnotify.Watcher API is written directly
// against its documented Events/Errors channel contract.
package trace

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/nsg-ethz/hbrace/pkg/hbevent"
	"github.com/sirupsen/logrus"
)

var tlog = logrus.WithField("component", "trace")

// Writer appends encoded HB events to a file, one JSON object per
// line, flushing after every write. Implements hblogger.TraceSink.
type Writer struct {
	f *os.File
}

// NewWriter opens path for appending, creating it if needed.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trace: opening %s: %w", path, err)
	}
	return &Writer{f: f}, nil
}

// WriteEvent appends e as one line and flushes to disk.
func (w *Writer) WriteEvent(e hbevent.Event) error {
	line, err := hbevent.EncodeLine(e)
	if err != nil {
		return fmt.Errorf("trace: encoding event %d: %w", e.EID(), err)
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("trace: writing event %d: %w", e.EID(), err)
	}
	return w.f.Sync()
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	return w.f.Close()
}

// ReadAll decodes every line of an existing trace file, in order, for
// one-shot offline replay (no incremental tailing).
func ReadAll(path string) ([]hbevent.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: opening %s: %w", path, err)
	}
	defer f.Close()

	var events []hbevent.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		e, err := hbevent.DecodeLine(line)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("trace: reading %s: %w", path, err)
	}
	return events, nil
}

// Tailer follows an existing trace file (Run fails if it does not
// exist yet) and emits every fully-written line, first those already
// on disk and then each newly-appended one, as a decoded Event,
// for feeding an already-recorded run back through the HB Graph and
// Race Detector incrementally (§4.5 incremental mode).
type Tailer struct {
	path string
}

// NewTailer creates a Tailer for path.
func NewTailer(path string) *Tailer {
	return &Tailer{path: path}
}

// Run watches path for appends and sends each newly-decoded Event to
// out, until ctx is canceled or a read/watch error occurs. out is
// closed on return.
func (t *Tailer) Run(ctx context.Context, out chan<- hbevent.Event) error {
	defer close(out)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("trace: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(t.path); err != nil {
		return fmt.Errorf("trace: watching %s: %w", t.path, err)
	}

	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("trace: opening %s: %w", t.path, err)
	}
	defer f.Close()

	// pending buffers bytes read past the last complete line, since a
	// writer's append can land mid-line relative to an fsnotify event;
	// the remainder is completed and decoded on a later call.
	var pending []byte
	chunk := make([]byte, 64*1024)

	emit := func() error {
		for {
			n, err := f.Read(chunk)
			if n > 0 {
				pending = append(pending, chunk[:n]...)
				for {
					idx := bytes.IndexByte(pending, '\n')
					if idx < 0 {
						break
					}
					line := pending[:idx]
					pending = pending[idx+1:]
					if len(line) == 0 {
						continue
					}
					e, decErr := hbevent.DecodeLine(line)
					if decErr != nil {
						return decErr
					}
					select {
					case out <- e:
					case <-ctx.Done():
						return nil
					}
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("trace: reading %s: %w", t.path, err)
			}
		}
	}

	if err := emit(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("trace: watcher: %w", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := emit(); err != nil {
				return err
			}
		}
	}
}
