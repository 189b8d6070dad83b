package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultPollInterval = 250 * time.Millisecond

// Tailer follows a line-oriented file as it grows, reopening it after
// truncation or rotation.
type Tailer struct {
	path      string
	fromStart bool
	poll      time.Duration
	logger    *slog.Logger

	file    *os.File
	reader  *bufio.Reader
	offset  int64
	partial string
}

// NewTailer builds a tailer for path. When fromStart is false only lines
// appended after Lines is called are emitted.
func NewTailer(path string, fromStart bool, logger *slog.Logger) *Tailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		path:      path,
		fromStart: fromStart,
		poll:      defaultPollInterval,
		logger:    logger,
	}
}

// Lines starts tailing and returns a channel of complete, non-empty lines.
// The channel closes when ctx is cancelled.
func (t *Tailer) Lines(ctx context.Context) (<-chan string, error) {
	if strings.TrimSpace(t.path) == "" {
		return nil, errors.New("tail path required")
	}
	if err := t.open(!t.fromStart); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.close()
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// The directory is watched so that a rotated file is picked up when it is recreated.
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		_ = watcher.Close()
		t.close()
		return nil, fmt.Errorf("watch %s: %w", t.path, err)
	}

	out := make(chan string, 128)
	go t.loop(ctx, watcher, out)
	return out, nil
}

func (t *Tailer) loop(ctx context.Context, watcher *fsnotify.Watcher, out chan<- string) {
	defer func() {
		_ = watcher.Close()
		t.close()
		close(out)
	}()
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	if !t.drain(ctx, out) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(t.path) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				t.logger.Info("tailed file recreated", "path", t.path)
				if err := t.open(false); err != nil {
					t.logger.Warn("reopen failed", "path", t.path, "error", err)
					continue
				}
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				t.logger.Info("tailed file rotated", "path", t.path)
				continue
			}
			if !t.drain(ctx, out) {
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("watcher error", "error", err)
		case <-ticker.C:
			if !t.drain(ctx, out) {
				return
			}
		}
	}
}

// drain emits every complete line available. It returns false once ctx is done.
func (t *Tailer) drain(ctx context.Context, out chan<- string) bool {
	if t.file == nil {
		if err := t.open(false); err != nil {
			return ctx.Err() == nil
		}
	}
	info, err := t.file.Stat()
	if err != nil {
		t.logger.Warn("stat failed", "path", t.path, "error", err)
		return ctx.Err() == nil
	}
	if info.Size() < t.offset {
		t.logger.Info("tailed file truncated", "path", t.path)
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return ctx.Err() == nil
		}
		t.reader.Reset(t.file)
		t.offset = 0
		t.partial = ""
	}
	for {
		chunk, err := t.reader.ReadString('\n')
		t.offset += int64(len(chunk))
		if err != nil {
			t.partial += chunk
			if !errors.Is(err, io.EOF) {
				t.logger.Warn("read failed", "path", t.path, "error", err)
			}
			return ctx.Err() == nil
		}
		line := strings.TrimRight(t.partial+chunk, "\r\n")
		t.partial = ""
		if strings.TrimSpace(line) == "" {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return false
		}
	}
}

func (t *Tailer) open(seekEnd bool) error {
	t.close()
	file, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.path, err)
	}
	var offset int64
	if seekEnd {
		offset, err = file.Seek(0, io.SeekEnd)
		if err != nil {
			_ = file.Close()
			return fmt.Errorf("seek %s: %w", t.path, err)
		}
	}
	t.file = file
	t.reader = bufio.NewReader(file)
	t.offset = offset
	t.partial = ""
	return nil
}

func (t *Tailer) close() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}
