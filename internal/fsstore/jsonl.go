package fsstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JSONLWriter appends one JSON document per line and rotates the file to
// "<path>.<utc timestamp>" once it would grow past RotateMaxBytes.
type JSONLWriter struct {
	path string
	opts JSONLOptions

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	size   int64
	closed bool

	now func() time.Time
}

func NewJSONLWriter(path string, opts JSONLOptions) (*JSONLWriter, error) {
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	w := &JSONLWriter{
		path: p,
		opts: opts.withDefaults(),
		now:  time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *JSONLWriter) Path() string {
	return w.path
}

func (w *JSONLWriter) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: jsonl encode %s: %v", ErrEncodeFailed, w.path, err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if w.size+int64(len(data)) > w.opts.RotateMaxBytes && w.size > 0 {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.buf.Write(data)
	w.size += int64(n)
	if err != nil {
		return err
	}
	// Flushed per line so a crash loses at most the line being written.
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.opts.SyncEachWrite {
		return w.file.Sync()
	}
	return nil
}

func (w *JSONLWriter) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.closeFile()
}

func (w *JSONLWriter) closeFile() error {
	if w.file == nil {
		return nil
	}
	_ = w.buf.Flush()
	err := w.file.Close()
	w.file, w.buf, w.size = nil, nil, 0
	return err
}

func (w *JSONLWriter) rotate() error {
	_ = w.closeFile()
	base := fmt.Sprintf("%s.%s", w.path, w.now().UTC().Format("20060102T150405Z"))
	target := base
	for i := 1; ; i++ {
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			break
		} else if err != nil {
			return err
		}
		target = fmt.Sprintf("%s.%d", base, i)
	}
	if err := os.Rename(w.path, target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return w.open()
}

func (w *JSONLWriter) open() error {
	if err := EnsureDir(filepath.Dir(w.path), w.opts.DirPerm); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, w.opts.FilePerm)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 32*1024)
	w.size = info.Size()
	return nil
}
