package sink

import (
	"io"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/banshee-data/mmwave/internal/fsutil"
)

// File is a sink backed by a file. Frames are appended in arrival order.
type File struct {
	mu     sync.Mutex
	path   string
	w      io.WriteCloser
	log    zerolog.Logger
	n      int64
	closed bool
}

// CreateFile creates or truncates path. With appendMode the existing contents
// are kept, which suits raw byte captures spanning several runs.
func CreateFile(fsys fsutil.FileSystem, path string, appendMode bool, log zerolog.Logger) (*File, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	open := fsys.Create
	if appendMode {
		open = fsys.Append
	}
	w, err := open(path)
	if err != nil {
		return nil, err
	}
	return &File{path: path, w: w, log: log.With().Str("path", path).Logger()}, nil
}

// Write implements io.Writer. Writes after Close fail with io.ErrClosedPipe.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := f.w.Write(p)
	f.n += int64(n)
	return n, err
}

// Func returns the file as a frame sink.
func (f *File) Func() Func {
	return func(p []byte) {
		if _, err := f.Write(p); err != nil {
			f.log.Error().Err(err).Msg("file sink write failed")
		}
	}
}

// Size reports the bytes written through this File.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *File) Path() string { return f.path }

// Close is idempotent.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.w.Close()
}
