// Package zipstream builds a ZIP archive incrementally into a backing file,
// while readers follow the archive as it grows. A download can start sending
// bytes before the last file has been compressed, and the archive is never held
// in memory.
package zipstream

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"
	"golang.org/x/xerrors"
)

const (
	// ChunkSize is the number of bytes read from a file between progress
	// callbacks.
	ChunkSize = 32 * 1024

	// StoreThreshold is the size below which files are stored without
	// compression.
	StoreThreshold = 512
)

var (
	// ErrArchiveIO is wrapped by all errors reading source files or writing the
	// backing file.
	ErrArchiveIO = errors.New("archive i/o error")

	// ErrCanceled is returned to readers after Cancel without a specific error.
	ErrCanceled = errors.New("archive build canceled")

	// ErrFinalized is returned when adding to a finalized archive.
	ErrFinalized = errors.New("archive already finalized")
)

// Extensions of formats that are already compressed. Deflating them again only
// costs time.
var compressedExts = map[string]bool{
	".7z": true, ".avi": true, ".bz2": true, ".docx": true, ".epub": true, ".flac": true,
	".gif": true, ".gz": true, ".heic": true, ".jpeg": true, ".jpg": true, ".m4a": true,
	".mkv": true, ".mov": true, ".mp3": true, ".mp4": true, ".odt": true, ".ogg": true,
	".opus": true, ".pdf": true, ".png": true, ".rar": true, ".tgz": true, ".webm": true,
	".webp": true, ".xlsx": true, ".xz": true, ".zip": true, ".zst": true,
}

// Method returns the compression method for a file: zip.Store for small files
// and files that are already compressed, zip.Deflate otherwise.
func Method(name string, size int64) uint16 {
	if size < StoreThreshold || compressedExts[strings.ToLower(path.Ext(name))] {
		return zip.Store
	}
	return zip.Deflate
}

// entry is a file in the archive whose data has been completely written.
type entry struct {
	header    zip.FileHeader
	dataStart int64
}

// Builder writes a zip archive to a backing file. Add and Finalize must be
// called from a single goroutine, the owner of the build. Follow, Snapshot and
// the accessors can be used concurrently.
type Builder struct {
	file     *os.File
	dir      string
	zw       *zip.Writer
	progress func(int64)

	processed int64
	open      *zip.FileHeader // entry currently being written
	openStart int64

	mu       sync.Mutex
	size     int64 // bytes flushed to file
	entries  []entry
	done     bool // finalized, canceled or failed
	complete bool
	err      error
	changed  chan struct{} // closed and replaced on every change
}

// Create starts a new archive in a temporary directory below dir (the system
// temporary directory if empty). Progress, if not nil, is called with the
// cumulative number of uncompressed bytes processed.
func Create(dir string, progress func(int64)) (*Builder, error) {
	tmpdir, err := os.MkdirTemp(dir, "onionshare-zip-")
	if err != nil {
		return nil, xerrors.Errorf("%w: creating temporary directory: %v", ErrArchiveIO, err)
	}
	f, err := os.OpenFile(filepath.Join(tmpdir, "archive.zip"), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		os.RemoveAll(tmpdir)
		return nil, xerrors.Errorf("%w: creating archive file: %v", ErrArchiveIO, err)
	}
	if progress == nil {
		progress = func(int64) {}
	}
	b := &Builder{
		file:     f,
		dir:      tmpdir,
		progress: progress,
		changed:  make(chan struct{}),
	}
	b.zw = zip.NewWriter(sink{b})
	progress(0)
	return b, nil
}

// sink writes to the backing file and wakes up followers.
type sink struct {
	b *Builder
}

func (s sink) Write(p []byte) (int, error) {
	b := s.b
	n, err := b.file.Write(p)
	b.mu.Lock()
	b.size += int64(n)
	b.notify()
	b.mu.Unlock()
	return n, err
}

// notify must be called with mu held.
func (b *Builder) notify() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Path returns the path of the backing file.
func (b *Builder) Path() string {
	return b.file.Name()
}

// Add adds a file, or all regular files below a directory. A file is named by
// its base name in the archive, files in a directory by their path relative to
// the parent of the directory. Symbolic links are skipped.
func (b *Builder) Add(ctx context.Context, p string) error {
	if err := b.usable(); err != nil {
		return err
	}

	info, err := os.Lstat(p)
	if err != nil {
		return b.fail(xerrors.Errorf("%w: %v", ErrArchiveIO, err))
	}
	if info.Mode().IsRegular() {
		return b.addFile(ctx, p, filepath.Base(p), info)
	}
	if !info.IsDir() {
		return nil
	}

	parent := filepath.Dir(filepath.Clean(p))
	var files []string
	err = filepath.WalkDir(p, func(fp string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, fp)
		}
		return nil
	})
	if err != nil {
		return b.fail(xerrors.Errorf("%w: walking %s: %v", ErrArchiveIO, p, err))
	}
	sort.Strings(files)
	for _, fp := range files {
		info, err := os.Lstat(fp)
		if err != nil {
			return b.fail(xerrors.Errorf("%w: %v", ErrArchiveIO, err))
		}
		rel, err := filepath.Rel(parent, fp)
		if err != nil {
			return b.fail(xerrors.Errorf("%w: %v", ErrArchiveIO, err))
		}
		if err := b.addFile(ctx, fp, filepath.ToSlash(rel), info); err != nil {
			return err
		}
	}
	return nil
}

// NewHeader returns the header used for a file named name in the archive.
func NewHeader(name string, info fs.FileInfo) *zip.FileHeader {
	return &zip.FileHeader{
		Name:     name,
		Method:   Method(name, info.Size()),
		Modified: info.ModTime().UTC().Truncate(1e9),
	}
}

func (b *Builder) addFile(ctx context.Context, p, name string, info fs.FileInfo) error {
	f, err := os.Open(p)
	if err != nil {
		return b.fail(xerrors.Errorf("%w: %v", ErrArchiveIO, err))
	}
	defer f.Close()

	fh := NewHeader(name, info)
	w, err := b.zw.CreateHeader(fh)
	if err != nil {
		return b.fail(xerrors.Errorf("%w: creating entry %s: %v", ErrArchiveIO, name, err))
	}
	if err := b.zw.Flush(); err != nil {
		return b.fail(xerrors.Errorf("%w: %v", ErrArchiveIO, err))
	}
	// The previous entry has been closed by CreateHeader, with its sizes and
	// checksum filled in.
	b.closeOpen()
	b.mu.Lock()
	b.open = fh
	b.openStart = b.size
	b.mu.Unlock()

	buf := make([]byte, ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return b.fail(err)
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return b.fail(xerrors.Errorf("%w: writing %s: %v", ErrArchiveIO, name, err))
			}
			if err := b.zw.Flush(); err != nil {
				return b.fail(xerrors.Errorf("%w: %v", ErrArchiveIO, err))
			}
			b.processed += int64(n)
			b.progress(b.processed)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return b.fail(xerrors.Errorf("%w: reading %s: %v", ErrArchiveIO, p, rerr))
		}
	}
}

// closeOpen records the open entry as completed. Only call after the zip
// writer has closed it.
func (b *Builder) closeOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open == nil {
		return
	}
	b.entries = append(b.entries, entry{*b.open, b.openStart})
	b.open = nil
}

// Finalize writes the central directory. Afterwards the archive is complete
// and followers reach EOF.
func (b *Builder) Finalize() error {
	if err := b.usable(); err != nil {
		return err
	}
	if err := b.zw.Close(); err != nil {
		return b.fail(xerrors.Errorf("%w: writing central directory: %v", ErrArchiveIO, err))
	}
	b.closeOpen()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
	b.complete = true
	b.notify()
	return nil
}

func (b *Builder) usable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.complete {
		return ErrFinalized
	}
	if b.done {
		return b.err
	}
	return nil
}

// fail ends the build with err, which is returned.
func (b *Builder) fail(err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.done {
		b.done = true
		b.err = err
		b.notify()
	}
	return err
}

// Cancel ends an unfinished build. Followers get err, or ErrCanceled if err is
// nil. A running Add returns at its next chunk only if its context is
// canceled too.
func (b *Builder) Cancel(err error) {
	if err == nil {
		err = ErrCanceled
	}
	b.fail(err)
}

// Complete returns whether Finalize succeeded.
func (b *Builder) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete
}

// Size returns the number of bytes of the archive written so far.
func (b *Builder) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Err returns the error that ended the build, if any.
func (b *Builder) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close cancels an unfinished build and removes the backing file.
func (b *Builder) Close() error {
	b.Cancel(nil)
	err := b.file.Close()
	if rerr := os.RemoveAll(b.dir); err == nil {
		err = rerr
	}
	return err
}

// state returns the current size, whether the build ended, its error, and a
// channel that is closed on the next change.
func (b *Builder) state() (int64, bool, error, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size, b.done, b.err, b.changed
}

// Follow returns a reader for the archive that blocks for more data until the
// archive is finalized, and then returns EOF. If the build fails or is canceled,
// reads return that error. Reads return ctx's error when it is done.
func (b *Builder) Follow(ctx context.Context) io.ReadCloser {
	return &follower{b: b, ctx: ctx}
}

type follower struct {
	b      *Builder
	ctx    context.Context
	offset int64
}

func (f *follower) Read(p []byte) (int, error) {
	for {
		size, done, err, changed := f.b.state()
		if err != nil {
			return 0, err
		}
		if f.offset < size {
			if int64(len(p)) > size-f.offset {
				p = p[:size-f.offset]
			}
			n, rerr := f.b.file.ReadAt(p, f.offset)
			f.offset += int64(n)
			if rerr == io.EOF && n > 0 {
				rerr = nil
			}
			if rerr != nil {
				return n, xerrors.Errorf("%w: %v", ErrArchiveIO, rerr)
			}
			return n, nil
		}
		if done {
			return 0, io.EOF
		}
		select {
		case <-changed:
		case <-f.ctx.Done():
			return 0, f.ctx.Err()
		}
	}
}

func (f *follower) Close() error {
	return nil
}

// Snapshot writes the archive to w. If the archive is finalized it is copied as
// is and complete is true. Otherwise a valid but partial zip is written with
// the entries completed so far, their data copied from the backing file, and
// complete is false. Callers must not present a partial snapshot as the final
// archive.
func (b *Builder) Snapshot(w io.Writer) (complete bool, err error) {
	b.mu.Lock()
	complete = b.complete
	size := b.size
	entries := append([]entry{}, b.entries...)
	b.mu.Unlock()

	if complete {
		_, err := io.Copy(w, io.NewSectionReader(b.file, 0, size))
		if err != nil {
			return true, xerrors.Errorf("%w: %v", ErrArchiveIO, err)
		}
		return true, nil
	}

	zw := zip.NewWriter(w)
	for _, e := range entries {
		fh := e.header
		ew, err := zw.CreateRaw(&fh)
		if err != nil {
			return false, xerrors.Errorf("%w: %v", ErrArchiveIO, err)
		}
		if _, err := io.Copy(ew, io.NewSectionReader(b.file, e.dataStart, int64(fh.CompressedSize64))); err != nil {
			return false, xerrors.Errorf("%w: %v", ErrArchiveIO, err)
		}
	}
	if err := zw.Close(); err != nil {
		return false, xerrors.Errorf("%w: %v", ErrArchiveIO, err)
	}
	return false, nil
}
