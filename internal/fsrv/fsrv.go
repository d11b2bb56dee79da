// Package fsrv serves files to environments as page-aligned memory.
//
// Opening a file reserves a 4 MiB window at FileBase + fd*PDMap in the
// caller's address space. ReadMap fills the page covering an offset on first
// touch and returns its address in the caller; later calls return the same
// page, so in-place edits by the caller persist for the lifetime of the fd.
package fsrv

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/tinyrange/mos/internal/kern"
	"github.com/tinyrange/mos/internal/mmu"
)

const MaxFD = 32

// Open modes.
const (
	ORdOnly  = 0x0000
	OWrOnly  = 0x0001
	ORdWr    = 0x0002
	OAccMode = 0x0003
)

var (
	ErrNotFound = errors.New("fsrv: file not found")
	ErrMaxOpen  = errors.New("fsrv: too many open files")
	ErrBadFD    = errors.New("fsrv: bad file descriptor")
	ErrInval    = errors.New("fsrv: invalid argument")
)

// Fd is a file descriptor number local to one Client.
type Fd int

// Server holds the file tree shared by every client.
type Server struct {
	fsys fs.FS
	log  *slog.Logger
}

func New(fsys fs.FS, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		fsys: fsys,
		log:  logger.With(slog.String("component", "fsrv")),
	}
}

// Client binds the server to the address space of one environment.
func (s *Server) Client(p *kern.Proc) *Client {
	return &Client{srv: s, proc: p}
}

type openFile struct {
	path   string
	mode   int
	data   []byte
	mapped map[uint32]bool
}

type Client struct {
	srv  *Server
	proc *kern.Proc

	mu    sync.Mutex
	files [MaxFD]*openFile
}

// FdVA returns the base of fd's window in the caller.
func FdVA(fd Fd) uint32 {
	return mmu.FileBase + uint32(fd)*mmu.PDMap
}

// Open opens path with the given mode and returns the lowest free fd.
func (c *Client) Open(name string, mode int) (Fd, error) {
	if mode&OAccMode == OAccMode {
		return -1, fmt.Errorf("%w: mode %#x", ErrInval, mode)
	}
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" {
		clean = "."
	}

	data, err := fs.ReadFile(c.srv.fsys, clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return -1, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return -1, fmt.Errorf("fsrv: open %s: %w", name, err)
	}
	if len(data) > mmu.PDMap {
		return -1, fmt.Errorf("%w: %s is %d bytes, larger than an fd window", ErrInval, name, len(data))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.files {
		if c.files[i] == nil {
			c.files[i] = &openFile{
				path:   clean,
				mode:   mode,
				data:   data,
				mapped: make(map[uint32]bool),
			}
			c.srv.log.Debug("open", slog.String("path", clean), slog.Int("fd", i), slog.Int("size", len(data)))
			return Fd(i), nil
		}
	}
	return -1, ErrMaxOpen
}

func (c *Client) file(fd Fd) (*openFile, error) {
	if fd < 0 || int(fd) >= MaxFD || c.files[fd] == nil {
		return nil, fmt.Errorf("%w: %d", ErrBadFD, fd)
	}
	return c.files[fd], nil
}

// Size returns the file length.
func (c *Client) Size(fd Fd) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.file(fd)
	if err != nil {
		return 0, err
	}
	return len(f.data), nil
}

// ReadMap makes the page covering offset resident in the caller and
// returns its virtual address.
func (c *Client) ReadMap(fd Fd, offset uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.file(fd)
	if err != nil {
		return 0, err
	}
	if offset >= mmu.RoundUp(uint32(len(f.data)), mmu.PageSize) {
		return 0, fmt.Errorf("%w: offset %#x past end of %s", ErrInval, offset, f.path)
	}
	pageOff := mmu.RoundDown(offset, mmu.PageSize)
	va := FdVA(fd) + pageOff
	if f.mapped[pageOff] {
		return va, nil
	}

	perm := mmu.PteV
	if f.mode&OAccMode != ORdOnly {
		perm |= mmu.PteR
	}
	if err := c.proc.MemAlloc(0, va, perm); err != nil {
		return 0, fmt.Errorf("fsrv: map %s@%#x: %w", f.path, pageOff, err)
	}
	page, err := c.proc.Page(va)
	if err != nil {
		return 0, fmt.Errorf("fsrv: map %s@%#x: %w", f.path, pageOff, err)
	}
	copy(page, f.data[pageOff:])
	f.mapped[pageOff] = true
	return va, nil
}

// ReadAt reads file content directly, bypassing the page window.
func (c *Client) ReadAt(fd Fd, p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.file(fd)
	if err != nil {
		return 0, err
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close unmaps every resident page of fd and frees the descriptor.
func (c *Client) Close(fd Fd) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.file(fd)
	if err != nil {
		return err
	}
	var firstErr error
	for off := range f.mapped {
		if err := c.proc.MemUnmap(0, FdVA(fd)+off); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.files[fd] = nil
	return firstErr
}
