// Package timeslice records how long each stage of a spawn took.
//
// A recording is a header, a JSON table of stage kinds padded to a page,
// then fixed size little-endian records. Records are queued to a single
// writer goroutine so Record never blocks on I/O while the queue has room.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x5350544d // "MTPS"
	Version uint32 = 1

	pageAlign = 4096
)

type header struct {
	Magic      uint32
	Version    uint32
	KindsBytes uint32
}

type KindID uint32

const InvalidKind = KindID(0)

type KindInfo struct {
	Name  string
	Flags KindFlags
}

type KindFlags uint32

const (
	// KindFlagSyscall marks stages dominated by kernel calls.
	KindFlagSyscall KindFlags = 1 << iota
	// KindFlagIO marks stages dominated by file service calls.
	KindFlagIO
)

func (f KindFlags) String() string {
	flags := []string{}
	if f&KindFlagSyscall != 0 {
		flags = append(flags, "syscall")
	}
	if f&KindFlagIO != 0 {
		flags = append(flags, "io")
	}
	return strings.Join(flags, ",")
}

var (
	kindsMu sync.Mutex
	kinds   = make(map[KindID]KindInfo)
)

// RegisterKind adds a stage kind. Kinds are normally registered from
// package level vars before any recording starts.
func RegisterKind(name string, flags KindFlags) KindID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := KindID(len(kinds) + 1)
	kinds[id] = KindInfo{Name: name, Flags: flags}
	return id
}

// Record is one timed stage of one spawn.
type Record struct {
	Kind     KindID
	Env      uint32
	Failed   bool
	Duration time.Duration
}

// wire layout: kind u32, env u32, failed u32, pad u32, duration i64
const recordSize = 24

func (r Record) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(r.Kind))
	binary.LittleEndian.PutUint32(b[4:], r.Env)
	var failed uint32
	if r.Failed {
		failed = 1
	}
	binary.LittleEndian.PutUint32(b[8:], failed)
	binary.LittleEndian.PutUint32(b[12:], 0)
	binary.LittleEndian.PutUint64(b[16:], uint64(r.Duration.Nanoseconds()))
}

func decodeRecord(b []byte) Record {
	return Record{
		Kind:     KindID(binary.LittleEndian.Uint32(b[0:])),
		Env:      binary.LittleEndian.Uint32(b[4:]),
		Failed:   binary.LittleEndian.Uint32(b[8:]) != 0,
		Duration: time.Duration(int64(binary.LittleEndian.Uint64(b[16:]))),
	}
}

type writer struct {
	w       io.Writer
	records chan Record
	done    chan error

	// mu orders sends against close(records).
	mu     sync.RWMutex
	closed bool
}

func (w *writer) add(rec Record) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.closed {
		w.records <- rec
	}
}

func (w *writer) run() {
	var buf [pageAlign]byte
	off := 0

	for rec := range w.records {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.done <- err
				// Drain so senders never block on a dead writer.
				for range w.records {
				}
				return
			}
			off = 0
		}
		rec.encode(buf[off : off+recordSize])
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.done <- err
			return
		}
	}
	w.done <- nil
}

func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return errors.New("timeslice: already closed")
	}
	w.mu.Lock()
	w.closed = true
	close(w.records)
	w.mu.Unlock()
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write: %w", err)
	}
	return nil
}

var current atomic.Pointer[writer]

// Add queues rec when a recording is active and drops it otherwise. It is
// safe to call while the recording is being closed.
func Add(rec Record) {
	if w := current.Load(); w != nil {
		w.add(rec)
	}
}

// Recorder times consecutive stages of one spawn. It is not safe for
// concurrent use.
type Recorder struct {
	env  uint32
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

// SetEnv tags subsequent records with env.
func (r *Recorder) SetEnv(env uint32) { r.env = env }

// Mark records the time since the previous mark under kind.
func (r *Recorder) Mark(kind KindID, failed bool) {
	now := time.Now()
	Add(Record{Kind: kind, Env: r.env, Failed: failed, Duration: now.Sub(r.last)})
	r.last = now
}

// StartRecording writes the header to w and starts accepting records. Only
// one recording may be active at a time.
func StartRecording(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, errors.New("timeslice: already recording")
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:      Magic,
		Version:    Version,
		KindsBytes: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(header{}) + len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{
		w:       w,
		records: make(chan Record, 1024),
		done:    make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, wr) {
		return nil, errors.New("timeslice: already recording")
	}
	go wr.run()
	return wr, nil
}

func padding(n int) int {
	if n%pageAlign == 0 {
		return 0
	}
	return pageAlign - n%pageAlign
}

// ReadAll decodes a recording and calls fn for every record in order.
func ReadAll(r io.Reader, fn func(kind KindInfo, rec Record) error) error {
	br := bufio.NewReaderSize(r, pageAlign)

	var hdr header
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return errors.New("timeslice: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var table map[KindID]KindInfo
	if err := json.NewDecoder(io.LimitReader(br, int64(hdr.KindsBytes))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if pad := padding(binary.Size(header{}) + int(hdr.KindsBytes)); pad > 0 {
		if _, err := br.Discard(pad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	var buf [recordSize]byte
	for {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		rec := decodeRecord(buf[:])
		kind, ok := table[rec.Kind]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.Kind)
		}
		if err := fn(kind, rec); err != nil {
			return err
		}
	}
}
