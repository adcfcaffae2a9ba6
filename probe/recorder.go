// Package probe records the execution hits reported by instrumented code.
//
// A Recorder owns a single session slot. While a session is active the
// instrumented test binary maps the session's probe file into memory and
// increments one counter per probe in place, so hits survive a crashing
// test binary and need no explicit flush.
package probe

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// EnvVar names the environment variable through which an instrumented
// process learns the path of the active session's probe file.
const EnvVar = "COVGRADE_PROBE_FILE"

// counterSize is the width of a single probe counter in the probe file.
const counterSize = 4

// Range locates the probes of one unit inside a session's probe file.
type Range struct {
	Unit   string
	Offset int
	Len    int
}

// Buffer maps a unit name to its counters, one per inserted probe.
type Buffer map[string][]uint32

// Hits returns the counters recorded for unit, or nil if the unit is unknown.
func (b Buffer) Hits(unit string) []uint32 {
	return b[unit]
}

// Total returns the sum of all counters in the buffer.
func (b Buffer) Total() uint64 {
	var total uint64
	for _, counters := range b {
		for _, c := range counters {
			total += uint64(c)
		}
	}
	return total
}

// SessionConflictError is returned when a session is started while another
// one is still active on the same Recorder.
type SessionConflictError struct {
	Active string
}

func (e *SessionConflictError) Error() string {
	if e.Active == "" {
		return "probe recorder already has an active session"
	}
	return fmt.Sprintf("probe recorder already has an active session (%s)", e.Active)
}

// Recorder hands out recording sessions, at most one at a time.
type Recorder struct {
	logger zerolog.Logger
	dir    string
	slot   chan struct{}

	mu     sync.Mutex
	active *Session
}

// NewRecorder creates a recorder that places probe files in dir. An empty
// dir uses the system temporary directory.
func NewRecorder(logger zerolog.Logger, dir string) *Recorder {
	return &Recorder{
		logger: logger,
		dir:    dir,
		slot:   make(chan struct{}, 1),
	}
}

var (
	sharedOnce sync.Once
	shared     *Recorder
)

// Shared returns the process-wide recorder. It logs to the logger passed
// by the first caller.
func Shared(logger zerolog.Logger) *Recorder {
	sharedOnce.Do(func() {
		shared = NewRecorder(logger, "")
	})
	return shared
}

// Start opens a session for the given probe layout. It fails with a
// *SessionConflictError if a session is already active.
func (r *Recorder) Start(layout []Range) (*Session, error) {
	select {
	case r.slot <- struct{}{}:
	default:
		return nil, r.conflict()
	}
	return r.open(layout)
}

// StartWait is like Start but waits for the active session to shut down
// instead of failing.
func (r *Recorder) StartWait(ctx context.Context, layout []Range) (*Session, error) {
	select {
	case r.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for probe recorder: %w", ctx.Err())
	}
	return r.open(layout)
}

// Active returns the ID of the active session, or "" if there is none.
func (r *Recorder) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.id
}

func (r *Recorder) conflict() error {
	return &SessionConflictError{Active: r.Active()}
}

func (r *Recorder) open(layout []Range) (*Session, error) {
	s, err := r.newSession(layout)
	if err != nil {
		<-r.slot
		return nil, err
	}

	r.mu.Lock()
	r.active = s
	r.mu.Unlock()

	r.logger.Debug().
		Str("session", s.id).
		Str("file", s.path).
		Int("probes", s.size).
		Msg("Probe session started")
	return s, nil
}

func (r *Recorder) newSession(layout []Range) (*Session, error) {
	size := 0
	for _, rg := range layout {
		if rg.Offset < 0 || rg.Len < 0 {
			return nil, fmt.Errorf("invalid probe range for %s: offset=%d len=%d", rg.Unit, rg.Offset, rg.Len)
		}
		if end := rg.Offset + rg.Len; end > size {
			size = end
		}
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	id := hex.EncodeToString(idBytes)

	f, err := os.CreateTemp(r.dir, "probes-"+id[:8]+"-*.bin")
	if err != nil {
		return nil, fmt.Errorf("failed to create probe file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size * counterSize)); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("failed to size probe file: %w", err)
	}

	return &Session{
		id:     id,
		rec:    r,
		path:   f.Name(),
		layout: append([]Range(nil), layout...),
		size:   size,
	}, nil
}

func (r *Recorder) release(s *Session) {
	r.mu.Lock()
	if r.active == s {
		r.active = nil
	}
	r.mu.Unlock()
	<-r.slot

	r.logger.Debug().Str("session", s.id).Msg("Probe session shut down")
}

// Session is one recording window. Probes compiled into a process that was
// started with Env() report into this session.
type Session struct {
	id     string
	rec    *Recorder
	path   string
	layout []Range
	size   int

	collectOnce sync.Once
	data        Buffer
	err         error

	shutdownOnce sync.Once
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Path returns the probe file backing this session.
func (s *Session) Path() string { return s.path }

// Env returns the environment entry that points instrumented code at this
// session.
func (s *Session) Env() string {
	return EnvVar + "=" + s.path
}

// Collect reads the recorded hits. It must only be called once the
// instrumented process has exited; later calls return the same buffer.
func (s *Session) Collect() (Buffer, error) {
	s.collectOnce.Do(func() {
		s.data, s.err = s.read()
	})
	return s.data, s.err
}

func (s *Session) read() (Buffer, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read probe file: %w", err)
	}
	if len(raw) < s.size*counterSize {
		return nil, fmt.Errorf("probe file truncated: got %d bytes, want %d", len(raw), s.size*counterSize)
	}

	counters := make([]uint32, s.size)
	for i := range counters {
		counters[i] = binary.NativeEndian.Uint32(raw[i*counterSize:])
	}

	buf := make(Buffer, len(s.layout))
	for _, rg := range s.layout {
		buf[rg.Unit] = append([]uint32{}, counters[rg.Offset:rg.Offset+rg.Len]...)
	}
	return buf, nil
}

// Shutdown removes the probe file and frees the recorder slot. It is safe
// to call more than once.
func (s *Session) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = fmt.Errorf("failed to remove probe file: %w", rmErr)
		}
		s.rec.release(s)
	})
	return err
}
