package signals

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends one JSONL line per namespace file under BaseDir
// (spec.md §4.11: "file (append JSONL to a namespace file)").
type FileSink struct {
	BaseDir string

	mu      sync.Mutex
	handles map[string]*os.File
}

// NewFileSink constructs a sink writing under baseDir, creating it if
// necessary on first Send.
func NewFileSink(baseDir string) *FileSink {
	return &FileSink{BaseDir: baseDir, handles: make(map[string]*os.File)}
}

// Send appends env as one JSON line to BaseDir/<namespace>.jsonl,
// sanitizing the namespace (which may contain "force:" / "surface:"
// separators) into a filesystem-safe filename.
func (s *FileSink) Send(env Envelope) error {
	data, err := MustMarshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileFor(env.Namespace)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

func (s *FileSink) fileFor(namespace string) (*os.File, error) {
	if f, ok := s.handles[namespace]; ok {
		return f, nil
	}
	if err := os.MkdirAll(s.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("signals: create sink dir: %w", err)
	}
	name := sanitizeFilename(namespace) + ".jsonl"
	f, err := os.OpenFile(filepath.Join(s.BaseDir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("signals: open sink file: %w", err)
	}
	s.handles[namespace] = f
	return f, nil
}

func sanitizeFilename(namespace string) string {
	out := make([]rune, 0, len(namespace))
	for _, r := range namespace {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Close releases every open file handle.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.handles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Sink = (*FileSink)(nil)

// UDPSink fires JSON datagrams at a fixed address. Unavailable transport
// is a documented no-op, not an error path (spec.md §4.11: "udp
// (fire-and-forget datagrams, no-op if transport unavailable)").
type UDPSink struct {
	conn net.Conn
}

// NewUDPSink dials addr; if the dial fails, returns a sink whose Send is
// permanently a no-op rather than an error, matching the spec's
// "no-op if transport unavailable" requirement.
func NewUDPSink(addr string) *UDPSink {
	conn, _ := net.Dial("udp", addr)
	return &UDPSink{conn: conn}
}

// Send writes the envelope as one UDP datagram; a nil conn (failed dial)
// or a write error is swallowed as a no-op.
func (s *UDPSink) Send(env Envelope) error {
	if s.conn == nil {
		return nil
	}
	data, err := MustMarshal(env)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(data)
	if err != nil {
		// best-effort transport: do not propagate as a hard sink failure
		return nil
	}
	return nil
}

// Close releases the underlying socket, if any.
func (s *UDPSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

var _ Sink = (*UDPSink)(nil)

// RCONSink writes envelopes to an injected line writer — the debug
// console channel spec.md §4.11 names. Tests and non-RCON deployments can
// supply any io.Writer-shaped func.
type RCONSink struct {
	Write func(line string) error
}

// Send formats env as a single-line JSON message and forwards it to Write.
func (s *RCONSink) Send(env Envelope) error {
	if s.Write == nil {
		return nil
	}
	data, err := MustMarshal(env)
	if err != nil {
		return err
	}
	return s.Write(string(data))
}

var _ Sink = (*RCONSink)(nil)
