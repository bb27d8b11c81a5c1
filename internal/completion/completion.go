// Package completion is the async-completion transport (spec.md §4.12,
// C12): every multi-tick job engine (walk/mine/craft) reports its terminal
// envelope through a CompletionFunc, and this package turns that into a
// best-effort UDP JSON datagram correlating action_id to outcome. Grounded
// on the teacher's internal/api package's "never let a transport failure
// abort caller state" posture — adapted here from HTTP handler error
// isolation to a fire-and-forget UDP send that only logs on failure.
package completion

import (
	"encoding/json"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/antigravity-dev/factoryverse/internal/envelope"
	"github.com/antigravity-dev/factoryverse/internal/world"
)

// Notifier is the interface job engines depend on, so tests and disabled
// deployments can swap in NoopSender without touching caller code.
type Notifier interface {
	Notify(actionType string, agentID world.AgentID, completionTick int64, result *envelope.Result)
}

var (
	_ Notifier = (*Sender)(nil)
	_ Notifier = NoopSender{}
)

// Datagram is the exact wire shape spec.md §4.12 names.
type Datagram struct {
	ActionID       string         `json:"action_id"`
	AgentID        uint64         `json:"agent_id"`
	ActionType     string         `json:"action_type"`
	RCONTick       int64          `json:"rcon_tick"`
	CompletionTick int64          `json:"completion_tick"`
	Success        bool           `json:"success"`
	Cancelled      bool           `json:"cancelled,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
}

// Sender is a best-effort UDP datagram sender. The zero value is not
// usable; construct with Dial.
type Sender struct {
	mu     sync.Mutex
	conn   net.Conn
	logger *slog.Logger
}

// Dial opens (but does not verify reachability of — UDP is connectionless)
// a socket to host:port. Send failures are logged, never returned to
// callers driving job-engine ticks, per spec.md §4.12 ("failures are
// logged and do not affect job state").
func Dial(host string, port int, logger *slog.Logger) (*Sender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return &Sender{conn: conn, logger: logger}, nil
}

// Close releases the underlying socket.
func (s *Sender) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Notify sends one completion datagram for a finished async action.
// actionType identifies the originating engine ("walk_to", "mine_resource",
// "agent.crafting.enqueue", ...). Send is guarded: marshal/write errors are
// logged and swallowed.
func (s *Sender) Notify(actionType string, agentID world.AgentID, completionTick int64, result *envelope.Result) {
	if s == nil || result == nil {
		return
	}

	dg := Datagram{
		ActionID:       result.ActionID,
		AgentID:        uint64(agentID),
		ActionType:     actionType,
		RCONTick:       result.RCONTick,
		CompletionTick: completionTick,
		Success:        result.Ok,
		Cancelled:      isCancelled(result),
		Result:         result.Data,
	}

	data, err := json.Marshal(dg)
	if err != nil {
		s.logger.Warn("completion: encode datagram failed", "action_id", dg.ActionID, "error", err)
		return
	}

	s.mu.Lock()
	_, err = s.conn.Write(data)
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("completion: send datagram failed", "action_id", dg.ActionID, "error", err)
	}
}

// isCancelled reads the "cancelled" flag a cancel-path result stashes in
// its Data map (spec.md §4.9's cancel flow), defaulting to false.
func isCancelled(result *envelope.Result) bool {
	if result.Data == nil {
		return false
	}
	v, _ := result.Data["cancelled"].(bool)
	return v
}

// NoopSender is a Sender-shaped no-op for tests and for hosts configured
// with completion transport disabled.
type NoopSender struct{}

// Notify discards the completion notification.
func (NoopSender) Notify(actionType string, agentID world.AgentID, completionTick int64, result *envelope.Result) {
}
