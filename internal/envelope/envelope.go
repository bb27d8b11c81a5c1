// Package envelope implements the tagged result envelope returned by every
// action in the runtime (spec C1): ok/code/category/message/data/tick,
// with optional agent and trace correlation, plus the async "queued"
// variant used by multi-tick jobs.
package envelope

import (
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Category is the fixed outcome taxonomy from spec.md §3/§7.
type Category string

const (
	CategoryMap        Category = "MAP"
	CategoryAgent      Category = "AGENT"
	CategoryEngine     Category = "ENGINE"
	CategoryValidation Category = "VALIDATION"
	CategoryLogical    Category = "LOGICAL"
	CategoryResource   Category = "RESOURCE"
	CategoryCapacity   Category = "CAPACITY"
)

// Result is the canonical outcome envelope. Errors are values, not panics:
// a failed action returns a Result with Ok=false rather than unwinding the
// tick.
type Result struct {
	Ok       bool           `json:"ok"`
	Code     string         `json:"code,omitempty"`
	Category Category       `json:"category,omitempty"`
	Message  string         `json:"message,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Tick     int64          `json:"tick"`
	AgentID  *uint64        `json:"agent_id,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`

	// Async fields, present only when the action registered a tick job
	// rather than completing synchronously.
	Queued   bool   `json:"queued,omitempty"`
	ActionID string `json:"action_id,omitempty"`
	RCONTick int64  `json:"rcon_tick,omitempty"`
}

// Ack builds a successful synchronous result.
func Ack(tick int64, data map[string]any) *Result {
	return &Result{Ok: true, Tick: tick, Data: data}
}

// Fail builds a failed result. The caller supplies the category and a
// stable machine-readable code; message is the human-readable detail.
func Fail(tick int64, category Category, code, message string) *Result {
	return &Result{Ok: false, Tick: tick, Category: category, Code: code, Message: message}
}

// Queue builds the initial envelope for an action that registered a tick
// job instead of completing synchronously: {ok:true, queued:true,
// action_id, rcon_tick}.
func Queue(tick int64, actionID string, rconTick int64) *Result {
	return &Result{Ok: true, Queued: true, ActionID: actionID, RCONTick: rconTick, Tick: tick}
}

// WithAgent stamps the agent id onto a result, returning it for chaining.
func (r *Result) WithAgent(agentID uint64) *Result {
	r.AgentID = &agentID
	return r
}

// WithTrace stamps a trace id, preferring an active span context when one
// is supplied, else falling back to a fresh random id.
func (r *Result) WithTrace(spanCtx trace.SpanContext) *Result {
	if spanCtx.IsValid() {
		r.TraceID = spanCtx.TraceID().String()
		return r
	}
	r.TraceID = NewTraceID()
	return r
}

// NewTraceID mints a fallback correlation id when no span context exists.
func NewTraceID() string {
	return uuid.NewString()
}

// ActionID builds the "<kind>_<tick>_<agent_id>" correlation id spec.md's
// glossary defines for async actions.
func ActionID(kind string, tick int64, agentID uint64) string {
	return kind + "_" + strconv.FormatInt(tick, 10) + "_" + strconv.FormatUint(agentID, 10)
}
