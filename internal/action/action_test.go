package action

import (
	"context"
	"testing"

	"github.com/antigravity-dev/factoryverse/internal/envelope"
	"github.com/antigravity-dev/factoryverse/internal/paramspec"
	"github.com/antigravity-dev/factoryverse/internal/validator"
)

type fakeSnapshot struct {
	updated []string
	removed []string
}

func (f *fakeSnapshot) UpdateEntity(pos paramspec.Position, entityName, entityType string) {
	f.updated = append(f.updated, entityName)
}

func (f *fakeSnapshot) RemoveEntity(pos paramspec.Position, entityName string) {
	f.removed = append(f.removed, entityName)
}

func pingAction() *Action {
	return &Action{
		Name:  "agent.ping",
		Specs: []paramspec.Spec{{Name: "agent_id", Kind: paramspec.KindNumber, Required: true}},
		Run: func(ctx context.Context, tick int64, params *paramspec.Instance) *Outcome {
			return &Outcome{
				Result: envelope.Ack(tick, map[string]any{"pong": true}),
				AffectedPositions: []AffectedPosition{
					{Position: paramspec.Position{X: 1, Y: 2}, EntityName: "iron-chest"},
				},
			}
		},
	}
}

func TestInvokeRunsPipelineAndPostRun(t *testing.T) {
	snap := &fakeSnapshot{}
	reg := NewRegistry(validator.NewRegistry(), snap, nil)
	if err := reg.Register(pingAction()); err != nil {
		t.Fatalf("register: %v", err)
	}

	result := reg.Invoke(context.Background(), "agent.ping", 5, map[string]any{"agent_id": 1.0}, nil, "player")
	if !result.Ok {
		t.Fatalf("expected ok result, got %+v", result)
	}
	if len(snap.updated) != 1 || snap.updated[0] != "iron-chest" {
		t.Fatalf("expected post-run snapshot update, got %v", snap.updated)
	}
}

func TestInvokeUnknownActionIsValidationError(t *testing.T) {
	reg := NewRegistry(validator.NewRegistry(), nil, nil)
	result := reg.Invoke(context.Background(), "does.not.exist", 1, nil, nil, "")
	if result.Ok || result.Category != envelope.CategoryValidation {
		t.Fatalf("expected VALIDATION failure, got %+v", result)
	}
}

func TestInvokeValidatorRejectionShortCircuitsBody(t *testing.T) {
	ranBody := false
	reg := NewRegistry(validator.NewRegistry(), nil, nil)
	reg.validators.Register("agent.ping", func(params map[string]any) (bool, string) {
		return false, "agent is dead"
	})
	a := pingAction()
	a.Run = func(ctx context.Context, tick int64, params *paramspec.Instance) *Outcome {
		ranBody = true
		return &Outcome{Result: envelope.Ack(tick, nil)}
	}
	if err := reg.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}

	result := reg.Invoke(context.Background(), "agent.ping", 1, map[string]any{"agent_id": 1.0}, nil, "")
	if result.Ok {
		t.Fatalf("expected validator rejection to fail the invoke")
	}
	if ranBody {
		t.Fatalf("expected body not to run after validator rejection")
	}
}

func TestInvokeValidatorSeesDecodedValuesForJSONStringParams(t *testing.T) {
	var seenAgentID any
	reg := NewRegistry(validator.NewRegistry(), nil, nil)
	reg.validators.Register("agent.ping", func(params map[string]any) (bool, string) {
		seenAgentID = params["agent_id"]
		if id, ok := params["agent_id"].(float64); !ok || id <= 0 {
			return false, "agent_id must be positive"
		}
		return true, ""
	})
	if err := reg.Register(pingAction()); err != nil {
		t.Fatalf("register: %v", err)
	}

	result := reg.Invoke(context.Background(), "agent.ping", 1, `{"agent_id": -1}`, nil, "")
	if result.Ok {
		t.Fatalf("expected validator to reject negative agent_id decoded from a JSON string, got %+v", result)
	}
	if seenAgentID != float64(-1) {
		t.Fatalf("expected validator to see the decoded agent_id from the JSON-string call form, got %#v", seenAgentID)
	}
}

func TestEventDispatchIsolatesHandlerFailure(t *testing.T) {
	reg := NewRegistry(validator.NewRegistry(), nil, nil)
	calledSecond := false
	a := &Action{
		Name: "agent.noop",
		Events: map[string][]EventHandler{
			"craft.completed": {
				func(ctx context.Context, payload any) error { return context.DeadlineExceeded },
				func(ctx context.Context, payload any) error { calledSecond = true; return nil },
			},
		},
	}
	if err := reg.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Dispatch(context.Background(), "craft.completed", nil)
	if !calledSecond {
		t.Fatalf("expected second handler to run despite first failing")
	}
}
