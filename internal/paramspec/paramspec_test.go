package paramspec

import "testing"

type fakeCatalog struct {
	entities map[string]bool
	recipes  map[string]bool
}

func (f fakeCatalog) HasEntity(name string) bool { return f.entities[name] }
func (f fakeCatalog) HasRecipeForForce(recipe, force string) bool {
	return f.recipes[recipe]
}

func walkToSpecs() []Spec {
	return []Spec{
		{Name: "agent_id", Kind: KindNumber, Required: true},
		{Name: "goal", Kind: KindPosition, Required: true},
		{Name: "arrive_radius", Kind: KindNumber, Required: false, Default: 0.7},
	}
}

func TestValidateMissingRequired(t *testing.T) {
	inst := FromMapping(walkToSpecs(), map[string]any{"goal": map[string]any{"x": 1.0, "y": 2.0}})
	err := inst.Validate(nil, "")
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Param != "agent_id" || ve.Code != "MISSING_PARAM" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateAppliesDefault(t *testing.T) {
	inst := FromMapping(walkToSpecs(), map[string]any{
		"agent_id": 1.0,
		"goal":     map[string]any{"x": 10.0, "y": 0.0},
	})
	if err := inst.Validate(nil, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := inst.Get("arrive_radius"); got != 0.7 {
		t.Fatalf("expected default 0.7, got %v", got)
	}
	goal := inst.Get("goal").(Position)
	if goal.X != 10.0 {
		t.Fatalf("expected goal.x=10, got %v", goal.X)
	}
}

func TestGetBeforeValidatePanics(t *testing.T) {
	inst := FromMapping(walkToSpecs(), map[string]any{})
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on unvalidated Get")
		}
	}()
	inst.Get("agent_id")
}

func TestEntityNameValidatesAgainstCatalog(t *testing.T) {
	specs := []Spec{{Name: "entity_name", Kind: KindEntityName, Required: true}}
	catalog := fakeCatalog{entities: map[string]bool{"iron-ore": true}}

	ok := FromMapping(specs, map[string]any{"entity_name": "iron-ore"})
	if err := ok.Validate(catalog, ""); err != nil {
		t.Fatalf("expected known entity to validate, got %v", err)
	}

	bad := FromMapping(specs, map[string]any{"entity_name": "unobtainium"})
	if err := bad.Validate(catalog, ""); err == nil {
		t.Fatalf("expected unknown entity to fail validation")
	}
}

func TestItemStackAcceptsSentinelCounts(t *testing.T) {
	specs := []Spec{{Name: "items", Kind: KindItemStack, Required: true}}
	inst := FromMapping(specs, map[string]any{
		"items": []any{
			map[string]any{"name": "iron-plate", "count": "MAX"},
			map[string]any{"name": "copper-plate", "count": 5.0},
		},
	})
	if err := inst.Validate(nil, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items := inst.Get("items").([]ItemStackEntry)
	if items[0].RawCount != "MAX" {
		t.Fatalf("expected sentinel MAX, got %+v", items[0])
	}
	if items[1].Count != 5 {
		t.Fatalf("expected count 5, got %+v", items[1])
	}
}

func TestFromJSONRoundTrip(t *testing.T) {
	raw := []byte(`{"agent_id":3,"goal":{"x":1,"y":2}}`)
	inst, _, err := FromJSON(walkToSpecs(), raw)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if err := inst.Validate(nil, ""); err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}
	if inst.Get("agent_id") != 3.0 {
		t.Fatalf("expected agent_id=3, got %v", inst.Get("agent_id"))
	}
}

func TestFromJSONDecodeFailureRecoversAgentID(t *testing.T) {
	raw := []byte(`{"agent_id": 42, "goal": }`)
	_, agentID, err := FromJSON(walkToSpecs(), raw)
	if err == nil {
		t.Fatalf("expected decode error")
	}
	if agentID != "42" {
		t.Fatalf("expected recovered agent_id=42, got %q", agentID)
	}
}
