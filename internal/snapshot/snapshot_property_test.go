package snapshot

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/antigravity-dev/factoryverse/internal/paramspec"
	"github.com/antigravity-dev/factoryverse/internal/world"
)

// TestUpdateEntityIdempotenceProperty verifies spec.md §8's snapshot
// idempotence invariant: applying update_entity_from_action twice with
// unchanged world state yields identical rows.
func TestUpdateEntityIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated UpdateEntity yields one identical row", prop.ForAll(
		func(x, y int, name string) bool {
			pos := paramspec.Position{X: float64(x), Y: float64(y)}
			e := NewEngine(world.New(world.NewFake()))

			e.UpdateEntity(pos, name, "resource")
			chunk := ChunkOf(pos)
			first := e.RowsByChunk(chunk)

			e.UpdateEntity(pos, name, "resource")
			second := e.RowsByChunk(chunk)

			if len(first) != 1 || len(second) != 1 {
				return false
			}
			a, b := first[0], second[0]
			return a.Position == b.Position && a.EntityName == b.EntityName &&
				a.EntityType == b.EntityType && a.Category == b.Category && a.Chunk == b.Chunk
		},
		gen.IntRange(-1000, 1000),
		gen.IntRange(-1000, 1000),
		gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 }),
	))

	properties.Property("RemoveEntity is idempotent", prop.ForAll(
		func(x, y int, name string) bool {
			pos := paramspec.Position{X: float64(x), Y: float64(y)}
			e := NewEngine(world.New(world.NewFake()))
			e.UpdateEntity(pos, name, "resource")

			e.RemoveEntity(pos, name)
			afterFirst := len(e.RowsByChunk(ChunkOf(pos)))
			e.RemoveEntity(pos, name)
			afterSecond := len(e.RowsByChunk(ChunkOf(pos)))

			return afterFirst == 0 && afterSecond == 0
		},
		gen.IntRange(-1000, 1000),
		gen.IntRange(-1000, 1000),
		gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 }),
	))

	properties.TestingRun(t)
}
