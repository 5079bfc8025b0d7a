package presence

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/putto11262002/chatter-client/models"
)

func ids(s ...string) []models.ID {
	out := make([]models.ID, len(s))
	for i, v := range s {
		out[i] = models.ID(v)
	}
	return out
}

func TestSnapshotThenDelta(t *testing.T) {
	e := New()
	e.SetConnected(true)
	e.ApplyDelta("A", true)

	assert.True(t, e.ApplySnapshot(ids("A", "B")))
	e.ApplyDelta("A", false)
	assert.Equal(t, ids("B"), e.Read())
}

func TestSnapshotEvictsWhileConnected(t *testing.T) {
	e := New()
	e.SetConnected(true)
	e.ApplySnapshot(ids("1", "2", "3"))
	e.ApplySnapshot(ids("2", "4"))
	assert.Equal(t, ids("2", "4"), e.Read())
	assert.False(t, e.IsOnline("1"))
	assert.True(t, e.IsOnline("4"))
}

func TestDisconnectFreezesSet(t *testing.T) {
	e := New()
	e.SetConnected(true)
	e.ApplySnapshot(ids("A", "B"))

	e.SetConnected(false)
	assert.Equal(t, ids("A", "B"), e.Read())

	// snapshots are ignored while disconnected
	assert.False(t, e.ApplySnapshot(ids("C")))
	assert.Equal(t, ids("A", "B"), e.Read())

	// deltas still apply
	e.ApplyDelta("B", false)
	assert.Equal(t, ids("A"), e.Read())

	e.SetConnected(true)
	assert.Equal(t, ids("A"), e.Read(), "reconnect alone does not clear the set")
	e.ApplySnapshot(ids("C"))
	assert.Equal(t, ids("C"), e.Read())
}

func TestSeedOnlyBeforeFirstSnapshot(t *testing.T) {
	e := New()
	e.Seed("7", true)
	assert.True(t, e.IsOnline("7"))

	e.SetConnected(true)
	e.Seed("8", true)
	assert.True(t, e.IsOnline("8"))

	e.ApplySnapshot(ids("7"))
	e.Seed("9", true)
	assert.False(t, e.IsOnline("9"))
	assert.Equal(t, ids("7"), e.Read())

	// a new connection accepts hints again until its snapshot arrives
	e.SetConnected(false)
	e.SetConnected(true)
	e.Seed("9", true)
	assert.True(t, e.IsOnline("9"))
}

func TestOnChange(t *testing.T) {
	e := New()
	e.SetConnected(true)
	var got [][]models.ID
	unsubscribe := e.OnChange(func(online []models.ID) {
		got = append(got, online)
	})

	e.ApplySnapshot(ids("1", "2"))
	e.ApplySnapshot(ids("2", "1")) // no change
	e.ApplyDelta("2", true)        // no change
	e.ApplyDelta("3", true)
	assert.Equal(t, [][]models.ID{ids("1", "2"), ids("1", "2", "3")}, got)

	unsubscribe()
	e.ApplyDelta("4", true)
	assert.Len(t, got, 2)
}

// While connected, Read never holds an id absent from the latest snapshot
// unless a delta added it afterwards.
func TestSnapshotAuthorityProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	universe := ids("1", "2", "3", "4", "5", "6")

	for run := 0; run < 200; run++ {
		e := New()
		e.SetConnected(true)
		var latest map[models.ID]bool
		addedSince := map[models.ID]bool{}

		for step := 0; step < 30; step++ {
			if rng.Intn(3) == 0 {
				var snap []models.ID
				latest = map[models.ID]bool{}
				for _, id := range universe {
					if rng.Intn(2) == 0 {
						snap = append(snap, id)
						latest[id] = true
					}
				}
				e.ApplySnapshot(snap)
				addedSince = map[models.ID]bool{}
			} else {
				id := universe[rng.Intn(len(universe))]
				online := rng.Intn(2) == 0
				e.ApplyDelta(id, online)
				addedSince[id] = online
			}

			if latest == nil {
				continue
			}
			for _, id := range e.Read() {
				assert.True(t, latest[id] || addedSince[id], "run %d step %d: ghost %s", run, step, id)
			}
		}
	}
}
