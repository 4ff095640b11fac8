package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/pyremote/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertThenSnapshot(t *testing.T) {
	testlog.Start(t)

	r := New(5 * time.Second)
	t0 := time.Unix(1000, 0)
	assert.True(t, r.Upsert("n1", Attributes{Machine: "WS1"}, t0))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "n1", snap[0].NodeID)
	assert.Equal(t, "WS1", snap[0].Attributes.Machine)
	assert.Equal(t, t0, snap[0].LastSeenAt)
}

func TestUpsertReplacesAttributesAndRefreshes(t *testing.T) {
	testlog.Start(t)

	r := New(5 * time.Second)
	t0 := time.Unix(1000, 0)
	r.Upsert("n1", Attributes{Machine: "WS1", ProjectName: "Old", Extra: map[string]any{"k": "v"}}, t0)
	first := r.Upsert("n1", Attributes{Machine: "WS2"}, t0.Add(time.Second))
	assert.False(t, first)

	rec, ok := r.Get("n1")
	require.True(t, ok)
	assert.Equal(t, "WS2", rec.Attributes.Machine)
	assert.Empty(t, rec.Attributes.ProjectName)
	assert.Nil(t, rec.Attributes.Extra)
	assert.Equal(t, t0.Add(time.Second), rec.LastSeenAt)
	assert.Equal(t, 1, r.Len())
}

func TestSweepBoundary(t *testing.T) {
	testlog.Start(t)

	timeout := 5 * time.Second
	t0 := time.Unix(1000, 0)

	r := New(timeout)
	r.Upsert("n1", Attributes{}, t0)
	assert.Empty(t, r.Sweep(t0.Add(timeout-time.Millisecond)))
	assert.Empty(t, r.Sweep(t0.Add(timeout)))
	require.Len(t, r.Snapshot(), 1)

	assert.Equal(t, []string{"n1"}, r.Sweep(t0.Add(timeout+time.Millisecond)))
	assert.Empty(t, r.Snapshot())
}

func TestSweepKeepsRefreshedNodes(t *testing.T) {
	testlog.Start(t)

	r := New(2 * time.Second)
	t0 := time.Unix(1000, 0)
	r.Upsert("stale", Attributes{}, t0)
	r.Upsert("fresh", Attributes{}, t0)
	r.Upsert("fresh", Attributes{}, t0.Add(2*time.Second))

	assert.Equal(t, []string{"stale"}, r.Sweep(t0.Add(3*time.Second)))
	_, ok := r.Get("fresh")
	assert.True(t, ok)
}

func TestSnapshotIsDetached(t *testing.T) {
	testlog.Start(t)

	r := New(time.Second)
	r.Upsert("n1", Attributes{Extra: map[string]any{"k": "v"}}, time.Unix(0, 0))

	snap := r.Snapshot()
	snap[0].Attributes.Extra["k"] = "mutated"
	snap[0].NodeID = "other"

	rec, ok := r.Get("n1")
	require.True(t, ok)
	assert.Equal(t, "v", rec.Attributes.Extra["k"])
}

func TestResetDiscardsRecords(t *testing.T) {
	testlog.Start(t)

	r := New(time.Second)
	r.Upsert("n1", Attributes{}, time.Unix(0, 0))
	r.Reset()
	assert.Zero(t, r.Len())
	assert.True(t, r.Upsert("n1", Attributes{}, time.Unix(0, 0)))
}

func TestAttributesFromPayload(t *testing.T) {
	testlog.Start(t)

	attrs := AttributesFromPayload(map[string]any{
		KeyUser:          "artist",
		KeyMachine:       "WS1",
		KeyEngineVersion: "5.3.2",
		KeyEngineRoot:    "C:/UE_5.3",
		KeyProjectRoot:   "D:/Proj",
		KeyProjectName:   "Proj",
		"pid":            1234.0,
		KeyMachine + "_": "extra",
	})
	assert.Equal(t, "artist", attrs.User)
	assert.Equal(t, "WS1", attrs.Machine)
	assert.Equal(t, "5.3.2", attrs.EngineVersion)
	assert.Equal(t, "C:/UE_5.3", attrs.EngineRoot)
	assert.Equal(t, "D:/Proj", attrs.ProjectRoot)
	assert.Equal(t, "Proj", attrs.ProjectName)
	assert.Equal(t, map[string]any{"pid": 1234.0, "machine_": "extra"}, attrs.Extra)

	attrs = AttributesFromPayload(map[string]any{KeyMachine: 7.0})
	assert.Empty(t, attrs.Machine)
	assert.Equal(t, 7.0, attrs.Extra[KeyMachine])

	assert.Equal(t, Attributes{}, AttributesFromPayload(nil))
}

func TestRegistryConcurrentUpsertSweep(t *testing.T) {
	testlog.Start(t)

	r := New(50 * time.Millisecond)
	base := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r.Upsert(fmt.Sprintf("n%d", (w+i)%10), Attributes{Machine: "m"}, base.Add(time.Duration(i)*time.Millisecond))
			}
		}(w)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.Sweep(base.Add(time.Duration(i) * time.Millisecond))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = r.Snapshot()
		}
	}()
	wg.Wait()

	assert.LessOrEqual(t, r.Len(), 10)
}
