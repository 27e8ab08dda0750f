package trace

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON_IndependentOfArrivalOrder(t *testing.T) {
	t1 := BuildTrace{
		PlanHash: "plan-abc",
		Events: []Event{
			{Kind: EventBuilt, Artifact: "b-2"},
			{Kind: EventCached, Artifact: "a-1"},
			{Kind: EventSkipped, Artifact: "c-3", Reason: ReasonUpstreamFailed, Cause: "b-2"},
		},
	}
	t2 := BuildTrace{
		PlanHash: "plan-abc",
		Events: []Event{
			{Kind: EventSkipped, Artifact: "c-3", Cause: "b-2", Reason: ReasonUpstreamFailed},
			{Kind: EventCached, Artifact: "a-1"},
			{Kind: EventBuilt, Artifact: "b-2"},
		},
	}

	b1, err := t1.CanonicalJSON()
	require.NoError(t, err)
	b2, err := t2.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, string(b1), string(b2))

	h1, err := t1.Hash()
	require.NoError(t, err)
	h2, err := t2.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestCanonicalJSON_Bytes(t *testing.T) {
	tr := BuildTrace{
		PlanHash: "p",
		Events: []Event{
			{Kind: EventFailed, Artifact: "b-2"},
			{Kind: EventBuilt, Artifact: "a-1", Output: "a-9"},
		},
	}
	b, err := tr.CanonicalJSON()
	require.NoError(t, err)
	want := `{"planHash":"p","events":[{"kind":"ArtifactBuilt","artifact":"a-1","output":"a-9"},{"kind":"ArtifactFailed","artifact":"b-2"}]}`
	assert.Equal(t, want, string(b))

	// The caller's slice is left in arrival order.
	assert.Equal(t, EventFailed, tr.Events[0].Kind)
}

func TestCanonicalJSON_EmptyTrace(t *testing.T) {
	b, err := BuildTrace{PlanHash: "p"}.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"planHash":"p","events":[]}`, string(b))
}

func TestValidate(t *testing.T) {
	_, err := BuildTrace{}.CanonicalJSON()
	require.Error(t, err)

	_, err = BuildTrace{PlanHash: "p", Events: []Event{{Artifact: "a-1"}}}.CanonicalJSON()
	require.ErrorContains(t, err, "kind")

	_, err = BuildTrace{PlanHash: "p", Events: []Event{{Kind: EventBuilt}}}.CanonicalJSON()
	require.ErrorContains(t, err, "artifact")
}

type panicSink struct{}

func (panicSink) Record(Event) { panic("boom") }

func TestSafeRecord_SwallowsPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		SafeRecord(panicSink{}, Event{Kind: EventBuilt, Artifact: "a-1"})
		SafeRecord(nil, Event{Kind: EventBuilt, Artifact: "a-1"})
		SafeRecord(NopSink{}, Event{Kind: EventBuilt, Artifact: "a-1"})
	})
}

func TestRecorder_ConcurrentRecordIsCanonical(t *testing.T) {
	r := NewRecorder()
	ids := []string{"e-5", "a-1", "d-4", "b-2", "c-3"}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record(Event{Kind: EventBuilt, Artifact: id})
		}()
	}
	wg.Wait()

	assert.Len(t, r.Snapshot(), len(ids))
	tr := r.Trace("p")
	var got []string
	for _, e := range tr.Events {
		got = append(got, e.Artifact)
	}
	assert.Equal(t, []string{"a-1", "b-2", "c-3", "d-4", "e-5"}, got)
}
