package runs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(filepath.Join(t.TempDir(), "runs"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return st
}

func TestStore_SaveAndLoadRun_PreviousRunIDIsNullable(t *testing.T) {
	st := newTestStore(t)
	run := Run{
		ID:        "run-1",
		PlanHash:  "ph",
		Target:    "X8664_LINUX",
		Root:      "app-abc",
		StartTime: time.Unix(1, 2).UTC(),
		Status:    StatusRunning,
	}
	if err := st.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(st.Dir(), "run-1", "run.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"previous_run_id": null`) {
		t.Fatalf("expected previous_run_id null, got: %s", data)
	}

	loaded, err := st.LoadRun("run-1")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if !reflect.DeepEqual(loaded, run) {
		t.Fatalf("loaded run mismatch:\n got %+v\nwant %+v", loaded, run)
	}
}

func TestStore_RejectsInvalidRecords(t *testing.T) {
	st := newTestStore(t)
	if err := st.SaveRun(Run{ID: "r"}); err == nil {
		t.Fatalf("expected invalid run error")
	}
	if err := st.SaveOutcome("r", Outcome{Artifact: "../escape", State: "COMPLETED"}); err == nil {
		t.Fatalf("expected invalid outcome error")
	}
	if err := st.SaveFailure("r", Failure{Class: "weird", ErrorCode: "x", ErrorMessage: "y"}); err == nil {
		t.Fatalf("expected invalid failure error")
	}
	if _, err := st.LoadRun("../r"); err == nil {
		t.Fatalf("expected invalid id error")
	}
}

func TestStore_LoadRunRejectsUnknownFields(t *testing.T) {
	st := newTestStore(t)
	dir := filepath.Join(st.Dir(), "r")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	raw := `{"run_id":"r","plan_hash":"p","target":"","root":"","start_time":"2024-01-01T00:00:00Z","end_time":"0001-01-01T00:00:00Z","status":"running","retry_count":0,"previous_run_id":null,"extra":1}`
	if err := os.WriteFile(filepath.Join(dir, "run.json"), []byte(raw), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := st.LoadRun("r"); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestStore_OutcomesSortedByArtifact(t *testing.T) {
	st := newTestStore(t)
	for _, o := range []Outcome{
		{Artifact: "b-2", State: "SKIPPED"},
		{Artifact: "a-1", State: "COMPLETED", Output: "a-1", Log: "ok\n"},
	} {
		if err := st.SaveOutcome("r", o); err != nil {
			t.Fatalf("SaveOutcome: %v", err)
		}
	}
	got, err := st.LoadOutcomes("r")
	if err != nil {
		t.Fatalf("LoadOutcomes: %v", err)
	}
	if len(got) != 2 || got[0].Artifact != "a-1" || got[1].Artifact != "b-2" {
		t.Fatalf("unexpected outcomes: %+v", got)
	}
	if got[0].Log != "ok\n" {
		t.Fatalf("log not preserved: %q", got[0].Log)
	}

	none, err := st.LoadOutcomes("missing")
	if err != nil || none != nil {
		t.Fatalf("expected no outcomes, got %v, %v", none, err)
	}
}

func TestStore_FailureMissingIsNotExist(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.LoadFailure("r"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestStore_LatestByPlanHash(t *testing.T) {
	st := newTestStore(t)
	if _, ok, err := st.Latest("p"); err != nil || ok {
		t.Fatalf("expected no run in empty store, got ok=%v err=%v", ok, err)
	}

	start := time.Unix(100, 0).UTC()
	for _, r := range []Run{
		{ID: "01", PlanHash: "p", StartTime: start, Status: StatusFailed},
		{ID: "02", PlanHash: "q", StartTime: start, Status: StatusSucceeded},
		{ID: "03", PlanHash: "p", StartTime: start, Status: StatusSucceeded},
	} {
		if err := st.SaveRun(r); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	ids, err := st.ListRunIDs()
	if err != nil {
		t.Fatalf("ListRunIDs: %v", err)
	}
	if want := []string{"01", "02", "03"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids: got %v want %v", ids, want)
	}

	latest, ok, err := st.Latest("p")
	if err != nil || !ok || latest.ID != "03" {
		t.Fatalf("Latest(p): got %+v ok=%v err=%v", latest, ok, err)
	}
}

func TestStore_WritesLeaveNoTempFiles(t *testing.T) {
	st := newTestStore(t)
	if err := st.SaveTrace("r", []byte("{}\n")); err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}
	if err := st.SaveTrace("r", []byte(`{"events":[]}`+"\n")); err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(st.Dir(), "r"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "trace.json" {
		t.Fatalf("unexpected entries: %v", entries)
	}
	b, err := st.LoadTrace("r")
	if err != nil || string(b) != `{"events":[]}`+"\n" {
		t.Fatalf("LoadTrace: %q %v", b, err)
	}
}
