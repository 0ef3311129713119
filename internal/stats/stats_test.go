package stats

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
)

func TestRecordAndSnapshot(t *testing.T) {
	r := NewRegistry(timeutil.RealClock())

	r.Record("read", 2*time.Millisecond)
	r.Record("read", 4*time.Millisecond)
	r.Record("open", time.Millisecond)

	calls, total := r.Snapshot("read")
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if total != 6*time.Millisecond {
		t.Errorf("total = %v, want 6ms", total)
	}

	calls, total = r.Snapshot("never")
	if calls != 0 || total != 0 {
		t.Errorf("unknown tag = (%d, %v), want zeros", calls, total)
	}
}

func TestTimedUsesClock(t *testing.T) {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC))

	r := NewRegistry(clock)

	finish := r.Timed("op")
	clock.AdvanceTime(250 * time.Millisecond)
	finish()

	calls, total := r.Snapshot("op")
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if total != 250*time.Millisecond {
		t.Errorf("total = %v, want 250ms", total)
	}
}

func TestReset(t *testing.T) {
	r := NewRegistry(timeutil.RealClock())
	r.Record("x", time.Second)
	r.Reset()

	if calls, _ := r.Snapshot("x"); calls != 0 {
		t.Errorf("calls after reset = %d, want 0", calls)
	}
}

func TestExportTagCSV(t *testing.T) {
	r := NewRegistry(timeutil.RealClock())
	r.EnableDetailed("read")

	r.Record("read", 100*time.Microsecond)
	r.Record("read", 300*time.Microsecond)
	r.Record("other", time.Microsecond) // not detailed, not exported

	path := filepath.Join(t.TempDir(), "read.csv")
	if err := r.ExportTagCSV("read", path, 5); err != nil {
		t.Fatalf("ExportTagCSV: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d rows, want 2: %q", len(lines), lines)
	}
	if lines[0] != "5,0,100" {
		t.Errorf("row 0 = %q, want 5,0,100", lines[0])
	}
	if lines[1] != "5,1,300" {
		t.Errorf("row 1 = %q, want 5,1,300", lines[1])
	}
}

func TestExportTagCSVWithoutHistory(t *testing.T) {
	r := NewRegistry(timeutil.RealClock())
	r.Record("read", time.Millisecond) // detailed logging never enabled

	err := r.ExportTagCSV("read", filepath.Join(t.TempDir(), "x.csv"), -1)
	if err == nil {
		t.Error("expected error exporting tag with no history")
	}
}
