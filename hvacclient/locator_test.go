package hvacclient

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	hvac "github.com/Garson-hu/MT-HVAC"
)

func TestServerRankDeterministic(t *testing.T) {
	// The rank must be a pure function of (path, N): clients on
	// different nodes hash independently and must agree.
	paths := []string{
		"/lustre/job/input.0",
		"/lustre/job/input.1",
		"/d/f",
	}

	for _, p := range paths {
		for _, n := range []int{1, 2, 16} {
			a := ServerRank(p, n)
			b := ServerRank(p, n)

			if a != b {
				t.Errorf("ServerRank(%q, %d) unstable: %d vs %d", p, n, a, b)
			}
			if a < 0 || a >= n {
				t.Errorf("ServerRank(%q, %d) = %d, out of range", p, n, a)
			}
		}
	}
}

func TestServerRankSingleServer(t *testing.T) {
	if got := ServerRank("/anything/at/all", 1); got != 0 {
		t.Errorf("ServerRank with N=1 = %d, want 0", got)
	}
}

func writeRendezvous(t *testing.T, lines ...string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), ".ports.cfg.1234")
	var contents string
	for _, l := range lines {
		contents += l + "\n"
	}

	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAddressOf(t *testing.T) {
	path := writeRendezvous(t,
		fmt.Sprintf("0 %s127.0.0.1:7000", hvac.Provider),
		fmt.Sprintf("1 %s127.0.0.1:7001", hvac.Provider))

	l := NewLocator(path)

	addr, err := l.AddressOf(1)
	if err != nil {
		t.Fatalf("AddressOf(1): %v", err)
	}
	if want := hvac.Provider + "127.0.0.1:7001"; addr != want {
		t.Errorf("AddressOf(1) = %q, want %q", addr, want)
	}
}

func TestAddressOfCachesResolutions(t *testing.T) {
	path := writeRendezvous(t, fmt.Sprintf("0 %s127.0.0.1:7000", hvac.Provider))

	l := NewLocator(path)

	if _, err := l.AddressOf(0); err != nil {
		t.Fatalf("AddressOf(0): %v", err)
	}

	// Entries never expire within a run: the second lookup must succeed
	// even with the file gone.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	addr, err := l.AddressOf(0)
	if err != nil {
		t.Fatalf("cached AddressOf(0): %v", err)
	}
	if want := hvac.Provider + "127.0.0.1:7000"; addr != want {
		t.Errorf("cached AddressOf(0) = %q, want %q", addr, want)
	}
}

func TestAddressOfRankAbsent(t *testing.T) {
	path := writeRendezvous(t, fmt.Sprintf("0 %s127.0.0.1:7000", hvac.Provider))

	l := NewLocator(path)

	_, err := l.AddressOf(3)
	if !errors.Is(err, hvac.ErrNoServer) {
		t.Errorf("err = %v, want ErrNoServer", err)
	}
}

func TestAddressOfFileMissing(t *testing.T) {
	l := NewLocator(filepath.Join(t.TempDir(), ".ports.cfg.nope"))

	_, err := l.AddressOf(0)
	if !errors.Is(err, hvac.ErrBootstrap) {
		t.Errorf("err = %v, want ErrBootstrap", err)
	}
}

func TestAddressOfSkipsMalformedLines(t *testing.T) {
	path := writeRendezvous(t,
		"# comment",
		"",
		fmt.Sprintf("1 %s127.0.0.1:7001", hvac.Provider))

	l := NewLocator(path)

	addr, err := l.AddressOf(1)
	if err != nil {
		t.Fatalf("AddressOf(1): %v", err)
	}
	if want := hvac.Provider + "127.0.0.1:7001"; addr != want {
		t.Errorf("AddressOf(1) = %q, want %q", addr, want)
	}
}
