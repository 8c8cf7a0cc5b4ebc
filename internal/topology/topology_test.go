package topology

import (
	"testing"

	"github.com/osfree-project/smpcore/internal/kerrors"
)

func fourCPUSnapshot() Snapshot {
	return Snapshot{
		TotalPossible: 4,
		BSPID:         0,
		CPUs: []CPUDescriptor{
			{LogicalID: 0, APICID: 0, Enabled: true, NUMANode: 0},
			{LogicalID: 1, APICID: 1, Enabled: true, NUMANode: 0},
			{LogicalID: 2, APICID: 2, Enabled: true, NUMANode: 1},
			{LogicalID: 3, APICID: 3, Enabled: true, NUMANode: 1},
		},
		IOAPICs: []IOAPICDescriptor{
			{ID: 0, GlobalIntBase: 0, RedirectCount: 24},
		},
		NUMANodeCount: 2,
		NUMADistance: [][]uint8{
			{10, 20},
			{20, 10},
		},
	}
}

func TestImportValid(t *testing.T) {
	online, err := Import(fourCPUSnapshot(), 0)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !online.OnlineCPUs().Test(2) {
		t.Fatal("expected CPU 2 online")
	}
	if got := online.FallbackOrder[0]; len(got) != 1 || got[0] != 1 {
		t.Fatalf("node 0 fallback order = %v, want [1]", got)
	}
}

func TestImportDuplicateAPICID(t *testing.T) {
	snap := fourCPUSnapshot()
	snap.CPUs[1].APICID = snap.CPUs[0].APICID
	_, err := Import(snap, 0)
	if !kerrors.Is(err, kerrors.TopologyInconsistent) {
		t.Fatalf("got %v, want TopologyInconsistent", err)
	}
}

func TestImportBSPMismatch(t *testing.T) {
	_, err := Import(fourCPUSnapshot(), 99)
	if !kerrors.Is(err, kerrors.TopologyInconsistent) {
		t.Fatalf("got %v, want TopologyInconsistent", err)
	}
}

func TestImportOverlappingGSI(t *testing.T) {
	snap := fourCPUSnapshot()
	snap.IOAPICs = append(snap.IOAPICs, IOAPICDescriptor{ID: 1, GlobalIntBase: 10, RedirectCount: 8})
	_, err := Import(snap, 0)
	if !kerrors.Is(err, kerrors.TopologyInconsistent) {
		t.Fatalf("got %v, want TopologyInconsistent", err)
	}
}

func TestRouteIRQOverride(t *testing.T) {
	snap := fourCPUSnapshot()
	snap.Overrides = []InterruptOverride{{LegacyIRQ: 0, GlobalInterrupt: 2}}
	online, err := Import(snap, 0)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if gsi, _, _ := online.RouteIRQ(0); gsi != 2 {
		t.Fatalf("RouteIRQ(0) = %d, want 2", gsi)
	}
	if gsi, _, _ := online.RouteIRQ(5); gsi != 5 {
		t.Fatalf("RouteIRQ(5) identity = %d, want 5", gsi)
	}
}

func TestCPUSetBasics(t *testing.T) {
	var s CPUSet
	s.Set(0)
	s.Set(63)
	s.Set(64)
	if !s.Test(0) || !s.Test(63) || !s.Test(64) {
		t.Fatal("expected bits set")
	}
	if s.Test(1) {
		t.Fatal("bit 1 should be clear")
	}
	lo, ok := s.Lowest()
	if !ok || lo != 0 {
		t.Fatalf("Lowest() = %d,%v want 0,true", lo, ok)
	}
	s.Clear(0)
	lo, ok = s.Lowest()
	if !ok || lo != 63 {
		t.Fatalf("Lowest() after clear = %d,%v want 63,true", lo, ok)
	}
}

func TestCPUSetIntersect(t *testing.T) {
	a := Single(2)
	b := Single(3)
	if !a.Intersect(b).IsEmpty() {
		t.Fatal("disjoint sets should intersect empty")
	}
	a.Set(3)
	if a.Intersect(b).IsEmpty() {
		t.Fatal("expected non-empty intersection")
	}
}
