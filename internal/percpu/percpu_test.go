package percpu

import (
	"testing"

	"github.com/osfree-project/smpcore/internal/arch"
)

func TestTableInstallLookup(t *testing.T) {
	tbl := NewTable()
	info := &Info{APICID: 7, NUMANode: 1}
	tbl.Install(2, info)

	got := tbl.Lookup(2)
	if got != info {
		t.Fatalf("Lookup(2) = %p, want %p", got, info)
	}
	if tbl.Lookup(99) != nil {
		t.Fatal("Lookup of unknown CPU should return nil")
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}
}

func TestInfoState(t *testing.T) {
	info := &Info{}
	if info.State() != Offline {
		t.Fatalf("zero-value state = %v, want Offline", info.State())
	}
	info.SetState(Online)
	if info.State() != Online {
		t.Fatalf("state = %v, want Online", info.State())
	}
}

func TestCurrentIDUsesSegment(t *testing.T) {
	seg := arch.NewFakeSegment()
	seg.Install(3)
	if got := CurrentID(seg); got != 3 {
		t.Fatalf("CurrentID = %d, want 3", got)
	}

	tbl := NewTable()
	info := &Info{}
	tbl.Install(3, info)
	if Current(seg, tbl) != info {
		t.Fatal("Current did not resolve to the installed Info")
	}
}

func TestTableForEach(t *testing.T) {
	tbl := NewTable()
	tbl.Install(0, &Info{})
	tbl.Install(1, &Info{})
	seen := map[uint32]bool{}
	tbl.ForEach(func(id uint32, info *Info) { seen[id] = true })
	if len(seen) != 2 || !seen[0] || !seen[1] {
		t.Fatalf("ForEach saw %v", seen)
	}
}
