package topology

import (
	"errors"
	"testing"

	"github.com/pithecene-io/virtsnd/status"
	"github.com/pithecene-io/virtsnd/wire"
)

func TestDomainLookup(t *testing.T) {
	table := New()
	table.AddDomain(Domain{Name: "guest-audio", ID: 1, TopologyName: "guest-audio.tplg"})
	table.AddDomain(Domain{Name: "guest-media", ID: 2, TopologyName: "guest-media.tplg"})

	d, err := table.DomainByName("guest-media")
	if err != nil {
		t.Fatalf("DomainByName: %v", err)
	}
	if d.ID != 2 {
		t.Errorf("ID = %d, want 2", d.ID)
	}

	d, err = table.DomainByID(1)
	if err != nil {
		t.Fatalf("DomainByID: %v", err)
	}
	if d.Name != "guest-audio" {
		t.Errorf("Name = %q, want guest-audio", d.Name)
	}

	if _, err := table.DomainByName("stranger"); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("unknown name = %v, want ErrNotFound", err)
	}
	if _, err := table.DomainByID(99); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("unknown id = %v, want ErrNotFound", err)
	}
}

func TestPCMOwner_KeyedByIDAndDirection(t *testing.T) {
	table := New()
	table.SetPCMOwner("Speaker", wire.DirPlayback, 1)
	table.SetPCMOwner("Speaker", wire.DirCapture, 2)

	if got, err := table.PCMOwner("Speaker", wire.DirPlayback); err != nil || got != 1 {
		t.Errorf("playback owner = %d, %v, want 1", got, err)
	}
	if got, err := table.PCMOwner("Speaker", wire.DirCapture); err != nil || got != 2 {
		t.Errorf("capture owner = %d, %v, want 2", got, err)
	}
	if _, err := table.PCMOwner("Mic", wire.DirCapture); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("unowned pcm = %v, want ErrNotFound", err)
	}
}

func TestKctlOwner_WidgetBeatsStatic(t *testing.T) {
	table := New()
	table.AddStaticKctl(KctlDomain{ControlID: "PGA1.0 1 Master", DomainID: 5})
	table.AddWidgetKctl(KctlDomain{ControlID: "PGA1.0 1 Master", DomainID: 2})

	if got := table.KctlOwner("PGA1.0 1 Master"); got != 2 {
		t.Errorf("owner = %d, want widget entry 2", got)
	}
}

func TestKctlOwner_StaticFirstMatchWins(t *testing.T) {
	table := New()
	table.AddStaticKctl(KctlDomain{ControlID: "Master Playback Volume", DomainID: 1})
	table.AddStaticKctl(KctlDomain{ControlID: "Master Playback Volume", DomainID: 2})

	if got := table.KctlOwner("Master Playback Volume"); got != 1 {
		t.Errorf("owner = %d, want first entry 1", got)
	}
}

func TestKctlOwner_UnmatchedDefaultsToHost(t *testing.T) {
	table := New()
	table.AddStaticKctl(KctlDomain{ControlID: "Something Else", DomainID: 4})

	if got := table.KctlOwner("Unlisted Control"); got != 0 {
		t.Errorf("owner = %d, want 0", got)
	}
}
