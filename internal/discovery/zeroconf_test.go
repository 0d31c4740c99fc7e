package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func entry(instance string, port int) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, "_gw._tcp", "local.")
	e.HostName = "gw.local."
	e.Port = port
	e.TTL = 120
	e.Text = []string{"displayName=Office", "gatewayTls=1"}
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	return e
}

// scriptedEntryBrowser replays one entry list per browse round. Rounds past the
// end of the script repeat the last list.
type scriptedEntryBrowser struct {
	mu     sync.Mutex
	rounds [][]*zeroconf.ServiceEntry
	calls  int
}

func (s *scriptedEntryBrowser) newBrowser() (entryBrowser, error) {
	return s, nil
}

func (s *scriptedEntryBrowser) Browse(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
	s.mu.Lock()
	i := s.calls
	if i >= len(s.rounds) {
		i = len(s.rounds) - 1
	}
	s.calls++
	round := s.rounds[i]
	s.mu.Unlock()

	go func() {
		for _, e := range round {
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func newScriptedZeroconf(rounds ...[]*zeroconf.ServiceEntry) *Zeroconf {
	z := NewZeroconf(nil)
	z.RefreshInterval = 50 * time.Millisecond
	z.SweepInterval = 10 * time.Millisecond
	z.newBrowser = (&scriptedEntryBrowser{rounds: rounds}).newBrowser
	return z
}

func nextAnnouncement(t *testing.T, ch <-chan Announcement) Announcement {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for announcement")
		return Announcement{}
	}
}

func TestZeroconf_BrowseRemovesDepartedInstance(t *testing.T) {
	z := newScriptedZeroconf(
		[]*zeroconf.ServiceEntry{entry("Office", 9443), entry("Lab", 9443)},
		[]*zeroconf.ServiceEntry{entry("Office", 9443)},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Announcement, 16)
	done := make(chan error, 1)
	go func() { done <- z.Browse(ctx, "_gw._tcp", "local.", out) }()

	added := map[string]bool{}
	for range 2 {
		a := nextAnnouncement(t, out)
		if a.Removed {
			t.Fatalf("unexpected removal %+v", a)
		}
		added[a.Instance] = true
	}
	if !added["Office"] || !added["Lab"] {
		t.Fatalf("added = %v", added)
	}

	a := nextAnnouncement(t, out)
	if !a.Removed || a.Instance != "Lab" {
		t.Fatalf("announcement = %+v, want Lab removed", a)
	}

	// Office keeps answering with the same data and is not re-announced.
	select {
	case a := <-out:
		t.Errorf("unexpected announcement %+v", a)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Browse() = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Browse did not return after cancel")
	}
}

func TestZeroconf_BrowseAnnouncesChanges(t *testing.T) {
	z := newScriptedZeroconf(
		[]*zeroconf.ServiceEntry{entry("Office", 9443)},
		[]*zeroconf.ServiceEntry{entry("Office", 9444)},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Announcement, 16)
	go z.Browse(ctx, "_gw._tcp", "local.", out)

	for i := range 2 {
		a := nextAnnouncement(t, out)
		if a.Removed || a.Instance != "Office" {
			t.Fatalf("announcement %d = %+v", i, a)
		}
	}

	svc, err := z.Resolve(ctx, "Office", "_gw._tcp", "local.")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if svc.Port != 9444 {
		t.Errorf("resolved port = %d, want 9444", svc.Port)
	}

	select {
	case a := <-out:
		t.Errorf("unexpected announcement %+v", a)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestZeroconf_ObserveAndSweep(t *testing.T) {
	now := time.Unix(1700000000, 0)
	z := NewZeroconf(nil)
	z.now = func() time.Time { return now }

	a, changed := z.observe(entry("Office", 9443), time.Minute)
	if !changed || a.Removed || a.Instance != "Office" {
		t.Fatalf("observe() = %+v, %v", a, changed)
	}
	if _, changed := z.observe(entry("Office", 9443), time.Minute); changed {
		t.Error("unchanged entry reported as changed")
	}

	now = now.Add(90 * time.Second)
	if gone := z.sweep(); len(gone) != 0 {
		t.Errorf("entry expired early: %v", gone)
	}

	now = now.Add(time.Minute)
	gone := z.sweep()
	if len(gone) != 1 || gone[0] != "Office" {
		t.Errorf("sweep() = %v", gone)
	}
}

func TestServiceFromEntry(t *testing.T) {
	svc := serviceFromEntry(entry("Office", 9443))
	if svc.Host != "192.168.1.20" || svc.Port != 9443 {
		t.Errorf("service = %+v", svc)
	}
	if svc.TXT["displayname"] != "Office" || svc.TXT["gatewaytls"] != "1" {
		t.Errorf("TXT = %v", svc.TXT)
	}

	e := entry("Office", 9443)
	e.AddrIPv4 = nil
	if got := serviceFromEntry(e).Host; got != "gw.local" {
		t.Errorf("hostname fallback = %q", got)
	}
}
