package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/duskline/langrelay/langid"
)

type fakeAdapter struct {
	id     string
	weight uint32
}

func (f *fakeAdapter) ID() string     { return f.id }
func (f *fakeAdapter) Weight() uint32 { return f.weight }
func (f *fakeAdapter) Send(ctx context.Context, payload []byte) error { return nil }

func TestChooseAdapterNoRoute(t *testing.T) {
	r := New(langid.New())
	src := r.lang.Register("en")
	tgt := r.lang.Register("de")
	if _, ok := r.ChooseAdapter(src, tgt); ok {
		t.Fatal("expected no adapter for an unregistered pair")
	}
}

func TestChooseAdapterSingleIgnoresWeight(t *testing.T) {
	r := New(langid.New())
	a := &fakeAdapter{id: "a1", weight: 0}
	r.OnAdapterReady(a, map[string][]string{"en": {"nl"}})

	src, _ := r.lang.Lookup("en")
	tgt, _ := r.lang.Lookup("nl")
	got, ok := r.ChooseAdapter(src, tgt)
	if !ok || got.ID() != "a1" {
		t.Fatalf("single-adapter route must return it unconditionally, got %+v ok=%v", got, ok)
	}
}

func TestWeightedSelectionRatio(t *testing.T) {
	r := New(langid.New())
	a3 := &fakeAdapter{id: "heavy", weight: 3}
	a1 := &fakeAdapter{id: "light", weight: 1}
	r.OnAdapterReady(a3, map[string][]string{"en": {"nl"}})
	r.OnAdapterReady(a1, map[string][]string{"en": {"nl"}})

	src, _ := r.lang.Lookup("en")
	tgt, _ := r.lang.Lookup("nl")

	const trials = 10000
	var heavyCount int
	for i := 0; i < trials; i++ {
		got, ok := r.ChooseAdapter(src, tgt)
		if !ok {
			t.Fatal("expected a route")
		}
		if got.ID() == "heavy" {
			heavyCount++
		}
	}
	ratio := float64(heavyCount) / float64(trials)
	if ratio < 0.73 || ratio > 0.77 {
		t.Fatalf("heavy adapter ratio = %.3f, want ~0.75 (±2%%)", ratio)
	}
}

func TestChooseAdapterAllZeroWeightReturnsNone(t *testing.T) {
	r := New(langid.New())
	a1 := &fakeAdapter{id: "a1", weight: 0}
	a2 := &fakeAdapter{id: "a2", weight: 0}
	r.OnAdapterReady(a1, map[string][]string{"en": {"nl"}})
	r.OnAdapterReady(a2, map[string][]string{"en": {"nl"}})

	src, _ := r.lang.Lookup("en")
	tgt, _ := r.lang.Lookup("nl")
	if _, ok := r.ChooseAdapter(src, tgt); ok {
		t.Fatal("expected no adapter chosen when 2+ candidates all have weight 0")
	}
}

func TestDisconnectRemovesFromSnapshot(t *testing.T) {
	r := New(langid.New())
	a := &fakeAdapter{id: "a1", weight: 1}
	r.OnAdapterReady(a, map[string][]string{"en": {"nl"}})

	var snap map[string][]string
	if err := json.Unmarshal(r.SupportedLanguagesJSON(), &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap["en"]) != 1 || snap["en"][0] != "nl" {
		t.Fatalf("got snapshot %+v", snap)
	}

	r.OnAdapterDisconnected(a)
	if err := json.Unmarshal(r.SupportedLanguagesJSON(), &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap) != 0 {
		t.Fatalf("expected pair to disappear after disconnect, got %+v", snap)
	}
}

func TestSnapshotIdempotence(t *testing.T) {
	r := New(langid.New())
	a := &fakeAdapter{id: "a1", weight: 1}
	r.OnAdapterReady(a, map[string][]string{"en": {"nl", "de"}})

	first := r.SupportedLanguagesJSON()
	r.recomputeSnapshotLocked()
	second := r.SupportedLanguagesJSON()
	if string(first) != string(second) {
		t.Fatalf("snapshot changed with no membership change: %s vs %s", first, second)
	}
}

func TestRegistrationInvariant(t *testing.T) {
	// P1: A in T.adapters <=> T in A.registrations, exercised indirectly:
	// after disconnect the adapter must not be selectable for any pair it
	// was previously registered under.
	r := New(langid.New())
	a := &fakeAdapter{id: "a1", weight: 1}
	r.OnAdapterReady(a, map[string][]string{"en": {"nl"}, "de": {"fr"}})
	r.OnAdapterDisconnected(a)

	for _, pair := range [][2]string{{"en", "nl"}, {"de", "fr"}} {
		src, ok1 := r.lang.Lookup(pair[0])
		tgt, ok2 := r.lang.Lookup(pair[1])
		if !ok1 || !ok2 {
			t.Fatal("expected uids to already be interned")
		}
		if _, ok := r.ChooseAdapter(src, tgt); ok {
			t.Fatalf("adapter still selectable for %v after disconnect", pair)
		}
	}
}
