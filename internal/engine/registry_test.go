package engine

import (
	"bytes"
	"errors"
	"testing"
)

func newBareDispatcher(t *testing.T, name string) *Dispatcher {
	t.Helper()
	reg, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	fc := &fakeConn{}
	ep := NewEndpoint(fc)
	var out bytes.Buffer
	d, err := newDispatcherFromEndpoint(nil, ep, name, name, reg, Options{Interactive: true, Out: &out})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// S5 Duplicate-name disambiguation.
func TestMakeUniqueName(t *testing.T) {
	set := NewDispatcherSet()

	first := newBareDispatcher(t, "host")
	set.Add(first)

	name := set.MakeUniqueName("host")
	if name != "host#1" {
		t.Fatalf("second name = %q, want host#1", name)
	}

	second := newBareDispatcher(t, name)
	set.Add(second)

	third := set.MakeUniqueName("host")
	if third != "host#2" {
		t.Fatalf("third name = %q, want host#2", third)
	}
}

func TestMaxDisplayNameLengthRecomputesFromLiveSet(t *testing.T) {
	set := NewDispatcherSet()

	short := newBareDispatcher(t, "a")
	long := newBareDispatcher(t, "a-much-longer-name")
	set.Add(short)
	set.Add(long)

	if got := set.MaxDisplayNameLength(true); got != len("a-much-longer-name") {
		t.Fatalf("max width = %d, want %d", got, len("a-much-longer-name"))
	}

	long.Disconnect()
	if got := set.MaxDisplayNameLength(true); got != len("a") {
		t.Fatalf("max width after disconnect = %d, want %d", got, len("a"))
	}
}

func TestMaxDisplayNameLengthInteractiveHonorsEnabled(t *testing.T) {
	set := NewDispatcherSet()

	a := newBareDispatcher(t, "a")
	long := newBareDispatcher(t, "a-much-longer-name")
	set.Add(a)
	set.Add(long)

	long.SetEnabled(false)

	if got := set.MaxDisplayNameLength(true); got != len("a") {
		t.Fatalf("interactive max width = %d, want %d (disabled entities excluded)", got, len("a"))
	}
	if got := set.MaxDisplayNameLength(false); got != len("a-much-longer-name") {
		t.Fatalf("non-interactive max width = %d, want %d (disabled entities still count)", got, len("a-much-longer-name"))
	}
}

func TestDispatcherSetByName(t *testing.T) {
	set := NewDispatcherSet()
	a := newBareDispatcher(t, "a")
	set.Add(a)

	got, err := set.ByName("a")
	if err != nil {
		t.Fatalf("ByName(a): %v", err)
	}
	if got != a {
		t.Fatal("ByName(a) returned a different dispatcher")
	}

	if _, err := set.ByName("missing"); !errors.Is(err, ErrNoSuchDispatcher) {
		t.Fatalf("ByName(missing) err = %v, want wrapping ErrNoSuchDispatcher", err)
	}
}

func TestDispatcherSetRemove(t *testing.T) {
	set := NewDispatcherSet()
	a := newBareDispatcher(t, "a")
	b := newBareDispatcher(t, "b")
	set.Add(a)
	set.Add(b)

	set.Remove(a)

	all := set.AllInstances()
	if len(all) != 1 || all[0] != b {
		t.Fatalf("AllInstances after Remove = %v, want [b]", all)
	}
}
