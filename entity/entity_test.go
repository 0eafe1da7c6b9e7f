package entity

import (
	"testing"
	"time"
)

func TestGlobalEntityMapReserveThenBind(t *testing.T) {
	m := NewGlobalEntityMap()
	ge := m.Reserve()
	if we, ok := m.WorldOf(ge); !ok || we != nil {
		t.Fatalf("expected reserved-but-unbound, got %v,%v", we, ok)
	}
	if err := m.Bind(ge, "world-1"); err != nil {
		t.Fatal(err)
	}
	we, ok := m.WorldOf(ge)
	if !ok || we != "world-1" {
		t.Fatalf("got %v,%v", we, ok)
	}
	if err := m.Bind(ge, "world-2"); err == nil {
		t.Fatal("expected double-bind to fail")
	}
}

func TestLocalWorldManagerMigratePreservesComponents(t *testing.T) {
	lw := NewLocalWorldManager(60)
	ge := NewGlobalEntity()
	if err := lw.AddHostOwned(ge, HostEntity(7)); err != nil {
		t.Fatal(err)
	}
	rec, _ := lw.Record(ge)
	rec.Components.Add(1)
	rec.Components.Add(2)

	before := rec.Components.Clone()

	if err := lw.Migrate(ge, false, 0, RemoteEntity(42)); err != nil {
		t.Fatal(err)
	}
	rec, ok := lw.Record(ge)
	if !ok {
		t.Fatal("record missing after migrate")
	}
	if rec.OwnedByUs {
		t.Fatal("expected remote-owned after migrate")
	}
	if len(rec.Components) != len(before) {
		t.Fatalf("component set not preserved: %v vs %v", rec.Components, before)
	}
	if _, ok := lw.GlobalOfRemote(42); !ok {
		t.Fatal("expected remote lookup to resolve post-migration")
	}
}

func TestRedirectTransitivity(t *testing.T) {
	rt := NewRedirectTable()
	a := OwnedHost(1)
	b := OwnedHost(2)
	c := OwnedRemote(3)
	rt.Install(a, b)
	rt.Install(b, c)

	got, err := rt.Resolve(a)
	if err != nil {
		t.Fatal(err)
	}
	if got != c {
		t.Fatalf("got %v want %v", got, c)
	}
}

func TestRedirectCycleDetected(t *testing.T) {
	rt := NewRedirectTable()
	a := OwnedHost(1)
	b := OwnedHost(2)
	rt.Install(a, b)
	rt.Install(b, a)
	_, err := rt.Resolve(a)
	if err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestKeyRecyclerHoldsIdsUntilTTL(t *testing.T) {
	now := time.Now()
	k := NewKeyRecycler(time.Minute)
	k.Release(HostEntity(9), now)
	if _, ok := k.Take(now.Add(30 * time.Second)); ok {
		t.Fatal("expected id held back before TTL elapses")
	}
	id, ok := k.Take(now.Add(time.Minute))
	if !ok || id != HostEntity(9) {
		t.Fatalf("expected id 9 reusable after TTL, got %v,%v", id, ok)
	}
	if _, ok := k.Take(now.Add(2 * time.Minute)); ok {
		t.Fatal("expected pool empty after take")
	}
}

func TestHostEntityGeneratorRecyclesReleasedIds(t *testing.T) {
	g := NewHostEntityGenerator([]byte("user-key"))
	now := time.Now()
	first := g.NextAt(now)
	g.Release(first, now)
	if got := g.NextAt(now); got == first {
		t.Fatal("expected released id unavailable before TTL")
	}
	if got := g.NextAt(now.Add(61 * time.Second)); got != first {
		t.Fatalf("expected released id recycled after TTL, got %v want %v", got, first)
	}
}
