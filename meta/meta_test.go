/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package meta

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMemStoreHierarchy(t *testing.T) {
	ms := NewMemStore()
	if err := ms.EnsurePath("/bookies/available"); err != nil {
		t.Fatal(err)
	}
	if err := ms.Create("/bookies/available/b1", []byte("x"), true); err != nil {
		t.Fatal(err)
	}
	if err := ms.Create("/bookies/available/b1", nil, true); err != ErrNodeExists {
		t.Fatalf("double create: %v, want ErrNodeExists", err)
	}
	if _, err := ms.Get("/bookies/available/nope"); err != ErrNoNode {
		t.Fatalf("missing node: %v, want ErrNoNode", err)
	}
	if err := ms.Create("/orphan/child", nil, false); err == nil {
		t.Fatal("create without parent must fail")
	}
	children, err := ms.Children("/bookies/available")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"b1"}, children); diff != "" {
		t.Fatalf("children (-want +got):\n%s", diff)
	}
}

func TestMemStoreEphemeralsDieWithSession(t *testing.T) {
	ms := NewMemStore()
	if err := ms.EnsurePath("/bookies/available"); err != nil {
		t.Fatal(err)
	}
	if err := ms.Create("/bookies/available/b1", nil, true); err != nil {
		t.Fatal(err)
	}
	if err := ms.Create("/bookies/cookie", []byte("c"), false); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ms.Expired():
		t.Fatal("session expired prematurely")
	default:
	}
	ms.ExpireSession()
	select {
	case <-ms.Expired():
	default:
		t.Fatal("Expired did not fire")
	}
	if ok, _ := ms.Exists("/bookies/available/b1"); ok {
		t.Fatal("ephemeral node survived expiry")
	}
	if ok, _ := ms.Exists("/bookies/cookie"); !ok {
		t.Fatal("persistent node died with the session")
	}
}

func TestMemStoreWatchFiresOnDelete(t *testing.T) {
	ms := NewMemStore()
	if err := ms.EnsurePath("/bookies/available"); err != nil {
		t.Fatal(err)
	}
	if err := ms.Create("/bookies/available/b1", nil, true); err != nil {
		t.Fatal(err)
	}
	gone, err := ms.Watch("/bookies/available/b1")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-gone:
		t.Fatal("watch fired before any change")
	default:
	}
	if err := ms.Delete("/bookies/available/b1"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gone:
	default:
		t.Fatal("watch did not fire on delete")
	}

	// a watch on a missing path fires on creation
	born, err := ms.Watch("/bookies/available/b2")
	if err != nil {
		t.Fatal(err)
	}
	if err := ms.Create("/bookies/available/b2", nil, false); err != nil {
		t.Fatal(err)
	}
	select {
	case <-born:
	default:
		t.Fatal("watch did not fire on create")
	}
}

func TestMemStoreWatchReleasedOnSessionEnd(t *testing.T) {
	ms := NewMemStore()
	if err := ms.EnsurePath("/bookies"); err != nil {
		t.Fatal(err)
	}
	w, err := ms.Watch("/bookies/never")
	if err != nil {
		t.Fatal(err)
	}
	ms.ExpireSession()
	select {
	case <-w:
	default:
		t.Fatal("watch leaked past session end")
	}
	if _, err := ms.Watch("/bookies/never"); err != ErrClosed {
		t.Fatalf("watch on dead session: %v, want ErrClosed", err)
	}
}

func TestLedgerManagerLiveSet(t *testing.T) {
	ms := NewMemStore()
	lm := &LedgerManager{Store: ms, Root: "/ledgers"}
	for _, id := range []int64{1, 2, 300} {
		if err := lm.CreateLedger(id); err != nil {
			t.Fatal(err)
		}
	}
	if err := lm.DeleteLedger(2); err != nil {
		t.Fatal(err)
	}
	if err := lm.DeleteLedger(2); err != nil {
		t.Fatalf("deleting twice must be fine: %v", err)
	}
	live, err := lm.LiveLedgers()
	if err != nil {
		t.Fatal(err)
	}
	want := map[int64]bool{1: true, 300: true}
	if diff := cmp.Diff(want, live); diff != "" {
		t.Fatalf("live set (-want +got):\n%s", diff)
	}
}
