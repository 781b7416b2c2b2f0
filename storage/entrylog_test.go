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

package storage

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func testDirs(t *testing.T, n int) *LedgerDirs {
	t.Helper()
	base := make([]string, n)
	for i := range base {
		base[i] = t.TempDir()
	}
	dirs, err := NewLedgerDirs(base, 1024, time.Hour)
	if err != nil {
		t.Fatalf("NewLedgerDirs: %v", err)
	}
	t.Cleanup(dirs.Close)
	return dirs
}

func testEntryLog(t *testing.T, dirs *LedgerDirs) *EntryLog {
	t.Helper()
	s := DefaultSettings()
	el, err := NewEntryLog(dirs, &s)
	if err != nil {
		t.Fatalf("NewEntryLog: %v", err)
	}
	return el
}

func TestEntryLogReadYourWrites(t *testing.T) {
	el := testEntryLog(t, testDirs(t, 1))
	want := makeEntry(7, 3, "not flushed yet")
	logID, off, err := el.Append(7, want)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := el.Read(logID, off)
	if err != nil {
		t.Fatalf("Read before flush: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("entry mismatch (-want +got):\n%s", diff)
	}
}

func TestEntryLogLocationsStableAcrossReopen(t *testing.T) {
	dirs := testDirs(t, 2)
	el := testEntryLog(t, dirs)
	type loc struct {
		logID uint32
		off   int64
	}
	entries := map[loc][]byte{}
	for i := int64(0); i < 20; i++ {
		e := makeEntry(1, i, "persisted")
		logID, off, err := el.Append(1, e)
		if err != nil {
			t.Fatal(err)
		}
		entries[loc{logID, off}] = e
	}
	if err := el.Flush(); err != nil {
		t.Fatal(err)
	}

	// a second instance over the same dirs reseals the leftover segment
	el2 := testEntryLog(t, dirs)
	for l, want := range entries {
		got, err := el2.Read(l.logID, l.off)
		if err != nil {
			t.Fatalf("Read %08x:%d after reopen: %v", l.logID, l.off, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("entry at %08x:%d changed (-want +got):\n%s", l.logID, l.off, diff)
		}
	}
	segs := el2.SealedSegments()
	if len(segs) != 1 {
		t.Fatalf("expected 1 sealed segment, got %d", len(segs))
	}
	if segs[0].Ledgers[1] == 0 {
		t.Fatal("rebuilt ledger index lost ledger 1")
	}
}

func TestEntryLogSealWritesLedgerIndex(t *testing.T) {
	dirs := testDirs(t, 1)
	el := testEntryLog(t, dirs)
	for i := int64(0); i < 5; i++ {
		if _, _, err := el.Append(1, makeEntry(1, i, "one")); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := el.Append(2, makeEntry(2, 0, "two")); err != nil {
		t.Fatal(err)
	}
	el.mu.Lock()
	err := el.seal()
	el.mu.Unlock()
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	segs := el.SealedSegments()
	if len(segs) != 1 {
		t.Fatalf("expected 1 sealed segment, got %d", len(segs))
	}
	if len(segs[0].Ledgers) != 2 || segs[0].Ledgers[1] == 0 || segs[0].Ledgers[2] == 0 {
		t.Fatalf("ledger index wrong: %+v", segs[0].Ledgers)
	}

	var scanned int
	err = el.ScanSegment(segs[0].ID, func(lid, eid int64, off int64, entry []byte) error {
		scanned++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if scanned != 6 {
		t.Fatalf("scanned %d entries, want 6", scanned)
	}
}

func TestEntryLogDeleteSegment(t *testing.T) {
	dirs := testDirs(t, 1)
	el := testEntryLog(t, dirs)
	logID, off, err := el.Append(1, makeEntry(1, 0, "gone soon"))
	if err != nil {
		t.Fatal(err)
	}
	el.mu.Lock()
	if err := el.seal(); err != nil {
		el.mu.Unlock()
		t.Fatal(err)
	}
	el.mu.Unlock()
	if err := el.DeleteSegment(logID); err != nil {
		t.Fatal(err)
	}
	if _, err := el.Read(logID, off); !errors.Is(err, ErrNoEntry) {
		t.Fatalf("read of deleted segment: %v, want ErrNoEntry", err)
	}
	for _, d := range dirs.AllDirs() {
		entries, _ := os.ReadDir(d)
		for _, e := range entries {
			if e.Name() == "00000001.log" {
				t.Fatal("segment file still on disk")
			}
		}
	}
}

func TestEntryLogRejectsBogusLocations(t *testing.T) {
	el := testEntryLog(t, testDirs(t, 1))
	if _, _, err := el.Append(1, makeEntry(1, 0, "x")); err != nil {
		t.Fatal(err)
	}
	if _, err := el.Read(99, entrylogHeaderLen); !errors.Is(err, ErrNoEntry) {
		t.Fatalf("unknown segment: %v, want ErrNoEntry", err)
	}
	if _, err := el.Read(1, 1<<30); !errors.Is(err, ErrNoEntry) {
		t.Fatalf("offset past end: %v, want ErrNoEntry", err)
	}
	if _, err := el.Read(1, 3); !errors.Is(err, ErrNoEntry) {
		t.Fatalf("offset inside header: %v, want ErrNoEntry", err)
	}
}
