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
	"path/filepath"
	"testing"

	"github.com/launix-de/bookie/meta"
)

func TestFormatRefusesNonEmptyWithoutForce(t *testing.T) {
	s := testSettings(t)
	b := startBookie(t, s, meta.NewMemStore())
	mustAdd(t, b, 1, 0, "data", []byte("k"))
	crashBookie(b)

	done, err := Format(&s, false, false)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if done {
		t.Fatal("format destroyed non-empty dirs without force")
	}
	if ids, _ := listJournalIDs(s.JournalDir); len(ids) == 0 {
		t.Fatal("journal files vanished")
	}
}

func TestFormatForceWipesEverything(t *testing.T) {
	s := testSettings(t)
	b := startBookie(t, s, meta.NewMemStore())
	mustAdd(t, b, 1, 0, "data", []byte("k"))
	crashBookie(b)

	done, err := Format(&s, false, true)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if !done {
		t.Fatal("forced format did not run")
	}
	for _, d := range append(append([]string(nil), s.LedgerDirs...), s.JournalDir) {
		entries, err := os.ReadDir(d)
		if err != nil {
			continue
		}
		for _, e := range entries {
			t.Fatalf("leftover %s after format", filepath.Join(d, e.Name()))
		}
	}
}

func TestFormatEmptyDirsNeedsNoConfirmation(t *testing.T) {
	s := testSettings(t)
	done, err := Format(&s, false, false)
	if err != nil || !done {
		t.Fatalf("format of empty dirs = %v, %v", done, err)
	}
}
