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
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestLedgerDirsFailover(t *testing.T) {
	dirs := testDirs(t, 2)
	w, err := dirs.WritableDirs()
	if err != nil || len(w) != 2 {
		t.Fatalf("WritableDirs = %v, %v", w, err)
	}
	if _, err := dirs.PickForNewFile(); err != nil {
		t.Fatalf("PickForNewFile: %v", err)
	}

	dirs.MarkFailed(w[0])
	w2, err := dirs.WritableDirs()
	if err != nil || len(w2) != 1 || w2[0] != w[1] {
		t.Fatalf("after one failure: %v, %v", w2, err)
	}

	dirs.MarkFailed(w[1])
	if _, err := dirs.WritableDirs(); !errors.Is(err, ErrNoWritableDir) {
		t.Fatalf("all failed: %v, want ErrNoWritableDir", err)
	}
	if _, err := dirs.PickForNewFile(); !errors.Is(err, ErrNoWritableDir) {
		t.Fatalf("pick with no dirs: %v, want ErrNoWritableDir", err)
	}

	// both failures plus the all-full signal arrive on the channel
	sawAllFull := false
	timeout := time.After(time.Second)
	for !sawAllFull {
		select {
		case n := <-dirs.Notices():
			if n.Event == AllDirsFull {
				sawAllFull = true
			}
		case <-timeout:
			t.Fatal("no AllDirsFull notice")
		}
	}
}

func TestLedgerDirsDoubleFailureSignalsOnce(t *testing.T) {
	dirs := testDirs(t, 1)
	d := dirs.AllDirs()[0]
	dirs.MarkFailed(d)
	dirs.MarkFailed(d)
	count := 0
	for {
		select {
		case <-dirs.Notices():
			count++
			continue
		default:
		}
		break
	}
	// one DirFailed plus one AllDirsFull
	if count != 2 {
		t.Fatalf("got %d notices, want 2", count)
	}
}
