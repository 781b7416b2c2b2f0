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
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"

	"github.com/launix-de/bookie/meta"
)

func sealCurrentSegment(t *testing.T, b *Bookie) {
	t.Helper()
	b.log.mu.Lock()
	err := b.log.seal()
	b.log.mu.Unlock()
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
}

func segmentOnDisk(s SettingsT, logID uint32) bool {
	for _, d := range currentDirs(s) {
		name := filepath.Join(d, fmt.Sprintf("%08x%s", logID, entrylogSuffix))
		if _, err := os.Stat(name); err == nil {
			return true
		}
	}
	return false
}

// S5: compaction keeps the live ledger readable and drops the segment.
func TestCompactionPreservesLiveEntries(t *testing.T) {
	s := testSettings(t)
	s.ArchiveRetired = true
	s.ArchiveDir = t.TempDir()
	s.ArchiveCompress = "lz4"
	ms := meta.NewMemStore()
	lm := &meta.LedgerManager{Store: ms, Root: s.MetaRoot}
	if err := lm.CreateLedger(1); err != nil {
		t.Fatal(err)
	}
	if err := lm.CreateLedger(2); err != nil {
		t.Fatal(err)
	}
	key := []byte("k")

	b := startBookie(t, s, ms)
	defer crashBookie(b)
	for i := int64(0); i < 10; i++ {
		mustAdd(t, b, 1, i, "live", key)
		mustAdd(t, b, 2, i, "dead", key)
	}
	sealCurrentSegment(t, b)

	if err := lm.DeleteLedger(2); err != nil {
		t.Fatal(err)
	}
	if err := b.gc.CollectOnce(); err != nil {
		t.Fatalf("gc pass: %v", err)
	}
	// half the bytes are live, the segment must survive plain GC
	if len(b.log.SealedSegments()) != 1 {
		t.Fatal("segment with a live ledger was deleted")
	}
	if _, err := b.ReadEntry(2, 0); !errors.Is(err, ErrNoLedger) {
		t.Fatalf("deleted ledger still served: %v", err)
	}

	if err := b.gc.Compact(0.99, nil); err != nil {
		t.Fatalf("compaction: %v", err)
	}
	if segmentOnDisk(s, 1) {
		t.Fatal("compacted segment still on disk")
	}
	for i := int64(0); i < 10; i++ {
		mustRead(t, b, 1, i, "live")
	}

	// the retired segment went to the archive, lz4 compressed
	data, err := os.ReadFile(filepath.Join(s.ArchiveDir, "00000001.log.lz4"))
	if err != nil {
		t.Fatalf("archived object missing: %v", err)
	}
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		t.Fatalf("lz4 decode: %v", err)
	}
	if !bytes.Equal(raw[:4], entrylogMagic[:]) {
		t.Fatal("archived stream is not a segment")
	}
}

// Property 5: a segment only dies when none of its ledgers are live.
func TestDeadSegmentIsCollected(t *testing.T) {
	s := testSettings(t)
	ms := meta.NewMemStore()
	lm := &meta.LedgerManager{Store: ms, Root: s.MetaRoot}
	if err := lm.CreateLedger(7); err != nil {
		t.Fatal(err)
	}
	key := []byte("k")

	b := startBookie(t, s, ms)
	defer crashBookie(b)
	for i := int64(0); i < 5; i++ {
		mustAdd(t, b, 7, i, "doomed", key)
	}
	sealCurrentSegment(t, b)

	if err := b.gc.CollectOnce(); err != nil {
		t.Fatal(err)
	}
	if len(b.log.SealedSegments()) != 1 {
		t.Fatal("segment of a live ledger was deleted")
	}

	if err := lm.DeleteLedger(7); err != nil {
		t.Fatal(err)
	}
	if err := b.gc.CollectOnce(); err != nil {
		t.Fatal(err)
	}
	if len(b.log.SealedSegments()) != 0 {
		t.Fatal("dead segment survived gc")
	}
	if _, err := b.ReadEntry(7, 0); !errors.Is(err, ErrNoLedger) {
		t.Fatalf("index of deleted ledger still there: %v", err)
	}
}

func TestFileArchiveXZRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := &FileArchive{Dir: dir, Compress: "xz"}
	payload := []byte("segment bytes")
	if err := a.StoreSegment(3, bytes.NewReader(payload)); err != nil {
		t.Fatalf("StoreSegment: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "00000003.log.xz"))
	if err != nil {
		t.Fatal(err)
	}
	zr, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, payload) {
		t.Fatalf("xz round trip = %q, want %q", raw, payload)
	}
}
