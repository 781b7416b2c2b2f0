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
	"encoding/binary"
	"os"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func makeEntry(ledgerID, entryID int64, payload string) []byte {
	buf := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(ledgerID))
	binary.BigEndian.PutUint64(buf[8:16], uint64(entryID))
	copy(buf[16:], payload)
	return buf
}

func journalSettings(t *testing.T) *SettingsT {
	t.Helper()
	s := DefaultSettings()
	s.JournalFlushMS = 1
	return &s
}

func startJournal(t *testing.T, dir string, s *SettingsT) *Journal {
	t.Helper()
	j, err := NewJournal(dir, s, nil)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	if err := j.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return j
}

// logAndWait appends one record and blocks until its fsync ack.
func logAndWait(t *testing.T, j *Journal, buf []byte) {
	t.Helper()
	ack := newFuture()
	j.LogAddEntry(buf, ack.complete)
	if err := ack.Wait(); err != nil {
		t.Fatalf("journal ack: %v", err)
	}
}

func replayAll(t *testing.T, dir string, s *SettingsT, from Mark) [][]byte {
	t.Helper()
	j, err := NewJournal(dir, s, nil)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	var out [][]byte
	if err := j.Replay(from, func(version int, m Mark, buf []byte) error {
		out = append(out, append([]byte(nil), buf...))
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return out
}

func TestJournalAckOrderMatchesEnqueueOrder(t *testing.T) {
	dir := t.TempDir()
	j := startJournal(t, dir, journalSettings(t))
	defer j.Shutdown()

	const n = 50
	var mu sync.Mutex
	var acked []int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		id := int64(i)
		j.LogAddEntry(makeEntry(1, id, "payload"), func(err error) {
			if err != nil {
				t.Errorf("ack %d: %v", id, err)
			}
			mu.Lock()
			acked = append(acked, id)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	for i, id := range acked {
		if id != int64(i) {
			t.Fatalf("ack order broken at %d: got entry %d", i, id)
		}
	}
}

func TestJournalReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := journalSettings(t)
	j := startJournal(t, dir, s)
	want := [][]byte{
		makeEntry(1, 0, "a"),
		makeEntry(2, 0, "bb"),
		makeEntry(1, 1, "ccc"),
	}
	for _, e := range want {
		logAndWait(t, j, e)
	}
	j.Shutdown()

	got := replayAll(t, dir, s, Mark{})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("replay mismatch (-want +got):\n%s", diff)
	}
}

func TestJournalReplayFromMark(t *testing.T) {
	dir := t.TempDir()
	s := journalSettings(t)
	j := startJournal(t, dir, s)
	for i := 0; i < 5; i++ {
		logAndWait(t, j, makeEntry(1, int64(i), "x"))
	}
	j.Shutdown()

	// capture the mark after record 2, replay from there
	var marks []Mark
	j2, err := NewJournal(dir, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := j2.Replay(Mark{}, func(v int, m Mark, buf []byte) error {
		marks = append(marks, m)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	rest := replayAll(t, dir, s, marks[2])
	if len(rest) != 2 {
		t.Fatalf("expected 2 records past mark, got %d", len(rest))
	}
	if eid := int64(binary.BigEndian.Uint64(rest[0][8:16])); eid != 3 {
		t.Fatalf("first replayed entry id = %d, want 3", eid)
	}
}

func TestJournalTornTailStopsCleanly(t *testing.T) {
	dir := t.TempDir()
	s := journalSettings(t)
	j := startJournal(t, dir, s)
	for i := 0; i < 3; i++ {
		logAndWait(t, j, makeEntry(1, int64(i), "ok"))
	}
	j.Shutdown()

	// simulate a crash mid-write: a frame length promising more bytes
	// than the file holds
	ids, err := listJournalIDs(dir)
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(journalPath(dir, ids[len(ids)-1]), os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		t.Fatal(err)
	}
	var torn [12]byte
	binary.BigEndian.PutUint32(torn[0:4], 100)
	if _, err := f.Write(torn[:]); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got := replayAll(t, dir, s, Mark{})
	if len(got) != 3 {
		t.Fatalf("torn tail: got %d records, want 3", len(got))
	}
}

func TestJournalTrimDeletesWholeFilesOnly(t *testing.T) {
	dir := t.TempDir()
	s := journalSettings(t)
	j := startJournal(t, dir, s)
	logAndWait(t, j, makeEntry(1, 0, "first file"))
	j.Rollover()
	logAndWait(t, j, makeEntry(1, 1, "second file"))
	mark := j.CurrentMark()
	if mark.LogID < 2 {
		t.Fatalf("rollover did not rotate, mark %+v", mark)
	}
	if err := j.TrimTo(mark); err != nil {
		t.Fatal(err)
	}
	j.Shutdown()

	ids, err := listJournalIDs(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		if id < mark.LogID {
			t.Fatalf("file %08x should have been trimmed", id)
		}
	}
	got := replayAll(t, dir, s, Mark{})
	if len(got) != 1 {
		t.Fatalf("after trim: %d records, want 1", len(got))
	}
}

func TestJournalRejectsFenceRecordInV3(t *testing.T) {
	dir := t.TempDir()
	s := journalSettings(t)
	s.JournalVersion = JournalVersionV3
	j := startJournal(t, dir, s)
	fence := make([]byte, 16)
	binary.BigEndian.PutUint64(fence[0:8], 1)
	fenceKeyID := MetaEntryIDFenceKey
	binary.BigEndian.PutUint64(fence[8:16], uint64(fenceKeyID))
	logAndWait(t, j, fence)
	j.Shutdown()

	j2, err := NewJournal(dir, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = j2.Replay(Mark{}, func(int, Mark, []byte) error { return nil })
	if !errors.Is(err, ErrIO) {
		t.Fatalf("fence meta record in v3 journal must be corrupt, got %v", err)
	}
}

func TestJournalFailedWriterNeverAcksSuccess(t *testing.T) {
	dir := t.TempDir()
	s := journalSettings(t)
	fatal := make(chan error, 1)
	j, err := NewJournal(dir, s, func(err error) { fatal <- err })
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Start(); err != nil {
		t.Fatal(err)
	}
	defer j.Shutdown()

	// put the writer into the state a failed write leaves behind
	j.failed.Store(true)
	ack := newFuture()
	j.LogAddEntry(makeEntry(1, 0, "doomed"), ack.complete)
	if err := ack.Wait(); err == nil {
		t.Fatal("failed journal acked a write with success")
	}
}
