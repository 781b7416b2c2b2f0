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

import "bufio"
import "encoding/binary"
import "encoding/json"
import "fmt"
import "io"
import "os"
import "path/filepath"
import "strconv"
import "sync"

import "github.com/google/btree"
import "github.com/pkg/errors"

/*

entry log

Entries from all ledgers are packed into rolling segment files; a
returned (logId, offset) stays valid until the segment is deleted.
Each sealed segment carries a sidecar <logId>.idx with the byte count
per ledger, so GC can judge liveness without scanning entries.

segment file: [1 KiB header][ [entryLen:i32][entry] ... ]
entry[0:8]=ledgerId, entry[8:16]=entryId, big endian

*/

const (
	entrylogSuffix    = ".log"
	entrylogMetaSuffix = ".idx"
	entrylogHeaderLen = 1024
	maxLogEntry       = 64 << 20
)

var entrylogMagic = [4]byte{'B', 'K', 'L', 'G'}

type entrySegment struct {
	id     uint32
	dir    string
	size   int64
	sealed bool
	// bytes stored per ledger, entry frames included
	ledgers map[int64]int64
}

func (s *entrySegment) path() string {
	return filepath.Join(s.dir, fmt.Sprintf("%08x%s", s.id, entrylogSuffix))
}

func (s *entrySegment) metaPath() string {
	return filepath.Join(s.dir, fmt.Sprintf("%08x%s", s.id, entrylogMetaSuffix))
}

// SegmentMeta is the GC-facing view of a sealed segment.
type SegmentMeta struct {
	ID      uint32
	Size    int64
	Ledgers map[int64]int64
}

type EntryLog struct {
	dirs    *LedgerDirs
	maxSize int64

	mu       sync.RWMutex
	segments *btree.BTreeG[*entrySegment]
	nextID   uint32
	cur      *entrySegment
	f        *os.File
	bw       *bufio.Writer
}

func lessSegment(a, b *entrySegment) bool { return a.id < b.id }

func NewEntryLog(dirs *LedgerDirs, s *SettingsT) (*EntryLog, error) {
	el := &EntryLog{
		dirs:     dirs,
		maxSize:  s.EntryLogMaxBytes(),
		segments: btree.NewG(8, lessSegment),
	}
	if err := el.scanExisting(); err != nil {
		return nil, err
	}
	el.nextID = 1
	if max, ok := el.segments.Max(); ok {
		el.nextID = max.id + 1
	}
	if err := el.roll(); err != nil {
		return nil, err
	}
	return el, nil
}

func (el *EntryLog) scanExisting() error {
	for _, dir := range el.dirs.AllDirs() {
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, fi := range files {
			name := fi.Name()
			if filepath.Ext(name) != entrylogSuffix || len(name) != 8+len(entrylogSuffix) {
				continue
			}
			id64, err := strconv.ParseUint(name[:8], 16, 32)
			if err != nil {
				continue
			}
			seg := &entrySegment{id: uint32(id64), dir: dir, sealed: true}
			st, err := os.Stat(seg.path())
			if err != nil {
				continue
			}
			seg.size = st.Size()
			if err := seg.loadMeta(); err != nil {
				// the segment that was current at crash time has no
				// sidecar yet; rebuild it from the entries
				if err := seg.rebuildMeta(); err != nil {
					return err
				}
			}
			el.segments.ReplaceOrInsert(seg)
		}
	}
	return nil
}

func (s *entrySegment) loadMeta() error {
	data, err := os.ReadFile(s.metaPath())
	if err != nil {
		return err
	}
	raw := map[string]int64{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.ledgers = make(map[int64]int64, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "bad ledger id in %s", s.metaPath())
		}
		s.ledgers[id] = v
	}
	return nil
}

func (s *entrySegment) writeMeta() error {
	raw := make(map[string]int64, len(s.ledgers))
	for id, n := range s.ledgers {
		raw[strconv.FormatInt(id, 10)] = n
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	tmp := s.metaPath() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(ErrIO, err.Error())
	}
	f.Close()
	return os.Rename(tmp, s.metaPath())
}

// rebuildMeta scans the segment's frames, stopping at the first torn
// frame (crash tail), and recreates the sidecar plus a trustworthy size.
func (s *entrySegment) rebuildMeta() error {
	s.ledgers = map[int64]int64{}
	valid := int64(entrylogHeaderLen)
	err := scanSegmentFile(s.path(), func(lid, eid int64, off int64, entry []byte) error {
		s.ledgers[lid] += 4 + int64(len(entry))
		valid = off + 4 + int64(len(entry))
		return nil
	})
	if err != nil {
		return err
	}
	s.size = valid
	return s.writeMeta()
}

func (el *EntryLog) roll() error {
	dir, err := el.dirs.PickForNewFile()
	if err != nil {
		return err
	}
	seg := &entrySegment{id: el.nextID, dir: dir, size: entrylogHeaderLen, ledgers: map[int64]int64{}}
	el.nextID++
	f, err := os.OpenFile(seg.path(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		el.dirs.MarkFailed(dir)
		return errors.Wrap(ErrIO, err.Error())
	}
	header := make([]byte, entrylogHeaderLen)
	copy(header, entrylogMagic[:])
	binary.BigEndian.PutUint32(header[4:8], 1)
	if _, err := f.Write(header); err != nil {
		f.Close()
		el.dirs.MarkFailed(dir)
		return errors.Wrap(ErrIO, err.Error())
	}
	el.f = f
	el.bw = bufio.NewWriterSize(f, 64<<10)
	el.cur = seg
	return nil
}

// seal flushes the current segment, persists its sidecar and registers
// it for GC; a new segment is not opened here.
func (el *EntryLog) seal() error {
	if el.cur == nil {
		return nil
	}
	if err := el.bw.Flush(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := el.f.Sync(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	el.f.Close()
	el.cur.sealed = true
	if err := el.cur.writeMeta(); err != nil {
		return err
	}
	el.segments.ReplaceOrInsert(el.cur)
	el.cur = nil
	el.f = nil
	el.bw = nil
	return nil
}

// Append stores one entry and returns its stable location. The location
// is readable immediately, crash-durable only after Flush.
func (el *EntryLog) Append(ledgerID int64, entry []byte) (uint32, int64, error) {
	if len(entry) < 16 {
		return 0, 0, errors.Wrap(ErrNoEntry, "entry shorter than its id prefix")
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.cur != nil && el.cur.size+4+int64(len(entry)) > el.maxSize {
		if err := el.seal(); err != nil {
			return 0, 0, err
		}
	}
	if el.cur == nil {
		if err := el.roll(); err != nil {
			return 0, 0, err
		}
	}
	off, err := el.writeFrame(ledgerID, entry)
	if err == nil {
		return el.cur.id, off, nil
	}
	// the directory went bad under us; fail it over and retry once
	el.dirs.MarkFailed(el.cur.dir)
	if el.f != nil {
		el.f.Close()
	}
	el.cur = nil
	el.f = nil
	el.bw = nil
	if rerr := el.roll(); rerr != nil {
		return 0, 0, rerr
	}
	off, err = el.writeFrame(ledgerID, entry)
	if err != nil {
		return 0, 0, err
	}
	return el.cur.id, off, nil
}

func (el *EntryLog) writeFrame(ledgerID int64, entry []byte) (int64, error) {
	off := el.cur.size
	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(entry)))
	if _, err := el.bw.Write(frame[:]); err != nil {
		return 0, errors.Wrap(ErrIO, err.Error())
	}
	if _, err := el.bw.Write(entry); err != nil {
		return 0, errors.Wrap(ErrIO, err.Error())
	}
	el.cur.size += 4 + int64(len(entry))
	el.cur.ledgers[ledgerID] += 4 + int64(len(entry))
	return off, nil
}

// Read fetches the entry frame at (logID, off). Readers use their own
// file handles; reads from the in-flight segment flush the write buffer
// first so the writer's own entries are always visible.
func (el *EntryLog) Read(logID uint32, off int64) ([]byte, error) {
	el.mu.Lock()
	var seg *entrySegment
	if el.cur != nil && el.cur.id == logID {
		seg = el.cur
		if err := el.bw.Flush(); err != nil {
			el.mu.Unlock()
			return nil, errors.Wrap(ErrIO, err.Error())
		}
	} else {
		seg, _ = el.segments.Get(&entrySegment{id: logID})
	}
	var size int64
	var path string
	if seg != nil {
		size = seg.size
		path = seg.path()
	}
	el.mu.Unlock()
	if seg == nil {
		return nil, errors.Wrapf(ErrNoEntry, "segment %08x gone", logID)
	}
	if off < entrylogHeaderLen || off+4 > size {
		return nil, errors.Wrapf(ErrNoEntry, "offset %d outside segment %08x", off, logID)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	defer f.Close()
	var lenBuf [4]byte
	if _, err := f.ReadAt(lenBuf[:], off); err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	n := int64(int32(binary.BigEndian.Uint32(lenBuf[:])))
	if n < 16 || n > maxLogEntry || off+4+n > size {
		return nil, errors.Wrapf(ErrNoEntry, "bad frame at %08x:%d", logID, off)
	}
	entry := make([]byte, n)
	if _, err := f.ReadAt(entry, off+4); err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	return entry, nil
}

// Flush pushes the buffered tail of the current segment to disk.
func (el *EntryLog) Flush() error {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.bw == nil {
		return nil
	}
	if err := el.bw.Flush(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := el.f.Sync(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}

// SealedSegments snapshots the GC-relevant metadata of all sealed
// segments in ascending id order.
func (el *EntryLog) SealedSegments() []SegmentMeta {
	el.mu.RLock()
	defer el.mu.RUnlock()
	out := make([]SegmentMeta, 0, el.segments.Len())
	el.segments.Ascend(func(s *entrySegment) bool {
		ledgers := make(map[int64]int64, len(s.ledgers))
		for k, v := range s.ledgers {
			ledgers[k] = v
		}
		out = append(out, SegmentMeta{ID: s.id, Size: s.size, Ledgers: ledgers})
		return true
	})
	return out
}

// ScanSegment walks the entries of a sealed segment in file order.
func (el *EntryLog) ScanSegment(logID uint32, fn func(ledgerID, entryID int64, off int64, entry []byte) error) error {
	el.mu.RLock()
	seg, ok := el.segments.Get(&entrySegment{id: logID})
	el.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrNoEntry, "segment %08x gone", logID)
	}
	return scanSegmentFile(seg.path(), fn)
}

func scanSegmentFile(path string, fn func(lid, eid int64, off int64, entry []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	defer f.Close()
	var header [entrylogHeaderLen]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil
	}
	if [4]byte(header[:4]) != entrylogMagic {
		return errors.Wrapf(ErrIO, "bad segment magic in %s", path)
	}
	r := bufio.NewReaderSize(f, 256<<10)
	off := int64(entrylogHeaderLen)
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil
		}
		n := int64(int32(binary.BigEndian.Uint32(lenBuf[:])))
		if n < 16 || n > maxLogEntry {
			return nil
		}
		entry := make([]byte, n)
		if _, err := io.ReadFull(r, entry); err != nil {
			return nil
		}
		lid := int64(binary.BigEndian.Uint64(entry[0:8]))
		eid := int64(binary.BigEndian.Uint64(entry[8:16]))
		if err := fn(lid, eid, off, entry); err != nil {
			return err
		}
		off += 4 + n
	}
}

// DeleteSegment unlinks a sealed segment and its sidecar.
func (el *EntryLog) DeleteSegment(logID uint32) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	seg, ok := el.segments.Get(&entrySegment{id: logID})
	if !ok {
		return nil
	}
	if err := os.Remove(seg.path()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(ErrIO, err.Error())
	}
	os.Remove(seg.metaPath())
	el.segments.Delete(seg)
	return nil
}

// OpenSegment hands the raw segment stream to the caller (archiving).
func (el *EntryLog) OpenSegment(logID uint32) (io.ReadCloser, error) {
	el.mu.RLock()
	seg, ok := el.segments.Get(&entrySegment{id: logID})
	el.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNoEntry, "segment %08x gone", logID)
	}
	f, err := os.Open(seg.path())
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	return f, nil
}

// Close seals the current segment so no partial frame survives in an
// unsealed file.
func (el *EntryLog) Close() error {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.seal()
}
