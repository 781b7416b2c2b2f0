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

import "encoding/binary"
import "fmt"
import "hash/crc32"
import "io"
import "os"
import "path/filepath"
import "sort"
import "strconv"
import "sync"
import "sync/atomic"
import "time"

import "github.com/pkg/errors"

/*

write-ahead journal

Every mutation is framed into the current .txn file and fsynced in
groups; the callback of a record only ever fires after its fsync. A
restart never appends to an old file, it always opens a fresh one, so
a file is immutable once the writer moved on.

frame: [len:i32][payload][crc32c:u32 (v4 only)]
payload[0:8]=ledgerId, payload[8:16]=entryId, big endian

*/

const (
	JournalVersionV3 = 3 // ledger-key meta records
	JournalVersionV4 = 4 // fence meta records + frame checksum

	// meta entry ids, journal only, never in the entry log
	MetaEntryIDLedgerKey int64 = -0x1000
	MetaEntryIDFenceKey  int64 = -0x2000

	journalSuffix     = ".txn"
	journalHeaderLen  = 5 // magic + version byte
	maxJournalRecord  = 64 << 20
	minJournalRecord  = 16
)

var journalMagic = [4]byte{'B', 'K', 'J', 'v'}
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Mark addresses a position in the journal stream: every record whose
// frame ends at or before Pos in file LogID is covered by the mark.
type Mark struct {
	LogID uint32
	Pos   int64
}

func (m Mark) LessThan(o Mark) bool {
	return m.LogID < o.LogID || (m.LogID == o.LogID && m.Pos < o.Pos)
}

// Future resolves once an operation's journal record is durable.
type Future struct {
	ch chan error
}

func newFuture() *Future {
	return &Future{ch: make(chan error, 1)}
}

func completedFuture(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

func (f *Future) complete(err error) {
	f.ch <- err
}

func (f *Future) Done() <-chan error {
	return f.ch
}

func (f *Future) Wait() error {
	err := <-f.ch
	f.ch <- err
	return err
}

func (f *Future) WaitTimeout(d time.Duration) error {
	select {
	case err := <-f.ch:
		f.ch <- err
		return err
	case <-time.After(d):
		return errors.Wrap(ErrInterrupted, "timed out waiting for journal ack")
	}
}

type journalRequest struct {
	buf []byte
	cb  func(error)
}

type Journal struct {
	dir           string
	version       int
	maxSize       int64
	flushMax      int64
	flushInterval time.Duration
	fatal         func(error)

	queue    chan journalRequest
	rollover atomic.Bool
	failed   atomic.Bool
	started  atomic.Bool

	mu     sync.Mutex
	synced Mark // position covered by the last successful fsync

	curID  uint32
	curPos int64
	f      *os.File

	stop chan struct{}
	done chan struct{}
}

func NewJournal(dir string, s *SettingsT, fatal func(error)) (*Journal, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "create journal dir")
	}
	j := &Journal{
		dir:           dir,
		version:       s.JournalVersion,
		maxSize:       s.JournalMaxBytes(),
		flushMax:      s.JournalFlushMax(),
		flushInterval: time.Duration(s.JournalFlushMS) * time.Millisecond,
		fatal:         fatal,
		queue:         make(chan journalRequest, 1024),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	if j.fatal == nil {
		j.fatal = func(error) {}
	}
	ids, err := listJournalIDs(dir)
	if err != nil {
		return nil, err
	}
	j.curID = 0
	if len(ids) > 0 {
		j.curID = ids[len(ids)-1]
	}
	return j, nil
}

func journalPath(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%08x%s", id, journalSuffix))
}

func listJournalIDs(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "list journal dir")
	}
	var ids []uint32
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != journalSuffix || len(name) != 8+len(journalSuffix) {
			continue
		}
		id, err := strconv.ParseUint(name[:8], 16, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids, nil
}

// Start opens a fresh journal file and launches the writer.
func (j *Journal) Start() error {
	if err := j.rotate(); err != nil {
		return err
	}
	j.started.Store(true)
	go j.run()
	return nil
}

func (j *Journal) rotate() error {
	if j.f != nil {
		if err := j.f.Sync(); err != nil {
			return errors.Wrap(ErrIO, err.Error())
		}
		j.f.Close()
	}
	id := j.curID + 1
	f, err := os.OpenFile(journalPath(j.dir, id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	header := append(journalMagic[:], byte(j.version))
	if _, err := f.Write(header); err != nil {
		f.Close()
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(ErrIO, err.Error())
	}
	j.f = f
	j.curID = id
	j.curPos = journalHeaderLen
	return nil
}

// LogAddEntry enqueues buf (a full entry frame payload, 16-byte id
// prefix included). cb fires exactly once, after the group fsync that
// covered the record, in enqueue order.
func (j *Journal) LogAddEntry(buf []byte, cb func(error)) {
	if j.failed.Load() {
		cb(errors.Wrap(ErrIO, "journal failed"))
		return
	}
	cp := append([]byte(nil), buf...)
	select {
	case j.queue <- journalRequest{cp, cb}:
	case <-j.stop:
		cb(ErrInterrupted)
	}
}

// Rollover asks the writer to switch files before its next batch.
func (j *Journal) Rollover() {
	j.rollover.Store(true)
}

// CurrentMark returns the journal position covered by the last fsync.
func (j *Journal) CurrentMark() Mark {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.synced
}

func (j *Journal) run() {
	defer close(j.done)
	var batch []journalRequest
	for {
		batch = batch[:0]
		select {
		case req, ok := <-j.queue:
			if !ok {
				return
			}
			batch = append(batch, req)
		case <-j.stop:
			// drain what is already queued, then final sync
			for {
				select {
				case req := <-j.queue:
					batch = append(batch, req)
				default:
					j.writeBatch(batch)
					return
				}
			}
		}
		// group: collect until the size threshold or the flush window closes
		deadline := time.NewTimer(j.flushInterval)
		var bytes int64 = int64(len(batch[0].buf))
	collect:
		for bytes < j.flushMax {
			select {
			case req := <-j.queue:
				batch = append(batch, req)
				bytes += int64(len(req.buf))
			case <-deadline.C:
				break collect
			case <-j.stop:
				break collect
			}
		}
		deadline.Stop()
		j.writeBatch(batch)
	}
}

func (j *Journal) writeBatch(batch []journalRequest) {
	if len(batch) == 0 {
		return
	}
	if j.failed.Load() {
		for _, req := range batch {
			req.cb(errors.Wrap(ErrIO, "journal failed"))
		}
		return
	}
	if err := j.appendBatch(batch); err != nil {
		// journal errors are fatal, the bookie must go down
		j.failed.Store(true)
		for _, req := range batch {
			req.cb(err)
		}
		j.fatal(err)
		return
	}
	for _, req := range batch {
		req.cb(nil)
	}
}

func (j *Journal) appendBatch(batch []journalRequest) error {
	if j.rollover.CompareAndSwap(true, false) || j.curPos >= j.maxSize {
		if err := j.rotate(); err != nil {
			return err
		}
	}
	var frame [4]byte
	for _, req := range batch {
		binary.BigEndian.PutUint32(frame[:], uint32(len(req.buf)))
		if _, err := j.f.Write(frame[:]); err != nil {
			return errors.Wrap(ErrIO, err.Error())
		}
		if _, err := j.f.Write(req.buf); err != nil {
			return errors.Wrap(ErrIO, err.Error())
		}
		j.curPos += 4 + int64(len(req.buf))
		if j.version >= JournalVersionV4 {
			var crc [4]byte
			binary.BigEndian.PutUint32(crc[:], crc32.Checksum(req.buf, crcTable))
			if _, err := j.f.Write(crc[:]); err != nil {
				return errors.Wrap(ErrIO, err.Error())
			}
			j.curPos += 4
		}
	}
	if err := j.f.Sync(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	j.mu.Lock()
	j.synced = Mark{j.curID, j.curPos}
	j.mu.Unlock()
	return nil
}

// Replay feeds every well-framed record past `from` to onRecord. It must
// be called before Start. The first bad frame of a file (short read,
// impossible length, checksum mismatch) ends the replay of that file
// cleanly, wherever in the file it sits, and replay goes on with the
// next file; a damaged frame in the middle of a file is not told apart
// from a torn tail and is not reported as an error.
func (j *Journal) Replay(from Mark, onRecord func(version int, mark Mark, buf []byte) error) error {
	ids, err := listJournalIDs(j.dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id < from.LogID {
			continue
		}
		seek := int64(0)
		if id == from.LogID && from.Pos > journalHeaderLen {
			seek = from.Pos
		}
		if err := replayFile(journalPath(j.dir, id), id, seek, onRecord); err != nil {
			return err
		}
	}
	return nil
}

// A bad frame always terminates a file's replay cleanly: the writer of a
// file dies at its tail, and no synced record ever follows a torn frame
// (rotation opens a new file, it never appends to an old one). Damaged
// headers and misplaced meta records stay fatal.
func replayFile(path string, id uint32, seek int64, onRecord func(int, Mark, []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	defer f.Close()

	var header [journalHeaderLen]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		// crashed during rotation, before the header hit the disk
		return nil
	}
	if [4]byte(header[:4]) != journalMagic {
		return errors.Wrapf(ErrIO, "bad journal magic in %s", path)
	}
	version := int(header[4])
	if version < JournalVersionV3 || version > JournalVersionV4 {
		return errors.Wrapf(ErrIO, "unsupported journal version %d", version)
	}
	pos := int64(journalHeaderLen)
	if seek > pos {
		if _, err := f.Seek(seek, io.SeekStart); err != nil {
			return errors.Wrap(ErrIO, err.Error())
		}
		pos = seek
	}
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			return nil
		}
		recLen := int64(int32(binary.BigEndian.Uint32(lenBuf[:])))
		if recLen < minJournalRecord || recLen > maxJournalRecord {
			return nil
		}
		buf := make([]byte, recLen)
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil
		}
		pos += 4 + recLen
		if version >= JournalVersionV4 {
			var crcBuf [4]byte
			if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
				return nil
			}
			if binary.BigEndian.Uint32(crcBuf[:]) != crc32.Checksum(buf, crcTable) {
				return nil
			}
			pos += 4
		}
		entryID := int64(binary.BigEndian.Uint64(buf[8:16]))
		if entryID == MetaEntryIDFenceKey && version < JournalVersionV4 {
			return errors.Wrapf(ErrIO, "fence record in v%d journal %s", version, path)
		}
		if err := onRecord(version, Mark{id, pos}, buf); err != nil {
			return err
		}
	}
}

// TrimTo removes journal files wholly below mark; the file the mark
// points into stays.
func (j *Journal) TrimTo(mark Mark) error {
	ids, err := listJournalIDs(j.dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id >= mark.LogID || id == j.curID {
			break
		}
		if err := os.Remove(journalPath(j.dir, id)); err != nil {
			return errors.Wrap(ErrIO, err.Error())
		}
	}
	return nil
}

// Shutdown drains the queue, performs the final fsync and closes the
// current file. Safe to call more than once.
func (j *Journal) Shutdown() {
	select {
	case <-j.stop:
	default:
		close(j.stop)
	}
	if j.started.Load() {
		<-j.done
	}
	if j.f != nil {
		j.f.Sync()
		j.f.Close()
		j.f = nil
	}
}
