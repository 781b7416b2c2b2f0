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
import "os"
import "sync"
import "sync/atomic"
import "time"

import "github.com/pkg/errors"

import "github.com/launix-de/bookie/meta"

/*

bookie facade

Owns every component and the startup/shutdown choreography:
cookie check -> journal replay -> background tasks -> registration.
AddEntry acknowledges only after the journal's group fsync; everything
else (entry log, index) may trail and is caught up by replay after a
crash.

*/

type Bookie struct {
	settings SettingsT
	ms       meta.Store

	dirs    *LedgerDirs
	journal *Journal
	log     *EntryLog
	cache   *LedgerCache
	handles *HandleFactory
	syncer  *SyncThread
	gc      *GarbageCollector

	readOnly atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
	exitCode atomic.Int32
	exited   chan struct{}
}

func NewBookie(s SettingsT, ms meta.Store) (*Bookie, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	b := &Bookie{
		settings: s,
		ms:       ms,
		stopped:  make(chan struct{}),
		exited:   make(chan struct{}),
	}
	dirs, err := NewLedgerDirs(s.LedgerDirs, s.MinFreeBytes(), time.Duration(s.HealthIntervalMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	b.dirs = dirs
	if err := verifyCookies(ms, &s, dirs.AllDirs()); err != nil {
		dirs.Close()
		return nil, err
	}
	if b.journal, err = NewJournal(s.JournalDir, &s, b.fatal); err != nil {
		dirs.Close()
		return nil, err
	}
	if b.log, err = NewEntryLog(dirs, &s); err != nil {
		dirs.Close()
		return nil, err
	}
	b.cache = NewLedgerCache(dirs, &s)
	b.handles = NewHandleFactory(b.cache, b.log)

	if err := b.replay(); err != nil {
		b.cache.Close()
		dirs.Close()
		return nil, err
	}
	if err := b.journal.Start(); err != nil {
		b.cache.Close()
		dirs.Close()
		return nil, err
	}
	b.syncer = NewSyncThread(b.journal, b.log, b.cache, dirs, time.Duration(s.SyncIntervalMS)*time.Millisecond, b.fatal)
	b.syncer.Start()
	archive, err := NewArchive(&s)
	if err != nil {
		b.Shutdown(ExitInvalidConf)
		return nil, err
	}
	lm := &meta.LedgerManager{Store: ms, Root: s.MetaRoot}
	b.gc = NewGarbageCollector(b.log, b.cache, b.handles, lm, archive, &s)
	b.gc.Start()
	go b.watchDirs()
	go b.watchSession()
	if err := b.registerAvailable(); err != nil {
		b.Shutdown(ExitMetaRegFailed)
		return nil, err
	}
	fmt.Printf("bookie %s up, journal at %s, %d ledger dirs\n", s.BookieID, s.JournalDir, len(s.LedgerDirs))
	return b, nil
}

// replay drives the journal from the persisted LastLogMark through the
// normal add path; every step is idempotent.
func (b *Bookie) replay() error {
	from := readLastMark(b.dirs.AllDirs())
	return b.journal.Replay(from, func(version int, m Mark, buf []byte) error {
		ledgerID := int64(binary.BigEndian.Uint64(buf[0:8]))
		entryID := int64(binary.BigEndian.Uint64(buf[8:16]))
		switch entryID {
		case MetaEntryIDLedgerKey:
			_, err := b.cache.CreateLedgerIfAbsent(ledgerID, buf[16:])
			return err
		case MetaEntryIDFenceKey:
			err := b.cache.SetFenced(ledgerID)
			if errors.Is(err, ErrNoLedger) {
				return nil // ledger deleted since
			}
			return err
		default:
			if entryID < 0 {
				return errors.Wrapf(ErrIO, "unknown meta entry id %d in journal", entryID)
			}
			// skip records whose entry already sits at a valid location
			if logID, off, err := b.cache.GetEntryOffset(ledgerID, entryID); err == nil {
				if cur, err := b.log.Read(logID, off); err == nil &&
					int64(binary.BigEndian.Uint64(cur[0:8])) == ledgerID &&
					int64(binary.BigEndian.Uint64(cur[8:16])) == entryID {
					return nil
				}
			}
			h, err := b.handles.GetReadOnlyHandle(ledgerID)
			if errors.Is(err, ErrNoLedger) {
				return nil // ledger deleted since
			}
			if err != nil {
				return err
			}
			h.mu.Lock()
			err = h.addEntry(buf)
			h.mu.Unlock()
			return err
		}
	})
}

// journalKeyRecordLocked enqueues the ledger-key meta record on the
// ledger's first sighting. Caller holds h.mu, so the record reaches
// the journal before any entry of the ledger; replay then always sees
// the key first.
func (b *Bookie) journalKeyRecordLocked(h *LedgerDescriptor) {
	if !h.needsKeyRecord {
		return
	}
	h.needsKeyRecord = false
	keyRec := make([]byte, 16+len(h.masterKey))
	binary.BigEndian.PutUint64(keyRec[0:8], uint64(h.ledgerID))
	ledgerKeyID := MetaEntryIDLedgerKey
	binary.BigEndian.PutUint64(keyRec[8:16], uint64(ledgerKeyID))
	copy(keyRec[16:], h.masterKey)
	b.journal.LogAddEntry(keyRec, func(error) {})
}

func parseLedgerID(entry []byte) (int64, error) {
	if len(entry) < 16 {
		return 0, errors.Wrap(ErrNoEntry, "entry shorter than its id prefix")
	}
	return int64(binary.BigEndian.Uint64(entry[0:8])), nil
}

// AddEntry persists one entry and returns after its journal record is
// fsynced. The entry's first 16 bytes name its ledger and entry id.
func (b *Bookie) AddEntry(entry []byte, masterKey []byte) error {
	return b.addEntry(entry, masterKey, false)
}

// RecoveryAddEntry is the fence-exempt add used by client-driven
// ledger recovery.
func (b *Bookie) RecoveryAddEntry(entry []byte, masterKey []byte) error {
	return b.addEntry(entry, masterKey, true)
}

func (b *Bookie) addEntry(entry []byte, masterKey []byte, recovery bool) error {
	if b.stopping.Load() {
		return ErrInterrupted
	}
	if b.readOnly.Load() {
		return errors.Wrap(ErrReadOnly, "rejecting write")
	}
	ledgerID, err := parseLedgerID(entry)
	if err != nil {
		return err
	}
	h, err := b.handles.GetHandle(ledgerID, masterKey)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if !recovery && h.IsFenced() {
		h.mu.Unlock()
		return errors.Wrapf(ErrLedgerFenced, "ledger %d", ledgerID)
	}
	b.journalKeyRecordLocked(h)
	if err := h.addEntry(entry); err != nil {
		h.mu.Unlock()
		return err
	}
	ack := newFuture()
	b.journal.LogAddEntry(entry, ack.complete)
	h.mu.Unlock()
	return ack.Wait()
}

// ReadEntry fetches an entry; entryID -1 means the last known one.
func (b *Bookie) ReadEntry(ledgerID, entryID int64) ([]byte, error) {
	h, err := b.handles.GetReadOnlyHandle(ledgerID)
	if err != nil {
		return nil, err
	}
	return h.ReadEntry(entryID)
}

// FenceLedger flips the sticky fence bit. The returned future resolves
// once the fence survives a restart; an already fenced ledger yields a
// completed future.
func (b *Bookie) FenceLedger(ledgerID int64, masterKey []byte) (*Future, error) {
	if b.stopping.Load() {
		return nil, ErrInterrupted
	}
	h, err := b.handles.GetHandle(ledgerID, masterKey)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b.journalKeyRecordLocked(h)
	if !h.SetFenced() {
		return completedFuture(nil), nil
	}
	if err := b.cache.SetFenced(ledgerID); err != nil {
		return nil, err
	}
	var rec [16]byte
	binary.BigEndian.PutUint64(rec[0:8], uint64(ledgerID))
	fenceKeyID := MetaEntryIDFenceKey
	binary.BigEndian.PutUint64(rec[8:16], uint64(fenceKeyID))
	ack := newFuture()
	b.journal.LogAddEntry(rec[:], ack.complete)
	return ack, nil
}

// IsReadOnly reports whether the read-only transition happened.
func (b *Bookie) IsReadOnly() bool {
	return b.readOnly.Load()
}

func (b *Bookie) availablePath() string {
	return b.settings.BookiesPath + "/available/" + b.settings.BookieID
}

func (b *Bookie) readonlyPath() string {
	return b.settings.BookiesPath + "/readonly/" + b.settings.BookieID
}

// registerAvailable creates the ephemeral membership node, first
// waiting out any stale registration of a previous incarnation.
func (b *Bookie) registerAvailable() error {
	if err := b.ms.EnsurePath(b.settings.BookiesPath + "/available"); err != nil {
		return errors.Wrap(ErrMetadata, err.Error())
	}
	timeout := time.NewTimer(time.Duration(b.settings.MetaRegistrationWaitMS) * time.Millisecond)
	defer timeout.Stop()
	for {
		exists, err := b.ms.Exists(b.availablePath())
		if err != nil {
			return errors.Wrap(ErrMetadata, err.Error())
		}
		if !exists {
			break
		}
		// a previous incarnation is still registered; watch for its
		// ephemeral node to vanish
		gone, err := b.ms.Watch(b.availablePath())
		if err != nil {
			return errors.Wrap(ErrMetadata, err.Error())
		}
		select {
		case <-gone:
			continue
		case <-timeout.C:
			// our own id, the old session is certainly dead by now
			if err := b.ms.Delete(b.availablePath()); err != nil && err != meta.ErrNoNode {
				return errors.Wrap(ErrMetadata, err.Error())
			}
		}
		break
	}
	if err := b.ms.Create(b.availablePath(), nil, true); err != nil {
		return errors.Wrap(ErrMetadata, err.Error())
	}
	return nil
}

func (b *Bookie) watchDirs() {
	for {
		select {
		case <-b.stopped:
			return
		case n := <-b.dirs.Notices():
			switch n.Event {
			case AllDirsFull:
				b.transitionToReadOnly()
			case DirsFatal:
				b.fatal(errors.Wrap(ErrIO, "ledger directories failed"))
			}
		}
	}
}

func (b *Bookie) watchSession() {
	select {
	case <-b.stopped:
	case <-b.ms.Expired():
		fmt.Fprintln(os.Stderr, "metadata session expired, shutting down")
		go b.Shutdown(ExitMetaExpired)
	}
}

// transitionToReadOnly is the one-way switch on allDisksFull. With the
// feature disabled the bookie goes down instead.
func (b *Bookie) transitionToReadOnly() {
	if !b.settings.ReadOnlyModeEnabled {
		b.fatal(errors.Wrap(ErrNoWritableDir, "read-only mode disabled"))
		return
	}
	if !b.readOnly.CompareAndSwap(false, true) {
		return
	}
	fmt.Fprintln(os.Stderr, "all ledger dirs full, transitioning to read-only")
	if err := b.ms.EnsurePath(b.settings.BookiesPath + "/readonly"); err != nil {
		fmt.Fprintf(os.Stderr, "readonly registration: %v\n", err)
		return
	}
	if err := b.ms.Create(b.readonlyPath(), nil, true); err != nil && err != meta.ErrNodeExists {
		fmt.Fprintf(os.Stderr, "readonly registration: %v\n", err)
	}
	if err := b.ms.Delete(b.availablePath()); err != nil && err != meta.ErrNoNode {
		fmt.Fprintf(os.Stderr, "deregister writable: %v\n", err)
	}
}

// fatal is handed to components whose failure must take the bookie
// down (journal, repeated checkpoint failures).
func (b *Bookie) fatal(err error) {
	fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
	go b.Shutdown(ExitBookieError)
}

// Shutdown stops writes, drains the journal, runs a final checkpoint
// and closes everything. Idempotent.
func (b *Bookie) Shutdown(code int) {
	b.stopOnce.Do(func() {
		b.stopping.Store(true)
		b.exitCode.Store(int32(code))
		close(b.stopped)
		if b.gc != nil {
			b.gc.Shutdown()
		}
		if b.journal != nil {
			b.journal.Shutdown()
		}
		if b.syncer != nil {
			b.syncer.Shutdown()
		}
		if b.log != nil {
			if err := b.log.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "entry log close: %v\n", err)
			}
		}
		if b.cache != nil {
			if err := b.cache.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "ledger cache close: %v\n", err)
			}
		}
		b.dirs.Close()
		b.ms.Close()
		close(b.exited)
	})
}

// Wait blocks until shutdown finished and returns the exit code.
func (b *Bookie) Wait() int {
	<-b.exited
	return int(b.exitCode.Load())
}
