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

import "bytes"
import "encoding/binary"
import "sync"
import "sync/atomic"

import "github.com/launix-de/NonLockingReadMap"
import "github.com/pkg/errors"

// LedgerDescriptor is the in-memory state of one live ledger. Mutations
// are serialized through mu by the facade; fenced flips atomically and
// never flips back.
type LedgerDescriptor struct {
	ledgerID  int64
	masterKey []byte
	fenced    atomic.Bool
	mu        sync.Mutex
	// first sighting of the ledger on this bookie: whoever takes mu
	// next must journal the master-key record before its own write
	needsKeyRecord bool

	cache *LedgerCache
	log   *EntryLog
}

func (h *LedgerDescriptor) LedgerID() int64 {
	return h.ledgerID
}

func (h *LedgerDescriptor) IsFenced() bool {
	return h.fenced.Load()
}

// SetFenced reports whether this call performed the transition.
func (h *LedgerDescriptor) SetFenced() bool {
	return h.fenced.CompareAndSwap(false, true)
}

// addEntry stores the entry and indexes its location; caller holds mu.
func (h *LedgerDescriptor) addEntry(entry []byte) error {
	if len(entry) < 16 {
		return errors.Wrap(ErrNoEntry, "entry shorter than its id prefix")
	}
	entryID := int64(binary.BigEndian.Uint64(entry[8:16]))
	if entryID < 0 {
		return errors.Wrapf(ErrNoEntry, "invalid entry id %d", entryID)
	}
	logID, off, err := h.log.Append(h.ledgerID, entry)
	if err != nil {
		return err
	}
	return h.cache.PutEntryOffset(h.ledgerID, entryID, logID, off)
}

// ReadEntry fetches an entry; entryID -1 resolves to the last known.
func (h *LedgerDescriptor) ReadEntry(entryID int64) ([]byte, error) {
	if entryID == -1 {
		last, err := h.cache.LastEntry(h.ledgerID)
		if err != nil {
			return nil, err
		}
		if last < 0 {
			return nil, errors.Wrapf(ErrNoEntry, "ledger %d is empty here", h.ledgerID)
		}
		entryID = last
	}
	logID, off, err := h.cache.GetEntryOffset(h.ledgerID, entryID)
	if err != nil {
		return nil, err
	}
	entry, err := h.log.Read(logID, off)
	if err != nil {
		return nil, err
	}
	if int64(binary.BigEndian.Uint64(entry[0:8])) != h.ledgerID ||
		int64(binary.BigEndian.Uint64(entry[8:16])) != entryID {
		return nil, errors.Wrapf(ErrNoEntry, "stale location for ledger %d entry %d", h.ledgerID, entryID)
	}
	return entry, nil
}

// handleEntry adapts a descriptor to the read-mostly registry map.
type handleEntry struct {
	id int64
	h  *LedgerDescriptor
}

func (e handleEntry) GetKey() int64 { return e.id }

func (e handleEntry) ComputeSize() uint {
	return uint(16 + 8 + len(e.h.masterKey))
}

// HandleFactory interns one descriptor per live ledger. Reads go
// through the non-locking map; creation serializes on mu.
type HandleFactory struct {
	mu      sync.Mutex
	handles NonLockingReadMap.NonLockingReadMap[handleEntry, int64]
	cache   *LedgerCache
	log     *EntryLog
}

func NewHandleFactory(cache *LedgerCache, log *EntryLog) *HandleFactory {
	return &HandleFactory{
		handles: NonLockingReadMap.New[handleEntry, int64](),
		cache:   cache,
		log:     log,
	}
}

func (hf *HandleFactory) newDescriptor(ledgerID int64, masterKey []byte) *LedgerDescriptor {
	h := &LedgerDescriptor{
		ledgerID:  ledgerID,
		masterKey: append([]byte(nil), masterKey...),
		cache:     hf.cache,
		log:       hf.log,
	}
	if fenced, err := hf.cache.IsFenced(ledgerID); err == nil && fenced {
		h.fenced.Store(true)
	}
	return h
}

// GetHandle returns the ledger's descriptor, creating ledger state on
// first use. A freshly created ledger is flagged so the next mutation
// under the descriptor lock journals its master-key record first.
func (hf *HandleFactory) GetHandle(ledgerID int64, masterKey []byte) (*LedgerDescriptor, error) {
	if e := hf.handles.Get(ledgerID); e != nil {
		if !bytes.Equal(e.h.masterKey, masterKey) {
			return nil, errors.Wrapf(ErrUnauthorizedAccess, "ledger %d", ledgerID)
		}
		return e.h, nil
	}
	hf.mu.Lock()
	defer hf.mu.Unlock()
	if e := hf.handles.Get(ledgerID); e != nil {
		if !bytes.Equal(e.h.masterKey, masterKey) {
			return nil, errors.Wrapf(ErrUnauthorizedAccess, "ledger %d", ledgerID)
		}
		return e.h, nil
	}
	created, err := hf.cache.CreateLedgerIfAbsent(ledgerID, masterKey)
	if err != nil {
		return nil, err
	}
	if !created {
		if err := hf.cache.VerifyMasterKey(ledgerID, masterKey); err != nil {
			return nil, err
		}
	}
	h := hf.newDescriptor(ledgerID, masterKey)
	h.needsKeyRecord = created
	hf.handles.Set(&handleEntry{id: ledgerID, h: h})
	return h, nil
}

// GetReadOnlyHandle resolves a descriptor without a master key; the
// key is loaded from the persisted index header when needed.
func (hf *HandleFactory) GetReadOnlyHandle(ledgerID int64) (*LedgerDescriptor, error) {
	if e := hf.handles.Get(ledgerID); e != nil {
		return e.h, nil
	}
	hf.mu.Lock()
	defer hf.mu.Unlock()
	if e := hf.handles.Get(ledgerID); e != nil {
		return e.h, nil
	}
	key, err := hf.cache.MasterKey(ledgerID)
	if err != nil {
		return nil, err
	}
	h := hf.newDescriptor(ledgerID, key)
	hf.handles.Set(&handleEntry{id: ledgerID, h: h})
	return h, nil
}

// Drop forgets the descriptor (ledger deleted by GC).
func (hf *HandleFactory) Drop(ledgerID int64) {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	hf.handles.Remove(ledgerID)
}
