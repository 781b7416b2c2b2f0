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
import "container/list"
import "encoding/binary"
import "os"
import "path/filepath"
import "sort"
import "strconv"
import "sync"

import "github.com/pkg/errors"

/*

ledger cache

Maps (ledgerId, entryId) -> (logId, offset) through fixed-size pages
cached over the per-ledger index files. Pages are bounded; clean pages
evict first (LRU), a dirty page is flushed to its file before it may
go. Flush never loses a concurrent update: pages carry a version
counter and stay dirty when they changed under the flush.

*/

type pageKey struct {
	ledger int64
	page   int64
}

type cachePage struct {
	key   pageKey
	data  []byte
	dirty bool
	ver   uint64
	elem  *list.Element // clean LRU position, nil while dirty
}

type LedgerCache struct {
	dirs     *LedgerDirs
	pageSize int
	epp      int64 // entries per page
	limit    int

	mu    sync.Mutex
	pages map[pageKey]*cachePage
	clean *list.List // *cachePage, front = oldest
	dirty *list.List // *cachePage, front = oldest dirty
	files map[int64]*indexFile
	last  map[int64]int64 // highest entry id, -1 = none yet
}

func NewLedgerCache(dirs *LedgerDirs, s *SettingsT) *LedgerCache {
	ps := s.IndexPageBytes()
	limit := s.IndexPageLimit
	if limit < 2 {
		limit = 2
	}
	return &LedgerCache{
		dirs:     dirs,
		pageSize: ps,
		epp:      int64(ps / indexSlotSize),
		limit:    limit,
		pages:    make(map[pageKey]*cachePage),
		clean:    list.New(),
		dirty:    list.New(),
		files:    make(map[int64]*indexFile),
		last:     make(map[int64]int64),
	}
}

// getFile resolves the ledger's index file, opening it from any dir.
// With createWith != nil a missing file is created in a writable dir.
func (lc *LedgerCache) getFile(ledgerID int64, createWith []byte) (*indexFile, bool, error) {
	if ix := lc.files[ledgerID]; ix != nil {
		return ix, false, nil
	}
	if p, ok := findIndexPath(lc.dirs.AllDirs(), ledgerID); ok {
		ix, err := openIndexFile(p, ledgerID)
		if err != nil {
			return nil, false, err
		}
		lc.files[ledgerID] = ix
		return ix, false, nil
	}
	if createWith == nil {
		return nil, false, errors.Wrapf(ErrNoLedger, "ledger %d", ledgerID)
	}
	dir, err := lc.dirs.PickForNewFile()
	if err != nil {
		return nil, false, err
	}
	ix, err := createIndexFile(dir, ledgerID, createWith)
	if err != nil {
		return nil, false, err
	}
	lc.files[ledgerID] = ix
	lc.last[ledgerID] = -1
	return ix, true, nil
}

// CreateLedgerIfAbsent materializes the ledger's index file; reports
// whether this call created it.
func (lc *LedgerCache) CreateLedgerIfAbsent(ledgerID int64, masterKey []byte) (bool, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	_, created, err := lc.getFile(ledgerID, masterKey)
	return created, err
}

// MasterKey loads the persisted master key of a ledger.
func (lc *LedgerCache) MasterKey(ledgerID int64) ([]byte, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	ix, _, err := lc.getFile(ledgerID, nil)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), ix.masterKey...), nil
}

// VerifyMasterKey compares the supplied key with the stored one.
func (lc *LedgerCache) VerifyMasterKey(ledgerID int64, masterKey []byte) error {
	stored, err := lc.MasterKey(ledgerID)
	if err != nil {
		return err
	}
	if !bytes.Equal(stored, masterKey) {
		return errors.Wrapf(ErrUnauthorizedAccess, "ledger %d", ledgerID)
	}
	return nil
}

func (lc *LedgerCache) SetFenced(ledgerID int64) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	ix, _, err := lc.getFile(ledgerID, nil)
	if err != nil {
		return err
	}
	return ix.setFenced()
}

func (lc *LedgerCache) IsFenced(ledgerID int64) (bool, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	ix, _, err := lc.getFile(ledgerID, nil)
	if err != nil {
		return false, err
	}
	return ix.fenced, nil
}

// getPage pins the page into the cache, paging in from disk on miss.
// Caller holds lc.mu.
func (lc *LedgerCache) getPage(ledgerID, pageID int64) (*cachePage, error) {
	key := pageKey{ledgerID, pageID}
	if pg := lc.pages[key]; pg != nil {
		if pg.elem != nil {
			lc.clean.MoveToBack(pg.elem)
		}
		return pg, nil
	}
	if err := lc.evictFor(1); err != nil {
		return nil, err
	}
	ix, _, err := lc.getFile(ledgerID, nil)
	if err != nil {
		return nil, err
	}
	data, err := ix.readPage(pageID, lc.pageSize)
	if err != nil {
		return nil, err
	}
	pg := &cachePage{key: key, data: data}
	pg.elem = lc.clean.PushBack(pg)
	lc.pages[key] = pg
	return pg, nil
}

// evictFor makes room for n new pages. Clean pages go first; if none
// remain, the oldest dirty page is forced out through its file.
func (lc *LedgerCache) evictFor(n int) error {
	for len(lc.pages)+n > lc.limit {
		if e := lc.clean.Front(); e != nil {
			pg := e.Value.(*cachePage)
			lc.clean.Remove(e)
			delete(lc.pages, pg.key)
			continue
		}
		e := lc.dirty.Front()
		if e == nil {
			return nil
		}
		pg := e.Value.(*cachePage)
		ix, _, err := lc.getFile(pg.key.ledger, nil)
		if err != nil {
			return err
		}
		if err := ix.writePage(pg.key.page, lc.pageSize, pg.data); err != nil {
			return err
		}
		if err := ix.sync(); err != nil {
			return err
		}
		lc.dirty.Remove(e)
		delete(lc.pages, pg.key)
	}
	return nil
}

func (lc *LedgerCache) markDirty(pg *cachePage) {
	pg.ver++
	if !pg.dirty {
		pg.dirty = true
		if pg.elem != nil {
			lc.clean.Remove(pg.elem)
			pg.elem = nil
		}
		lc.dirty.PushBack(pg)
	}
}

func (lc *LedgerCache) slotOffset(entryID int64) int {
	return int(entryID%lc.epp) * indexSlotSize
}

// PutEntryOffset records where an entry lives in the entry log.
func (lc *LedgerCache) PutEntryOffset(ledgerID, entryID int64, logID uint32, off int64) error {
	if entryID < 0 {
		return errors.Wrapf(ErrNoEntry, "negative entry id %d", entryID)
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	pg, err := lc.getPage(ledgerID, entryID/lc.epp)
	if err != nil {
		return err
	}
	o := lc.slotOffset(entryID)
	binary.BigEndian.PutUint32(pg.data[o:o+4], logID)
	binary.BigEndian.PutUint64(pg.data[o+4:o+12], uint64(off))
	lc.markDirty(pg)
	cur, ok := lc.last[ledgerID]
	if !ok {
		// first put since the file was opened: start from its on-disk tail
		ix, _, err := lc.getFile(ledgerID, nil)
		if err != nil {
			return err
		}
		if cur, err = ix.lastEntry(lc.pageSize); err != nil {
			return err
		}
	}
	if entryID > cur {
		cur = entryID
	}
	lc.last[ledgerID] = cur
	return nil
}

// CompareAndPut replaces the slot only while it still points at the old
// location; a newer concurrent write for the same entry wins.
func (lc *LedgerCache) CompareAndPut(ledgerID, entryID int64, oldLog uint32, oldOff int64, newLog uint32, newOff int64) (bool, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	pg, err := lc.getPage(ledgerID, entryID/lc.epp)
	if err != nil {
		return false, err
	}
	o := lc.slotOffset(entryID)
	if binary.BigEndian.Uint32(pg.data[o:o+4]) != oldLog || int64(binary.BigEndian.Uint64(pg.data[o+4:o+12])) != oldOff {
		return false, nil
	}
	binary.BigEndian.PutUint32(pg.data[o:o+4], newLog)
	binary.BigEndian.PutUint64(pg.data[o+4:o+12], uint64(newOff))
	lc.markDirty(pg)
	return true, nil
}

// GetEntryOffset looks up an entry's location; zero slot means absent.
func (lc *LedgerCache) GetEntryOffset(ledgerID, entryID int64) (uint32, int64, error) {
	if entryID < 0 {
		return 0, 0, errors.Wrapf(ErrNoEntry, "negative entry id %d", entryID)
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	pg, err := lc.getPage(ledgerID, entryID/lc.epp)
	if err != nil {
		return 0, 0, err
	}
	o := lc.slotOffset(entryID)
	logID := binary.BigEndian.Uint32(pg.data[o : o+4])
	off := int64(binary.BigEndian.Uint64(pg.data[o+4 : o+12]))
	if logID == 0 && off == 0 {
		return 0, 0, errors.Wrapf(ErrNoEntry, "ledger %d entry %d", ledgerID, entryID)
	}
	return logID, off, nil
}

// LastEntry returns the highest known entry id of the ledger, -1 when
// the ledger holds no entries on this bookie.
func (lc *LedgerCache) LastEntry(ledgerID int64) (int64, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if last, ok := lc.last[ledgerID]; ok {
		return last, nil
	}
	ix, _, err := lc.getFile(ledgerID, nil)
	if err != nil {
		return -1, err
	}
	last, err := ix.lastEntry(lc.pageSize)
	if err != nil {
		return -1, err
	}
	lc.last[ledgerID] = last
	return last, nil
}

// Flush writes every dirty page and fsyncs the touched index files.
// Readers keep running; a page updated mid-flush simply stays dirty.
func (lc *LedgerCache) Flush() error {
	lc.mu.Lock()
	type flushItem struct {
		key  pageKey
		data []byte
		ver  uint64
	}
	items := make([]flushItem, 0, lc.dirty.Len())
	for e := lc.dirty.Front(); e != nil; e = e.Next() {
		pg := e.Value.(*cachePage)
		items = append(items, flushItem{pg.key, append([]byte(nil), pg.data...), pg.ver})
	}
	lc.mu.Unlock()
	sort.Slice(items, func(a, b int) bool {
		if items[a].key.ledger != items[b].key.ledger {
			return items[a].key.ledger < items[b].key.ledger
		}
		return items[a].key.page < items[b].key.page
	})
	touched := map[int64]bool{}
	for _, it := range items {
		lc.mu.Lock()
		ix, _, err := lc.getFile(it.key.ledger, nil)
		lc.mu.Unlock()
		if err != nil {
			if errors.Is(err, ErrNoLedger) {
				continue // deleted under the flush
			}
			return err
		}
		if err := ix.writePage(it.key.page, lc.pageSize, it.data); err != nil {
			return err
		}
		touched[it.key.ledger] = true
	}
	lc.mu.Lock()
	for id := range touched {
		if ix := lc.files[id]; ix != nil {
			if err := ix.sync(); err != nil {
				lc.mu.Unlock()
				return err
			}
		}
	}
	for _, it := range items {
		pg := lc.pages[it.key]
		if pg == nil || !pg.dirty || pg.ver != it.ver {
			continue
		}
		pg.dirty = false
		for e := lc.dirty.Front(); e != nil; e = e.Next() {
			if e.Value.(*cachePage) == pg {
				lc.dirty.Remove(e)
				break
			}
		}
		pg.elem = lc.clean.PushBack(pg)
	}
	lc.mu.Unlock()
	return nil
}

// DeleteLedger drops every cached page and unlinks the index file.
func (lc *LedgerCache) DeleteLedger(ledgerID int64) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	for key, pg := range lc.pages {
		if key.ledger != ledgerID {
			continue
		}
		if pg.elem != nil {
			lc.clean.Remove(pg.elem)
		} else {
			for e := lc.dirty.Front(); e != nil; e = e.Next() {
				if e.Value.(*cachePage) == pg {
					lc.dirty.Remove(e)
					break
				}
			}
		}
		delete(lc.pages, key)
	}
	delete(lc.last, ledgerID)
	if ix := lc.files[ledgerID]; ix != nil {
		delete(lc.files, ledgerID)
		return ix.remove()
	}
	if p, ok := findIndexPath(lc.dirs.AllDirs(), ledgerID); ok {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(ErrIO, err.Error())
		}
		os.Remove(filepath.Dir(p))
	}
	return nil
}

// ListLedgers walks the fan-out dirs for every ledger stored here.
func (lc *LedgerCache) ListLedgers() []int64 {
	seen := map[int64]bool{}
	for _, dir := range lc.dirs.AllDirs() {
		level1, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, hi := range level1 {
			if !hi.IsDir() || len(hi.Name()) != 8 {
				continue
			}
			hiVal, err := strconv.ParseUint(hi.Name(), 16, 32)
			if err != nil {
				continue
			}
			level2, err := os.ReadDir(filepath.Join(dir, hi.Name()))
			if err != nil {
				continue
			}
			for _, lo := range level2 {
				name := lo.Name()
				if filepath.Ext(name) != indexSuffix || len(name) != 8+len(indexSuffix) {
					continue
				}
				loVal, err := strconv.ParseUint(name[:8], 16, 32)
				if err != nil {
					continue
				}
				seen[int64(hiVal<<32|loVal)] = true
			}
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Close flushes what is dirty and drops the file handles.
func (lc *LedgerCache) Close() error {
	err := lc.Flush()
	lc.mu.Lock()
	defer lc.mu.Unlock()
	for _, ix := range lc.files {
		ix.close()
	}
	lc.files = make(map[int64]*indexFile)
	return err
}
