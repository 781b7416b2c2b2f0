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
import "path/filepath"

import "github.com/pkg/errors"

/*

per-ledger index file

header (1 KiB): magic "BKIX", version u32, keyLen u32, masterKey,
fenced u8, zero padding. Pages of fixed size follow; each slot is
(logId:u32, offset:u64), zero = absent. The master key and the fenced
bit live in the header so they survive cache eviction and restarts.

path: <dir>/<hi 8-hex>/<lo 8-hex>.idx  (two-level fan-out)

*/

const (
	indexSlotSize   = 12
	indexHeaderLen  = 1024
	indexSuffix     = ".idx"
	maxMasterKeyLen = indexHeaderLen - 13 // header fields + fenced byte
)

var indexMagic = [4]byte{'B', 'K', 'I', 'X'}

type indexFile struct {
	ledgerID  int64
	path      string
	f         *os.File
	masterKey []byte
	fenced    bool
}

func indexPath(dir string, ledgerID int64) string {
	hi := uint32(uint64(ledgerID) >> 32)
	lo := uint32(uint64(ledgerID))
	return filepath.Join(dir, fmt.Sprintf("%08x", hi), fmt.Sprintf("%08x%s", lo, indexSuffix))
}

func findIndexPath(dirs []string, ledgerID int64) (string, bool) {
	for _, d := range dirs {
		p := indexPath(d, ledgerID)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func createIndexFile(dir string, ledgerID int64, masterKey []byte) (*indexFile, error) {
	if len(masterKey) > maxMasterKeyLen {
		return nil, errors.Wrap(ErrUnauthorizedAccess, "master key too long")
	}
	p := indexPath(dir, ledgerID)
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0640)
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	header := make([]byte, indexHeaderLen)
	copy(header, indexMagic[:])
	binary.BigEndian.PutUint32(header[4:8], 1)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(masterKey)))
	copy(header[12:], masterKey)
	if _, err := f.Write(header); err != nil {
		f.Close()
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	return &indexFile{ledgerID: ledgerID, path: p, f: f, masterKey: append([]byte(nil), masterKey...)}, nil
}

func openIndexFile(path string, ledgerID int64) (*indexFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0640)
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	header := make([]byte, indexHeaderLen)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, errors.Wrapf(ErrIO, "short index header in %s", path)
	}
	if [4]byte(header[:4]) != indexMagic {
		f.Close()
		return nil, errors.Wrapf(ErrIO, "bad index magic in %s", path)
	}
	keyLen := binary.BigEndian.Uint32(header[8:12])
	if keyLen > maxMasterKeyLen {
		f.Close()
		return nil, errors.Wrapf(ErrIO, "bad key length in %s", path)
	}
	idx := &indexFile{
		ledgerID:  ledgerID,
		path:      path,
		f:         f,
		masterKey: append([]byte(nil), header[12:12+keyLen]...),
		fenced:    header[12+keyLen] != 0,
	}
	return idx, nil
}

func (ix *indexFile) fencedOffset() int64 {
	return int64(12 + len(ix.masterKey))
}

func (ix *indexFile) setFenced() error {
	ix.fenced = true
	if _, err := ix.f.WriteAt([]byte{1}, ix.fencedOffset()); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := ix.f.Sync(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}

// readPage returns the page's on-disk bytes, zero-filled past EOF.
func (ix *indexFile) readPage(pageID int64, pageSize int) ([]byte, error) {
	buf := make([]byte, pageSize)
	off := indexHeaderLen + pageID*int64(pageSize)
	n, err := ix.f.ReadAt(buf, off)
	if err != nil && n == 0 {
		// page not materialized yet
		return buf, nil
	}
	for i := n; i < pageSize; i++ {
		buf[i] = 0
	}
	return buf, nil
}

func (ix *indexFile) writePage(pageID int64, pageSize int, data []byte) error {
	off := indexHeaderLen + pageID*int64(pageSize)
	if _, err := ix.f.WriteAt(data, off); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}

func (ix *indexFile) sync() error {
	if err := ix.f.Sync(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}

// lastEntry scans from the file's tail for the highest occupied slot.
func (ix *indexFile) lastEntry(pageSize int) (int64, error) {
	st, err := ix.f.Stat()
	if err != nil {
		return -1, errors.Wrap(ErrIO, err.Error())
	}
	dataLen := st.Size() - indexHeaderLen
	if dataLen <= 0 {
		return -1, nil
	}
	epp := int64(pageSize / indexSlotSize)
	pages := (dataLen + int64(pageSize) - 1) / int64(pageSize)
	for pageID := pages - 1; pageID >= 0; pageID-- {
		buf, err := ix.readPage(pageID, pageSize)
		if err != nil {
			return -1, err
		}
		for slot := epp - 1; slot >= 0; slot-- {
			o := slot * indexSlotSize
			if binary.BigEndian.Uint32(buf[o:o+4]) != 0 || binary.BigEndian.Uint64(buf[o+4:o+12]) != 0 {
				return pageID*epp + slot, nil
			}
		}
	}
	return -1, nil
}

func (ix *indexFile) close() {
	if ix.f != nil {
		ix.f.Close()
		ix.f = nil
	}
}

func (ix *indexFile) remove() error {
	ix.close()
	if err := os.Remove(ix.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(ErrIO, err.Error())
	}
	// drop the fan-out dir if this was its last ledger
	os.Remove(filepath.Dir(ix.path))
	return nil
}
