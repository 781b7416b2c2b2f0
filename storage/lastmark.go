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
import "os"
import "path/filepath"

import "github.com/pkg/errors"

// lastMark file: 12 bytes, (txnLogId:u32, txnLogPos:i64) big endian.
// One copy per ledger dir, replaced atomically via temp + rename; on
// restart the highest parsable copy wins. Every copy is written by the
// same checkpoint, so a higher value only ever claims work whose
// flushes already completed.
const lastMarkFile = "lastMark"

func readLastMark(dirs []string) Mark {
	var best Mark
	for _, d := range dirs {
		data, err := os.ReadFile(filepath.Join(d, lastMarkFile))
		if err != nil || len(data) != 12 {
			continue
		}
		m := Mark{
			LogID: binary.BigEndian.Uint32(data[0:4]),
			Pos:   int64(binary.BigEndian.Uint64(data[4:12])),
		}
		if best.LessThan(m) {
			best = m
		}
	}
	return best
}

// writeLastMark publishes the mark into every dir it can; it fails only
// when no copy landed anywhere.
func writeLastMark(dirs []string, m Mark) error {
	var data [12]byte
	binary.BigEndian.PutUint32(data[0:4], m.LogID)
	binary.BigEndian.PutUint64(data[4:12], uint64(m.Pos))
	written := 0
	var lastErr error
	for _, d := range dirs {
		tmp := filepath.Join(d, lastMarkFile+".tmp")
		if err := writeFileSync(tmp, data[:]); err != nil {
			lastErr = err
			continue
		}
		if err := os.Rename(tmp, filepath.Join(d, lastMarkFile)); err != nil {
			lastErr = err
			continue
		}
		written++
	}
	if written == 0 {
		if lastErr == nil {
			lastErr = errors.New("no ledger dirs")
		}
		return errors.Wrap(ErrIO, lastErr.Error())
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
