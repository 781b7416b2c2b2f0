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

package meta

import "fmt"
import "strconv"
import "strings"

// LedgerManager reads the live ledger set under <root>. Ledger nodes are
// created as L<10-digit-decimal>; LiveLedgers counts every child named
// L followed by a decimal id of any width and ignores everything else.
type LedgerManager struct {
	Store Store
	Root  string
}

func ledgerNode(id int64) string {
	return fmt.Sprintf("L%010d", id)
}

func (lm *LedgerManager) CreateLedger(id int64) error {
	if err := lm.Store.EnsurePath(lm.Root); err != nil {
		return err
	}
	err := lm.Store.Create(lm.Root+"/"+ledgerNode(id), nil, false)
	if err == ErrNodeExists {
		return nil
	}
	return err
}

func (lm *LedgerManager) DeleteLedger(id int64) error {
	err := lm.Store.Delete(lm.Root + "/" + ledgerNode(id))
	if err == ErrNoNode {
		return nil
	}
	return err
}

// LiveLedgers returns the set of ledger ids that still exist in metadata.
func (lm *LedgerManager) LiveLedgers() (map[int64]bool, error) {
	children, err := lm.Store.Children(lm.Root)
	if err != nil {
		if err == ErrNoNode {
			return map[int64]bool{}, nil
		}
		return nil, err
	}
	live := make(map[int64]bool, len(children))
	for _, c := range children {
		if !strings.HasPrefix(c, "L") {
			continue
		}
		id, err := strconv.ParseInt(c[1:], 10, 64)
		if err != nil {
			continue
		}
		live[id] = true
	}
	return live, nil
}
