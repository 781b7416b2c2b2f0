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

import "fmt"
import "os"
import "path/filepath"
import "strings"

import "github.com/chzyer/readline"
import "github.com/pkg/errors"

// Format wipes the journal and ledger directories. Non-empty dirs are
// only destroyed under force, or after interactive confirmation.
// Reports whether formatting happened.
func Format(s *SettingsT, interactive, force bool) (bool, error) {
	dirs := append([]string(nil), s.LedgerDirs...)
	dirs = append(dirs, s.JournalDir)
	nonEmpty := false
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err == nil && len(entries) > 0 {
			nonEmpty = true
			break
		}
	}
	if nonEmpty && !force {
		if !interactive {
			return false, nil
		}
		ok, err := confirm(fmt.Sprintf("Erase all data in %s? (y/N) ", strings.Join(dirs, ", ")))
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return false, errors.Wrap(ErrIO, err.Error())
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(d, e.Name())); err != nil {
				return false, errors.Wrap(ErrIO, err.Error())
			}
		}
	}
	return true, nil
}

func confirm(prompt string) (bool, error) {
	rl, err := readline.New(prompt)
	if err != nil {
		return false, errors.Wrap(err, "open terminal")
	}
	defer rl.Close()
	line, err := rl.Readline()
	if err != nil {
		return false, nil
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
