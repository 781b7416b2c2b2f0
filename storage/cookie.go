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
import "encoding/json"
import "os"
import "path/filepath"
import "sort"
import "strconv"

import "github.com/pkg/errors"

import "github.com/launix-de/bookie/meta"

/*

cookie

A fingerprint of the bookie's layout, stamped into every ledger dir and
into the metadata service on first bring-up. Any disagreement on a
later start means directories were swapped, lost or reattached to the
wrong cluster identity, and the bookie refuses to run.

*/

const (
	cookieFile    = "cookie"
	versionFile   = "VERSION"
	layoutVersion = 3
)

type Cookie struct {
	LayoutVersion int      `json:"layoutVersion"`
	BookieID      string   `json:"bookieId"`
	InstanceID    string   `json:"instanceId"`
	JournalDir    string   `json:"journalDir"`
	LedgerDirs    []string `json:"ledgerDirs"`
}

func buildCookie(s *SettingsT, instanceID string) Cookie {
	dirs := append([]string(nil), s.LedgerDirs...)
	sort.Strings(dirs)
	return Cookie{
		LayoutVersion: layoutVersion,
		BookieID:      s.BookieID,
		InstanceID:    instanceID,
		JournalDir:    s.JournalDir,
		LedgerDirs:    dirs,
	}
}

func (c Cookie) encode() []byte {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		panic(err)
	}
	return data
}

func (s *SettingsT) cookiePath() string {
	return s.MetaRoot + "/cookies/" + s.BookieID
}

// ensureInstanceID reads the cluster identity, minting one on first use.
func ensureInstanceID(ms meta.Store, root string) (string, error) {
	p := root + "/INSTANCEID"
	data, err := ms.Get(p)
	if err == nil {
		return string(data), nil
	}
	if err != meta.ErrNoNode {
		return "", errors.Wrap(ErrMetadata, err.Error())
	}
	id := newInstanceID()
	if err := ms.EnsurePath(root); err != nil {
		return "", errors.Wrap(ErrMetadata, err.Error())
	}
	if err := ms.Create(p, []byte(id), false); err != nil && err != meta.ErrNodeExists {
		return "", errors.Wrap(ErrMetadata, err.Error())
	}
	// lost a race? then take whoever won
	data, err = ms.Get(p)
	if err != nil {
		return "", errors.Wrap(ErrMetadata, err.Error())
	}
	return string(data), nil
}

// verifyCookies pins the directory layout to the cluster identity. On a
// genuine first bring-up (no cookie anywhere) the cookie is stamped
// everywhere; any partial or diverging state is fatal.
func verifyCookies(ms meta.Store, s *SettingsT, dirs []string) error {
	instanceID, err := ensureInstanceID(ms, s.MetaRoot)
	if err != nil {
		return err
	}
	want := buildCookie(s, instanceID).encode()

	metaCookie, metaErr := ms.Get(s.cookiePath())
	if metaErr != nil && metaErr != meta.ErrNoNode {
		return errors.Wrap(ErrMetadata, metaErr.Error())
	}
	haveAny := metaErr == nil
	haveAll := metaErr == nil
	diskCookies := make([][]byte, len(dirs))
	for i, d := range dirs {
		data, err := os.ReadFile(filepath.Join(d, cookieFile))
		if err != nil {
			haveAll = false
			continue
		}
		diskCookies[i] = data
		haveAny = true
	}

	if !haveAny {
		return stampCookies(ms, s, dirs, want)
	}
	if !haveAll {
		return errors.Wrap(ErrInvalidCookie, "cookie missing in some location")
	}
	if !bytes.Equal(metaCookie, want) {
		return errors.Wrap(ErrInvalidCookie, "metadata cookie does not match this layout")
	}
	for i, data := range diskCookies {
		if !bytes.Equal(data, want) {
			return errors.Wrapf(ErrInvalidCookie, "cookie in %s does not match", dirs[i])
		}
	}
	for _, d := range dirs {
		if err := checkLayoutVersion(d); err != nil {
			return err
		}
	}
	return nil
}

func stampCookies(ms meta.Store, s *SettingsT, dirs []string, cookie []byte) error {
	for _, d := range dirs {
		if err := writeFileSync(filepath.Join(d, versionFile), []byte(strconv.Itoa(layoutVersion)+"\n")); err != nil {
			return errors.Wrap(ErrIO, err.Error())
		}
		if err := writeFileSync(filepath.Join(d, cookieFile), cookie); err != nil {
			return errors.Wrap(ErrIO, err.Error())
		}
	}
	if err := ms.EnsurePath(s.MetaRoot + "/cookies"); err != nil {
		return errors.Wrap(ErrMetadata, err.Error())
	}
	if err := ms.Create(s.cookiePath(), cookie, false); err != nil && err != meta.ErrNodeExists {
		return errors.Wrap(ErrMetadata, err.Error())
	}
	return nil
}

func checkLayoutVersion(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, versionFile))
	if err != nil {
		return errors.Wrapf(ErrInvalidCookie, "missing %s in %s", versionFile, dir)
	}
	v, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil || v < layoutVersion {
		return errors.Wrapf(ErrInvalidCookie, "unsupported layout version %q in %s", string(data), dir)
	}
	return nil
}
