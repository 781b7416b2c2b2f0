//go:build !ceph

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

import "github.com/pkg/errors"

// Stub when Ceph support is not compiled in.
// Build with -tags=ceph to enable the RADOS archive backend.
func NewCephArchive(s *SettingsT) (ArchiveEngine, error) {
	return nil, errors.New("ceph support not compiled in, build with: go build -tags=ceph")
}
