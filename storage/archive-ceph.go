//go:build ceph

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
import "io"
import "path"
import "strings"
import "sync"

import "github.com/ceph/go-ceph/rados"
import "github.com/pkg/errors"

// CephArchive writes retired segments as RADOS objects
// <prefix>/<logId>.log[.ext]. RADOS has no append, but a retired
// segment is immutable anyway, so one full-object write suffices.
type CephArchive struct {
	UserName    string // e.g. "client.bookie"
	ClusterName string // often "ceph"
	ConfFile    string // optional, env defaults otherwise
	Pool        string
	Prefix      string
	Compress    string

	mu    sync.Mutex
	conn  *rados.Conn
	ioctx *rados.IOContext
}

func NewCephArchive(s *SettingsT) (ArchiveEngine, error) {
	if s.CephPool == "" {
		return nil, errors.New("ceph_pool is required for the ceph backend")
	}
	return &CephArchive{
		UserName:    s.CephUserName,
		ClusterName: s.CephClusterName,
		ConfFile:    s.CephConfFile,
		Pool:        s.CephPool,
		Prefix:      strings.TrimSuffix(s.CephPrefix, "/"),
		Compress:    s.ArchiveCompress,
	}, nil
}

func (a *CephArchive) ensureOpen() (*rados.IOContext, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ioctx != nil {
		return a.ioctx, nil
	}
	conn, err := rados.NewConnWithClusterAndUser(a.ClusterName, a.UserName)
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	if a.ConfFile != "" {
		if err := conn.ReadConfigFile(a.ConfFile); err != nil {
			return nil, errors.Wrap(ErrIO, err.Error())
		}
	} else {
		conn.ReadDefaultConfigFile()
	}
	if err := conn.Connect(); err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	ioctx, err := conn.OpenIOContext(a.Pool)
	if err != nil {
		conn.Shutdown()
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	a.conn = conn
	a.ioctx = ioctx
	return ioctx, nil
}

func (a *CephArchive) StoreSegment(logID uint32, r io.Reader) error {
	ioctx, err := a.ensureOpen()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	zw, err := compressTo(&buf, a.Compress)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, r); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	oid := path.Join(a.Prefix, archiveObjectName(logID, a.Compress))
	if err := ioctx.WriteFull(oid, buf.Bytes()); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}
