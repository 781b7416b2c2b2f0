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
import "io"
import "os"
import "path/filepath"

import "github.com/pierrec/lz4/v4"
import "github.com/pkg/errors"
import "github.com/ulikunitz/xz"

/*

segment archive

Before GC or the compactor unlinks a retired segment, it can hand the
raw segment stream to an archive engine. Backends: a local directory,
S3, Ceph (build with -tags=ceph). Streams are optionally compressed
with lz4 or xz. A failed archive keeps the segment on disk.

*/

type ArchiveEngine interface {
	StoreSegment(logID uint32, r io.Reader) error
}

// NewArchive builds the configured engine; nil when archiving is off.
func NewArchive(s *SettingsT) (ArchiveEngine, error) {
	if !s.ArchiveRetired {
		return nil, nil
	}
	switch s.ArchiveCompress {
	case "", "none", "lz4", "xz":
	default:
		return nil, errors.Errorf("unknown archive compression %q", s.ArchiveCompress)
	}
	switch s.ArchiveBackend {
	case "", "file":
		if s.ArchiveDir == "" {
			return nil, errors.New("archive_dir is required for the file backend")
		}
		return &FileArchive{Dir: s.ArchiveDir, Compress: s.ArchiveCompress}, nil
	case "s3":
		return NewS3Archive(s), nil
	case "ceph":
		return NewCephArchive(s)
	}
	return nil, errors.Errorf("unknown archive backend %q", s.ArchiveBackend)
}

func archiveObjectName(logID uint32, codec string) string {
	name := fmt.Sprintf("%08x%s", logID, entrylogSuffix)
	switch codec {
	case "lz4":
		return name + ".lz4"
	case "xz":
		return name + ".xz"
	}
	return name
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func compressTo(w io.Writer, codec string) (io.WriteCloser, error) {
	switch codec {
	case "lz4":
		return lz4.NewWriter(w), nil
	case "xz":
		zw, err := xz.NewWriter(w)
		if err != nil {
			return nil, errors.Wrap(err, "xz writer")
		}
		return zw, nil
	}
	return nopWriteCloser{w}, nil
}

// FileArchive stores retired segments in a local directory.
type FileArchive struct {
	Dir      string
	Compress string
}

func (a *FileArchive) StoreSegment(logID uint32, r io.Reader) error {
	if err := os.MkdirAll(a.Dir, 0750); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	final := filepath.Join(a.Dir, archiveObjectName(logID, a.Compress))
	tmp := final + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	zw, err := compressTo(f, a.Compress)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if _, err := io.Copy(zw, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(ErrIO, err.Error())
	}
	f.Close()
	return os.Rename(tmp, final)
}
