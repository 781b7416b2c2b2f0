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

import "os"
import "encoding/json"
import "github.com/docker/go-units"
import "github.com/pkg/errors"

// SettingsT collects every tunable of the bookie. Sizes are human
// readable strings ("2GB", "8kb"); use the *Bytes accessors.
type SettingsT struct {
	BookieID   string   `json:"bookie_id"`
	JournalDir string   `json:"journal_dir"`
	LedgerDirs []string `json:"ledger_dirs"`

	JournalMaxSize    string `json:"journal_max_size"`
	JournalFlushBytes string `json:"journal_flush_bytes"`
	JournalFlushMS    int    `json:"journal_flush_ms"`
	JournalVersion    int    `json:"journal_version"`

	EntryLogMaxSize string `json:"entrylog_max_size"`

	IndexPageSize  string `json:"index_page_size"`
	IndexPageLimit int    `json:"index_page_limit"`

	SyncIntervalMS   int `json:"sync_interval_ms"`
	HealthIntervalMS int `json:"health_interval_ms"`

	MinFreeSpace string `json:"min_free_space"`

	GCIntervalMS      int     `json:"gc_interval_ms"`
	CompactMinorRatio float64 `json:"compact_minor_ratio"`
	CompactMinorMS    int64   `json:"compact_minor_ms"`
	CompactMajorRatio float64 `json:"compact_major_ratio"`
	CompactMajorMS    int64   `json:"compact_major_ms"`

	ReadOnlyModeEnabled bool `json:"readonly_mode_enabled"`

	MetaRoot              string `json:"meta_root"`
	BookiesPath           string `json:"bookies_path"`
	MetaRegistrationWaitMS int   `json:"meta_registration_wait_ms"`

	ArchiveRetired  bool   `json:"archive_retired"`
	ArchiveBackend  string `json:"archive_backend"`  // file, s3, ceph
	ArchiveCompress string `json:"archive_compress"` // none, lz4, xz
	ArchiveDir      string `json:"archive_dir"`

	S3AccessKeyID     string `json:"s3_access_key_id"`
	S3SecretAccessKey string `json:"s3_secret_access_key"`
	S3Region          string `json:"s3_region"`
	S3Endpoint        string `json:"s3_endpoint"`
	S3Bucket          string `json:"s3_bucket"`
	S3Prefix          string `json:"s3_prefix"`
	S3ForcePathStyle  bool   `json:"s3_force_path_style"`

	CephUserName    string `json:"ceph_user_name"`
	CephClusterName string `json:"ceph_cluster_name"`
	CephConfFile    string `json:"ceph_conf_file"`
	CephPool        string `json:"ceph_pool"`
	CephPrefix      string `json:"ceph_prefix"`
}

func DefaultSettings() SettingsT {
	return SettingsT{
		BookieID:          "bookie-1",
		JournalMaxSize:    "2GB",
		JournalFlushBytes: "512kb",
		JournalFlushMS:    1,
		JournalVersion:    JournalVersionV4,
		EntryLogMaxSize:   "1GB",
		IndexPageSize:     "8kb",
		IndexPageLimit:    4096,
		SyncIntervalMS:    10000,
		HealthIntervalMS:  10000,
		MinFreeSpace:      "256MB",
		GCIntervalMS:      60000,
		CompactMinorRatio: 0.2,
		CompactMinorMS:    3600 * 1000,
		CompactMajorRatio: 0.8,
		CompactMajorMS:    24 * 3600 * 1000,
		MetaRoot:               "/ledgers",
		BookiesPath:            "/bookies",
		MetaRegistrationWaitMS: 10000,
		ArchiveBackend:    "file",
		ArchiveCompress:   "none",
	}
}

// ReadSettings loads settings.json over the defaults
func ReadSettings(filename string) (SettingsT, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(filename)
	if err != nil {
		return s, errors.Wrap(err, "read settings")
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, errors.Wrap(err, "parse settings")
	}
	return s, nil
}

func (s *SettingsT) Validate() error {
	if s.JournalDir == "" || len(s.LedgerDirs) == 0 {
		return errors.New("journal_dir and ledger_dirs are required")
	}
	if s.JournalVersion != JournalVersionV3 && s.JournalVersion != JournalVersionV4 {
		return errors.Errorf("unsupported journal version %d", s.JournalVersion)
	}
	for _, field := range []string{s.JournalMaxSize, s.JournalFlushBytes, s.EntryLogMaxSize, s.IndexPageSize, s.MinFreeSpace} {
		if _, err := units.RAMInBytes(field); err != nil {
			return errors.Wrapf(err, "bad size %q", field)
		}
	}
	// a page holds ps/indexSlotSize slots; any remainder stays unused
	if ps := s.IndexPageBytes(); ps < indexSlotSize {
		return errors.Errorf("index_page_size %d is smaller than one %d-byte slot", ps, indexSlotSize)
	}
	return nil
}

func mustRAMInBytes(v string) int64 {
	n, err := units.RAMInBytes(v)
	if err != nil {
		panic("unvalidated size setting: " + v)
	}
	return n
}

func (s *SettingsT) JournalMaxBytes() int64  { return mustRAMInBytes(s.JournalMaxSize) }
func (s *SettingsT) JournalFlushMax() int64  { return mustRAMInBytes(s.JournalFlushBytes) }
func (s *SettingsT) EntryLogMaxBytes() int64 { return mustRAMInBytes(s.EntryLogMaxSize) }
func (s *SettingsT) IndexPageBytes() int     { return int(mustRAMInBytes(s.IndexPageSize)) }
func (s *SettingsT) MinFreeBytes() int64     { return mustRAMInBytes(s.MinFreeSpace) }
