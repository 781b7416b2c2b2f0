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
import "sync/atomic"
import "time"

/*

garbage collection and compaction

A sealed segment whose ledgers are all gone from the metadata service
is deleted outright. Segments whose live share dropped under the minor
or major threshold get their live entries copied into the current
segment; the index slot is swapped CAS-style so a concurrent fresh
write of the same entry id always wins. The old segment is only
unlinked after the copied locations are flushed, so a crash mid-way
leaves at worst unreachable duplicates for a later pass.

*/

// LiveLedgerSource reports which ledgers still exist in metadata.
type LiveLedgerSource interface {
	LiveLedgers() (map[int64]bool, error)
}

type GarbageCollector struct {
	log     *EntryLog
	cache   *LedgerCache
	handles *HandleFactory
	live    LiveLedgerSource
	archive ArchiveEngine // nil disables archiving

	interval   time.Duration
	minorRatio float64
	minorEvery time.Duration
	majorRatio float64
	majorEvery time.Duration

	lastMinor time.Time
	lastMajor time.Time

	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
}

func NewGarbageCollector(log *EntryLog, cache *LedgerCache, handles *HandleFactory, live LiveLedgerSource, archive ArchiveEngine, s *SettingsT) *GarbageCollector {
	now := time.Now()
	return &GarbageCollector{
		log:        log,
		cache:      cache,
		handles:    handles,
		live:       live,
		archive:    archive,
		interval:   time.Duration(s.GCIntervalMS) * time.Millisecond,
		minorRatio: s.CompactMinorRatio,
		minorEvery: time.Duration(s.CompactMinorMS) * time.Millisecond,
		majorRatio: s.CompactMajorRatio,
		majorEvery: time.Duration(s.CompactMajorMS) * time.Millisecond,
		lastMinor:  now,
		lastMajor:  now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (gc *GarbageCollector) Start() {
	gc.started.Store(true)
	go gc.run()
}

func (gc *GarbageCollector) run() {
	defer close(gc.done)
	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-gc.stop:
			return
		case <-ticker.C:
			if err := gc.CollectOnce(); err != nil {
				fmt.Fprintf(os.Stderr, "gc pass failed: %v\n", err)
			}
		}
	}
}

// CollectOnce runs a full pass: reclaim deleted-ledger state, delete
// dead segments, compact when a tier's period elapsed.
func (gc *GarbageCollector) CollectOnce() error {
	live, err := gc.live.LiveLedgers()
	if err != nil {
		// without a trustworthy live set nothing may be deleted
		return err
	}
	for _, lid := range gc.cache.ListLedgers() {
		if live[lid] {
			continue
		}
		gc.handles.Drop(lid)
		if err := gc.cache.DeleteLedger(lid); err != nil {
			fmt.Fprintf(os.Stderr, "gc: delete index of ledger %d: %v\n", lid, err)
		}
	}
	for _, seg := range gc.log.SealedSegments() {
		if liveBytes(seg, live) == 0 {
			if err := gc.retire(seg.ID); err != nil {
				fmt.Fprintf(os.Stderr, "gc: retire segment %08x: %v\n", seg.ID, err)
			}
		}
	}
	now := time.Now()
	threshold := 0.0
	if gc.majorRatio > 0 && gc.majorEvery > 0 && now.Sub(gc.lastMajor) >= gc.majorEvery {
		threshold = gc.majorRatio
		gc.lastMajor = now
		gc.lastMinor = now
	} else if gc.minorRatio > 0 && gc.minorEvery > 0 && now.Sub(gc.lastMinor) >= gc.minorEvery {
		threshold = gc.minorRatio
		gc.lastMinor = now
	}
	if threshold > 0 {
		return gc.Compact(threshold, live)
	}
	return nil
}

func liveBytes(seg SegmentMeta, live map[int64]bool) int64 {
	var n int64
	for lid, b := range seg.Ledgers {
		if live[lid] {
			n += b
		}
	}
	return n
}

// Compact rewrites every sealed segment whose live share is at or
// under ratio.
func (gc *GarbageCollector) Compact(ratio float64, live map[int64]bool) error {
	if live == nil {
		var err error
		live, err = gc.live.LiveLedgers()
		if err != nil {
			return err
		}
	}
	for _, seg := range gc.log.SealedSegments() {
		total := seg.Size - entrylogHeaderLen
		if total <= 0 {
			continue
		}
		if float64(liveBytes(seg, live))/float64(total) > ratio {
			continue
		}
		if err := gc.compactSegment(seg, live); err != nil {
			return err
		}
	}
	return nil
}

func (gc *GarbageCollector) compactSegment(seg SegmentMeta, live map[int64]bool) error {
	err := gc.log.ScanSegment(seg.ID, func(lid, eid int64, off int64, entry []byte) error {
		if !live[lid] || eid < 0 {
			return nil
		}
		curLog, curOff, err := gc.cache.GetEntryOffset(lid, eid)
		if err != nil || curLog != seg.ID || curOff != off {
			// slot already points elsewhere, this copy is stale
			return nil
		}
		newLog, newOff, err := gc.log.Append(lid, entry)
		if err != nil {
			return err
		}
		_, err = gc.cache.CompareAndPut(lid, eid, seg.ID, off, newLog, newOff)
		return err
	})
	if err != nil {
		return err
	}
	// new locations must be durable before the old segment goes away
	if err := gc.cache.Flush(); err != nil {
		return err
	}
	if err := gc.log.Flush(); err != nil {
		return err
	}
	return gc.retire(seg.ID)
}

// retire archives (when configured) and deletes a segment. An archive
// failure keeps the segment on disk.
func (gc *GarbageCollector) retire(logID uint32) error {
	if gc.archive != nil {
		rc, err := gc.log.OpenSegment(logID)
		if err != nil {
			return err
		}
		err = gc.archive.StoreSegment(logID, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return gc.log.DeleteSegment(logID)
}

func (gc *GarbageCollector) Shutdown() {
	select {
	case <-gc.stop:
	default:
		close(gc.stop)
	}
	if gc.started.Load() {
		<-gc.done
	}
}
