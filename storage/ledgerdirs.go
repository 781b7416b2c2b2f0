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
import "sync"
import "sync/atomic"
import "syscall"
import "time"

import "github.com/fsnotify/fsnotify"
import "github.com/pkg/errors"

type DirEvent int

const (
	DirFull DirEvent = iota
	DirFailed
	AllDirsFull
	DirsFatal
)

type DirNotice struct {
	Event DirEvent
	Dir   string
}

// LedgerDirs manages the pool of data directories holding entry logs and
// index files. Each configured dir gets a current/ subdir; everything the
// bookie writes lives below current/.
type LedgerDirs struct {
	dirs    []string // the current/ paths, config order
	minFree int64

	mu         sync.Mutex
	unwritable map[string]bool
	rr         uint64

	notices chan DirNotice
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
}

const currentSubdir = "current"

func NewLedgerDirs(baseDirs []string, minFree int64, healthInterval time.Duration) (*LedgerDirs, error) {
	if len(baseDirs) == 0 {
		return nil, errors.Wrap(ErrNoWritableDir, "no ledger directories configured")
	}
	ld := &LedgerDirs{
		minFree:    minFree,
		unwritable: make(map[string]bool),
		notices:    make(chan DirNotice, 16),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, d := range baseDirs {
		cur := filepath.Join(d, currentSubdir)
		if err := os.MkdirAll(cur, 0750); err != nil {
			return nil, errors.Wrap(err, "create ledger dir")
		}
		ld.dirs = append(ld.dirs, cur)
	}
	w, err := fsnotify.NewWatcher()
	if err == nil {
		for _, d := range ld.dirs {
			w.Add(filepath.Dir(d))
		}
		ld.watcher = w
	}
	// watcher creation failing is not fatal, polling still covers health
	go ld.healthLoop(healthInterval)
	return ld, nil
}

// AllDirs returns every current/ dir, including failed ones.
func (ld *LedgerDirs) AllDirs() []string {
	return append([]string(nil), ld.dirs...)
}

func (ld *LedgerDirs) WritableDirs() ([]string, error) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	var out []string
	for _, d := range ld.dirs {
		if !ld.unwritable[d] {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoWritableDir
	}
	return out, nil
}

// PickForNewFile rotates over the writable dirs but skips dirs with less
// than half the free space of the best candidate.
func (ld *LedgerDirs) PickForNewFile() (string, error) {
	dirs, err := ld.WritableDirs()
	if err != nil {
		return "", err
	}
	var best int64
	free := make([]int64, len(dirs))
	for i, d := range dirs {
		free[i] = diskFree(d)
		if free[i] > best {
			best = free[i]
		}
	}
	n := atomic.AddUint64(&ld.rr, 1)
	for i := range dirs {
		candidate := dirs[(int(n)+i)%len(dirs)]
		if free[(int(n)+i)%len(dirs)]*2 >= best {
			return candidate, nil
		}
	}
	return dirs[int(n)%len(dirs)], nil
}

func (ld *LedgerDirs) Notices() <-chan DirNotice {
	return ld.notices
}

func (ld *LedgerDirs) notify(n DirNotice) {
	select {
	case ld.notices <- n:
	default:
		// a slow listener must not stall disk health handling
	}
}

func (ld *LedgerDirs) markUnwritable(dir string, ev DirEvent) {
	ld.mu.Lock()
	already := ld.unwritable[dir]
	ld.unwritable[dir] = true
	none := true
	for _, d := range ld.dirs {
		if !ld.unwritable[d] {
			none = false
		}
	}
	ld.mu.Unlock()
	if already {
		return
	}
	fmt.Fprintf(os.Stderr, "ledgerdirs: %s unwritable (event %d)\n", dir, ev)
	ld.notify(DirNotice{ev, dir})
	if none {
		ld.notify(DirNotice{AllDirsFull, ""})
	}
}

// MarkFailed is called by writers that hit an I/O error on dir.
func (ld *LedgerDirs) MarkFailed(dir string) {
	ld.markUnwritable(dir, DirFailed)
}

func (ld *LedgerDirs) healthLoop(interval time.Duration) {
	defer close(ld.done)
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var watchCh chan fsnotify.Event
	var watchErrs chan error
	if ld.watcher != nil {
		watchCh = make(chan fsnotify.Event)
		watchErrs = make(chan error)
		go func() {
			for ev := range ld.watcher.Events {
				watchCh <- ev
			}
			close(watchCh)
		}()
		go func() {
			for err := range ld.watcher.Errors {
				watchErrs <- err
			}
			close(watchErrs)
		}()
	}
	for {
		select {
		case <-ld.stop:
			return
		case <-ticker.C:
			ld.checkDirs()
		case ev, ok := <-watchCh:
			if !ok {
				watchCh = nil
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				for _, d := range ld.dirs {
					if filepath.Dir(d) == ev.Name || d == ev.Name {
						ld.markUnwritable(d, DirFailed)
					}
				}
			}
		case _, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
			}
		}
	}
}

func (ld *LedgerDirs) checkDirs() {
	for _, d := range ld.dirs {
		ld.mu.Lock()
		bad := ld.unwritable[d]
		ld.mu.Unlock()
		if bad {
			continue
		}
		if st, err := os.Stat(d); err != nil || !st.IsDir() {
			ld.markUnwritable(d, DirFailed)
			continue
		}
		if !writeTest(d) {
			ld.markUnwritable(d, DirFailed)
			continue
		}
		if ld.minFree > 0 && diskFree(d) < ld.minFree {
			ld.markUnwritable(d, DirFull)
		}
	}
}

func writeTest(dir string) bool {
	probe := filepath.Join(dir, ".probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	_, werr := f.Write([]byte("ok"))
	f.Close()
	os.Remove(probe)
	return werr == nil
}

func diskFree(dir string) int64 {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0
	}
	return int64(st.Bavail) * int64(st.Bsize)
}

func (ld *LedgerDirs) Close() {
	if !ld.closed.CompareAndSwap(false, true) {
		return
	}
	close(ld.stop)
	if ld.watcher != nil {
		ld.watcher.Close()
	}
	<-ld.done
}
