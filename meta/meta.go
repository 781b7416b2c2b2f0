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

import "sort"
import "strings"
import "sync"

import "github.com/pkg/errors"

/*

metadata-service collaborator

The bookie core only ever talks to this interface. It models the small
subset of a hierarchical KV store with ephemeral nodes the core needs:
membership registration, cookies, instance identity and the live ledger
listing for GC. A zookeeper (or etcd) binding implements Store out of
tree; MemStore below serves embedded deployments and tests.

*/

var (
	ErrNodeExists = errors.New("node exists")
	ErrNoNode     = errors.New("node not found")
	ErrClosed     = errors.New("session closed")
)

type Store interface {
	// EnsurePath creates path and its parents; existing nodes are fine.
	EnsurePath(path string) error
	// Create makes a single node. Ephemeral nodes vanish with the session.
	Create(path string, data []byte, ephemeral bool) error
	Get(path string) ([]byte, error)
	Set(path string, data []byte) error
	Delete(path string) error
	Exists(path string) (bool, error)
	Children(path string) ([]string, error)
	// Watch fires once on the next create, change or delete of path.
	// The channel also fires when the session ends, so waiters never
	// hang on a dead store.
	Watch(path string) (<-chan struct{}, error)
	// Expired fires when the session to the service is lost for good.
	Expired() <-chan struct{}
	Close() error
}

type node struct {
	data      []byte
	ephemeral bool
}

// MemStore is an in-process Store
type MemStore struct {
	mu      sync.Mutex
	nodes   map[string]*node
	watches map[string][]chan struct{}
	expired chan struct{}
	closed  bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		nodes:   map[string]*node{"/": {}},
		watches: map[string][]chan struct{}{},
		expired: make(chan struct{}),
	}
}

// caller holds m.mu
func (m *MemStore) fireWatches(path string) {
	for _, ch := range m.watches[path] {
		close(ch)
	}
	delete(m.watches, path)
}

func clean(path string) string {
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return strings.TrimRight(path, "/")
}

func parent(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func (m *MemStore) EnsurePath(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	path = clean(path)
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := ""
	for _, seg := range segs {
		if seg == "" {
			continue
		}
		cur = cur + "/" + seg
		if m.nodes[cur] == nil {
			m.nodes[cur] = &node{}
			m.fireWatches(cur)
		}
	}
	return nil
}

func (m *MemStore) Create(path string, data []byte, ephemeral bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	path = clean(path)
	if m.nodes[path] != nil {
		return ErrNodeExists
	}
	if path != "/" && m.nodes[parent(path)] == nil {
		return errors.Wrap(ErrNoNode, parent(path))
	}
	m.nodes[path] = &node{data: append([]byte(nil), data...), ephemeral: ephemeral}
	m.fireWatches(path)
	return nil
}

func (m *MemStore) Get(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[clean(path)]
	if n == nil {
		return nil, ErrNoNode
	}
	return append([]byte(nil), n.data...), nil
}

func (m *MemStore) Set(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[clean(path)]
	if n == nil {
		return ErrNoNode
	}
	n.data = append([]byte(nil), data...)
	m.fireWatches(clean(path))
	return nil
}

func (m *MemStore) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = clean(path)
	if m.nodes[path] == nil {
		return ErrNoNode
	}
	delete(m.nodes, path)
	m.fireWatches(path)
	return nil
}

func (m *MemStore) Exists(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[clean(path)] != nil, nil
}

func (m *MemStore) Children(path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = clean(path)
	if path == "" {
		path = "/"
	}
	if m.nodes[path] == nil {
		return nil, ErrNoNode
	}
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	var out []string
	for p := range m.nodes {
		if p != path && strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			out = append(out, p[len(prefix):])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) Watch(path string) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	path = clean(path)
	ch := make(chan struct{})
	m.watches[path] = append(m.watches[path], ch)
	return ch, nil
}

func (m *MemStore) Expired() <-chan struct{} {
	return m.expired
}

// ExpireSession simulates losing the session: ephemeral nodes vanish
// and Expired fires.
func (m *MemStore) ExpireSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for p, n := range m.nodes {
		if n.ephemeral {
			delete(m.nodes, p)
		}
	}
	for p := range m.watches {
		m.fireWatches(p)
	}
	m.closed = true
	close(m.expired)
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	for p, n := range m.nodes {
		if n.ephemeral {
			delete(m.nodes, p)
		}
	}
	for p := range m.watches {
		m.fireWatches(p)
	}
	m.closed = true
	close(m.expired)
	return nil
}
