package vfs

import (
	"strings"
	"sync"
)

// attrStore keeps extended attributes in a path-keyed side table. Rename and
// remove mirror the filesystem so attributes follow the node they describe.
type attrStore struct {
	mu sync.RWMutex
	m  map[string]map[string][]byte
}

func newAttrStore() *attrStore {
	return &attrStore{m: make(map[string]map[string][]byte)}
}

func (s *attrStore) get(path, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attrs, ok := s.m[path]
	if !ok {
		return nil, ErrAttrNotExist
	}
	v, ok := attrs[name]
	if !ok {
		return nil, ErrAttrNotExist
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *attrStore) set(path, name string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.m[path]
	if !ok {
		attrs = make(map[string][]byte)
		s.m[path] = attrs
	}
	v := make([]byte, len(value))
	copy(v, value)
	attrs[name] = v
}

func (s *attrStore) remove(path, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attrs, ok := s.m[path]; ok {
		delete(attrs, name)
		if len(attrs) == 0 {
			delete(s.m, path)
		}
	}
}

func (s *attrStore) removePath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, path)
}

func (s *attrStore) removeTree(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := path + "/"
	for p := range s.m {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(s.m, p)
		}
	}
}

func (s *attrStore) renameTree(oldpath, newpath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := oldpath + "/"
	moved := make(map[string]map[string][]byte)
	for p, attrs := range s.m {
		if p == oldpath {
			moved[newpath] = attrs
			delete(s.m, p)
		} else if strings.HasPrefix(p, prefix) {
			moved[newpath+"/"+p[len(prefix):]] = attrs
			delete(s.m, p)
		}
	}
	for p, attrs := range moved {
		s.m[p] = attrs
	}
}
