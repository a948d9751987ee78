package storage

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/setupforge/coordinator/ceremony/cerr"
	"github.com/setupforge/coordinator/ceremony/locator"
)

// MemStore is an in-memory Store, used for tests and local dry runs the way
// the teacher's txpool tests build an in-memory pool around a fake backend.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	log     []Action
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (m *MemStore) ToPath(loc locator.Locator) string { return loc.Path() }

func (m *MemStore) ToLocator(path string) (locator.Locator, error) {
	loc, ok := locator.FromPath(path)
	if !ok {
		return locator.Locator{}, cerr.New(cerr.KindStorageLocatorFormatIncorrect)
	}
	return loc, nil
}

func (m *MemStore) Exists(loc locator.Locator) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[loc.Path()]
	return ok
}

func (m *MemStore) Get(loc locator.Locator) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[loc.Path()]
	if !ok {
		return nil, cerr.New(cerr.KindStorageLocatorMissing)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemStore) Insert(loc locator.Locator, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := loc.Path()
	if _, ok := m.objects[path]; ok {
		return cerr.New(cerr.KindStorageLocatorAlreadyExists)
	}
	m.objects[path] = append([]byte(nil), data...)
	m.log = append(m.log, Action{Kind: ActionUpdate, Locator: loc, Data: data})
	return nil
}

func (m *MemStore) Update(loc locator.Locator, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := loc.Path()
	if _, ok := m.objects[path]; !ok && !isStateLocator(loc) {
		return cerr.New(cerr.KindStorageLocatorMissing)
	}
	m.objects[path] = append([]byte(nil), data...)
	m.log = append(m.log, Action{Kind: ActionUpdate, Locator: loc, Data: data})
	return nil
}

func (m *MemStore) Remove(loc locator.Locator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := loc.Path()
	if _, ok := m.objects[path]; !ok {
		return cerr.New(cerr.KindStorageLocatorMissing)
	}
	delete(m.objects, path)
	m.log = append(m.log, Action{Kind: ActionRemove, Locator: loc})
	return nil
}

type memReader struct{ *bytes.Reader }

func (memReader) Close() error { return nil }

func (m *MemStore) Reader(loc locator.Locator) (io.ReadCloser, error) {
	data, err := m.Get(loc)
	if err != nil {
		return nil, err
	}
	return memReader{bytes.NewReader(data)}, nil
}

type memWriter struct {
	store *MemStore
	loc   locator.Locator
	buf   bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriter) Close() error {
	if w.store.Exists(w.loc) {
		return w.store.Update(w.loc, w.buf.Bytes())
	}
	return w.store.Insert(w.loc, w.buf.Bytes())
}

func (m *MemStore) Writer(loc locator.Locator) (io.WriteCloser, error) {
	return &memWriter{store: m, loc: loc}, nil
}

func (m *MemStore) ActionLog() []Action {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Action, len(m.log))
	copy(out, m.log)
	return out
}

func (m *MemStore) Process(action Action) error {
	switch action.Kind {
	case ActionUpdate:
		return m.Update(action.Locator, action.Data)
	case ActionRemove:
		err := m.Remove(action.Locator)
		if err != nil {
			return err
		}
		return nil
	case ActionClearRoundFiles:
		return m.clearRoundFiles(action.RoundHeight)
	case ActionReplaceContributor, ActionResetCurrentRound:
		m.mu.Lock()
		m.log = append(m.log, action)
		m.mu.Unlock()
		return nil
	default:
		return cerr.Newf(cerr.KindStorageFailed, "unknown action kind %d", action.Kind)
	}
}

func (m *MemStore) clearRoundFiles(h uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := locator.RoundState(h).Path()
	prefix = strings.TrimSuffix(prefix, "state.json")
	for path := range m.objects {
		if strings.HasPrefix(path, prefix) {
			delete(m.objects, path)
		}
	}
	m.log = append(m.log, Action{Kind: ActionClearRoundFiles, RoundHeight: h})
	return nil
}
