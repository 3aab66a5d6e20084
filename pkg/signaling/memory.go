package signaling

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store. Notifications are delivered
// asynchronously, in mutation order, on one goroutine per subscription, the way
// a remote store would deliver them.
type MemoryStore struct {
	docs        map[string]Fields
	docSubs     map[string]map[*dispatcher]OnSnapshot
	collections map[string]*memoryCollectionState
	mux         sync.Mutex
}

type memoryCollectionState struct {
	records map[string]Fields
	order   []string
	subs    map[*dispatcher]OnChange
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:        make(map[string]Fields),
		docSubs:     make(map[string]map[*dispatcher]OnSnapshot),
		collections: make(map[string]*memoryCollectionState),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	doc, exists := s.docs[key]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneFields(doc), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	s.docs[key] = cloneFields(fields)
	s.notifyDocLocked(key)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	doc, exists := s.docs[key]
	if !exists {
		return ErrNotFound
	}
	for field, value := range cloneFields(fields) {
		doc[field] = value
	}
	s.notifyDocLocked(key)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if _, exists := s.docs[key]; !exists {
		return nil
	}
	delete(s.docs, key)
	s.notifyDocLocked(key)
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, key string, onSnapshot OnSnapshot, onError OnError) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	d := newDispatcher()
	subs, exists := s.docSubs[key]
	if !exists {
		subs = make(map[*dispatcher]OnSnapshot)
		s.docSubs[key] = subs
	}
	subs[d] = onSnapshot

	doc, found := s.docs[key]
	snapshot := cloneFields(doc)
	d.push(func() { onSnapshot(snapshot, found) })

	return s.unsubscriber(ctx, d, func() {
		delete(s.docSubs[key], d)
	}), nil
}

func (s *MemoryStore) Collection(key, name string) Collection {
	return &memoryCollection{store: s, path: key + "/" + name}
}

// Len reports how many documents are stored.
func (s *MemoryStore) Len() int {
	s.mux.Lock()
	defer s.mux.Unlock()

	return len(s.docs)
}

func (s *MemoryStore) notifyDocLocked(key string) {
	doc, exists := s.docs[key]
	for d, onSnapshot := range s.docSubs[key] {
		snapshot := cloneFields(doc)
		d.push(func() { onSnapshot(snapshot, exists) })
	}
}

func (s *MemoryStore) unsubscriber(ctx context.Context, d *dispatcher, remove func()) Unsubscribe {
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mux.Lock()
			remove()
			s.mux.Unlock()
			d.close()
		})
	}
	context.AfterFunc(ctx, unsubscribe)
	return unsubscribe
}

func (s *MemoryStore) collectionLocked(path string) *memoryCollectionState {
	state, exists := s.collections[path]
	if !exists {
		state = &memoryCollectionState{
			records: make(map[string]Fields),
			subs:    make(map[*dispatcher]OnChange),
		}
		s.collections[path] = state
	}
	return state
}

type memoryCollection struct {
	store *MemoryStore
	path  string
}

func (c *memoryCollection) Add(ctx context.Context, record Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.store.mux.Lock()
	defer c.store.mux.Unlock()

	state := c.store.collectionLocked(c.path)
	id := uuid.NewString()
	state.records[id] = cloneFields(record)
	state.order = append(state.order, id)

	for d, onChange := range state.subs {
		added := []Record{{ID: id, Fields: cloneFields(record)}}
		d.push(func() { onChange(added, nil) })
	}
	return id, nil
}

func (c *memoryCollection) ListAll(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.store.mux.Lock()
	defer c.store.mux.Unlock()

	return c.store.collectionLocked(c.path).snapshot(), nil
}

func (c *memoryCollection) DeleteAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.store.mux.Lock()
	defer c.store.mux.Unlock()

	state := c.store.collectionLocked(c.path)
	if len(state.order) == 0 {
		return nil
	}

	removed := state.snapshot()
	state.records = make(map[string]Fields)
	state.order = nil

	for d, onChange := range state.subs {
		d.push(func() { onChange(nil, cloneRecords(removed)) })
	}
	return nil
}

func (c *memoryCollection) Subscribe(ctx context.Context, onChange OnChange, onError OnError) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.store.mux.Lock()
	defer c.store.mux.Unlock()

	state := c.store.collectionLocked(c.path)
	d := newDispatcher()
	state.subs[d] = onChange

	existing := state.snapshot()
	d.push(func() { onChange(existing, nil) })

	return c.store.unsubscriber(ctx, d, func() {
		delete(state.subs, d)
	}), nil
}

func (state *memoryCollectionState) snapshot() []Record {
	records := make([]Record, 0, len(state.order))
	for _, id := range state.order {
		records = append(records, Record{ID: id, Fields: cloneFields(state.records[id])})
	}
	return records
}

// dispatcher runs queued callbacks in order on its own goroutine. close does
// not wait for a running callback, so it may be called from one.
type dispatcher struct {
	queue  []func()
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
	mux    sync.Mutex
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) push(fn func()) {
	d.mux.Lock()
	d.queue = append(d.queue, fn)
	d.mux.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop() {
	for {
		select {
		case <-d.done:
			return
		case <-d.signal:
		}

		for {
			d.mux.Lock()
			if len(d.queue) == 0 {
				d.mux.Unlock()
				break
			}
			fn := d.queue[0]
			d.queue = d.queue[1:]
			d.mux.Unlock()

			select {
			case <-d.done:
				return
			default:
			}
			fn()
		}
	}
}

func (d *dispatcher) close() {
	d.once.Do(func() { close(d.done) })
}

func cloneFields(fields Fields) Fields {
	if fields == nil {
		return nil
	}

	out := make(Fields, len(fields))
	for key, value := range fields {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneFields(v)
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = cloneValue(v[i])
		}
		return out
	default:
		return v
	}
}

func cloneRecords(records []Record) []Record {
	out := make([]Record, len(records))
	for i, record := range records {
		out[i] = Record{ID: record.ID, Fields: cloneFields(record.Fields)}
	}
	return out
}

