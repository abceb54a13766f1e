package store

import (
	"log"
	"sync"
)

// writeQueueDepth bounds the async write backlog. A full queue drops the
// write being enqueued (logged) rather than blocking a command
// handler — persistence is durable-effort, not durable-guaranteed per
// command, matching §4.H.
const writeQueueDepth = 256

// job is one deferred mutation applied to the underlying Store.
type job struct {
	apply func(*Store) error
	label string
}

// Facade wraps a Store with the async write-worker / cached-read discipline
// required by §4.H: the registry and dispatch packages never block on disk
// or network I/O in a command path. Reads are served from an in-memory
// cache that the Save* methods update immediately and lookups fill on a
// miss (a miss still reads the store synchronously); writes are queued and
// applied by a
// single background goroutine so SQLite (single-writer) and MySQL alike
// see serialized writes.
type Facade struct {
	store *Store
	queue chan job

	mu        sync.RWMutex
	nicks     map[string]RegisteredNick
	channels  map[string]RegisteredChannel
	operators map[string]Operator

	done chan struct{}
}

// NewFacade wraps store, primes the cache from disk, and starts the write
// worker. Callers should defer Facade.Close.
func NewFacade(s *Store) (*Facade, error) {
	f := &Facade{
		store:     s,
		queue:     make(chan job, writeQueueDepth),
		nicks:     make(map[string]RegisteredNick),
		channels:  make(map[string]RegisteredChannel),
		operators: make(map[string]Operator),
		done:      make(chan struct{}),
	}
	if err := f.prime(); err != nil {
		return nil, err
	}
	go f.run()
	return f, nil
}

// prime loads existing records into the cache at startup. The façade has
// no bulk "list all" query on Store today, so prime is a no-op beyond
// constructing empty maps; individual records are faulted in on first
// lookup by LookupNick, LookupChannel and LookupOperator.
func (f *Facade) prime() error {
	return nil
}

func (f *Facade) run() {
	for j := range f.queue {
		if err := j.apply(f.store); err != nil {
			log.Printf("[store] async write failed (%s): %v", j.label, err)
		}
	}
	close(f.done)
}

// Close stops accepting new writes, drains the queue, and closes the
// underlying Store.
func (f *Facade) Close() error {
	close(f.queue)
	<-f.done
	return f.store.Close()
}

func (f *Facade) enqueue(label string, apply func(*Store) error) {
	j := job{apply: apply, label: label}
	select {
	case f.queue <- j:
	default:
		log.Printf("[store] write queue full, dropping %s", label)
	}
}

// LookupNick returns a cached registered-nick record, faulting it in from
// the underlying store on first access.
func (f *Facade) LookupNick(nick string) (*RegisteredNick, error) {
	f.mu.RLock()
	if r, ok := f.nicks[nick]; ok {
		f.mu.RUnlock()
		return &r, nil
	}
	f.mu.RUnlock()

	r, err := f.store.LoadNick(nick)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.nicks[nick] = *r
	f.mu.Unlock()
	return r, nil
}

// SaveNick updates the cache immediately and queues the durable write.
func (f *Facade) SaveNick(r RegisteredNick) {
	f.mu.Lock()
	f.nicks[r.Nick] = r
	f.mu.Unlock()
	f.enqueue("store nick "+r.Nick, func(s *Store) error { return s.StoreNick(r) })
}

// LookupChannel returns a cached registered-channel record, faulting it in
// from the underlying store on first access.
func (f *Facade) LookupChannel(name string) (*RegisteredChannel, error) {
	f.mu.RLock()
	if r, ok := f.channels[name]; ok {
		f.mu.RUnlock()
		return &r, nil
	}
	f.mu.RUnlock()

	r, err := f.store.LoadChannel(name)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.channels[name] = *r
	f.mu.Unlock()
	return r, nil
}

// SaveChannel updates the cache immediately and queues the durable write.
func (f *Facade) SaveChannel(r RegisteredChannel) {
	f.mu.Lock()
	f.channels[r.Name] = r
	f.mu.Unlock()
	f.enqueue("store channel "+r.Name, func(s *Store) error { return s.StoreChannel(r) })
}

// LookupOperator returns a cached operator record, faulting it in from the
// underlying store on first access.
func (f *Facade) LookupOperator(name string) (*Operator, error) {
	f.mu.RLock()
	if o, ok := f.operators[name]; ok {
		f.mu.RUnlock()
		return &o, nil
	}
	f.mu.RUnlock()

	o, err := f.store.LoadOperator(name)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.operators[name] = *o
	f.mu.Unlock()
	return o, nil
}

// SaveOperator updates the cache immediately and queues the durable write.
func (f *Facade) SaveOperator(o Operator) {
	f.mu.Lock()
	f.operators[o.Name] = o
	f.mu.Unlock()
	f.enqueue("store operator "+o.Name, func(s *Store) error { return s.StoreOperator(o) })
}
