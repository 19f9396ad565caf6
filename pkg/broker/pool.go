package broker

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/parley-ai/parley/pkg/executor"
	"github.com/parley-ai/parley/pkg/logger"
	"github.com/parley-ai/parley/pkg/store"
	"github.com/parley-ai/parley/pkg/wire"
)

// Pool owns the set of live sessions, keyed by durable session key. A key
// present in the pool always refers to a live, subscribable session; an
// absent key means "never opened" or "deleted" — callers re-open or create.
type Pool struct {
	mu       sync.Mutex
	store    store.Store
	factory  executor.Factory
	sessions map[string]*Session
	group    singleflight.Group
	log      *logger.Logger

	defaultModel    *wire.ModelInfo
	defaultThinking string
}

// NewPool creates a pool over the given store and executor factory.
func NewPool(st store.Store, factory executor.Factory, defaultModel *wire.ModelInfo, defaultThinking string, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &Pool{
		store:           st,
		factory:         factory,
		sessions:        make(map[string]*Session),
		log:             log,
		defaultModel:    defaultModel,
		defaultThinking: defaultThinking,
	}
}

// GetOrOpen returns the pooled session for key, opening it from the store on
// first reference. Concurrent calls for the same unopened key are coalesced,
// so exactly one executor is ever constructed per key.
func (p *Pool) GetOrOpen(key string) (*Session, error) {
	p.mu.Lock()
	if sess, ok := p.sessions[key]; ok {
		p.mu.Unlock()
		return sess, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(key, func() (any, error) {
		// Re-check: another flight may have registered it before ours started.
		p.mu.Lock()
		if sess, ok := p.sessions[key]; ok {
			p.mu.Unlock()
			return sess, nil
		}
		p.mu.Unlock()

		record, err := p.store.Open(key)
		if err != nil {
			return nil, err
		}
		sess := NewSession(record, p.factory(key), p.defaultModel, p.defaultThinking)

		p.mu.Lock()
		p.sessions[key] = sess
		p.mu.Unlock()
		p.log.Info("session opened: %s", key)
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Create allocates a brand-new session and registers it in the pool.
func (p *Pool) Create() (*Session, error) {
	record, err := p.store.Create()
	if err != nil {
		return nil, err
	}
	sess := NewSession(record, p.factory(record.Key()), p.defaultModel, p.defaultThinking)

	p.mu.Lock()
	p.sessions[record.Key()] = sess
	p.mu.Unlock()
	p.log.Info("session created: %s", record.Key())
	return sess, nil
}

// List returns descriptors for every durable session, pooled or not.
func (p *Pool) List() ([]wire.SessionDescriptor, error) {
	return p.store.List()
}

// Delete disposes the pooled session for key (aborting any in-flight turn
// first) and removes the durable record. The pool entry is removed even if
// disposal fails; a durable delete failure is returned to the caller.
func (p *Pool) Delete(key string) error {
	p.mu.Lock()
	sess, pooled := p.sessions[key]
	delete(p.sessions, key)
	p.mu.Unlock()

	if pooled {
		// The abort inside Close is awaited, so no lingering turn can write
		// into the record after the durable delete below.
		if err := sess.Close(); err != nil {
			p.log.Warn("session disposal failed for %s: %v", key, err)
		}
	}

	return p.store.Delete(key)
}

// Has reports whether key is currently pooled.
func (p *Pool) Has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[key]
	return ok
}

// Shutdown disposes every pooled session.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		sessions = append(sessions, sess)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Close(); err != nil {
			p.log.Warn("session disposal failed during shutdown: %v", err)
		}
	}
}
