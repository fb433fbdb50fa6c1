package bnc

import (
	"sort"
	"strings"
	"sync"

	"gopkg.in/irc.v3"
)

// handlerFunc handles one downstream verb. The returned bool is the "forward
// upstream" signal: true forwards the message verbatim, false terminates it
// locally.
type handlerFunc func(dc *downstreamConn, msg *irc.Message) (bool, error)

// moduleFunc attaches a command module's handlers and cap providers to a
// fresh table. Modules register once; RELOAD rebuilds the table by replaying
// every module.
type moduleFunc func(t *handlerTable)

type handlerTable struct {
	handlers     map[string]handlerFunc
	capProviders []func() []string
}

func (t *handlerTable) Handle(verb string, h handlerFunc) {
	t.handlers[strings.ToUpper(verb)] = h
}

func (t *handlerTable) AvailableCaps(f func() []string) {
	t.capProviders = append(t.capProviders, f)
}

type handlerRegistry struct {
	mu      sync.RWMutex
	modules []moduleFunc
	table   *handlerTable
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		table: &handlerTable{handlers: make(map[string]handlerFunc)},
	}
}

func (r *handlerRegistry) Register(m moduleFunc) {
	r.mu.Lock()
	r.modules = append(r.modules, m)
	m(r.table)
	r.mu.Unlock()
}

// Reload atomically replaces the dispatch table, replaying every registered
// module against a fresh one.
func (r *handlerRegistry) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &handlerTable{handlers: make(map[string]handlerFunc)}
	for _, m := range r.modules {
		m(t)
	}
	r.table = t
}

func (r *handlerRegistry) Get(verb string) (handlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.table.handlers[strings.ToUpper(verb)]
	return h, ok
}

// availableCaps collects the capability names offered to downstream clients
// from every registered provider.
func (r *handlerRegistry) availableCaps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var caps []string
	for _, f := range r.table.capProviders {
		caps = append(caps, f()...)
	}
	sort.Strings(caps)
	return caps
}
