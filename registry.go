package bnc

import "sync"

// Registry is the process-wide index of live connections. Entries are added
// and removed on connection creation and destruction; lookups are
// point-in-time and callers treat a just-removed entry as absent.
type Registry struct {
	mu          sync.Mutex
	downstreams map[string]*downstreamConn
	upstreams   map[string]*upstreamConn
}

func NewRegistry() *Registry {
	return &Registry{
		downstreams: make(map[string]*downstreamConn),
		upstreams:   make(map[string]*upstreamConn),
	}
}

func (r *Registry) AddDownstream(dc *downstreamConn) {
	r.mu.Lock()
	r.downstreams[dc.state.ConID] = dc
	r.mu.Unlock()
}

func (r *Registry) RemoveDownstream(conID string) {
	r.mu.Lock()
	delete(r.downstreams, conID)
	r.mu.Unlock()
}

func (r *Registry) GetDownstream(conID string) *downstreamConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downstreams[conID]
}

func (r *Registry) AddUpstream(uc *upstreamConn) {
	r.mu.Lock()
	r.upstreams[uc.state.ConID] = uc
	r.mu.Unlock()
}

func (r *Registry) RemoveUpstream(conID string) {
	r.mu.Lock()
	delete(r.upstreams, conID)
	r.mu.Unlock()
}

func (r *Registry) GetUpstream(conID string) *upstreamConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upstreams[conID]
}

// FindUsersOutgoingConnection returns the user's outgoing connection for the
// given network, if any. At most one exists for a (user, network) pair.
func (r *Registry) FindUsersOutgoingConnection(userID, networkID int64) *upstreamConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findUpstreamLocked(userID, networkID)
}

func (r *Registry) findUpstreamLocked(userID, networkID int64) *upstreamConn {
	for _, uc := range r.upstreams {
		if uc.state.AuthUserID == userID && uc.state.AuthNetworkID == networkID {
			return uc
		}
	}
	return nil
}

// FindOrAddUpstream returns the user's outgoing connection for the given
// network, building and indexing one with create when absent. The check and
// the insert happen under one lock, so two callers racing on the same
// (user, network) pair get the same connection.
func (r *Registry) FindOrAddUpstream(userID, networkID int64, create func() (*upstreamConn, error)) (*upstreamConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if uc := r.findUpstreamLocked(userID, networkID); uc != nil {
		return uc, nil
	}
	uc, err := create()
	if err != nil {
		return nil, err
	}
	r.upstreams[uc.state.ConID] = uc
	return uc, nil
}
