package mcp

import "sync"

// subscriptionRegistry maps resource URIs to the sessions subscribed to
// them. Matching is exact; no URI templates or prefixes.
type subscriptionRegistry struct {
	mu    sync.RWMutex
	byURI map[string]map[string]struct{}
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{byURI: make(map[string]map[string]struct{})}
}

// subscribe adds the session to the URI's subscriber set. Reports false
// when the subscription already existed.
func (r *subscriptionRegistry) subscribe(sessionID, uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byURI[uri]
	if set == nil {
		set = make(map[string]struct{})
		r.byURI[uri] = set
	}
	if _, ok := set[sessionID]; ok {
		return false
	}
	set[sessionID] = struct{}{}
	return true
}

// unsubscribe removes the session from the URI's subscriber set. Reports
// false when no such subscription existed.
func (r *subscriptionRegistry) unsubscribe(sessionID, uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byURI[uri]
	if !ok {
		return false
	}
	if _, ok := set[sessionID]; !ok {
		return false
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.byURI, uri)
	}
	return true
}

// subscribers returns a snapshot of the session IDs subscribed to uri.
func (r *subscriptionRegistry) subscribers(uri string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byURI[uri]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// dropSession removes every subscription held by the session.
func (r *subscriptionRegistry) dropSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uri, set := range r.byURI {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byURI, uri)
		}
	}
}
