// Package consent orchestrates the multi-screen handshake: connect accounts,
// set a passphrase, confirm the selected grants, then finalize by preparing
// credentials and relaying the authorized request.
package consent

import (
	"sort"
	"sync"
	"time"
)

// Grant is a user's consent for one requester to access one data category.
type Grant struct {
	Requester    string
	DataCategory string
	GrantedAt    time.Time
	Reward       string
}

type grantKey struct {
	requester string
	category  string
}

// GrantSet holds the granted scopes for one handshake. At most one grant may
// exist per (requester, dataCategory) pair, and the running count is always
// exactly the set's cardinality.
type GrantSet struct {
	mu     sync.Mutex
	grants map[grantKey]Grant
	nowF   func() time.Time
}

// NewGrantSet returns an empty grant set.
func NewGrantSet() *GrantSet {
	return &GrantSet{
		grants: make(map[grantKey]Grant),
		nowF:   func() time.Time { return time.Now().UTC() },
	}
}

// Grant adds the scope to the set. Returns false when the pair was already
// granted; the set is unchanged in that case.
func (g *GrantSet) Grant(requester, dataCategory, reward string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := grantKey{requester, dataCategory}
	if _, ok := g.grants[k]; ok {
		return false
	}
	g.grants[k] = Grant{
		Requester:    requester,
		DataCategory: dataCategory,
		GrantedAt:    g.nowF(),
		Reward:       reward,
	}
	return true
}

// Revoke removes the scope. Returns false when the pair was not granted;
// revoking a missing grant never drives the count negative.
func (g *GrantSet) Revoke(requester, dataCategory string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := grantKey{requester, dataCategory}
	if _, ok := g.grants[k]; !ok {
		return false
	}
	delete(g.grants, k)
	return true
}

// Has reports whether the pair is currently granted.
func (g *GrantSet) Has(requester, dataCategory string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.grants[grantKey{requester, dataCategory}]
	return ok
}

// Count returns the number of granted scopes.
func (g *GrantSet) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.grants)
}

// List returns the grants in stable requester/category order.
func (g *GrantSet) List() []Grant {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Grant, 0, len(g.grants))
	for _, grant := range g.grants {
		out = append(out, grant)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requester != out[j].Requester {
			return out[i].Requester < out[j].Requester
		}
		return out[i].DataCategory < out[j].DataCategory
	})
	return out
}
