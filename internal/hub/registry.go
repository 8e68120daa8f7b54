// Package hub tracks which principals are connected to which whiteboard
// session, and over which channel.
package hub

import (
	"sort"
	"sync"

	"github.com/xiaot623/gogo/whiteboard/internal/domain"
)

// Membership binds a principal and its channel to a session.
type Membership struct {
	SessionID string
	Principal domain.Principal
	Channel   Channel
}

type roster struct {
	order   []string // principal ids in join order
	members map[string]*Membership
}

func (r *roster) remove(principalID string) {
	delete(r.members, principalID)
	for i, id := range r.order {
		if id == principalID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Registry is the process-wide connection registry.
type Registry struct {
	// Sessions maps session_id to its roster
	sessions map[string]*roster

	// principal id -> session id, channel id -> membership
	byPrincipal map[string]string
	byChannel   map[string]*Membership

	mu sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:    make(map[string]*roster),
		byPrincipal: make(map[string]string),
		byChannel:   make(map[string]*Membership),
	}
}

// Join registers principal in sessionID over ch. A principal is a member of
// at most one session and a channel carries at most one membership, so any
// prior membership of either is removed first and returned.
func (r *Registry) Join(sessionID string, principal domain.Principal, ch Channel) []Membership {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Membership
	if prevSession, ok := r.byPrincipal[principal.ID]; ok {
		if m := r.removeLocked(prevSession, principal.ID); m != nil {
			removed = append(removed, *m)
		}
	}
	if m, ok := r.byChannel[ch.ID()]; ok {
		if m := r.removeLocked(m.SessionID, m.Principal.ID); m != nil {
			removed = append(removed, *m)
		}
	}

	ros := r.sessions[sessionID]
	if ros == nil {
		ros = &roster{members: make(map[string]*Membership)}
		r.sessions[sessionID] = ros
	}
	m := &Membership{SessionID: sessionID, Principal: principal, Channel: ch}
	ros.members[principal.ID] = m
	ros.order = append(ros.order, principal.ID)
	r.byPrincipal[principal.ID] = sessionID
	r.byChannel[ch.ID()] = m
	return removed
}

// Leave removes the membership of principalID in sessionID if it is still
// carried by channelID. It reports how many members remain and whether
// anything was removed; repeated calls are no-ops.
func (r *Registry) Leave(sessionID, principalID, channelID string) (remaining int, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ros := r.sessions[sessionID]
	if ros == nil {
		return 0, false
	}
	m, ok := ros.members[principalID]
	if !ok || (channelID != "" && m.Channel.ID() != channelID) {
		return len(ros.members), false
	}
	r.removeLocked(sessionID, principalID)
	if ros = r.sessions[sessionID]; ros == nil {
		return 0, true
	}
	return len(ros.members), true
}

func (r *Registry) removeLocked(sessionID, principalID string) *Membership {
	ros := r.sessions[sessionID]
	if ros == nil {
		return nil
	}
	m, ok := ros.members[principalID]
	if !ok {
		return nil
	}
	ros.remove(principalID)
	if len(ros.members) == 0 {
		delete(r.sessions, sessionID)
	}
	if r.byPrincipal[principalID] == sessionID {
		delete(r.byPrincipal, principalID)
	}
	if cur, ok := r.byChannel[m.Channel.ID()]; ok && cur == m {
		delete(r.byChannel, m.Channel.ID())
	}
	return m
}

// MembersOf returns the principals of a session in join order.
func (r *Registry) MembersOf(sessionID string) []domain.Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ros := r.sessions[sessionID]
	if ros == nil {
		return []domain.Principal{}
	}
	out := make([]domain.Principal, 0, len(ros.order))
	for _, id := range ros.order {
		out = append(out, ros.members[id].Principal)
	}
	return out
}

// ChannelsOf returns the channels of a session, leaving out the channel of
// excludePrincipalID when it is not empty.
func (r *Registry) ChannelsOf(sessionID, excludePrincipalID string) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ros := r.sessions[sessionID]
	if ros == nil {
		return nil
	}
	out := make([]Channel, 0, len(ros.order))
	for _, id := range ros.order {
		if excludePrincipalID != "" && id == excludePrincipalID {
			continue
		}
		out = append(out, ros.members[id].Channel)
	}
	return out
}

// ChannelOf returns the channel a principal uses in a session.
func (r *Registry) ChannelOf(sessionID, principalID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ros := r.sessions[sessionID]
	if ros == nil {
		return nil, false
	}
	m, ok := ros.members[principalID]
	if !ok {
		return nil, false
	}
	return m.Channel, true
}

// IsMember reports whether principalID currently belongs to sessionID.
func (r *Registry) IsMember(sessionID, principalID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ros := r.sessions[sessionID]
	if ros == nil {
		return false
	}
	_, ok := ros.members[principalID]
	return ok
}

// MemberCount returns the number of members of a session.
func (r *Registry) MemberCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ros := r.sessions[sessionID]; ros != nil {
		return len(ros.members)
	}
	return 0
}

// SessionIDs returns the ids of sessions with at least one member, sorted.
func (r *Registry) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetConnectionCount returns the number of registered channels.
func (r *Registry) GetConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel)
}

// GetSessionCount returns the number of sessions with members.
func (r *Registry) GetSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
