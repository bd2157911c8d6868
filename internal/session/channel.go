package session

import "sync"

// RootChannelID is the id of the pre-created Root channel. Root has no
// parent and is never removed.
const RootChannelID uint32 = 0

// Channel is one node in the hierarchy. Membership and listener
// subscriptions are guarded by the owning ChannelTree's lock, a single
// RWMutex over related maps rather than one lock per channel.
type Channel struct {
	ID          uint32
	ParentID    uint32
	HasParent   bool // false only for Root
	Name        string
	Description string
	Temporary   bool

	members   map[uint32]*Session
	listeners map[uint32]struct{}
}

// MemberIDs returns a snapshot of the channel's member session ids.
func (c *Channel) MemberIDs() []uint32 {
	out := make([]uint32, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	return out
}

// Members returns a snapshot of the channel's member sessions.
func (c *Channel) Members() []*Session {
	out := make([]*Session, 0, len(c.members))
	for _, s := range c.members {
		out = append(out, s)
	}
	return out
}

// ChannelTree is the hierarchy of channels. A single RWMutex guards the
// channel map and every channel's membership/listener sets; fine-grained
// per-channel locking isn't worth it at the scale this core targets
// (small-N channels).
type ChannelTree struct {
	mu       sync.RWMutex
	channels map[uint32]*Channel
	nextID   uint32
}

// NewChannelTree returns a tree pre-populated with Root (id 0).
func NewChannelTree() *ChannelTree {
	t := &ChannelTree{channels: make(map[uint32]*Channel)}
	t.channels[RootChannelID] = &Channel{
		ID:        RootChannelID,
		HasParent: false,
		Name:      "Root",
		members:   make(map[uint32]*Session),
		listeners: make(map[uint32]struct{}),
	}
	t.nextID = 1
	return t
}

// Add creates a channel under parentID and returns it. Returns false if
// parentID does not currently exist, preserving the invariant that every
// non-Root channel has a present parent.
func (t *ChannelTree) Add(parentID uint32, name, description string, temporary bool) (*Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.channels[parentID]; !ok {
		return nil, false
	}
	id := t.nextID
	t.nextID++
	ch := &Channel{
		ID:          id,
		ParentID:    parentID,
		HasParent:   true,
		Name:        name,
		Description: description,
		Temporary:   temporary,
		members:     make(map[uint32]*Session),
		listeners:   make(map[uint32]struct{}),
	}
	t.channels[id] = ch
	return ch, true
}

// Update applies mutable field changes (name/description) to an existing
// channel. Returns false if the channel does not exist.
func (t *ChannelTree) Update(channelID uint32, name, description *string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[channelID]
	if !ok {
		return false
	}
	if name != nil {
		ch.Name = *name
	}
	if description != nil {
		ch.Description = *description
	}
	return true
}

// Get returns the channel with the given id.
func (t *ChannelTree) Get(channelID uint32) (*Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ch, ok := t.channels[channelID]
	return ch, ok
}

// ByName does a linear scan for the first channel matching name. Channel
// names are small-N and not guaranteed unique; first match wins.
func (t *ChannelTree) ByName(name string) (*Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return nil, false
}

// All returns a snapshot of every channel in the tree.
func (t *ChannelTree) All() []*Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		out = append(out, ch)
	}
	return out
}

// Join inserts session into channelID's membership without removing it
// from any prior channel; used only during initial Authenticate when the
// session has no prior channel.
func (t *ChannelTree) Join(channelID uint32, s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[channelID]
	if !ok {
		return false
	}
	ch.members[s.SessionID] = s
	s.SetChannelID(channelID)
	return true
}

// MoveResult reports the side effects of a Move so the caller can emit
// broadcasts in the required order: the UserState move first, then any
// ChannelRemove for a collected temporary channel strictly after it.
type MoveResult struct {
	Removed   bool
	RemovedID uint32
}

// Move removes the session from its prior channel and inserts it into
// newChannelID. If the prior channel is temporary, not Root, and now
// empty, it is removed and MoveResult.Removed is true. Move and Leave are
// the only paths by which a channel may be deleted.
func (t *ChannelTree) Move(s *Session, newChannelID uint32) (MoveResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	newCh, ok := t.channels[newChannelID]
	if !ok {
		return MoveResult{}, false
	}

	prevID := s.ChannelID()
	if prevCh, ok := t.channels[prevID]; ok {
		delete(prevCh.members, s.SessionID)
	}

	newCh.members[s.SessionID] = s
	s.SetChannelID(newChannelID)

	var result MoveResult
	if prevCh, ok := t.channels[prevID]; ok && prevCh.Temporary && prevCh.ID != RootChannelID && len(prevCh.members) == 0 {
		delete(t.channels, prevID)
		result = MoveResult{Removed: true, RemovedID: prevID}
	}
	return result, true
}

// Leave removes a session from its current channel's membership (used by
// Disconnect). Applies the same temporary-channel GC rule as Move.
func (t *ChannelTree) Leave(s *Session) MoveResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	chID := s.ChannelID()
	ch, ok := t.channels[chID]
	if !ok {
		return MoveResult{}
	}
	delete(ch.members, s.SessionID)

	if ch.Temporary && ch.ID != RootChannelID && len(ch.members) == 0 {
		delete(t.channels, chID)
		return MoveResult{Removed: true, RemovedID: chID}
	}
	return MoveResult{}
}

// RemoveListener drops session id from every channel's listener set,
// called from Registry.Disconnect.
func (t *ChannelTree) RemoveListener(sessionID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.channels {
		delete(ch.listeners, sessionID)
	}
}

// AddListener subscribes sessionID to channelID's listener set.
func (t *ChannelTree) AddListener(channelID, sessionID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[channelID]
	if !ok {
		return false
	}
	ch.listeners[sessionID] = struct{}{}
	return true
}

// DropListener removes sessionID from channelID's listener set only.
func (t *ChannelTree) DropListener(channelID, sessionID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[channelID]
	if !ok {
		return false
	}
	delete(ch.listeners, sessionID)
	return true
}

// Listeners returns a snapshot of channelID's listening session ids.
func (t *ChannelTree) Listeners(channelID uint32) []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ch, ok := t.channels[channelID]
	if !ok {
		return nil
	}
	out := make([]uint32, 0, len(ch.listeners))
	for id := range ch.listeners {
		out = append(out, id)
	}
	return out
}

// Members returns a snapshot of channelID's member sessions.
func (t *ChannelTree) Members(channelID uint32) []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ch, ok := t.channels[channelID]
	if !ok {
		return nil
	}
	return ch.Members()
}

// Count returns the number of channels currently in the tree.
func (t *ChannelTree) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channels)
}
