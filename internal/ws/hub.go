package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"campus-realtime/internal/keylock"
	"campus-realtime/internal/logging"
	"campus-realtime/internal/models"
	"campus-realtime/internal/observability"
	"campus-realtime/internal/repositories"
	"campus-realtime/internal/telemetry"
)

type connSet map[*Conn]struct{}

// Hub is the session directory and the group message bus. Presence
// transitions are serialized per identity and publishes per group; the
// maps themselves are guarded by mu, which is never held while persisting.
type Hub struct {
	identities repositories.IdentityRepository
	emitter    *telemetry.Emitter
	now        func() time.Time

	presence keylock.Map
	rooms    keylock.Map

	mu        sync.RWMutex
	byID      map[string]connSet
	members   map[string]connSet
	subscribe map[*Conn]map[string]struct{}
}

type presencePayload struct {
	IdentityID string     `json:"identity_id"`
	Online     bool       `json:"online"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
}

func NewHub(identities repositories.IdentityRepository, emitter *telemetry.Emitter) *Hub {
	return &Hub{
		identities: identities,
		emitter:    emitter,
		now:        time.Now,
		byID:       make(map[string]connSet),
		members:    make(map[string]connSet),
		subscribe:  make(map[*Conn]map[string]struct{}),
	}
}

// Register adds conn for identityID. The first connection of an identity
// marks it online and announces it to everyone else exactly once.
func (h *Hub) Register(ctx context.Context, identityID string, conn *Conn) error {
	unlock := h.presence.Lock(identityID)
	defer unlock()

	h.mu.RLock()
	first := len(h.byID[identityID]) == 0
	h.mu.RUnlock()

	var (
		identity models.Identity
		err      error
	)
	if first {
		identity, err = h.identities.Update(ctx, identityID, func(i *models.Identity) error {
			i.Online = true
			return nil
		})
	} else {
		identity, err = h.identities.Get(ctx, identityID)
	}
	if err != nil {
		return err
	}

	h.mu.Lock()
	set, ok := h.byID[identityID]
	if !ok {
		set = make(connSet)
		h.byID[identityID] = set
	}
	set[conn] = struct{}{}
	h.subscribe[conn] = make(map[string]struct{})
	for _, groupID := range identity.GroupIDs {
		h.joinLocked(groupID, conn)
	}
	online := len(h.byID)
	h.mu.Unlock()

	observability.IncWSActive()
	observability.SetOnlineIdentities(online)
	logging.Ctx(ctx).Info().Str("conn_id", conn.ID()).Int("groups", len(identity.GroupIDs)).Bool("first", first).Msg("connection registered")

	if first {
		h.broadcastPresence(ctx, models.NewEvent(models.EventUserOnline, presencePayload{IdentityID: identityID, Online: true}), identityID)
	}
	return nil
}

// Unregister removes conn. Unknown connections are ignored. The last
// connection of an identity marks it offline and stamps last-seen.
func (h *Hub) Unregister(ctx context.Context, conn *Conn) {
	identityID := conn.IdentityID()
	unlock := h.presence.Lock(identityID)
	defer unlock()

	h.mu.Lock()
	set := h.byID[identityID]
	if _, ok := set[conn]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, conn)
	for groupID := range h.subscribe[conn] {
		h.leaveLocked(groupID, conn)
	}
	delete(h.subscribe, conn)
	last := len(set) == 0
	if last {
		delete(h.byID, identityID)
	}
	online := len(h.byID)
	h.mu.Unlock()

	_ = conn.Close()
	observability.DecWSActive()
	observability.SetOnlineIdentities(online)

	if !last {
		return
	}
	seen := h.now().UTC()
	if _, err := h.identities.Update(ctx, identityID, func(i *models.Identity) error {
		i.Online = false
		i.LastSeen = &seen
		return nil
	}); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("identity_id", identityID).Msg("persist offline presence failed")
	}
	h.broadcastPresence(ctx, models.NewEvent(models.EventUserOffline, presencePayload{IdentityID: identityID, LastSeen: &seen}), identityID)
}

// ConnectionsFor returns a snapshot of identityID's live connections.
func (h *Hub) ConnectionsFor(identityID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.byID[identityID]))
	for conn := range h.byID[identityID] {
		out = append(out, conn)
	}
	return out
}

func (h *Hub) IsOnline(identityID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID[identityID]) > 0
}

// BroadcastTo queues event on every connection of identityID and returns
// how many accepted it. Offline identities get nothing.
func (h *Hub) BroadcastTo(identityID string, event models.Event) int {
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Error().Err(err).Str("event", event.Type).Msg("marshal event")
		return 0
	}
	return h.deliver(h.ConnectionsFor(identityID), payload, nil)
}

// Publish delivers event to every connection subscribed to groupID.
func (h *Hub) Publish(groupID string, event models.Event) int {
	return h.PublishExcept(groupID, event, "")
}

// PublishExcept is Publish skipping connections of exceptIdentity.
func (h *Hub) PublishExcept(groupID string, event models.Event, exceptIdentity string) int {
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Error().Err(err).Str("event", event.Type).Msg("marshal event")
		return 0
	}

	unlock := h.rooms.Lock(groupID)
	defer unlock()

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.members[groupID]))
	for conn := range h.members[groupID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	return h.deliver(conns, payload, func(c *Conn) bool { return exceptIdentity != "" && c.IdentityID() == exceptIdentity })
}

// Subscribe adds a single registered connection to a group room.
func (h *Hub) Subscribe(conn *Conn, groupID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribe[conn]; ok {
		h.joinLocked(groupID, conn)
	}
}

func (h *Hub) Unsubscribe(conn *Conn, groupID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(groupID, conn)
}

// SubscribeIdentity adds every live connection of identityID to groupID.
func (h *Hub) SubscribeIdentity(groupID, identityID string) {
	unlock := h.presence.Lock(identityID)
	defer unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.byID[identityID] {
		h.joinLocked(groupID, conn)
	}
}

// UnsubscribeIdentity removes every live connection of identityID from groupID.
func (h *Hub) UnsubscribeIdentity(groupID, identityID string) {
	unlock := h.presence.Lock(identityID)
	defer unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.byID[identityID] {
		h.leaveLocked(groupID, conn)
	}
}

// OnlineIdentities lists identities with at least one live connection.
func (h *Hub) OnlineIdentities() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byID))
	for id := range h.byID {
		out = append(out, id)
	}
	return out
}

// Shutdown closes every connection without presence bookkeeping.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	var conns []*Conn
	for conn := range h.subscribe {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (h *Hub) joinLocked(groupID string, conn *Conn) {
	room, ok := h.members[groupID]
	if !ok {
		room = make(connSet)
		h.members[groupID] = room
	}
	room[conn] = struct{}{}
	if subs, ok := h.subscribe[conn]; ok {
		subs[groupID] = struct{}{}
	}
}

func (h *Hub) leaveLocked(groupID string, conn *Conn) {
	if room, ok := h.members[groupID]; ok {
		delete(room, conn)
		if len(room) == 0 {
			delete(h.members, groupID)
		}
	}
	if subs, ok := h.subscribe[conn]; ok {
		delete(subs, groupID)
	}
}

func (h *Hub) deliver(conns []*Conn, payload []byte, skip func(*Conn) bool) int {
	delivered := 0
	for _, conn := range conns {
		if skip != nil && skip(conn) {
			continue
		}
		if conn.Send(payload) {
			delivered++
			observability.IncBusDelivery("queued")
		} else {
			observability.IncBusDelivery("dropped")
		}
	}
	return delivered
}

func (h *Hub) broadcastPresence(ctx context.Context, event models.Event, subject string) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.RLock()
	var conns []*Conn
	for id, set := range h.byID {
		if id == subject {
			continue
		}
		for conn := range set {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	h.deliver(conns, payload, nil)
	h.emitter.Domain(ctx, event.Type, event.Data)
}
