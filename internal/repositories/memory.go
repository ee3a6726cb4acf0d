package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"campus-realtime/internal/keylock"
	"campus-realtime/internal/models"
)

var ErrDuplicateID = errors.New("document already exists")

// memStore keeps JSON-encoded documents so callers never share mutable
// state with the store. Mutations of one id are serialized by a keyed lock.
type memStore[T any] struct {
	mu       sync.RWMutex
	docs     map[string][]byte
	order    []string
	locks    keylock.Map
	notFound error
}

func newMemStore[T any](notFound error) *memStore[T] {
	return &memStore[T]{docs: make(map[string][]byte), notFound: notFound}
}

func (s *memStore[T]) get(id string) (T, error) {
	var doc T
	s.mu.RLock()
	raw, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return doc, s.notFound
	}
	err := json.Unmarshal(raw, &doc)
	return doc, err
}

func (s *memStore[T]) put(id string, doc *T, mustBeNew bool) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[id]; !exists {
		s.order = append(s.order, id)
	} else if mustBeNew {
		return ErrDuplicateID
	}
	s.docs[id] = raw
	return nil
}

func (s *memStore[T]) update(id string, fn func(*T) error) (T, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	doc, err := s.get(id)
	if err != nil {
		return doc, err
	}
	if err := fn(&doc); err != nil {
		var zero T
		return zero, err
	}
	return doc, s.put(id, &doc, false)
}

// scan decodes every document in insertion order.
func (s *memStore[T]) scan(keep func(*T) bool) ([]T, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.order...)
	s.mu.RUnlock()

	var out []T
	for _, id := range ids {
		doc, err := s.get(id)
		if err != nil {
			return nil, err
		}
		if keep(&doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func contains[S ~string](list []S, v S) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// MemoryIdentityRepo is an in-process IdentityRepository.
type MemoryIdentityRepo struct{ store *memStore[models.Identity] }

func NewMemoryIdentityRepo() *MemoryIdentityRepo {
	return &MemoryIdentityRepo{store: newMemStore[models.Identity](ErrIdentityNotFound)}
}

func (r *MemoryIdentityRepo) Get(_ context.Context, id string) (models.Identity, error) {
	return r.store.get(id)
}

func (r *MemoryIdentityRepo) Save(_ context.Context, identity models.Identity) error {
	unlock := r.store.locks.Lock(identity.ID)
	defer unlock()
	return r.store.put(identity.ID, &identity, false)
}

func (r *MemoryIdentityRepo) Update(_ context.Context, id string, fn func(*models.Identity) error) (models.Identity, error) {
	return r.store.update(id, fn)
}

func (r *MemoryIdentityRepo) Find(_ context.Context, f models.IdentityFilter) ([]models.Identity, error) {
	handles := make([]string, len(f.Handles))
	for i, h := range f.Handles {
		handles[i] = strings.ToLower(h)
	}
	return r.store.scan(func(i *models.Identity) bool {
		switch {
		case len(f.IDs) > 0 && !contains(f.IDs, i.ID):
			return false
		case len(handles) > 0 && !contains(handles, strings.ToLower(i.Handle)):
			return false
		case f.Faculty != "" && i.Faculty != f.Faculty:
			return false
		case f.Department != "" && i.Department != f.Department:
			return false
		case len(f.Roles) > 0 && !contains(f.Roles, i.Role):
			return false
		}
		return true
	})
}

// MemoryGroupRepo is an in-process GroupRepository.
type MemoryGroupRepo struct{ store *memStore[models.Group] }

func NewMemoryGroupRepo() *MemoryGroupRepo {
	return &MemoryGroupRepo{store: newMemStore[models.Group](ErrGroupNotFound)}
}

func (r *MemoryGroupRepo) Create(_ context.Context, group models.Group) error {
	return r.store.put(group.ID, &group, true)
}

func (r *MemoryGroupRepo) Get(_ context.Context, id string) (models.Group, error) {
	return r.store.get(id)
}

func (r *MemoryGroupRepo) Update(_ context.Context, id string, fn func(*models.Group) error) (models.Group, error) {
	return r.store.update(id, fn)
}

func (r *MemoryGroupRepo) ListForIdentity(_ context.Context, identityID string) ([]models.Group, error) {
	groups, err := r.store.scan(func(g *models.Group) bool { return g.IsMember(identityID) })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].LastActivity.After(groups[j].LastActivity)
	})
	return groups, nil
}

// MemoryMessageRepo is an in-process MessageRepository.
type MemoryMessageRepo struct{ store *memStore[models.Message] }

func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{store: newMemStore[models.Message](ErrMessageNotFound)}
}

func (r *MemoryMessageRepo) Create(_ context.Context, msg models.Message) error {
	return r.store.put(msg.ID, &msg, true)
}

func (r *MemoryMessageRepo) Get(_ context.Context, id string) (models.Message, error) {
	return r.store.get(id)
}

func (r *MemoryMessageRepo) Update(_ context.Context, id string, fn func(*models.Message) error) (models.Message, error) {
	return r.store.update(id, fn)
}

func (r *MemoryMessageRepo) Find(_ context.Context, q models.MessageQuery) ([]models.Message, error) {
	msgs, err := r.store.scan(func(m *models.Message) bool {
		if m.GroupID != q.GroupID {
			return false
		}
		if !q.IncludeDeleted && m.IsDeleted() {
			return false
		}
		return q.Before.IsZero() || m.CreatedAt.Before(q.Before)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.After(msgs[j].CreatedAt) })
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// MemoryCallRepo is an in-process CallRepository.
type MemoryCallRepo struct{ store *memStore[models.CallSession] }

func NewMemoryCallRepo() *MemoryCallRepo {
	return &MemoryCallRepo{store: newMemStore[models.CallSession](ErrCallNotFound)}
}

func (r *MemoryCallRepo) Create(_ context.Context, session models.CallSession) error {
	return r.store.put(session.ID, &session, true)
}

func (r *MemoryCallRepo) Get(_ context.Context, id string) (models.CallSession, error) {
	return r.store.get(id)
}

func (r *MemoryCallRepo) Update(_ context.Context, id string, fn func(*models.CallSession) error) (models.CallSession, error) {
	return r.store.update(id, fn)
}

// MemoryNotificationRepo is an in-process NotificationRepository.
type MemoryNotificationRepo struct{ store *memStore[models.Notification] }

func NewMemoryNotificationRepo() *MemoryNotificationRepo {
	return &MemoryNotificationRepo{store: newMemStore[models.Notification](ErrNotificationNotFound)}
}

func (r *MemoryNotificationRepo) Create(_ context.Context, n models.Notification) error {
	return r.store.put(n.ID, &n, true)
}

func (r *MemoryNotificationRepo) Get(_ context.Context, id string) (models.Notification, error) {
	return r.store.get(id)
}

func (r *MemoryNotificationRepo) Update(_ context.Context, id string, fn func(*models.Notification) error) (models.Notification, error) {
	return r.store.update(id, fn)
}

func (r *MemoryNotificationRepo) Find(_ context.Context, f models.NotificationFilter) ([]models.Notification, error) {
	out, err := r.store.scan(func(n *models.Notification) bool { return matchNotification(n, f) })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryNotificationRepo) UpdateMany(_ context.Context, f models.NotificationFilter, fn func(*models.Notification) bool) (int, error) {
	matches, err := r.store.scan(func(n *models.Notification) bool { return matchNotification(n, f) })
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, n := range matches {
		_, err := r.store.update(n.ID, func(doc *models.Notification) error {
			if !matchNotification(doc, f) || !fn(doc) {
				return errUnchanged
			}
			return nil
		})
		switch {
		case errors.Is(err, errUnchanged), errors.Is(err, ErrNotificationNotFound):
			continue
		case err != nil:
			return changed, err
		}
		changed++
	}
	return changed, nil
}

func matchNotification(n *models.Notification, f models.NotificationFilter) bool {
	switch {
	case len(f.IDs) > 0 && !contains(f.IDs, n.ID):
		return false
	case f.RecipientID != "" && n.Recipient(f.RecipientID) == nil:
		return false
	case f.Status != "" && n.Status != f.Status:
		return false
	case f.Pending && n.Delivery.Status != models.DeliveryPending:
		return false
	case f.DueBefore != nil && (n.Delivery.ScheduledFor == nil || n.Delivery.ScheduledFor.After(*f.DueBefore)):
		return false
	case f.ExpiredAt != nil && (n.Delivery.ExpiresAt == nil || !n.Delivery.ExpiresAt.Before(*f.ExpiredAt)):
		return false
	}
	return true
}

var (
	_ IdentityRepository     = (*MemoryIdentityRepo)(nil)
	_ GroupRepository        = (*MemoryGroupRepo)(nil)
	_ MessageRepository      = (*MemoryMessageRepo)(nil)
	_ CallRepository         = (*MemoryCallRepo)(nil)
	_ NotificationRepository = (*MemoryNotificationRepo)(nil)
	_ IdentityRepository     = (*IdentityRepo)(nil)
	_ GroupRepository        = (*GroupRepo)(nil)
	_ MessageRepository      = (*MessageRepo)(nil)
	_ CallRepository         = (*CallRepo)(nil)
	_ NotificationRepository = (*NotificationRepo)(nil)
)
