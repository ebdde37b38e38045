package identity

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/talkincode/wabridge/internal/domain"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Source tells where a mapping was learned from.
type Source string

const (
	SourceQuery       Source = "query"
	SourceContact     Source = "contact"
	SourceParticipant Source = "participant"
)

const legacyUserServer = "c.us"

// Lookup is the protocol-side LID to phone number query.
type Lookup interface {
	GetPNForLID(ctx context.Context, lid types.JID) (types.JID, error)
}

type entry struct {
	phone  string
	source Source
}

// Resolver maps sender identifiers to phone numbers. Lookups go through a
// per-session LRU, then the durable repository, then the protocol client.
type Resolver struct {
	repo  Repository
	cache *lru.Cache[string, entry]
	group singleflight.Group
}

func NewResolver(repo Repository, size int) (*Resolver, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &Resolver{repo: repo, cache: cache}, nil
}

func cacheKey(sessionID, lid string) string {
	return sessionID + "|" + lid
}

// Resolve returns the phone number for jid and whether it was resolved.
// Phone style addresses and groups resolve to their user part directly. An
// unresolvable opaque id is returned as is with resolved set to false.
func (r *Resolver) Resolve(ctx context.Context, sessionID string, jid types.JID, lookup Lookup) (string, bool) {
	switch jid.Server {
	case types.DefaultUserServer, legacyUserServer, types.GroupServer:
		return jid.User, true
	case types.HiddenUserServer:
	default:
		return jid.User, jid.User != ""
	}

	key := cacheKey(sessionID, jid.User)
	if e, ok := r.cache.Get(key); ok {
		return e.phone, true
	}

	v, _, _ := r.group.Do(key, func() (interface{}, error) {
		if e, ok := r.cache.Get(key); ok {
			return e.phone, nil
		}
		if m, err := r.repo.Get(ctx, sessionID, jid.User); err != nil {
			zap.L().Warn("identity: repository lookup failed",
				zap.String("session", sessionID), zap.String("lid", jid.User), zap.Error(err))
		} else if m != nil && m.Phone != "" {
			r.cache.Add(key, entry{phone: m.Phone, source: Source(m.Source)})
			return m.Phone, nil
		}
		if lookup == nil {
			return "", nil
		}
		pn, err := lookup.GetPNForLID(ctx, jid.ToNonAD())
		if err != nil || pn.IsEmpty() {
			if err != nil {
				zap.L().Debug("identity: protocol lookup failed",
					zap.String("session", sessionID), zap.String("lid", jid.User), zap.Error(err))
			}
			return "", nil
		}
		r.store(ctx, sessionID, jid.User, pn.User, SourceQuery)
		return pn.User, nil
	})

	if phone, _ := v.(string); phone != "" {
		return phone, true
	}
	zap.L().Warn("identity: unresolved sender id",
		zap.String("session", sessionID), zap.String("lid", jid.User))
	return jid.User, false
}

// Observe records a mapping learned passively. A contact sync never replaces
// a mapping learned from a group participant list; every other observation
// replaces the previous value.
func (r *Resolver) Observe(ctx context.Context, sessionID string, lid, pn types.JID, source Source) {
	if lid.Server != types.HiddenUserServer || pn.User == "" {
		return
	}
	if source == SourceContact {
		if prev, ok := r.current(ctx, sessionID, lid.User); ok && prev.source == SourceParticipant {
			return
		}
	}
	r.store(ctx, sessionID, lid.User, pn.User, source)
}

func (r *Resolver) current(ctx context.Context, sessionID, lid string) (entry, bool) {
	if e, ok := r.cache.Get(cacheKey(sessionID, lid)); ok {
		return e, true
	}
	m, err := r.repo.Get(ctx, sessionID, lid)
	if err != nil || m == nil {
		return entry{}, false
	}
	return entry{phone: m.Phone, source: Source(m.Source)}, true
}

func (r *Resolver) store(ctx context.Context, sessionID, lid, phone string, source Source) {
	r.cache.Add(cacheKey(sessionID, lid), entry{phone: phone, source: source})
	err := r.repo.Upsert(ctx, &domain.IdentityMapping{
		SessionID: sessionID,
		Lid:       lid,
		Phone:     phone,
		Source:    string(source),
	})
	if err != nil {
		zap.L().Warn("identity: persist mapping failed",
			zap.String("session", sessionID), zap.String("lid", lid), zap.Error(err))
	}
}

// Warm loads the durable mappings of a session into the cache.
func (r *Resolver) Warm(ctx context.Context, sessionID string) (int, error) {
	items, err := r.repo.ListBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	for _, m := range items {
		r.cache.Add(cacheKey(sessionID, m.Lid), entry{phone: m.Phone, source: Source(m.Source)})
	}
	return len(items), nil
}

// Forget drops every cached and stored mapping of a session.
func (r *Resolver) Forget(ctx context.Context, sessionID string) error {
	prefix := sessionID + "|"
	for _, key := range r.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Remove(key)
		}
	}
	return r.repo.DeleteBySession(ctx, sessionID)
}
