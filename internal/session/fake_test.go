package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/identity"
	"github.com/talkincode/wabridge/internal/webhook"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeHandle struct {
	id   string
	emit Emit
	p    *fakeProvider

	mu        sync.Mutex
	sent      []string
	loggedOut bool
	closed    bool
}

func (h *fakeHandle) GetPNForLID(ctx context.Context, lid types.JID) (types.JID, error) {
	return types.EmptyJID, errors.New("unknown lid")
}

func (h *fakeHandle) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return nil, errors.New("no media")
}

func (h *fakeHandle) GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error) {
	return &types.GroupInfo{
		JID:       jid,
		GroupName: types.GroupName{Name: "Team"},
		Participants: []types.GroupParticipant{
			{
				JID:          types.NewJID("123456789", types.HiddenUserServer),
				PhoneNumber:  types.NewJID("15551234567", types.DefaultUserServer),
				IsAdmin:      true,
				IsSuperAdmin: true,
			},
			{JID: types.NewJID("15557654321", types.DefaultUserServer), IsAdmin: true},
			{JID: types.NewJID("15550000000", types.DefaultUserServer)},
		},
	}, nil
}

func (h *fakeHandle) Connect() error {
	if h.p.onConnect != nil {
		go h.p.onConnect(h)
	}
	return nil
}

func (h *fakeHandle) Disconnect() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *fakeHandle) Logout(ctx context.Context) error {
	h.mu.Lock()
	h.loggedOut = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) SendText(ctx context.Context, to types.JID, text string) (SendResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, to.String()+":"+text)
	return SendResult{MessageID: "3EB0TEST", Timestamp: 1700000000}, nil
}

func (h *fakeHandle) SendMedia(ctx context.Context, to types.JID, media OutboundMedia) (SendResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, to.String()+":"+string(media.Kind))
	return SendResult{MessageID: "3EB0MEDIA", Timestamp: 1700000000}, nil
}

func (h *fakeHandle) IsOnWhatsApp(ctx context.Context, phone string) (types.JID, bool, error) {
	if phone == "15550000000" {
		return types.EmptyJID, false, nil
	}
	return types.NewJID(phone, types.DefaultUserServer), true, nil
}

func (h *fakeHandle) ProfilePictureURL(ctx context.Context, jid types.JID) (string, error) {
	return "https://pps.whatsapp.net/v/t61/pic.jpg", nil
}

func (h *fakeHandle) About(ctx context.Context, jid types.JID) (string, error) {
	return "", errors.New("hidden")
}

func (h *fakeHandle) SubscribePresence(ctx context.Context, jid types.JID) error {
	return nil
}

func (h *fakeHandle) sentMessages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

func (h *fakeHandle) wasLoggedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedOut
}

type fakeProvider struct {
	onConnect func(h *fakeHandle)
	// gate, when set, holds Acquire until it is closed
	gate chan struct{}
	// stores, when set, records the stores Acquire creates and Erase removes
	stores map[string]bool

	mu      sync.Mutex
	handles []*fakeHandle
	erased  []string
	known   []string
}

func (p *fakeProvider) Acquire(ctx context.Context, id string, emit Emit) (Handle, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stores != nil {
		p.stores[id] = true
	}
	h := &fakeHandle{id: id, emit: emit, p: p}
	p.handles = append(p.handles, h)
	return h, nil
}

func (p *fakeProvider) Erase(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.erased = append(p.erased, id)
	delete(p.stores, id)
	return nil
}

func (p *fakeProvider) Known(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := append([]string(nil), p.known...)
	for id := range p.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *fakeProvider) acquired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

func (p *fakeProvider) handle(i int) *fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[i]
}

func (p *fakeProvider) erasedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.erased...)
}

func opened(h *fakeHandle) {
	h.emit(Opened{JID: "15551234567:12@s.whatsapp.net"})
}

type hookCall struct {
	event   string
	payload interface{}
}

type recordingSender struct {
	mu    sync.Mutex
	calls []hookCall
}

func (s *recordingSender) Deliver(ctx context.Context, ep webhook.Endpoint, sessionID, event string, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, hookCall{event: event, payload: payload})
	return nil
}

// statuses lists the connection.update statuses delivered so far.
func (s *recordingSender) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []string
	for _, c := range s.calls {
		if u, ok := c.payload.(ConnectionUpdate); ok && c.event == webhook.EventConnectionUpdate {
			items = append(items, u.Status)
		}
	}
	return items
}

func (s *recordingSender) lastUpdate() ConnectionUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.calls) - 1; i >= 0; i-- {
		if u, ok := s.calls[i].payload.(ConnectionUpdate); ok {
			return u
		}
	}
	return ConnectionUpdate{}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.WhatsAppSession{}, &domain.SessionEventLog{}, &domain.IdentityMapping{}))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestRegistry(t *testing.T, p *fakeProvider, opts Options) (*Registry, *GormRepository, *recordingSender) {
	t.Helper()
	db := newTestDB(t)
	repo := NewGormRepository(db)
	resolver, err := identity.NewResolver(identity.NewGormRepository(db), 128)
	require.NoError(t, err)
	sender := &recordingSender{}
	if opts.ReconnectBase == 0 {
		opts.ReconnectBase = time.Hour
	}
	r := NewRegistry(p, repo, resolver, sender, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r, repo, sender
}

func testEndpoint() *webhook.Endpoint {
	return &webhook.Endpoint{URL: "http://consumer.local/hook", Token: "secret"}
}

func waitStatus(t *testing.T, r *Registry, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := r.Status(context.Background(), id)
		return err == nil && st == want
	}, 2*time.Second, 5*time.Millisecond, "session %s never reached %s", id, want)
}
