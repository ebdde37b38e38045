package session

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/identity"
	"github.com/talkincode/wabridge/internal/normalizer"
	"github.com/talkincode/wabridge/internal/webhook"
	"github.com/talkincode/wabridge/pkg/metrics"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
)

// TopicStateChange carries every StateChange of every session.
const TopicStateChange = "session:state"

// deleteWait bounds how long Delete waits for a pending acquisition.
const deleteWait = 30 * time.Second

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidID reports whether id can name a session. Ids double as directory
// names of the credential stores.
func ValidID(id string) bool {
	return validID.MatchString(id)
}

func stateTopic(id string) string {
	return "session:" + id + ":state"
}

type Options struct {
	StartTimeout  time.Duration
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	ReplayWorkers int
	EventBuffer   int
	QueueSize     int
	PrintQR       bool
}

func DefaultOptions() Options {
	return Options{
		StartTimeout:  40 * time.Second,
		ReconnectBase: 5 * time.Second,
		ReconnectCap:  60 * time.Second,
		ReplayWorkers: 4,
		EventBuffer:   256,
		QueueSize:     512,
	}
}

// StateChange is published on the bus for each status transition.
type StateChange struct {
	SessionID string
	From      Status
	To        Status
	QR        string
}

type StartResult struct {
	Status  Status `json:"status"`
	QR      string `json:"qr,omitempty"`
	Message string `json:"message,omitempty"`
}

type Info struct {
	Status     Status `json:"status"`
	QR         string `json:"qr"`
	HasWebhook bool   `json:"hasWebhook"`
}

type Stats struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Disconnected int `json:"disconnected"`
	QRPending    int `json:"qrPending"`
}

type Participant struct {
	ID    string `json:"id"`
	Phone string `json:"phone,omitempty"`
	Admin string `json:"admin,omitempty"`
}

type GroupMetadata struct {
	ID           string        `json:"id"`
	Subject      string        `json:"subject"`
	Participants []Participant `json:"participants"`
}

type ContactInfo struct {
	Exists         bool   `json:"exists"`
	JID            string `json:"jid,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
	About          string `json:"about,omitempty"`
}

type NumberCheck struct {
	Exists bool   `json:"exists"`
	JID    string `json:"jid,omitempty"`
}

// SendRequest is an outbound message as accepted by the api.
type SendRequest struct {
	Receiver string      `json:"receiver"`
	Message  string      `json:"message"`
	Media    *MediaInput `json:"media,omitempty"`
}

// Registry owns every live session of the process and supervises their
// connections.
type Registry struct {
	opts       Options
	provider   Provider
	repo       Repository
	resolver   *identity.Resolver
	normalizer *normalizer.Normalizer
	sender     webhook.Sender
	backoff    *Backoff
	guard      *StartGuard
	bus        EventBus.Bus
	renderQR   func(code string) (string, error)

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(provider Provider, repo Repository, resolver *identity.Resolver, sender webhook.Sender, opts Options) *Registry {
	def := DefaultOptions()
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = def.StartTimeout
	}
	if opts.ReplayWorkers <= 0 {
		opts.ReplayWorkers = def.ReplayWorkers
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	r := &Registry{
		opts:       opts,
		provider:   provider,
		repo:       repo,
		resolver:   resolver,
		normalizer: normalizer.New(resolver),
		sender:     sender,
		backoff:    NewBackoff(opts.ReconnectBase, opts.ReconnectCap),
		guard:      NewStartGuard(),
		bus:        EventBus.New(),
		renderQR:   RenderQR,
		sessions:   make(map[string]*Session),
	}
	_ = r.bus.Subscribe(TopicStateChange, func(ev StateChange) {
		metrics.IncSessionTransition(ev.To.String())
	})
	return r
}

// Bus exposes the state change bus to other components.
func (r *Registry) Bus() EventBus.BusSubscriber {
	return r.bus
}

func (r *Registry) lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// detach removes s from the map unless it was already replaced.
func (r *Registry) detach(s *Session) {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		items = append(items, s)
	}
	return items
}

func initializing() StartResult {
	return StartResult{Status: StatusInitializing, Message: ErrStartInProgress.Error()}
}

// Start brings a session up, or reports on the one already running. It waits
// until the session is connected or shows a pairing code, up to StartTimeout;
// the session keeps starting in the background after a timeout.
func (r *Registry) Start(ctx context.Context, id string, ep *webhook.Endpoint) (StartResult, error) {
	if id == "" {
		return StartResult{}, ErrSessionIDRequired
	}
	if !ValidID(id) {
		return StartResult{}, ErrInvalidSessionID
	}
	if s := r.lookup(id); s != nil {
		return r.existing(ctx, s, ep), nil
	}
	if !r.guard.TryAcquire(id) {
		return initializing(), nil
	}
	// a replay may have restored the session before the token was taken
	if s := r.lookup(id); s != nil {
		r.guard.Release(id)
		return r.existing(ctx, s, ep), nil
	}

	states := make(chan StateChange, 16)
	waiter := func(ev StateChange) {
		select {
		case states <- ev:
		default:
		}
	}
	topic := stateTopic(id)
	if err := r.bus.Subscribe(topic, waiter); err != nil {
		r.guard.Release(id)
		return StartResult{}, err
	}
	defer func() { _ = r.bus.Unsubscribe(topic, waiter) }()

	if _, err := r.open(ctx, id, ep); err != nil {
		return StartResult{}, err
	}

	timer := time.NewTimer(r.opts.StartTimeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-states:
			switch ev.To {
			case StatusConnected:
				return StartResult{Status: StatusConnected}, nil
			case StatusPairingRequired:
				return StartResult{Status: StatusPairingRequired, QR: ev.QR}, nil
			case StatusRemoved:
				return StartResult{Status: StatusRemoved}, nil
			}
		case <-timer.C:
			return StartResult{}, ErrStartTimeout
		case <-ctx.Done():
			return StartResult{}, ErrStartTimeout
		}
	}
}

func (r *Registry) existing(ctx context.Context, s *Session, ep *webhook.Endpoint) StartResult {
	if ep != nil && *ep != s.Endpoint() {
		s.setEndpoint(*ep)
		err := r.repo.Save(ctx, &domain.WhatsAppSession{
			SessionID:    s.id,
			WebhookURL:   ep.URL,
			WebhookToken: ep.Token,
			Status:       s.Status().String(),
		})
		if err != nil {
			zap.L().Error("whatsapp: save webhook endpoint", zap.String("session", s.id), zap.Error(err))
		}
	}
	status, qr := s.state()
	switch {
	case status == StatusConnected:
		return StartResult{Status: StatusConnected}
	case status == StatusPairingRequired && qr != "":
		return StartResult{Status: status, QR: qr}
	default:
		return initializing()
	}
}

// open registers a new session and starts its first acquisition. The caller
// holds the start token of id; it is released once acquisition completes.
func (r *Registry) open(ctx context.Context, id string, ep *webhook.Endpoint) (*Session, error) {
	row, err := r.repo.Get(ctx, id)
	if err != nil {
		r.guard.Release(id)
		return nil, err
	}
	var endpoint webhook.Endpoint
	if row != nil {
		endpoint = webhook.Endpoint{URL: row.WebhookURL, Token: row.WebhookToken}
	}
	if ep != nil {
		endpoint = *ep
	}
	if row == nil || ep != nil {
		err = r.repo.Save(ctx, &domain.WhatsAppSession{
			SessionID:    id,
			WebhookURL:   endpoint.URL,
			WebhookToken: endpoint.Token,
			Status:       StatusConnecting.String(),
		})
		if err != nil {
			r.guard.Release(id)
			return nil, err
		}
	}

	if n, err := r.resolver.Warm(ctx, id); err != nil {
		zap.L().Warn("whatsapp: warm identity cache", zap.String("session", id), zap.Error(err))
	} else if n > 0 {
		zap.L().Debug("whatsapp: identity cache warmed", zap.String("session", id), zap.Int("mappings", n))
	}

	s := newSession(id, endpoint, r.opts.EventBuffer, webhook.NewQueue(id, r.sender, r.opts.QueueSize))
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	go r.run(s)
	r.acquire(s)
	zap.L().Info("whatsapp: session opened", zap.String("session", id), zap.Bool("webhook", !endpoint.Empty()))
	return s, nil
}

// acquire replaces the handle of s. The caller holds the start token.
func (r *Registry) acquire(s *Session) {
	gen, old := s.nextGeneration()
	if old != nil {
		old.Disconnect()
	}
	go func() {
		defer r.guard.Release(s.id)
		ctx := context.Background()
		h, err := r.provider.Acquire(ctx, s.id, s.emitter(gen))
		if err != nil {
			zap.L().Error("whatsapp: acquire handle", zap.String("session", s.id), zap.Error(err))
			s.post(gen, Closed{Cause: CauseUnknown, Err: err})
			return
		}
		if !s.attach(gen, h) {
			h.Disconnect()
			return
		}
		if err := h.Connect(); err != nil {
			zap.L().Error("whatsapp: connect", zap.String("session", s.id), zap.Error(err))
			s.post(gen, Closed{Cause: CauseUnknown, Err: err})
		}
	}()
}

// Status reports the live status, falling back to the stored row.
func (r *Registry) Status(ctx context.Context, id string) (Status, error) {
	if s := r.lookup(id); s != nil {
		return s.Status(), nil
	}
	row, err := r.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", ErrSessionNotFound
	}
	return Status(row.Status), nil
}

func (r *Registry) Info(id string) (Info, error) {
	s := r.lookup(id)
	if s == nil {
		return Info{}, ErrSessionNotFound
	}
	status, qr := s.state()
	return Info{Status: status, QR: qr, HasWebhook: !s.Endpoint().Empty()}, nil
}

// Stats counts the live sessions. Every session that is neither connected
// nor waiting for a scan counts as disconnected.
func (r *Registry) Stats() Stats {
	var st Stats
	for _, s := range r.snapshot() {
		st.Total++
		switch s.Status() {
		case StatusConnected:
			st.Connected++
		case StatusPairingRequired:
			st.QRPending++
		default:
			st.Disconnected++
		}
	}
	return st
}

// IDs lists the live sessions in lexical order.
func (r *Registry) IDs() []string {
	items := r.snapshot()
	ids := make([]string, 0, len(items))
	for _, s := range items {
		ids = append(ids, s.id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) connected(id string) (Handle, error) {
	s := r.lookup(id)
	if s == nil || s.Status() != StatusConnected {
		return nil, ErrNotConnected
	}
	h := s.currentHandle()
	if h == nil {
		return nil, ErrNotConnected
	}
	return h, nil
}

// Send delivers a text or media message through a connected session.
func (r *Registry) Send(ctx context.Context, id string, req SendRequest) (SendResult, error) {
	h, err := r.connected(id)
	if err != nil {
		return SendResult{}, err
	}
	to, err := ParseReceiver(req.Receiver)
	if err != nil {
		return SendResult{}, err
	}
	if req.Media != nil && req.Media.Data != "" {
		media, err := SelectMedia(*req.Media, req.Message)
		if err != nil {
			return SendResult{}, err
		}
		return h.SendMedia(ctx, to, media)
	}
	return h.SendText(ctx, to, req.Message)
}

func (r *Registry) GroupMetadata(ctx context.Context, id, groupID string) (GroupMetadata, error) {
	h, err := r.connected(id)
	if err != nil {
		return GroupMetadata{}, err
	}
	jid, err := groupJID(groupID)
	if err != nil {
		return GroupMetadata{}, err
	}
	info, err := h.GetGroupInfo(ctx, jid)
	if err != nil {
		return GroupMetadata{}, errors.Wrapf(err, "group info %s", jid)
	}
	meta := GroupMetadata{ID: info.JID.String(), Subject: info.Name}
	for _, p := range info.Participants {
		item := Participant{ID: p.JID.String()}
		switch p.JID.Server {
		case types.HiddenUserServer:
			if !p.PhoneNumber.IsEmpty() {
				item.Phone = p.PhoneNumber.User
				r.resolver.Observe(ctx, id, p.JID, p.PhoneNumber, identity.SourceParticipant)
			}
		case types.DefaultUserServer:
			item.Phone = p.JID.User
			if !p.LID.IsEmpty() {
				r.resolver.Observe(ctx, id, p.LID, p.JID, identity.SourceParticipant)
			}
		}
		switch {
		case p.IsSuperAdmin:
			item.Admin = "superadmin"
		case p.IsAdmin:
			item.Admin = "admin"
		}
		meta.Participants = append(meta.Participants, item)
	}
	return meta, nil
}

func groupJID(groupID string) (types.JID, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return types.EmptyJID, ErrInvalidReceiver
	}
	if strings.Contains(groupID, "@") {
		return types.ParseJID(groupID)
	}
	return types.NewJID(groupID, types.GroupServer), nil
}

func (r *Registry) SubscribePresence(ctx context.Context, id, receiver string) error {
	h, err := r.connected(id)
	if err != nil {
		return err
	}
	jid, err := ParseReceiver(receiver)
	if err != nil {
		return err
	}
	return h.SubscribePresence(ctx, jid)
}

// ContactInfo looks a phone number up and, when registered, fetches its
// profile picture and about text. Lookup failures of the optional parts are
// left empty.
func (r *Registry) ContactInfo(ctx context.Context, id, phone string) (ContactInfo, error) {
	h, err := r.connected(id)
	if err != nil {
		return ContactInfo{}, err
	}
	jid, ok, err := h.IsOnWhatsApp(ctx, phone)
	if err != nil {
		return ContactInfo{}, err
	}
	if !ok {
		return ContactInfo{Exists: false}, nil
	}
	info := ContactInfo{Exists: true, JID: jid.String()}
	if pic, err := h.ProfilePictureURL(ctx, jid); err == nil {
		info.ProfilePicture = pic
	} else {
		zap.L().Debug("whatsapp: profile picture", zap.String("session", id), zap.Error(err))
	}
	if about, err := h.About(ctx, jid); err == nil {
		info.About = about
	} else {
		zap.L().Debug("whatsapp: about", zap.String("session", id), zap.Error(err))
	}
	return info, nil
}

func (r *Registry) CheckNumber(ctx context.Context, id, phone string) (NumberCheck, error) {
	h, err := r.connected(id)
	if err != nil {
		return NumberCheck{}, err
	}
	jid, ok, err := h.IsOnWhatsApp(ctx, phone)
	if err != nil {
		return NumberCheck{}, err
	}
	if !ok {
		return NumberCheck{}, nil
	}
	return NumberCheck{Exists: true, JID: jid.String()}, nil
}

// Delete logs the session out and erases everything stored for it. It
// succeeds for unknown ids too.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrSessionIDRequired
	}
	if !ValidID(id) {
		return ErrInvalidSessionID
	}
	if s := r.lookup(id); s != nil {
		r.detach(s)
		r.halt(s)
		s.stopReconnect()
		if h := s.takeHandle(); h != nil {
			if err := h.Logout(ctx); err != nil {
				zap.L().Warn("whatsapp: logout", zap.String("session", id), zap.Error(err))
			}
			h.Disconnect()
		}
		s.queue.Close()
	}
	r.backoff.Reset(id)

	// an acquisition still in flight would recreate the store after the erase
	wctx, cancel := context.WithTimeout(ctx, deleteWait)
	defer cancel()
	if err := r.guard.Acquire(wctx, id); err != nil {
		zap.L().Warn("whatsapp: delete did not wait for pending start", zap.String("session", id), zap.Error(err))
	} else {
		defer r.guard.Release(id)
	}
	r.erase(ctx, id)
	zap.L().Info("whatsapp: session deleted", zap.String("session", id))
	return nil
}

// halt stops the event loop of s and waits briefly for it to exit.
func (r *Registry) halt(s *Session) {
	s.stop()
	select {
	case <-s.stopped:
	case <-time.After(5 * time.Second):
		zap.L().Warn("whatsapp: session loop did not stop", zap.String("session", s.id))
	}
}

func (r *Registry) erase(ctx context.Context, id string) {
	if err := r.provider.Erase(ctx, id); err != nil {
		zap.L().Error("whatsapp: erase credentials", zap.String("session", id), zap.Error(err))
	}
	if err := r.resolver.Forget(ctx, id); err != nil {
		zap.L().Error("whatsapp: forget identities", zap.String("session", id), zap.Error(err))
	}
	if err := r.repo.Delete(ctx, id); err != nil {
		zap.L().Error("whatsapp: delete session row", zap.String("session", id), zap.Error(err))
	}
}

// Replay restores every session that has stored credentials or a stored row.
// Sessions are opened without waiting for them to connect.
func (r *Registry) Replay(ctx context.Context) (int, error) {
	rows, err := r.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; ok || !ValidID(id) {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, row := range rows {
		add(row.SessionID)
	}
	known, err := r.provider.Known(ctx)
	if err != nil {
		zap.L().Warn("whatsapp: list credential stores", zap.Error(err))
	}
	for _, id := range known {
		add(id)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pool, err := ants.NewPool(r.opts.ReplayWorkers)
	if err != nil {
		return 0, errors.Wrap(err, "replay pool")
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		restored int
	)
	for _, id := range ids {
		id := id
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if r.restore(ctx, id) {
				mu.Lock()
				restored++
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			zap.L().Error("whatsapp: submit replay", zap.String("session", id), zap.Error(err))
		}
	}
	wg.Wait()
	zap.L().Info("whatsapp: sessions replayed", zap.Int("found", len(ids)), zap.Int("restored", restored))
	return restored, nil
}

func (r *Registry) restore(ctx context.Context, id string) bool {
	if r.lookup(id) != nil || !r.guard.TryAcquire(id) {
		return false
	}
	if r.lookup(id) != nil {
		r.guard.Release(id)
		return false
	}
	if _, err := r.open(ctx, id, nil); err != nil {
		zap.L().Error("whatsapp: restore session", zap.String("session", id), zap.Error(err))
		return false
	}
	return true
}

// Shutdown disconnects every session and keeps their credentials.
func (r *Registry) Shutdown(ctx context.Context) {
	items := r.snapshot()
	for _, s := range items {
		r.detach(s)
		r.halt(s)
		s.stopReconnect()
		if h := s.takeHandle(); h != nil {
			h.Disconnect()
		}
		s.queue.Close()
	}
	for _, s := range items {
		select {
		case <-s.queue.Done():
		case <-ctx.Done():
			return
		}
	}
}
