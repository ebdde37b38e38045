package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wabridge/internal/domain"
	"go.mau.fi/whatsmeow/types"
)

func TestStartRequiresID(t *testing.T) {
	r, _, _ := newTestRegistry(t, &fakeProvider{}, Options{})
	_, err := r.Start(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrSessionIDRequired)

	_, err = r.Start(context.Background(), "../etc", nil)
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestStartPairingThenConnected(t *testing.T) {
	p := &fakeProvider{onConnect: func(h *fakeHandle) {
		h.emit(PairingCode{Code: "2@ref,noise,identity,adv"})
	}}
	r, repo, sender := newTestRegistry(t, p, Options{StartTimeout: 2 * time.Second})
	ctx := context.Background()

	res, err := r.Start(ctx, "s1", testEndpoint())
	require.NoError(t, err)
	assert.Equal(t, StatusPairingRequired, res.Status)
	assert.True(t, strings.HasPrefix(res.QR, "data:image/png;base64,"))

	again, err := r.Start(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, res, again)
	assert.Equal(t, 1, p.acquired())

	opened(p.handle(0))
	waitStatus(t, r, "s1", StatusConnected)
	require.Eventually(t, func() bool { return len(sender.statuses()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"QR Scan Required", "Connected"}, sender.statuses())

	info, err := r.Info("s1")
	require.NoError(t, err)
	assert.Empty(t, info.QR)
	assert.True(t, info.HasWebhook)

	row, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "Connected", row.Status)
	assert.Equal(t, "15551234567:12@s.whatsapp.net", row.Jid)
	assert.Equal(t, "http://consumer.local/hook", row.WebhookURL)

	done, err := r.Start(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, StartResult{Status: StatusConnected}, done)
}

func TestStartTimesOutButKeepsLoading(t *testing.T) {
	p := &fakeProvider{}
	r, _, _ := newTestRegistry(t, p, Options{StartTimeout: 50 * time.Millisecond})

	_, err := r.Start(context.Background(), "s1", nil)
	assert.ErrorIs(t, err, ErrStartTimeout)

	st, err := r.Status(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnecting, st)

	res, err := r.Start(context.Background(), "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusInitializing, res.Status)
	assert.Equal(t, "Session is already starting...", res.Message)
}

func TestConcurrentStartAcquiresOnce(t *testing.T) {
	p := &fakeProvider{}
	r, _, _ := newTestRegistry(t, p, Options{StartTimeout: 200 * time.Millisecond})

	const n = 8
	results := make([]StartResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Start(context.Background(), "s1", nil)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, p.acquired())
	timeouts := 0
	for i := 0; i < n; i++ {
		if errors.Is(errs[i], ErrStartTimeout) {
			timeouts++
			continue
		}
		require.NoError(t, errs[i])
		assert.Equal(t, StatusInitializing, results[i].Status)
	}
	assert.Equal(t, 1, timeouts)
}

func TestStartUpdatesEndpointOfRunningSession(t *testing.T) {
	p := &fakeProvider{onConnect: opened}
	r, repo, _ := newTestRegistry(t, p, Options{})
	ctx := context.Background()

	_, err := r.Start(ctx, "s1", nil)
	require.NoError(t, err)
	info, _ := r.Info("s1")
	assert.False(t, info.HasWebhook)

	_, err = r.Start(ctx, "s1", testEndpoint())
	require.NoError(t, err)
	info, _ = r.Info("s1")
	assert.True(t, info.HasWebhook)

	row, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "secret", row.WebhookToken)
}

func TestSendRequiresConnectedSession(t *testing.T) {
	p := &fakeProvider{onConnect: opened}
	r, _, _ := newTestRegistry(t, p, Options{})
	ctx := context.Background()
	req := SendRequest{Receiver: "+1 5551234567", Message: "hello"}

	_, err := r.Send(ctx, "missing", req)
	assert.ErrorIs(t, err, ErrNotConnected)

	res, err := r.Start(ctx, "s1", nil)
	require.NoError(t, err)
	require.Equal(t, StatusConnected, res.Status)

	sent, err := r.Send(ctx, "s1", req)
	require.NoError(t, err)
	assert.Equal(t, "3EB0TEST", sent.MessageID)

	h := p.handle(0)
	h.emit(Closed{Cause: CauseConnectionClosed, Err: errors.New("websocket closed")})
	waitStatus(t, r, "s1", StatusDisconnected)

	_, err = r.Send(ctx, "s1", req)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, []string{"15551234567@s.whatsapp.net:hello"}, h.sentMessages())
}

func TestSendMedia(t *testing.T) {
	p := &fakeProvider{onConnect: opened}
	r, _, _ := newTestRegistry(t, p, Options{})
	ctx := context.Background()
	_, err := r.Start(ctx, "s1", nil)
	require.NoError(t, err)

	_, err = r.Send(ctx, "s1", SendRequest{
		Receiver: "120363025246125486",
		Message:  "look",
		Media:    &MediaInput{Data: "data:image/png;base64,iVBORw0KGgo=", Mimetype: "image/png"},
	})
	require.NoError(t, err)

	_, err = r.Send(ctx, "s1", SendRequest{Receiver: "15551234567", Media: &MediaInput{Data: "%%%"}})
	assert.ErrorIs(t, err, ErrInvalidMedia)

	assert.Equal(t, []string{"120363025246125486@g.us:image"}, p.handle(0).sentMessages())
}

func TestLoggedOutRemovesAndErases(t *testing.T) {
	p := &fakeProvider{onConnect: opened}
	r, repo, sender := newTestRegistry(t, p, Options{})
	ctx := context.Background()
	_, err := r.Start(ctx, "s1", testEndpoint())
	require.NoError(t, err)

	p.handle(0).emit(Closed{Cause: CauseLoggedOut})
	require.Eventually(t, func() bool {
		row, err := repo.Get(ctx, "s1")
		return err == nil && row == nil
	}, 2*time.Second, 5*time.Millisecond)

	_, err = r.Info("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, []string{"s1"}, p.erasedIDs())
	require.Eventually(t, func() bool { return sender.lastUpdate().Status == "Removed" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "logged_out", sender.lastUpdate().Reason)
	assert.Equal(t, 1, p.acquired())
}

func TestConflictRemovesButKeepsCredentials(t *testing.T) {
	p := &fakeProvider{onConnect: opened}
	r, _, sender := newTestRegistry(t, p, Options{})
	ctx := context.Background()
	_, err := r.Start(ctx, "s1", testEndpoint())
	require.NoError(t, err)

	p.handle(0).emit(Closed{Cause: CauseReplaced})
	waitStatus(t, r, "s1", StatusRemoved)

	_, err = r.Info("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, p.erasedIDs())
	require.Eventually(t, func() bool { return sender.lastUpdate().Status == "Removed" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "conflict", sender.lastUpdate().Reason)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, p.acquired())
}

func TestRetryableCloseReconnects(t *testing.T) {
	p := &fakeProvider{onConnect: opened}
	r, repo, sender := newTestRegistry(t, p, Options{ReconnectBase: 10 * time.Millisecond, ReconnectCap: 20 * time.Millisecond})
	ctx := context.Background()
	_, err := r.Start(ctx, "s1", testEndpoint())
	require.NoError(t, err)

	first := p.handle(0)
	first.emit(Closed{Cause: CauseConnectionClosed})
	require.Eventually(t, func() bool { return p.acquired() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitStatus(t, r, "s1", StatusConnected)
	require.Eventually(t, func() bool { return len(sender.statuses()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Connected", "Disconnected", "Connecting", "Connected"}, sender.statuses())
	assert.Equal(t, 0, r.backoff.Attempts("s1"))
	assert.Empty(t, p.erasedIDs())

	// the replaced handle is no longer heard
	first.emit(Closed{Cause: CauseLoggedOut})
	time.Sleep(30 * time.Millisecond)
	st, err := r.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, st)
	assert.Empty(t, p.erasedIDs())

	var logs []domain.SessionEventLog
	require.NoError(t, repo.db.Where("session_id = ?", "s1").Order("created_at").Find(&logs).Error)
	assert.Len(t, logs, 4)
}

func TestDeleteLogsOutAndErases(t *testing.T) {
	p := &fakeProvider{onConnect: opened}
	r, repo, _ := newTestRegistry(t, p, Options{})
	ctx := context.Background()
	_, err := r.Start(ctx, "s1", nil)
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, "s1"))
	assert.True(t, p.handle(0).wasLoggedOut())
	assert.Equal(t, []string{"s1"}, p.erasedIDs())
	row, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, row)

	_, err = r.Status(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.NoError(t, r.Delete(ctx, "never-started"))
	assert.ErrorIs(t, r.Delete(ctx, "../etc"), ErrInvalidSessionID)
}

func TestDeleteWaitsForPendingAcquire(t *testing.T) {
	p := &fakeProvider{gate: make(chan struct{}), stores: map[string]bool{}}
	r, repo, _ := newTestRegistry(t, p, Options{StartTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := r.Start(ctx, "acct1", nil)
	require.ErrorIs(t, err, ErrStartTimeout)

	deleted := make(chan error, 1)
	go func() { deleted <- r.Delete(ctx, "acct1") }()
	select {
	case <-deleted:
		t.Fatal("delete returned while the store was still being opened")
	case <-time.After(50 * time.Millisecond):
	}

	close(p.gate)
	select {
	case err := <-deleted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("delete never returned")
	}

	known, err := p.Known(ctx)
	require.NoError(t, err)
	assert.Empty(t, known)
	row, err := repo.Get(ctx, "acct1")
	require.NoError(t, err)
	assert.Nil(t, row)

	n, err := r.Replay(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatusFallsBackToStoredRow(t *testing.T) {
	r, repo, _ := newTestRegistry(t, &fakeProvider{}, Options{})
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, &domain.WhatsAppSession{SessionID: "s9", Status: "Removed"}))

	st, err := r.Status(ctx, "s9")
	require.NoError(t, err)
	assert.Equal(t, StatusRemoved, st)

	_, err = r.Status(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReplayRestoresStoredSessions(t *testing.T) {
	p := &fakeProvider{known: []string{"s1", "s2"}}
	r, repo, _ := newTestRegistry(t, p, Options{ReplayWorkers: 2})
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, &domain.WhatsAppSession{SessionID: "s1", WebhookURL: "http://consumer.local/hook"}))

	n, err := r.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"s1", "s2"}, r.IDs())
	require.Eventually(t, func() bool { return p.acquired() == 2 }, time.Second, 5*time.Millisecond)

	info, err := r.Info("s1")
	require.NoError(t, err)
	assert.True(t, info.HasWebhook)

	n, err = r.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStats(t *testing.T) {
	p := &fakeProvider{onConnect: func(h *fakeHandle) {
		if h.id == "paired" {
			opened(h)
			return
		}
		h.emit(PairingCode{Code: "2@ref"})
	}}
	r, _, _ := newTestRegistry(t, p, Options{StartTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	_, err := r.Start(ctx, "paired", nil)
	require.NoError(t, err)
	_, err = r.Start(ctx, "pending", nil)
	require.NoError(t, err)
	_, err = r.Start(ctx, "silent", nil)
	require.ErrorIs(t, err, ErrStartTimeout)

	// a session still connecting counts as disconnected
	assert.Equal(t, Stats{Total: 3, Connected: 1, Disconnected: 1, QRPending: 1}, r.Stats())
}

func TestGroupMetadataLearnsParticipants(t *testing.T) {
	p := &fakeProvider{onConnect: opened}
	r, _, _ := newTestRegistry(t, p, Options{})
	ctx := context.Background()
	_, err := r.Start(ctx, "s1", nil)
	require.NoError(t, err)

	meta, err := r.GroupMetadata(ctx, "s1", "120363025246125486")
	require.NoError(t, err)
	assert.Equal(t, "Team", meta.Subject)
	assert.Equal(t, "120363025246125486@g.us", meta.ID)
	require.Len(t, meta.Participants, 3)
	assert.Equal(t, Participant{ID: "123456789@lid", Phone: "15551234567", Admin: "superadmin"}, meta.Participants[0])
	assert.Equal(t, Participant{ID: "15557654321@s.whatsapp.net", Phone: "15557654321", Admin: "admin"}, meta.Participants[1])
	assert.Empty(t, meta.Participants[2].Admin)

	phone, ok := r.resolver.Resolve(ctx, "s1", types.NewJID("123456789", types.HiddenUserServer), nil)
	assert.True(t, ok)
	assert.Equal(t, "15551234567", phone)
}

func TestContactInfoAndCheckNumber(t *testing.T) {
	p := &fakeProvider{onConnect: opened}
	r, _, _ := newTestRegistry(t, p, Options{})
	ctx := context.Background()
	_, err := r.Start(ctx, "s1", nil)
	require.NoError(t, err)

	info, err := r.ContactInfo(ctx, "s1", "15557654321")
	require.NoError(t, err)
	assert.Equal(t, ContactInfo{
		Exists:         true,
		JID:            "15557654321@s.whatsapp.net",
		ProfilePicture: "https://pps.whatsapp.net/v/t61/pic.jpg",
	}, info)

	check, err := r.CheckNumber(ctx, "s1", "15550000000")
	require.NoError(t, err)
	assert.False(t, check.Exists)

	_, err = r.CheckNumber(ctx, "other", "15550000000")
	assert.ErrorIs(t, err, ErrNotConnected)
}
