package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastDispatcher() *Dispatcher {
	return NewDispatcher(Options{
		Timeout:     time.Second,
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		RetryMax:    5 * time.Millisecond,
	})
}

type connectionUpdate struct {
	Status string `json:"status"`
	QR     string `json:"qr,omitempty"`
}

func TestDeliverHeadersAndBody(t *testing.T) {
	var got map[string]interface{}
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = jsoniter.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := fastDispatcher().Deliver(context.Background(), Endpoint{URL: srv.URL, Token: "tok"},
		"s1", EventConnectionUpdate, connectionUpdate{Status: "Connected"})
	require.NoError(t, err)

	assert.Equal(t, "tok", header.Get(HeaderToken))
	assert.Equal(t, "XMLHttpRequest", header.Get("X-Requested-With"))
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.NotEmpty(t, header.Get(HeaderDelivery))
	assert.Equal(t, "1", header.Get(HeaderAttempt))

	assert.Equal(t, "s1", got["sessionId"])
	assert.Equal(t, "connection.update", got["event"])
	assert.Equal(t, "Connected", got["status"])
	_, hasQR := got["qr"]
	assert.False(t, hasQR)
}

func TestDeliverServerErrorRetriesThenGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := fastDispatcher().Deliver(context.Background(), Endpoint{URL: srv.URL}, "s1", EventMessagesUpsert, nil)
	assert.True(t, errors.Is(err, ErrGaveUp))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliverClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := fastDispatcher().Deliver(context.Background(), Endpoint{URL: srv.URL}, "s1", EventMessagesUpsert, nil)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeliverRecoversOnSecondAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "2", r.Header.Get(HeaderAttempt))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := fastDispatcher().Deliver(context.Background(), Endpoint{URL: srv.URL}, "s1", EventMessageStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDeliverEmptyEndpointIsNoop(t *testing.T) {
	assert.NoError(t, fastDispatcher().Deliver(context.Background(), Endpoint{}, "s1", EventMessagesUpsert, nil))
}

func TestRetryDelay(t *testing.T) {
	d := NewDispatcher(Options{})
	assert.Equal(t, 2*time.Second, d.RetryDelay(1))
	assert.Equal(t, 4*time.Second, d.RetryDelay(2))
	assert.Equal(t, 5*time.Second, d.RetryDelay(3))
	assert.Equal(t, 5*time.Second, d.RetryDelay(40))
}

type media struct {
	Data     string `json:"data"`
	Mimetype string `json:"mimetype"`
}

type message struct {
	ID    string `json:"id"`
	Media *media `json:"media"`
}

type upsert struct {
	Messages []message `json:"messages"`
}

func TestEncodeFlattensStructPayload(t *testing.T) {
	body, err := Encode("s9", EventMessagesUpsert, upsert{Messages: []message{{ID: "m1"}}})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, jsoniter.Unmarshal(body, &got))
	assert.Equal(t, "s9", got["sessionId"])
	assert.Equal(t, "messages.upsert", got["event"])
	msgs := got["messages"].([]interface{})
	require.Len(t, msgs, 1)
	first := msgs[0].(map[string]interface{})
	assert.Equal(t, "m1", first["id"])
	assert.Nil(t, first["media"])
}

type recordingSender struct {
	mu     sync.Mutex
	events []string
	delay  time.Duration
}

func (s *recordingSender) Deliver(ctx context.Context, ep Endpoint, sessionID, event string, payload interface{}) error {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, payload.(string))
	return nil
}

func TestQueuePreservesOrderAndDrainsOnClose(t *testing.T) {
	sender := &recordingSender{delay: time.Millisecond}
	q := NewQueue("s1", sender, 4)
	ep := Endpoint{URL: "http://consumer.local/hook"}
	for _, p := range []string{"a", "b", "c", "d", "e", "f"} {
		q.Enqueue(ep, EventMessagesUpsert, p)
	}
	q.Close()
	q.Enqueue(ep, EventMessagesUpsert, "late")

	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, sender.events)
}

type blockingSender struct {
	started chan struct{}
	release chan struct{}
}

func (s *blockingSender) Deliver(ctx context.Context, ep Endpoint, sessionID, event string, payload interface{}) error {
	s.started <- struct{}{}
	<-s.release
	return nil
}

func TestQueueCloseUnblocksFullEnqueue(t *testing.T) {
	sender := &blockingSender{started: make(chan struct{}, 4), release: make(chan struct{})}
	q := NewQueue("s1", sender, 1)
	ep := Endpoint{URL: "http://consumer.local/hook"}

	q.Enqueue(ep, EventMessagesUpsert, "a")
	<-sender.started
	q.Enqueue(ep, EventMessagesUpsert, "b")

	blocked := make(chan struct{})
	go func() {
		defer close(blocked)
		q.Enqueue(ep, EventMessagesUpsert, "c")
	}()
	select {
	case <-blocked:
		t.Fatal("enqueue on a full queue returned early")
	case <-time.After(30 * time.Millisecond):
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		q.Close()
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close hung behind a blocked enqueue")
	}
	<-blocked

	close(sender.release)
	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}
}
