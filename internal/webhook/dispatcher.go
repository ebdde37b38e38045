package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
	"github.com/talkincode/wabridge/pkg/common"
	"github.com/talkincode/wabridge/pkg/metrics"
	"go.uber.org/zap"
)

const (
	EventConnectionUpdate = "connection.update"
	EventMessagesUpsert   = "messages.upsert"
	EventPresenceUpdate   = "presence.update"
	EventMessageStatus    = "message.status"
)

const (
	HeaderToken     = "X-Webhook-Token"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderAttempt   = "X-Webhook-Attempt"
	headerRequested = "X-Requested-With"
)

var (
	// ErrRejected the endpoint answered with a 4xx status; never retried.
	ErrRejected = errors.New("webhook rejected by endpoint")
	// ErrGaveUp every attempt failed with a transport error or a non 4xx status.
	ErrGaveUp = errors.New("webhook delivery gave up")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Endpoint is the consumer callback of one session.
type Endpoint struct {
	URL   string
	Token string
}

func (e Endpoint) Empty() bool {
	return e.URL == ""
}

type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

func DefaultOptions() Options {
	return Options{
		Timeout:     10 * time.Second,
		MaxAttempts: 3,
		RetryBase:   time.Second,
		RetryMax:    5 * time.Second,
	}
}

// Dispatcher posts session events to consumer endpoints with bounded retries.
type Dispatcher struct {
	client *http.Client
	opts   Options
}

func NewDispatcher(opts Options) *Dispatcher {
	d := DefaultOptions()
	if opts.Timeout > 0 {
		d.Timeout = opts.Timeout
	}
	if opts.MaxAttempts > 0 {
		d.MaxAttempts = opts.MaxAttempts
	}
	if opts.RetryBase > 0 {
		d.RetryBase = opts.RetryBase
	}
	if opts.RetryMax > 0 {
		d.RetryMax = opts.RetryMax
	}
	return &Dispatcher{
		client: &http.Client{Timeout: d.Timeout},
		opts:   d,
	}
}

// RetryDelay is the wait after the given failed attempt (1 based):
// min(base*2^attempt, max).
func (d *Dispatcher) RetryDelay(attempt int) time.Duration {
	if attempt >= 31 {
		return d.opts.RetryMax
	}
	delay := d.opts.RetryBase << uint(attempt) //nolint:gosec // attempt is bounded by MaxAttempts
	if delay <= 0 || delay > d.opts.RetryMax {
		return d.opts.RetryMax
	}
	return delay
}

// Deliver sends one event. It returns nil when the endpoint is empty or
// accepted the event, ErrRejected on a 4xx answer and ErrGaveUp once the
// attempts are exhausted.
func (d *Dispatcher) Deliver(ctx context.Context, ep Endpoint, sessionID, event string, payload interface{}) error {
	if ep.Empty() {
		return nil
	}
	body, err := Encode(sessionID, event, payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	deliveryID := common.UUIDString()

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		status, err := d.post(ctx, ep, body, deliveryID, attempt)
		switch {
		case err == nil && status >= 200 && status < 300:
			zap.L().Debug("webhook: delivered",
				zap.String("session", sessionID),
				zap.String("event", event),
				zap.Int("status", status),
				zap.Int("attempt", attempt))
			metrics.IncWebhookDelivery(event, "delivered")
			return nil
		case err == nil && status >= 400 && status < 500:
			zap.L().Warn("webhook: rejected by endpoint, not retrying",
				zap.String("session", sessionID),
				zap.String("event", event),
				zap.Int("status", status))
			metrics.IncWebhookDelivery(event, "rejected")
			return fmt.Errorf("%w: status %d", ErrRejected, status)
		case err == nil:
			lastErr = fmt.Errorf("unexpected status %d", status)
		default:
			lastErr = err
		}

		zap.L().Warn("webhook: attempt failed",
			zap.String("session", sessionID),
			zap.String("event", event),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.opts.MaxAttempts),
			zap.Error(lastErr))

		if attempt < d.opts.MaxAttempts {
			select {
			case <-time.After(d.RetryDelay(attempt)):
			case <-ctx.Done():
				metrics.IncWebhookDelivery(event, "cancelled")
				return ctx.Err()
			}
		}
	}

	zap.L().Error("webhook: giving up",
		zap.String("session", sessionID),
		zap.String("event", event),
		zap.Int("attempts", d.opts.MaxAttempts),
		zap.Error(lastErr))
	metrics.IncWebhookDelivery(event, "gave_up")
	return fmt.Errorf("%w: %v", ErrGaveUp, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, ep Endpoint, body []byte, deliveryID string, attempt int) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderToken, ep.Token)
	req.Header.Set(headerRequested, "XMLHttpRequest")
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// Encode builds the callback body: the payload fields flattened next to
// sessionId and event.
func Encode(sessionID, event string, payload interface{}) ([]byte, error) {
	body := map[string]interface{}{}
	switch p := payload.(type) {
	case nil:
	case map[string]interface{}:
		for k, v := range p {
			body[k] = v
		}
	default:
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName: "json",
			Result:  &body,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(payload); err != nil {
			return nil, err
		}
	}
	body["sessionId"] = sessionID
	body["event"] = event
	return json.Marshal(body)
}
