package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/tchow-twistedxcom/crewdeck/internal/hub"
	"github.com/tchow-twistedxcom/crewdeck/internal/logging"
	"github.com/tchow-twistedxcom/crewdeck/internal/statedb"
)

var pushLog = logging.ForComponent(logging.CompPush)

const pushTTLSeconds = 3600

// pushSubscription is the browser's PushSubscription.toJSON() shape.
type pushSubscription struct {
	Endpoint       string               `json:"endpoint"`
	ExpirationTime any                  `json:"expirationTime,omitempty"`
	Keys           pushSubscriptionKeys `json:"keys"`
}

type pushSubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s pushSubscription) normalize() pushSubscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

func (s pushSubscription) validate() error {
	sub := s.normalize()
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if u, err := url.Parse(sub.Endpoint); err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("endpoint must be an https url")
	}
	if sub.Keys.P256DH == "" {
		return fmt.Errorf("keys.p256dh is required")
	}
	if sub.Keys.Auth == "" {
		return fmt.Errorf("keys.auth is required")
	}
	return nil
}

type pushMessage struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	Tag        string `json:"tag"`
	Renotify   bool   `json:"renotify"`
	SessionID  string `json:"sessionId"`
	WorkingDir string `json:"workingDir"`
	Kind       string `json:"kind"`
	Timestamp  string `json:"timestamp"`
}

type webPushSender interface {
	Send(ctx context.Context, payload []byte, sub *statedb.PushSubscription) (int, error)
}

type vapidPushSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (s *vapidPushSender) Send(ctx context.Context, payload []byte, sub *statedb.PushSubscription) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             pushTTLSeconds,
	})
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}

	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

// PushService sends browser push notifications to the subscriptions kept in
// the state database. It implements hub.Notifier.
type PushService struct {
	db        *statedb.StateDB
	sender    webPushSender
	publicKey string
	subject   string
}

// NewPushService loads or creates the VAPID keypair and returns a service
// that signs with it.
func NewPushService(db *statedb.StateDB, subject string) (*PushService, error) {
	if db == nil {
		return nil, errors.New("push requires the state database")
	}
	publicKey, privateKey, generated, err := EnsurePushVAPIDKeys(db)
	if err != nil {
		return nil, err
	}
	if generated {
		pushLog.Info("push_vapid_keys_generated")
	}
	subject = strings.TrimSpace(subject)
	return &PushService{
		db: db,
		sender: &vapidPushSender{
			subject:    subject,
			publicKey:  publicKey,
			privateKey: privateKey,
		},
		publicKey: publicKey,
		subject:   subject,
	}, nil
}

// PublicKey returns the VAPID application server key for browsers.
func (p *PushService) PublicKey() string { return p.publicKey }

// Subject returns the VAPID contact.
func (p *PushService) Subject() string { return p.subject }

// SubscriptionCount returns the number of stored subscriptions.
func (p *PushService) SubscriptionCount() (int, error) {
	subs, err := p.db.ListPushSubscriptions()
	if err != nil {
		return 0, err
	}
	return len(subs), nil
}

func (p *PushService) upsert(sub pushSubscription) error {
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		return err
	}
	return p.db.SavePushSubscription(&statedb.PushSubscription{
		Endpoint:  sub.Endpoint,
		P256dh:    sub.Keys.P256DH,
		Auth:      sub.Keys.Auth,
		CreatedAt: time.Now().UTC(),
	})
}

func (p *PushService) remove(endpoint string) error {
	return p.db.DeletePushSubscription(strings.TrimSpace(endpoint))
}

// Notify sends n to every subscription. Subscriptions the push gateway
// reports as gone are deleted.
func (p *PushService) Notify(ctx context.Context, n hub.Notification) error {
	subs, err := p.db.ListPushSubscriptions()
	if err != nil {
		return fmt.Errorf("list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	pushLog.Debug("push_notifying",
		slog.String("session_id", n.SessionID),
		slog.Int("subscribers", len(subs)))

	payload, err := json.Marshal(pushMessage{
		Title:      n.Title,
		Body:       n.Body,
		Tag:        "crewdeck-" + n.SessionID,
		Renotify:   true,
		SessionID:  n.SessionID,
		WorkingDir: n.WorkingDir,
		Kind:       string(n.Kind),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}

	var failed []error
	for _, sub := range subs {
		statusCode, err := p.sender.Send(ctx, payload, sub)
		if err == nil {
			pushLog.Debug("push_sent",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.Int("http_status", statusCode),
				slog.String("session_id", n.SessionID))
			continue
		}

		if statusCode == http.StatusGone || statusCode == http.StatusNotFound {
			pushLog.Info("push_subscription_expired",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.Int("http_status", statusCode))
			if rmErr := p.db.DeletePushSubscription(sub.Endpoint); rmErr != nil {
				failed = append(failed, rmErr)
			}
			continue
		}
		pushLog.Error("push_send_failed",
			slog.String("endpoint", endpointForLog(sub.Endpoint)),
			slog.Int("http_status", statusCode),
			slog.String("session_id", n.SessionID),
			slog.String("error", err.Error()))
		failed = append(failed, err)
	}
	return errors.Join(failed...)
}

func endpointForLog(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err == nil && u.Host != "" {
		return u.Host
	}
	endpoint = strings.TrimSpace(endpoint)
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}
