// Package push delivers best-effort webpush notifications to users who
// have no live gateway connection.
package push

import (
	"encoding/json"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"pavilion/internal/models"
)

type SubscriptionStore interface {
	PutPushSubscription(sub models.PushSubscription) error
	ListPushSubscriptions(userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

type Service struct {
	store      SubscriptionStore
	publicKey  string
	privateKey string
	subject    string
}

// NewService returns nil when no VAPID key pair is configured; callers
// treat a nil service as push-disabled.
func NewService(store SubscriptionStore, publicKey, privateKey, subject string) *Service {
	if publicKey == "" || privateKey == "" {
		return nil
	}
	return &Service{
		store:      store,
		publicKey:  publicKey,
		privateKey: privateKey,
		subject:    subject,
	}
}

// Subscribe stores a browser push subscription for the user.
func (s *Service) Subscribe(sub models.PushSubscription) error {
	return s.store.PutPushSubscription(sub)
}

// Notify sends a notification to every stored subscription of the user.
// Delivery is fire-and-forget; gone subscriptions are pruned.
func (s *Service) Notify(userID, title, body string) {
	subs, err := s.store.ListPushSubscriptions(userID)
	if err != nil {
		slog.Error("failed to list push subscriptions", "user_id", userID, "error", err)
		return
	}

	payload, err := json.Marshal(map[string]string{"title": title, "body": body})
	if err != nil {
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256dh,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      s.subject,
			VAPIDPublicKey:  s.publicKey,
			VAPIDPrivateKey: s.privateKey,
			TTL:             60,
		})
		if err != nil {
			slog.Debug("webpush delivery failed", "user_id", userID, "error", err)
			continue
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			_ = s.store.DeletePushSubscription(userID, sub.Endpoint)
		}
		_ = resp.Body.Close()
	}
}
