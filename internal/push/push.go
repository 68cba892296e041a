package push

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"waves/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// Store provides the persisted push subscriptions.
type Store interface {
	ListPushSubscriptions() (map[string]string, error)
	DeletePushSubscription(userID string) error
}

// Notifier sends web-push notifications to room members who have no live
// hub socket when a message arrives. The payload never includes message
// content: rooms may be end-to-end encrypted.
type Notifier struct {
	store      Store
	publicKey  string
	privateKey string
	contact    string
	baseURL    string
}

func NewNotifier(store Store, publicKey, privateKey, contact, baseURL string) *Notifier {
	return &Notifier{
		store:      store,
		publicKey:  publicKey,
		privateKey: privateKey,
		contact:    contact,
		baseURL:    baseURL,
	}
}

// Enabled reports whether VAPID keys are configured.
func (n *Notifier) Enabled() bool {
	return n.publicKey != "" && n.privateKey != ""
}

// notification is the push payload. URL is where the service worker opens
// the app on tap.
type notification struct {
	Room   string `json:"room"`
	Sender string `json:"sender"`
	URL    string `json:"url,omitempty"`
}

// NotifyOffline pushes a new-message notification to every room member not
// in the online set. Failures are logged and never surface to the sender.
func (n *Notifier) NotifyOffline(room models.Room, sender models.Sender, online map[string]bool) {
	if !n.Enabled() {
		return
	}

	subs, err := n.store.ListPushSubscriptions()
	if err != nil {
		slog.Error("failed to list push subscriptions", "error", err)
		return
	}

	payload, err := json.Marshal(notification{
		Room:   room.RoomName,
		Sender: sender.UserName,
		URL:    n.baseURL,
	})
	if err != nil {
		return
	}

	for _, userID := range room.Members {
		if userID == sender.ID || online[userID] {
			continue
		}
		subJSON, ok := subs[userID]
		if !ok {
			continue
		}
		if err := n.send(subJSON, payload); err != nil {
			slog.Warn("push notification failed", "user_id", userID, "error", err)
			// A gone endpoint means the browser dropped the subscription.
			_ = n.store.DeletePushSubscription(userID)
		}
	}
}

func (n *Notifier) send(subJSON string, payload []byte) error {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(subJSON), &sub); err != nil {
		return fmt.Errorf("malformed subscription: %w", err)
	}

	resp, err := webpush.SendNotification(payload, &sub, &webpush.Options{
		Subscriber:      n.contact,
		VAPIDPublicKey:  n.publicKey,
		VAPIDPrivateKey: n.privateKey,
		TTL:             60,
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
