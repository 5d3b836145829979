package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
)

type VAPID struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
	TTL        int
}

// WebPushSender performs the VAPID-signed Web Push request for one
// notification.
type WebPushSender struct {
	vapid  VAPID
	client webpush.HTTPClient
}

func NewWebPushSender(vapid VAPID, client webpush.HTTPClient) *WebPushSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebPushSender{vapid: vapid, client: client}
}

// Send returns ErrSubscriptionGone when the push service reports the
// subscription as expired.
func (s *WebPushSender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	sub := &webpush.Subscription{
		Endpoint: n.Subscription.Endpoint,
		Keys: webpush.Keys{
			P256dh: n.Subscription.Keys.P256dh,
			Auth:   n.Subscription.Keys.Auth,
		},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, body, sub, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.vapid.Subscriber,
		VAPIDPublicKey:  s.vapid.PublicKey,
		VAPIDPrivateKey: s.vapid.PrivateKey,
		TTL:             s.vapid.TTL,
	})
	if err != nil {
		return fmt.Errorf("send push to %s: %w", n.Subscription.UserID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("push to %s: %w", n.Subscription.UserID, ErrSubscriptionGone)
	case resp.StatusCode >= 400:
		return fmt.Errorf("push to %s: unexpected status %d", n.Subscription.UserID, resp.StatusCode)
	}
	return nil
}
