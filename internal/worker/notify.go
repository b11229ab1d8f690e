package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

const notificationQueueSize = 256

type notification struct {
	idTag   string
	msgType string
	payload any
}

// Notifier turns the bus's offline-delivery callback into push-subscription
// fan-out. The callback itself (OfflineHandler) only ever enqueues, since
// MessageBusStore.Publish calls it synchronously; the actual HTTP delivery
// runs on the NotificationFanout task's own schedule.
type Notifier struct {
	auth   store.AuthStore
	meta   store.MetaStore
	client *http.Client
	queue  chan notification
}

// NewNotifier constructs a Notifier. client == nil picks a 10s-timeout
// default client.
func NewNotifier(auth store.AuthStore, meta store.MetaStore, client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{auth: auth, meta: meta, client: client, queue: make(chan notification, notificationQueueSize)}
}

// OfflineHandler is registered with store.MessageBusStore.SetOfflineHandler.
func (n *Notifier) OfflineHandler() func(idTag, msgType string, payload any) {
	return func(idTag, msgType string, payload any) {
		select {
		case n.queue <- notification{idTag: idTag, msgType: msgType, payload: payload}:
		default:
			log.WithField("task", "notification-fanout").Warnf("queue full, dropping notification for %v", idTag)
		}
	}
}

// deliver posts one notification to every push subscription registered for
// the notification's tenant. This sends the fan-out payload as plain JSON
// over HTTPS, not the full encrypted Web Push protocol: no VAPID-signing
// library is part of this server's dependency set, so the push endpoint is
// expected to accept the same bearer-style payload other RelayPlane/bus
// consumers do.
func (n *Notifier) deliver(ctx context.Context, note notification) {
	tnId, err := n.auth.GetTnId(ctx, note.idTag)
	if err != nil {
		log.WithField("task", "notification-fanout").Warnf("unknown tenant %v: %v", note.idTag, err)
		return
	}
	subs, err := n.meta.ListSubscriptions(ctx, tnId)
	if err != nil {
		log.WithField("task", "notification-fanout").Warnf("listing subscriptions for %v failed: %v", note.idTag, err)
		return
	}
	body, err := json.Marshal(map[string]any{"type": note.msgType, "data": note.payload})
	if err != nil {
		return
	}
	for _, sub := range subs {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			log.WithField("task", "notification-fanout").Warnf("push to %v failed: %v", sub.Endpoint, err)
			continue
		}
		resp.Body.Close()
	}
}

// NewNotificationFanoutTask drains n's queue on each tick, delivering every
// notification buffered since the last run.
func NewNotificationFanoutTask(n *Notifier, interval time.Duration) *Task {
	return &Task{
		Name:     "notification-fanout",
		Interval: interval,
		Run: func(ctx context.Context) (time.Duration, bool, error) {
			for {
				select {
				case note := <-n.queue:
					n.deliver(ctx, note)
				default:
					return 0, false, nil
				}
			}
		},
	}
}
