package governance

import (
	"context"

	"github.com/ashita-ai/kansa/internal/ledger"
	"github.com/ashita-ai/kansa/internal/model"
	"github.com/ashita-ai/kansa/internal/notify"
	"github.com/ashita-ai/kansa/internal/policy"
)

// DeliveryEvents returns a notify.DeliveryReporter that republishes every
// delivery attempt as a notification event. Deliveries never touch window
// state or the audit chain.
func DeliveryEvents(pub Publisher) notify.DeliveryReporter {
	return func(d notify.Delivery) {
		if pub == nil {
			return
		}
		details := map[string]any{
			"tier":      d.Tier,
			"channel":   d.Channel,
			"target":    d.Target,
			"attempt":   d.Attempt,
			"delivered": d.Delivered(),
			"final":     d.Final,
		}
		if d.Err != nil {
			details["error"] = d.Err.Error()
		}
		pub.Publish(model.WindowEvent{
			Kind:     model.EventNotification,
			WindowID: d.WindowID,
			Actor:    model.ActorSystem,
			At:       d.At,
			Details:  details,
		})
	}
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev model.WindowEvent)

func (f PublisherFunc) Publish(ev model.WindowEvent) { f(ev) }

// PolicyReloads returns a policy.ReloadHook that records every reload on
// the system audit chain. The entry is written synchronously, so a table is
// never served before its reload is durable.
func PolicyReloads(l *ledger.Ledger) policy.ReloadHook {
	return func(ctx context.Context, old, next *policy.Snapshot, actor string) error {
		payload := map[string]any{
			"new_version": next.Version(),
			"new_digest":  next.Digest(),
		}
		if old != nil {
			payload["old_version"] = old.Version()
			payload["old_digest"] = old.Digest()
		}
		_, err := l.Append(ctx, ledger.Event{
			WindowID: model.SystemChainID,
			Type:     model.AuditPolicyReloaded,
			Payload:  payload,
			Actor:    actor,
		}, ledger.Sync)
		return err
	}
}
