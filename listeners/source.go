package listeners

import (
	"context"
	"errors"
	"fmt"

	"github.com/vaultit/qvarn-mr/engine"
	"github.com/vaultit/qvarn-mr/store"
)

// FetchNotifications enumerates pending notifications for every owned
// listener and returns a uniform notification record for each. A
// notification id the store reports as not-found (already deleted by a
// previous attempt) is skipped silently (§4.4, ported from
// processor.py's get_changes).
func FetchNotifications(ctx context.Context, client store.Client, owned []*Listener) ([]engine.Notification, error) {
	var out []engine.Notification
	for _, l := range owned {
		listenerID := l.Listener.ID()
		ids, err := client.ListNotificationIDs(ctx, l.SourceType, listenerID)
		if err != nil {
			return nil, fmt.Errorf("listeners: list notifications for %s: %w", l.SourceType, err)
		}
		for _, id := range ids {
			n, err := client.GetNotification(ctx, l.SourceType, listenerID, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("listeners: get notification %s for %s: %w", id, l.SourceType, err)
			}
			change, _ := n["resource_change"].(string)
			resourceID, _ := n["resource_id"].(string)
			out = append(out, engine.Notification{
				ResourceType:   l.SourceType,
				ResourceChange: change,
				ResourceID:     resourceID,
				NotificationID: n.ID(),
				ListenerID:     listenerID,
				Generated:      false,
			})
		}
	}
	return out, nil
}
