package redis

import (
	"context"
	"testing"
	"time"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
)

func TestRelayForwardsPublishedChanges(t *testing.T) {
	_, client := newClient(t)
	broadcaster := app.NewBroadcaster()
	changes, cancelSub := broadcaster.Subscribe("ex-1")
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay := NewRelay(client, broadcaster, discardLogger())
	go func() { _ = relay.Run(ctx) }()

	notifier := NewNotifier(client)
	deadline := time.After(2 * time.Second)
	for {
		_ = notifier.Publish(ctx, domain.StateChange{ExerciseID: "ex-1", Kind: domain.ChangeBatchStarted, At: base})
		select {
		case got := <-changes:
			if got.Kind != domain.ChangeBatchStarted || !got.At.Equal(base) {
				t.Fatalf("unexpected change %+v", got)
			}
			return
		case <-time.After(20 * time.Millisecond):
			// the relay may not have subscribed yet
		case <-deadline:
			t.Fatalf("relay did not forward the change")
		}
	}
}
