package broadcast

import (
	"testing"
	"time"

	"optionsflow/internal/model"
)

type fakeReplay struct {
	written []model.ClassifiedTrade
}

func (f *fakeReplay) Write(trade model.ClassifiedTrade) {
	f.written = append(f.written, trade)
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	hub := New(4, nil)
	sub1 := hub.Subscribe()
	sub2 := hub.Subscribe()

	trade := model.ClassifiedTrade{RawTrade: model.RawTrade{ContractSymbol: "O:AMD251219C00155000"}}
	hub.Publish(trade)

	select {
	case got := <-sub1.Outbox():
		if got.ContractSymbol != trade.ContractSymbol {
			t.Errorf("sub1 got %s, want %s", got.ContractSymbol, trade.ContractSymbol)
		}
	case <-time.After(time.Second):
		t.Fatal("sub1 did not receive the published trade")
	}

	select {
	case <-sub2.Outbox():
	case <-time.After(time.Second):
		t.Fatal("sub2 did not receive the published trade")
	}
}

func TestPublishDropsOnFullOutboxWithoutBlocking(t *testing.T) {
	hub := New(1, nil)
	sub := hub.Subscribe()

	trade := model.ClassifiedTrade{RawTrade: model.RawTrade{ContractSymbol: "O:AMD251219C00155000"}}
	done := make(chan struct{})
	go func() {
		hub.Publish(trade) // fills the outbox
		hub.Publish(trade) // must drop, not block
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber outbox")
	}

	if len(sub.outbox) != 1 {
		t.Errorf("outbox length = %d, want 1 (second publish dropped)", len(sub.outbox))
	}
}

func TestPublishWritesToReplay(t *testing.T) {
	replay := &fakeReplay{}
	hub := New(4, replay)

	trade := model.ClassifiedTrade{RawTrade: model.RawTrade{ContractSymbol: "O:SPY251115P00580000"}}
	hub.Publish(trade)

	if len(replay.written) != 1 {
		t.Fatalf("replay.written = %d entries, want 1", len(replay.written))
	}
	if replay.written[0].ContractSymbol != trade.ContractSymbol {
		t.Errorf("replayed symbol = %s, want %s", replay.written[0].ContractSymbol, trade.ContractSymbol)
	}
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	hub := New(4, nil)
	sub := hub.Subscribe()
	if hub.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", hub.SubscriberCount())
	}

	hub.Unsubscribe(sub)
	if hub.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount after unsubscribe = %d, want 0", hub.SubscriberCount())
	}
}
