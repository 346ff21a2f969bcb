package events

import "testing"

func TestSubscribeReceivesEmit(t *testing.T) {
	b := NewBus()
	ch, id := b.Subscribe(4)
	defer b.Unsubscribe(id)

	b.Log("hello")
	ev := <-ch
	if ev.Kind != KindLog || ev.Text != "hello" {
		t.Fatalf("got %+v", ev)
	}
}

func TestEmitFanOutToMultipleSubscribers(t *testing.T) {
	b := NewBus()
	ch1, id1 := b.Subscribe(4)
	ch2, id2 := b.Subscribe(4)
	defer b.Unsubscribe(id1)
	defer b.Unsubscribe(id2)

	b.Connected()
	if (<-ch1).Kind != KindConnected {
		t.Fatal("subscriber 1 missed event")
	}
	if (<-ch2).Kind != KindConnected {
		t.Fatal("subscriber 2 missed event")
	}
}

func TestEmitDropsOnFullBuffer(t *testing.T) {
	b := NewBus()
	ch, id := b.Subscribe(1)
	defer b.Unsubscribe(id)

	b.Log("first")
	b.Log("second") // buffer full, dropped, must not block

	ev := <-ch
	if ev.Text != "first" {
		t.Fatalf("got %+v", ev)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch, id := b.Subscribe(1)
	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}
