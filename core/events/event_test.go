package events

import (
	"testing"

	"chainscore/core/types"
)

type wireEvent struct{ evt *types.Event }

func (w wireEvent) EventType() string   { return w.evt.Type }
func (w wireEvent) Event() *types.Event { return w.evt }

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

func TestFanoutDeliversToSubscribers(t *testing.T) {
	fan := NewFanout(4)
	first, cancelFirst := fan.Subscribe()
	defer cancelFirst()
	second, cancelSecond := fan.Subscribe()
	defer cancelSecond()

	fan.Emit(wireEvent{evt: &types.Event{Type: "oracle.request.created", Attributes: map[string]string{"id": "01"}}})
	fan.Emit(bareEvent{})

	for _, ch := range []<-chan *types.Event{first, second} {
		select {
		case got := <-ch:
			if got.Type != "oracle.request.created" || got.Attribute("id") != "01" {
				t.Fatalf("unexpected event %+v", got)
			}
		default:
			t.Fatalf("expected event to be delivered")
		}
		select {
		case extra := <-ch:
			t.Fatalf("unexpected extra event %+v", extra)
		default:
		}
	}
}

func TestFanoutDropsWhenSubscriberFull(t *testing.T) {
	fan := NewFanout(1)
	ch, cancel := fan.Subscribe()
	defer cancel()
	evt := wireEvent{evt: &types.Event{Type: "x"}}
	fan.Emit(evt)
	fan.Emit(evt)
	if len(ch) != 1 {
		t.Fatalf("expected single buffered event, got %d", len(ch))
	}
}

func TestFanoutCancelClosesChannel(t *testing.T) {
	fan := NewFanout(1)
	ch, cancel := fan.Subscribe()
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	if fan.Subscribers() != 0 {
		t.Fatalf("expected no subscribers")
	}
	fan.Emit(wireEvent{evt: &types.Event{Type: "x"}})
}
