package eventpub

import "testing"

func TestPublisherDeliversInOrder(t *testing.T) {
	p := NewPublisher()
	var got []RealmEvent
	p.Subscribe(func(e RealmEvent) { got = append(got, e) })

	p.New("work")
	p.Started("work")
	p.Current("work")
	p.Stopped("work")
	p.Removed("work")

	want := []RealmEventKind{RealmNew, RealmStarted, RealmCurrent, RealmStopped, RealmRemoved}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i, k := range want {
		if got[i].Kind != k || got[i].Name != "work" {
			t.Errorf("event %d = %+v, want kind %s name work", i, got[i], k)
		}
	}
}

func TestPublisherMultipleHandlers(t *testing.T) {
	p := NewPublisher()
	var a, b int
	p.Subscribe(func(RealmEvent) { a++ })
	p.Subscribe(func(RealmEvent) { b++ })

	p.Started("x")
	if a != 1 || b != 1 {
		t.Errorf("a=%d b=%d, want both 1", a, b)
	}
}
