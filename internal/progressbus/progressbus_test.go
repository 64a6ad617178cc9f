package progressbus

import "testing"

func TestFractionOrdering(t *testing.T) {
	prev := 0.0
	for _, s := range []Stage{DiskPartitioned, LuksSetup, LvmSetup, BootSetup, StorageCreated, RootfsInstalled, Completed} {
		f := Fraction(s)
		if f <= prev {
			t.Errorf("Fraction(%s) = %v, want > previous stage's %v", s, f, prev)
		}
		if f < 0 || f > 1 {
			t.Errorf("Fraction(%s) = %v, out of [0,1]", s, f)
		}
		prev = f
	}
	if Fraction(Completed) != 1.0 {
		t.Errorf("Fraction(Completed) = %v, want 1.0", Fraction(Completed))
	}
}

func TestFractionFailedClamped(t *testing.T) {
	if got := Fraction(Failed); got != 1.0 {
		t.Errorf("Fraction(Failed) = %v, want 1.0 (clamped, not 100.0)", got)
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.PublishStage(DiskPartitioned, "partitioned")
	e := <-ch
	if e.Stage != DiskPartitioned || e.Text != "partitioned" {
		t.Errorf("got %+v", e)
	}
	if e.Fraction != Fraction(DiskPartitioned) {
		t.Errorf("Fraction = %v, want %v", e.Fraction, Fraction(DiskPartitioned))
	}
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	order := []Stage{DiskPartitioned, LuksSetup, LvmSetup, BootSetup, StorageCreated, RootfsInstalled, Completed}
	for _, s := range order {
		b.PublishStage(s, "")
	}
	for _, want := range order {
		e := <-ch
		if e.Stage != want {
			t.Errorf("got stage %s, want %s", e.Stage, want)
		}
	}
}

func TestPublishDropsOnFullChannelRatherThanBlocking(t *testing.T) {
	b := &Bus{subs: make(map[int]chan Event), capacity: 1}
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.PublishStage(DiskPartitioned, "1")
	b.PublishStage(LuksSetup, "2") // dropped, must not block

	e := <-ch
	if e.Stage != DiskPartitioned {
		t.Errorf("got %s, want DiskPartitioned", e.Stage)
	}
}

func TestPublishFailedFraction(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.PublishFailed("disk full")
	e := <-ch
	if e.Stage != Failed || e.Reason != "disk full" || e.Fraction != 1.0 {
		t.Errorf("got %+v", e)
	}
}
