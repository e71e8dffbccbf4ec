package engine_test

import (
	"fmt"
	"testing"

	"github.com/seantiz/querygate/internal/engine"
)

func drain(ch <-chan string) []string {
	var got []string
	for l := range ch {
		got = append(got, l)
	}
	return got
}

func TestLogBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewLogBroker()
	b.Open("r1")
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	lines := []string{"statement 1/2", "3 row(s) affected", "statement 2/2"}
	for _, l := range lines {
		b.Publish("r1", l)
	}
	b.Close("r1")

	got := drain(ch)
	if len(got) != len(lines) {
		t.Fatalf("got %d lines, want %d", len(got), len(lines))
	}
	for i, l := range got {
		if l != lines[i] {
			t.Errorf("line[%d] = %q, want %q", i, l, lines[i])
		}
	}
}

func TestLogBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewLogBroker()
	b.Open("r1")
	ch1, unsub1 := b.Subscribe("r1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("r1")
	defer unsub2()

	b.Publish("r1", "hello")
	b.Close("r1")

	got1, got2 := drain(ch1), drain(ch2)
	if len(got1) != 1 || got1[0] != "hello" {
		t.Errorf("subscriber 1 got %v, want [hello]", got1)
	}
	if len(got2) != 1 || got2[0] != "hello" {
		t.Errorf("subscriber 2 got %v, want [hello]", got2)
	}
}

func TestLogBrokerCloseEvictsTopic(t *testing.T) {
	b := engine.NewLogBroker()
	b.Open("r1")
	b.Publish("r1", "before close")
	b.Close("r1")

	if n := b.Topics(); n != 0 {
		t.Fatalf("Topics() = %d after Close, want 0", n)
	}

	b.Publish("r1", "after close")
	if n := b.Topics(); n != 0 {
		t.Fatalf("Topics() = %d after a late Publish, want 0", n)
	}

	ch, unsub := b.Subscribe("r1")
	select {
	case l := <-ch:
		t.Errorf("subscriber after Close got %q, want nothing", l)
	default:
	}
	unsub()
	if n := b.Topics(); n != 0 {
		t.Errorf("Topics() = %d after the last unsubscribe, want 0", n)
	}
}

func TestLogBrokerSubscriberWaitsForOpen(t *testing.T) {
	b := engine.NewLogBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	b.Publish("r1", "dropped before open")
	b.Open("r1")
	b.Publish("r1", "statement 1/1")
	b.Close("r1")

	got := drain(ch)
	if len(got) != 1 || got[0] != "statement 1/1" {
		t.Errorf("got %v, want [statement 1/1]", got)
	}
}

func TestLogBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewLogBroker()
	b.Open("r1")
	ch, unsub := b.Subscribe("r1")
	unsub()

	b.Publish("r1", "after unsub")
	b.Close("r1")

	select {
	case l, ok := <-ch:
		if ok {
			t.Errorf("got unexpected line %q after unsubscribe", l)
		}
	default:
	}
}

func TestLogBrokerLateSubscriberReplaysBacklog(t *testing.T) {
	b := engine.NewLogBroker()
	b.Open("r1")
	b.Publish("r1", "line 1")

	ch, unsub := b.Subscribe("r1")
	defer unsub()

	b.Publish("r1", "line 2")
	b.Close("r1")

	got := drain(ch)
	if len(got) != 2 || got[0] != "line 1" || got[1] != "line 2" {
		t.Errorf("late subscriber got %v, want [line 1 line 2]", got)
	}
}

func TestLogBrokerBacklogIsBounded(t *testing.T) {
	b := engine.NewLogBroker()
	b.Open("r1")
	for i := 0; i < 1000; i++ {
		b.Publish("r1", fmt.Sprintf("line %d", i))
	}

	ch, unsub := b.Subscribe("r1")
	defer unsub()
	b.Close("r1")

	got := drain(ch)
	if len(got) != 256 {
		t.Fatalf("replayed %d lines, want 256", len(got))
	}
	if got[0] != "line 744" || got[255] != "line 999" {
		t.Errorf("backlog = [%s .. %s], want [line 744 .. line 999]", got[0], got[255])
	}
}

func TestLogBrokerTopicsAreIndependent(t *testing.T) {
	b := engine.NewLogBroker()
	b.Open("r1")
	ch1, unsub1 := b.Subscribe("r1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("r2")
	defer unsub2()

	b.Publish("r1", "for r1")
	b.Close("r1")
	b.Close("r2")

	if got := drain(ch1); len(got) != 1 {
		t.Errorf("r1 got %v, want [for r1]", got)
	}
	if got := drain(ch2); len(got) != 0 {
		t.Errorf("r2 got %v, want nothing", got)
	}
}
