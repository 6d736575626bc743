package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/quizzo/go/internal/models"
	"github.com/mcdev12/quizzo/go/internal/room/feed"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/mcdev12/quizzo/go/internal/store/memstore"
)

const code = "ABCD"

type inbox struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (in *inbox) add(m models.Message) {
	in.mu.Lock()
	in.msgs = append(in.msgs, m)
	in.mu.Unlock()
}

func (in *inbox) get() []models.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]models.Message(nil), in.msgs...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func feedFor(st store.Store) *feed.Adapter {
	return feed.New(st, nil, feed.Config{PollInterval: 20 * time.Millisecond, MinBackoff: 5 * time.Millisecond})
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	b := New(st, feedFor(st), nil, DefaultConfig())
	defer b.Close()

	var in inbox
	sub := b.Subscribe(ctx, code, in.add)
	defer sub.Stop()

	sent, err := b.Publish(ctx, code, "p1", models.MessageTypeAnswer, models.AnswerRecord{ParticipantID: "p1", Team: models.TeamBlue})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "message", func() bool { return len(in.get()) == 1 })

	got := in.get()[0]
	if got.ID != sent.ID || got.Type != models.MessageTypeAnswer || got.From != "p1" {
		t.Errorf("got %+v, want %+v", got, sent)
	}
	var rec models.AnswerRecord
	if err := json.Unmarshal(got.Data, &rec); err != nil || rec.ParticipantID != "p1" {
		t.Errorf("payload = %s (%v)", got.Data, err)
	}
}

func TestStaleMessagesAreNotDelivered(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memstore.New(memstore.WithClock(clock))
	cfg := Config{FreshnessWindow: 10 * time.Second, TTL: time.Hour}
	b := New(st, feedFor(st), clock, cfg)
	defer b.Close()

	if _, err := b.Publish(ctx, code, "host", models.MessageTypeSpeedCorrect, models.SpeedCorrectPayload{Team: models.TeamRed}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(11 * time.Second)
	fresh, err := b.Publish(ctx, code, "host", models.MessageTypeJoined, nil)
	if err != nil {
		t.Fatal(err)
	}

	var in inbox
	sub := b.Subscribe(ctx, code, in.add)
	defer sub.Stop()

	eventually(t, "fresh message", func() bool { return len(in.get()) >= 1 })
	time.Sleep(60 * time.Millisecond) // a few poll rounds
	got := in.get()
	if len(got) != 1 || got[0].ID != fresh.ID {
		t.Errorf("delivered %+v, want only %s", got, fresh.ID)
	}
}

func TestDuplicateIDsDeliveredOnce(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	b := New(st, feedFor(st), nil, DefaultConfig())
	defer b.Close()

	var in inbox
	sub := b.Subscribe(ctx, code, in.add)
	defer sub.Stop()

	msg, err := b.Publish(ctx, code, "p1", models.MessageTypeAnswer, map[string]int{"idx": 1})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "message", func() bool { return len(in.get()) == 1 })

	// a second write of the same id, as a retried publish would produce
	msg.Timestamp++
	raw, _ := json.Marshal(msg)
	st.Put(ctx, store.MessagePath(code, msg.ID), raw)
	time.Sleep(60 * time.Millisecond)
	if n := len(in.get()); n != 1 {
		t.Errorf("delivered %d times, want 1", n)
	}
}

func TestSelfDeleteAfterTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memstore.New(memstore.WithClock(clock))
	b := New(st, feedFor(st), clock, DefaultConfig())

	msg, err := b.Publish(ctx, code, "p1", models.MessageTypePowerup, nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", b.Pending())
	}
	clock.Advance(10*time.Second + time.Millisecond)
	eventually(t, "self delete", func() bool {
		_, err := st.Get(ctx, store.MessagePath(code, msg.ID))
		return errors.Is(err, store.ErrNotFound)
	})
	if b.Pending() != 0 {
		t.Errorf("pending = %d after delete", b.Pending())
	}
}

func TestNativeExpirySkipsSelfDelete(t *testing.T) {
	st := memstore.New(memstore.WithTTL("messages", 10*time.Second))
	b := New(st, feedFor(st), nil, DefaultConfig())
	if _, err := b.Publish(context.Background(), code, "p1", models.MessageTypeAnswer, nil); err != nil {
		t.Fatal(err)
	}
	if b.Pending() != 0 {
		t.Errorf("scheduled a delete on a store that expires messages itself")
	}
}
