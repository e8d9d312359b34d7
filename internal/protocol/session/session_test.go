package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"contact_chat/internal/model"
	"contact_chat/internal/protocol/sealedbox"
	"contact_chat/internal/repository/key"
	"contact_chat/internal/repository/relationship"
	"contact_chat/internal/repository/user"
	"contact_chat/internal/transport"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	u1 model.UserRef = "u1"
	u2 model.UserRef = "u2"
)

type harness struct {
	store *relationship.Store
	keys  *key.MemoryDirectory
	hub   *transport.Loopback
	rings map[model.UserRef]*sealedbox.MemoryKeyring
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	users := user.NewMemoryRepo()
	h := &harness{
		store: relationship.NewStore(relationship.NewMemoryBackend(), relationship.WithProfiles(users)),
		keys:  key.NewMemoryDirectory(users),
		hub:   transport.NewLoopback(),
		rings: make(map[model.UserRef]*sealedbox.MemoryKeyring),
	}
	for _, id := range []model.UserRef{u1, u2} {
		require.NoError(t, users.Create(ctx, &model.User{UserID: id, Username: "user-" + id.String()}))
		h.rotate(t, id)
	}
	return h
}

func (h *harness) rotate(t *testing.T, id model.UserRef) *model.KeyRecord {
	t.Helper()
	ring, ok := h.rings[id]
	if !ok {
		ring = sealedbox.NewMemoryKeyring()
		h.rings[id] = ring
	}
	current, err := h.keys.PublicKeyOf(context.Background(), id)
	version := uint32(1)
	if err == nil {
		version = current.Version + 1
	}
	kp, err := sealedbox.GenerateKeyPair(version)
	require.NoError(t, err)
	rec, err := h.keys.Publish(context.Background(), id, kp.Public)
	require.NoError(t, err)
	require.Equal(t, version, rec.Version)
	ring.Add(kp.Private)
	return rec
}

func (h *harness) befriend(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.Request(ctx, u1, u2))
	require.NoError(t, h.store.Resolve(ctx, u2, u1, model.DecisionAccept))
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// fakeTransport wraps another transport and counts or fails calls.
type fakeTransport struct {
	transport.Transport

	mu         sync.Mutex
	joins      int
	publishes  map[model.EnvelopeKind]int
	joinErr    error
	publishErr error
	joinGate   chan struct{}
}

func newFakeTransport(inner transport.Transport) *fakeTransport {
	return &fakeTransport{Transport: inner, publishes: make(map[model.EnvelopeKind]int)}
}

func (f *fakeTransport) Join(ctx context.Context, m transport.Membership, h transport.Handler) error {
	f.mu.Lock()
	f.joins++
	gate, err := f.joinGate, f.joinErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return f.Transport.Join(ctx, m, h)
}

func (f *fakeTransport) Publish(ctx context.Context, env *model.Envelope) error {
	f.mu.Lock()
	f.publishes[env.Kind]++
	err := f.publishErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Transport.Publish(ctx, env)
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeTransport) count(kind model.EnvelopeKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publishes[kind]
}

func (f *fakeTransport) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins
}

func (h *harness) session(t *testing.T, self, peer model.UserRef, tr transport.Transport) (*Session, *recorder) {
	t.Helper()
	if tr == nil {
		tr = h.hub
	}
	rec := &recorder{}
	s, err := New(Config{
		Self:          self,
		Peer:          peer,
		Relationships: h.store,
		Keys:          h.keys,
		Keyring:       h.rings[self],
		Transport:     tr,
		Observer:      rec.observe,
	})
	require.NoError(t, err)
	return s, rec
}

func sendAndWait(t *testing.T, s *Session, id, text string) *Item {
	t.Helper()
	type result struct {
		id  string
		err error
	}
	acked := make(chan result, 1)
	item, err := s.Send(context.Background(), Outgoing{ID: id, Text: text}, func(messageID string, err error) {
		acked <- result{messageID, err}
	})
	require.NoError(t, err)
	select {
	case r := <-acked:
		require.NoError(t, r.err)
		require.Equal(t, id, r.id)
	case <-time.After(5 * time.Second):
		t.Fatal("no acknowledgement")
	}
	return item
}

func TestScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.store.Request(ctx, u1, u2))
	c2, err := h.store.Query(ctx, u2)
	require.NoError(t, err)
	require.Len(t, c2.Requests, 1)
	require.Equal(t, u1, c2.Requests[0].UserID)

	require.NoError(t, h.store.Resolve(ctx, u2, u1, model.DecisionAccept))
	c1, err := h.store.Query(ctx, u1)
	require.NoError(t, err)
	c2, err = h.store.Query(ctx, u2)
	require.NoError(t, err)
	require.Equal(t, u2, c1.Accepted[0].UserID)
	require.Equal(t, u1, c2.Accepted[0].UserID)

	s1, _ := h.session(t, u1, u2, nil)
	s2, rec2 := h.session(t, u2, u1, nil)
	require.Equal(t, s1.Room(), s2.Room())
	require.NoError(t, s1.Join(ctx))
	require.NoError(t, s2.Join(ctx))
	require.Equal(t, StateOpen, s1.State())

	sent := sendAndWait(t, s1, "m1", "hi")
	require.Equal(t, "hi", sent.Text)
	require.False(t, sent.Message.CreatedAt.IsZero())

	sealed := &sealedbox.Sealed{Algo: sent.Message.Algo, KeyVersion: sent.Message.KeyVersion, Body: sent.Message.Ciphertext}
	_, err = sealedbox.DecodeWith(sealed, h.rings[u1])
	require.ErrorIs(t, err, sealedbox.ErrDecryptionFailed)
	plain, err := sealedbox.DecodeWith(sealed, h.rings[u2])
	require.NoError(t, err)
	require.Equal(t, "hi", string(plain))

	got, ok := s2.Message("m1")
	require.True(t, ok)
	require.Equal(t, "hi", got.Text)
	require.Equal(t, []EventKind{EventReceived}, rec2.kinds())

	require.NoError(t, s2.MarkRead(ctx, "m1"))
	got, _ = s2.Message("m1")
	require.True(t, got.Message.IsRead)
	mine, _ := s1.Message("m1")
	require.True(t, mine.Message.IsRead)

	edited, err := s1.Edit(ctx, "m1", "hi!")
	require.NoError(t, err)
	require.Len(t, edited.Message.EditHistory, 1)
	require.Equal(t, sent.Message.Ciphertext, edited.Message.EditHistory[0].Ciphertext)
	require.NotEqual(t, sent.Message.Ciphertext, edited.Message.Ciphertext)
	require.True(t, edited.Message.UpdatedAt.After(sent.Message.UpdatedAt))

	got, _ = s2.Message("m1")
	require.Equal(t, "hi!", got.Text)
	require.Len(t, got.Message.EditHistory, 1)

	require.NoError(t, h.store.Block(ctx, u1, u2))

	late, _ := h.session(t, u2, u1, nil)
	require.ErrorIs(t, late.Join(ctx), ErrBlocked)
	require.Equal(t, StateClosed, late.State())

	_, err = s2.Send(ctx, Outgoing{ID: "m2", Text: "still there?"}, nil)
	require.ErrorIs(t, err, ErrBlocked)
	require.Equal(t, StateLeft, s2.State())
	require.Equal(t, EventRevoked, rec2.last().Kind)

	// Already exchanged history stays readable.
	require.Len(t, s2.History(), 1)
}

func TestJoinRequiresAcceptedPair(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	tr := newFakeTransport(h.hub)

	s, _ := h.session(t, u1, u2, tr)
	require.ErrorIs(t, s.Join(ctx), ErrNotAccepted)
	require.Equal(t, StateClosed, s.State())

	require.NoError(t, h.store.Request(ctx, u1, u2))
	require.ErrorIs(t, s.Join(ctx), ErrNotAccepted)
	require.Zero(t, tr.joinCount())

	require.NoError(t, h.store.Resolve(ctx, u2, u1, model.DecisionAccept))
	require.NoError(t, s.Join(ctx))
	require.Equal(t, 1, tr.joinCount())
}

func TestJoinBlockedEitherDirection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.befriend(t)
	require.NoError(t, h.store.Block(ctx, u2, u1))

	tr := newFakeTransport(h.hub)
	s1, _ := h.session(t, u1, u2, tr)
	s2, _ := h.session(t, u2, u1, tr)

	// u1's edge still reads accepted.
	p, err := h.store.Pair(ctx, u1, u2)
	require.NoError(t, err)
	require.Equal(t, model.StateAccepted, p.AB)

	require.ErrorIs(t, s1.Join(ctx), ErrBlocked)
	require.ErrorIs(t, s2.Join(ctx), ErrBlocked)
	require.Zero(t, tr.joinCount())
}

func TestJoinWithoutPeerKey(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryRepo()
	require.NoError(t, users.Create(ctx, &model.User{UserID: u1, Username: "a"}))
	require.NoError(t, users.Create(ctx, &model.User{UserID: u2, Username: "b"}))

	store := relationship.NewStore(relationship.NewMemoryBackend())
	require.NoError(t, store.Request(ctx, u1, u2))
	require.NoError(t, store.Resolve(ctx, u2, u1, model.DecisionAccept))

	s, err := New(Config{
		Self: u1, Peer: u2,
		Relationships: store,
		Keys:          key.NewMemoryDirectory(users),
		Keyring:       sealedbox.NewMemoryKeyring(),
		Transport:     transport.NewLoopback(),
	})
	require.NoError(t, err)
	require.ErrorIs(t, s.Join(ctx), key.ErrNoKey)
	require.Equal(t, StateClosed, s.State())
}

func TestJoinCancelledReturnsToClosed(t *testing.T) {
	h := newHarness(t)
	h.befriend(t)
	tr := newFakeTransport(h.hub)
	tr.set(func(f *fakeTransport) { f.joinGate = make(chan struct{}) })

	s, _ := h.session(t, u1, u2, tr)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Join(ctx) }()

	require.Eventually(t, func() bool { return tr.joinCount() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, StateJoining, s.State())
	require.ErrorIs(t, s.Join(context.Background()), ErrInvalidTransition)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, StateClosed, s.State())

	tr.set(func(f *fakeTransport) { f.joinGate = nil })
	require.NoError(t, s.Join(context.Background()))
	require.Equal(t, StateOpen, s.State())
}

func TestTransportJoinFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.befriend(t)
	tr := newFakeTransport(h.hub)
	boom := errors.New("gateway unavailable")
	tr.set(func(f *fakeTransport) { f.joinErr = boom })

	s, _ := h.session(t, u1, u2, tr)
	require.ErrorIs(t, s.Join(ctx), boom)
	require.Equal(t, StateClosed, s.State())

	tr.set(func(f *fakeTransport) { f.joinErr = transport.ErrBlocked })
	require.ErrorIs(t, s.Join(ctx), ErrBlocked)

	tr.set(func(f *fakeTransport) { f.joinErr = nil })
	require.NoError(t, s.Join(ctx))
	require.ErrorIs(t, s.Join(ctx), ErrInvalidTransition)
}

func TestSendRequiresOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.befriend(t)
	s, _ := h.session(t, u1, u2, nil)

	_, err := s.Send(ctx, Outgoing{ID: "m1", Text: "x"}, nil)
	require.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, s.Join(ctx))
	_, err = s.Send(ctx, Outgoing{Text: "no id"}, nil)
	require.ErrorIs(t, err, ErrMissingID)
}

func TestSendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.befriend(t)
	tr := newFakeTransport(h.hub)

	s1, _ := h.session(t, u1, u2, tr)
	s2, rec2 := h.session(t, u2, u1, nil)
	require.NoError(t, s1.Join(ctx))
	require.NoError(t, s2.Join(ctx))

	first := sendAndWait(t, s1, "m1", "once")
	again, err := s1.Send(ctx, Outgoing{ID: "m1", Text: "twice"}, nil)
	require.NoError(t, err)
	require.Equal(t, "once", again.Text)
	require.Equal(t, first.Message.Ciphertext, again.Message.Ciphertext)
	s1.Wait()
	require.Equal(t, 1, tr.count(model.KindMessage))
	require.Equal(t, []EventKind{EventReceived}, rec2.kinds())
}

func TestFailedHandOffIsResentOnRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.befriend(t)
	tr := newFakeTransport(h.hub)
	s1, _ := h.session(t, u1, u2, tr)
	s2, _ := h.session(t, u2, u1, nil)
	require.NoError(t, s1.Join(ctx))
	require.NoError(t, s2.Join(ctx))

	boom := errors.New("socket closed")
	tr.set(func(f *fakeTransport) { f.publishErr = boom })

	acked := make(chan error, 1)
	_, err := s1.Send(ctx, Outgoing{ID: "m1", Text: "hello"}, func(_ string, err error) { acked <- err })
	require.NoError(t, err)
	require.ErrorIs(t, <-acked, boom)
	item, _ := s1.Message("m1")
	require.Equal(t, DeliveryFailed, item.Delivery)

	_, err = s1.Edit(ctx, "m1", "edited")
	require.ErrorIs(t, err, ErrNotDelivered)

	tr.set(func(f *fakeTransport) { f.publishErr = nil })
	_, err = s1.Send(ctx, Outgoing{ID: "m1", Text: "hello"}, func(_ string, err error) { acked <- err })
	require.NoError(t, err)
	require.NoError(t, <-acked)
	require.Equal(t, 2, tr.count(model.KindMessage))

	got, ok := s2.Message("m1")
	require.True(t, ok)
	require.Equal(t, "hello", got.Text)
}

func TestSendHandOffIgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.befriend(t)
	s1, _ := h.session(t, u1, u2, nil)
	s2, _ := h.session(t, u2, u1, nil)
	require.NoError(t, s1.Join(context.Background()))
	require.NoError(t, s2.Join(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	acked := make(chan error, 1)
	_, err := s1.Send(ctx, Outgoing{ID: "m1", Text: "go"}, func(_ string, err error) { acked <- err })
	require.NoError(t, err)
	cancel()

	require.NoError(t, <-acked)
	_, ok := s2.Message("m1")
	require.True(t, ok)
}

func TestReceiveUndecryptable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.befriend(t)
	s2, rec := h.session(t, u2, u1, nil)
	require.NoError(t, s2.Join(ctx))

	env := &model.Envelope{
		Kind: model.KindMessage, ID: "bad", RoomID: s2.Room(),
		SenderID: u1, ReceiverID: u2,
		Ciphertext: []byte("not a sealed box"), Algo: sealedbox.DefaultAlgo, KeyVersion: 1,
		CreatedAt: time.Now(),
	}
	err := s2.Receive(ctx, env)
	require.ErrorIs(t, err, ErrDecryptionFailed)
	require.Empty(t, s2.History())
	require.Equal(t, []EventKind{EventUndeliverable}, rec.kinds())
	require.Equal(t, "bad", rec.last().MessageID)
	require.Equal(t, StateOpen, s2.State())

	env.KeyVersion = 42
	require.ErrorIs(t, s2.Receive(ctx, env), sealedbox.ErrUnknownKeyVersion)

	foreign := *env
	foreign.SenderID = "u3"
	require.ErrorIs(t, s2.Receive(ctx, &foreign), ErrForeignEnvelope)
}

func TestReceiveAfterKeyRotation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.befriend(t)
	s1, _ := h.session(t, u1, u2, nil)
	s2, _ := h.session(t, u2, u1, nil)
	require.NoError(t, s1.Join(ctx))
	require.NoError(t, s2.Join(ctx))

	sendAndWait(t, s1, "m1", "old key")
	h.rotate(t, u2)
	require.NoError(t, s1.RefreshKey(ctx))
	require.Equal(t, uint32(2), s1.PeerKey().Version)

	sent := sendAndWait(t, s1, "m2", "new key")
	require.Equal(t, uint32(2), sent.Message.KeyVersion)

	history := s2.History()
	require.Len(t, history, 2)
	require.Equal(t, "old key", history[0].Text)
	require.Equal(t, "new key", history[1].Text)
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.befriend(t)
	tr := newFakeTransport(h.hub)
	s1, _ := h.session(t, u1, u2, nil)
	s2, _ := h.session(t, u2, u1, tr)
	require.NoError(t, s1.Join(ctx))
	require.NoError(t, s2.Join(ctx))

	sendAndWait(t, s1, "m1", "read me")

	require.NoError(t, s2.MarkRead(ctx, "m1"))
	once, _ := s2.Message("m1")
	require.NoError(t, s2.MarkRead(ctx, "m1"))
	twice, _ := s2.Message("m1")
	require.Equal(t, once, twice)
	require.Equal(t, 1, tr.count(model.KindRead))

	// A sender marking its own message is a no-op.
	require.NoError(t, s1.MarkRead(ctx, "m1"))

	require.ErrorIs(t, s2.MarkRead(ctx, "missing"), ErrMessageNotFound)
}

func TestEditOnlyOwnMessages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.befriend(t)
	s1, _ := h.session(t, u1, u2, nil)
	s2, rec2 := h.session(t, u2, u1, nil)
	require.NoError(t, s1.Join(ctx))
	require.NoError(t, s2.Join(ctx))

	sendAndWait(t, s1, "m1", "v1")
	_, err := s2.Edit(ctx, "m1", "hijack")
	require.ErrorIs(t, err, ErrNotSender)
	_, err = s1.Edit(ctx, "nope", "x")
	require.ErrorIs(t, err, ErrMessageNotFound)

	_, err = s1.Edit(ctx, "m1", "v2")
	require.NoError(t, err)
	item, err := s1.Edit(ctx, "m1", "v3")
	require.NoError(t, err)
	require.Len(t, item.Message.EditHistory, 2)
	require.True(t, item.Message.EditHistory[0].At.Before(item.Message.EditHistory[1].At))

	got, _ := s2.Message("m1")
	require.Equal(t, "v3", got.Text)
	require.Len(t, got.Message.EditHistory, 2)
	require.Equal(t, []EventKind{EventReceived, EventEdited, EventEdited}, rec2.kinds())
}

func TestStaleEditIsIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.befriend(t)
	s1, _ := h.session(t, u1, u2, nil)
	s2, rec2 := h.session(t, u2, u1, nil)
	require.NoError(t, s1.Join(ctx))
	require.NoError(t, s2.Join(ctx))

	sendAndWait(t, s1, "m1", "v1")
	_, err := s1.Edit(ctx, "m1", "v2")
	require.NoError(t, err)
	before, _ := s2.Message("m1")

	stale := &model.Envelope{
		Kind: model.KindEdit, ID: "replay", MessageID: "m1", RoomID: s2.Room(),
		SenderID: u1, ReceiverID: u2, CreatedAt: before.Message.UpdatedAt,
		Ciphertext: []byte("ignored"), Algo: sealedbox.DefaultAlgo, KeyVersion: 1,
	}
	require.NoError(t, s2.Receive(ctx, stale))
	after, _ := s2.Message("m1")
	require.Equal(t, before, after)
	require.Equal(t, []EventKind{EventReceived, EventEdited}, rec2.kinds())
}

func TestReactions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.befriend(t)
	s1, _ := h.session(t, u1, u2, nil)
	s2, rec2 := h.session(t, u2, u1, nil)
	require.NoError(t, s1.Join(ctx))
	require.NoError(t, s2.Join(ctx))

	sendAndWait(t, s1, "m1", "react to me")

	for _, bad := range []string{"", "ok", "👍👍", "👍 "} {
		require.ErrorIs(t, s1.React(ctx, "m1", bad), ErrInvalidReaction, bad)
	}
	require.ErrorIs(t, s1.React(ctx, "missing", "👍"), ErrMessageNotFound)

	require.NoError(t, s1.React(ctx, "m1", "👍"))
	require.NoError(t, s1.React(ctx, "m1", "👍"))
	require.NoError(t, s2.React(ctx, "m1", "👍"))

	mine, _ := s1.Message("m1")
	theirs, _ := s2.Message("m1")
	require.Len(t, mine.Message.Reactions, 2)
	require.Len(t, theirs.Message.Reactions, 2)
	require.Equal(t, []EventKind{EventReceived, EventReacted}, rec2.kinds())
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.befriend(t)
	s1, _ := h.session(t, u1, u2, nil)
	s2, _ := h.session(t, u2, u1, nil)
	require.NoError(t, s1.Join(ctx))
	require.NoError(t, s2.Join(ctx))
	sendAndWait(t, s1, "m1", "bye")

	require.NoError(t, s2.Leave(ctx))
	require.Equal(t, StateLeft, s2.State())
	require.ErrorIs(t, s2.Leave(ctx), ErrSessionClosed)
	require.ErrorIs(t, s2.Join(ctx), ErrSessionClosed)
	require.ErrorIs(t, s2.MarkRead(ctx, "m1"), ErrSessionClosed)
	require.ErrorIs(t, s2.React(ctx, "m1", "👋"), ErrSessionClosed)
	_, err := s2.Send(ctx, Outgoing{ID: "m2", Text: "x"}, nil)
	require.ErrorIs(t, err, ErrSessionClosed)
	require.Len(t, s2.History(), 1)

	// Envelopes sent after the peer left wait in the transport.
	sendAndWait(t, s1, "m3", "anyone?")
	require.Equal(t, 1, h.hub.Held(s1.Room(), u2))

	// Leaving a closed session needs no transport call.
	fresh, _ := h.session(t, u1, u2, nil)
	require.NoError(t, fresh.Leave(ctx))
}

func TestHistoryOrdering(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.befriend(t)
	s2, _ := h.session(t, u2, u1, nil)
	require.NoError(t, s2.Join(ctx))

	peerKey, err := h.keys.PublicKeyOf(ctx, u2)
	require.NoError(t, err)
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	arrivals := []struct {
		id string
		at time.Time
	}{
		{"c", t0.Add(2 * time.Second)},
		{"b", t0},
		{"a", t0},
		{"d", t0.Add(time.Second)},
	}
	for _, a := range arrivals {
		sealed, err := sealedbox.Default().Encode([]byte(a.id), peerKey)
		require.NoError(t, err)
		require.NoError(t, s2.Receive(ctx, &model.Envelope{
			Kind: model.KindMessage, ID: a.id, RoomID: s2.Room(), SenderID: u1, ReceiverID: u2,
			Ciphertext: sealed.Body, Algo: sealed.Algo, KeyVersion: sealed.KeyVersion, CreatedAt: a.at,
		}))
	}

	var order []string
	for _, item := range s2.History() {
		order = append(order, item.Text)
	}
	require.Equal(t, []string{"a", "b", "d", "c"}, order)
}

func TestConcurrentSendAndReceive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.befriend(t)
	s1, _ := h.session(t, u1, u2, nil)
	s2, _ := h.session(t, u2, u1, nil)
	require.NoError(t, s1.Join(ctx))
	require.NoError(t, s2.Join(ctx))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for _, s := range []*Session{s1, s2} {
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(s *Session, i int) {
				defer wg.Done()
				_, err := s.Send(ctx, Outgoing{ID: fmt.Sprintf("%s-%d", s.Self(), i), Text: "x"}, nil)
				errs <- err
			}(s, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	s1.Wait()
	s2.Wait()

	require.Len(t, s1.History(), 2*n)
	require.Len(t, s2.History(), 2*n)
}

func TestStateTransitions(t *testing.T) {
	require.True(t, StateClosed.canTransition(StateJoining))
	require.True(t, StateJoining.canTransition(StateOpen))
	require.True(t, StateJoining.canTransition(StateClosed))
	require.True(t, StateOpen.canTransition(StateLeft))
	require.False(t, StateOpen.canTransition(StateJoining))
	require.False(t, StateLeft.canTransition(StateClosed))
	require.Equal(t, "open", StateOpen.String())
}

func TestNewValidatesPair(t *testing.T) {
	_, err := New(Config{Self: u1, Peer: u1})
	require.Error(t, err)
	_, err = New(Config{Self: u1, Peer: u2})
	require.Error(t, err)
}
