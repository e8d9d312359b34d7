// Package session is the per-pair messaging handle. A Session belongs to one
// local user and one counterpart; it joins their room, encrypts outgoing
// messages to the counterpart's published key and keeps the mutable message
// record (reads, edits, reactions) for the room.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"contact_chat/internal/model"
	"contact_chat/internal/protocol/roomid"
	"contact_chat/internal/protocol/sealedbox"
	"contact_chat/internal/repository/key"
	"contact_chat/internal/transport"

	"github.com/pkg/errors"
)

const defaultAckTimeout = 30 * time.Second

type Delivery int

const (
	DeliveryPending Delivery = iota
	DeliveryAcked
	DeliveryFailed
)

func (d Delivery) String() string {
	switch d {
	case DeliveryPending:
		return "pending"
	case DeliveryAcked:
		return "acked"
	case DeliveryFailed:
		return "failed"
	}
	return "unknown"
}

type (
	Relationships interface {
		CheckMessaging(ctx context.Context, a, b model.UserRef) error
	}

	Config struct {
		Self, Peer model.UserRef

		Relationships Relationships
		Keys          key.Directory
		Keyring       sealedbox.Keyring
		Transport     transport.Transport

		// Codec defaults to sealedbox.Default().
		Codec    *sealedbox.Codec
		Observer Observer
		Clock    func() time.Time
		// AckTimeout bounds one transport hand-off.
		AckTimeout time.Duration
	}

	Outgoing struct {
		ID          string
		Text        string
		Attachments []model.Attachment
	}

	// Item is a message as known locally. Text is empty when the body could
	// not be read.
	Item struct {
		Message  model.Message
		Text     string
		Delivery Delivery
	}

	entry struct {
		msg      *model.Message
		text     string
		envelope *model.Envelope
		delivery Delivery
	}

	Session struct {
		cfg        Config
		room       model.RoomID
		membership transport.Membership

		// ops serializes local read-modify-write operations. mu guards the
		// fields below and is never held across I/O.
		ops sync.Mutex

		mu       sync.Mutex
		state    State
		peerKey  *model.KeyRecord
		messages map[string]*entry

		inflight sync.WaitGroup
	}
)

func New(cfg Config) (*Session, error) {
	room, err := roomid.DeriveChecked(cfg.Self, cfg.Peer)
	if err != nil {
		return nil, err
	}
	if cfg.Relationships == nil || cfg.Keys == nil || cfg.Keyring == nil || cfg.Transport == nil {
		return nil, errors.New("session: relationships, keys, keyring and transport are required")
	}
	if cfg.Codec == nil {
		cfg.Codec = sealedbox.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	return &Session{
		cfg:        cfg,
		room:       room,
		membership: transport.Membership{Room: room, Self: cfg.Self, Peer: cfg.Peer},
		state:      StateClosed,
		messages:   make(map[string]*entry),
	}, nil
}

func (s *Session) Room() model.RoomID {
	return s.room
}

func (s *Session) Self() model.UserRef {
	return s.cfg.Self
}

func (s *Session) Peer() model.UserRef {
	return s.cfg.Peer
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerKey returns the counterpart key fetched by the last Join or RefreshKey.
func (s *Session) PeerKey() *model.KeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerKey == nil {
		return nil
	}
	rec := *s.peerKey
	return &rec
}

func (s *Session) now() time.Time {
	return s.cfg.Clock().UTC().Truncate(time.Millisecond)
}

func (s *Session) emit(ev Event) {
	if s.cfg.Observer != nil {
		s.cfg.Observer(ev)
	}
}

func (s *Session) transitionLocked(to State) error {
	if s.state == StateLeft {
		return ErrSessionClosed
	}
	if !s.state.canTransition(to) {
		return &transitionError{from: s.state, to: to}
	}
	s.state = to
	return nil
}

func (s *Session) requireOpenLocked() error {
	switch s.state {
	case StateOpen:
		return nil
	case StateLeft:
		return ErrSessionClosed
	}
	return errors.Wrap(ErrNotOpen, s.state.String())
}

// Join opens the room. It fails with ErrNotAccepted or ErrBlocked before any
// transport call when the pair may not message. A failed or cancelled join
// leaves the session Closed and can be retried.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	err := s.transitionLocked(StateJoining)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	peerKey, err := s.prepareJoin(ctx)
	if err == nil {
		err = s.cfg.Transport.Join(ctx, s.membership, s.deliver)
		if errors.Is(err, transport.ErrBlocked) {
			err = ErrBlocked
		}
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
			_ = s.cfg.Transport.Leave(context.WithoutCancel(ctx), s.membership)
		}
	}

	s.mu.Lock()
	if err != nil {
		if s.state == StateJoining {
			s.state = StateClosed
		}
		s.mu.Unlock()
		return err
	}
	if s.state != StateJoining {
		// Left while the join was in flight.
		s.mu.Unlock()
		_ = s.cfg.Transport.Leave(context.WithoutCancel(ctx), s.membership)
		return ErrSessionClosed
	}
	s.state = StateOpen
	s.peerKey = peerKey
	s.mu.Unlock()
	return nil
}

func (s *Session) prepareJoin(ctx context.Context) (*model.KeyRecord, error) {
	if err := s.cfg.Relationships.CheckMessaging(ctx, s.cfg.Self, s.cfg.Peer); err != nil {
		return nil, err
	}
	rec, err := s.cfg.Keys.PublicKeyOf(ctx, s.cfg.Peer)
	if err != nil {
		return nil, errors.Wrap(err, "fetch peer key")
	}
	return rec, nil
}

// RefreshKey re-fetches the counterpart key for later sends and edits.
func (s *Session) RefreshKey(ctx context.Context) error {
	rec, err := s.cfg.Keys.PublicKeyOf(ctx, s.cfg.Peer)
	if err != nil {
		return errors.Wrap(err, "fetch peer key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpenLocked(); err != nil {
		return err
	}
	s.peerKey = rec
	return nil
}

// Leave closes the session for good. Later calls fail with ErrSessionClosed.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	if prev == StateLeft {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateLeft
	s.mu.Unlock()

	if prev != StateOpen {
		return nil
	}
	return errors.Wrap(s.cfg.Transport.Leave(ctx, s.membership), "leave room")
}

// Revoke closes the session because the relationship stopped allowing
// messages. Observers get an EventRevoked carrying reason.
func (s *Session) Revoke(reason error) error {
	s.mu.Lock()
	prev := s.state
	if prev == StateLeft {
		s.mu.Unlock()
		return nil
	}
	s.state = StateLeft
	s.mu.Unlock()

	var err error
	if prev == StateOpen {
		err = errors.Wrap(s.cfg.Transport.Leave(context.Background(), s.membership), "leave room")
	}
	s.emit(Event{Kind: EventRevoked, Err: reason})
	return err
}

func (s *Session) checkRelationship(ctx context.Context) error {
	err := s.cfg.Relationships.CheckMessaging(ctx, s.cfg.Self, s.cfg.Peer)
	if errors.Is(err, ErrBlocked) || errors.Is(err, ErrNotAccepted) {
		_ = s.Revoke(err)
	}
	return err
}

func (s *Session) publish(ctx context.Context, env *model.Envelope) error {
	err := s.cfg.Transport.Publish(ctx, env)
	if errors.Is(err, transport.ErrBlocked) {
		_ = s.Revoke(ErrBlocked)
		return ErrBlocked
	}
	return errors.Wrapf(err, "publish %s", env.Kind)
}

// Send encrypts out for the counterpart and hands it to the transport in the
// background. The hand-off cannot be cancelled; its result is reported to
// ack. Sending an id again returns the recorded message, and re-sends it only
// if the earlier hand-off failed.
func (s *Session) Send(ctx context.Context, out Outgoing, ack AckFunc) (*Item, error) {
	if out.ID == "" {
		return nil, ErrMissingID
	}
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if err := s.requireOpenLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if e, ok := s.messages[out.ID]; ok {
		if e.msg.SenderID != s.cfg.Self {
			s.mu.Unlock()
			return nil, ErrDuplicateID
		}
		resend := e.delivery == DeliveryFailed
		if resend {
			e.delivery = DeliveryPending
		}
		item := e.item()
		s.mu.Unlock()
		if resend {
			s.handoff(ctx, e, ack)
		}
		return &item, nil
	}
	peerKey := s.peerKey
	s.mu.Unlock()

	if err := s.checkRelationship(ctx); err != nil {
		return nil, err
	}
	sealed, err := s.cfg.Codec.Encode([]byte(out.Text), peerKey)
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}

	now := s.now()
	attachments := append([]model.Attachment{}, out.Attachments...)
	env := &model.Envelope{
		Kind:        model.KindMessage,
		ID:          out.ID,
		RoomID:      s.room,
		SenderID:    s.cfg.Self,
		ReceiverID:  s.cfg.Peer,
		MessageID:   out.ID,
		Ciphertext:  sealed.Body,
		Algo:        sealed.Algo,
		KeyVersion:  sealed.KeyVersion,
		CreatedAt:   now,
		Attachments: attachments,
	}
	e := &entry{msg: env.ToMessage(), text: out.Text, envelope: env, delivery: DeliveryPending}

	s.mu.Lock()
	if err := s.requireOpenLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, ok := s.messages[out.ID]; ok {
		s.mu.Unlock()
		return nil, ErrDuplicateID
	}
	s.messages[out.ID] = e
	item := e.item()
	s.mu.Unlock()

	s.handoff(ctx, e, ack)
	return &item, nil
}

func (s *Session) handoff(ctx context.Context, e *entry, ack AckFunc) {
	env := e.envelope
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AckTimeout)
		defer cancel()

		err := s.publish(hctx, env)

		s.mu.Lock()
		if err != nil {
			e.delivery = DeliveryFailed
		} else {
			e.delivery = DeliveryAcked
		}
		s.mu.Unlock()

		if ack != nil {
			ack(env.ID, err)
		}
	}()
}

// Wait blocks until every started hand-off has reported.
func (s *Session) Wait() {
	s.inflight.Wait()
}

// MarkRead flips a received message to read and sends a receipt. Messages
// sent by the local user and messages already read are left alone.
func (s *Session) MarkRead(ctx context.Context, messageID string) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if err := s.requireOpenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	e, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	if e.msg.ReceiverID != s.cfg.Self || e.msg.IsRead {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	env := s.event(model.KindRead, messageID)
	if err := s.publish(ctx, env); err != nil {
		return err
	}

	s.mu.Lock()
	e.msg.IsRead = true
	s.mu.Unlock()
	return nil
}

// Edit replaces the body of a message the local user sent. The prior body
// and its timestamp are appended to the edit history.
func (s *Session) Edit(ctx context.Context, messageID, text string) (*Item, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if err := s.requireOpenLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	e, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrMessageNotFound
	}
	if e.msg.SenderID != s.cfg.Self {
		s.mu.Unlock()
		return nil, ErrNotSender
	}
	if e.delivery != DeliveryAcked {
		s.mu.Unlock()
		return nil, ErrNotDelivered
	}
	peerKey := s.peerKey
	prevUpdated := e.msg.UpdatedAt
	s.mu.Unlock()

	if err := s.checkRelationship(ctx); err != nil {
		return nil, err
	}
	sealed, err := s.cfg.Codec.Encode([]byte(text), peerKey)
	if err != nil {
		return nil, errors.Wrap(err, "encode edit")
	}

	env := s.event(model.KindEdit, messageID)
	// Receivers drop edits that are not newer than what they hold.
	if !env.CreatedAt.After(prevUpdated) {
		env.CreatedAt = prevUpdated.Add(time.Millisecond)
	}
	env.Ciphertext = sealed.Body
	env.Algo = sealed.Algo
	env.KeyVersion = sealed.KeyVersion
	if err := s.publish(ctx, env); err != nil {
		return nil, err
	}

	s.mu.Lock()
	applyEdit(e.msg, env)
	e.text = text
	item := e.item()
	s.mu.Unlock()
	return &item, nil
}

func applyEdit(m *model.Message, env *model.Envelope) {
	m.EditHistory = append(m.EditHistory, model.Edit{
		Ciphertext: m.Ciphertext,
		Algo:       m.Algo,
		KeyVersion: m.KeyVersion,
		At:         m.UpdatedAt,
	})
	m.Ciphertext = append([]byte(nil), env.Ciphertext...)
	m.Algo = env.Algo
	m.KeyVersion = env.KeyVersion
	m.UpdatedAt = env.CreatedAt
}

// React adds the local user's reaction to a message. Repeating a reaction
// is a no-op.
func (s *Session) React(ctx context.Context, messageID, tag string) error {
	if err := ValidateReaction(tag); err != nil {
		return err
	}
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if err := s.requireOpenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	e, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	if e.delivery != DeliveryAcked {
		s.mu.Unlock()
		return ErrNotDelivered
	}
	if e.msg.HasReaction(s.cfg.Self, tag) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.checkRelationship(ctx); err != nil {
		return err
	}
	env := s.event(model.KindReaction, messageID)
	env.Reaction = tag
	if err := s.publish(ctx, env); err != nil {
		return err
	}

	s.mu.Lock()
	if !e.msg.HasReaction(s.cfg.Self, tag) {
		e.msg.Reactions = append(e.msg.Reactions, model.Reaction{UserID: s.cfg.Self, Tag: tag, At: env.CreatedAt})
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) event(kind model.EnvelopeKind, messageID string) *model.Envelope {
	return &model.Envelope{
		Kind:       kind,
		ID:         model.NewMessageID(),
		RoomID:     s.room,
		SenderID:   s.cfg.Self,
		ReceiverID: s.cfg.Peer,
		MessageID:  messageID,
		CreatedAt:  s.now(),
	}
}

// deliver is the transport handler. Receive reports its own failures to the
// observer.
func (s *Session) deliver(env *model.Envelope) {
	_ = s.Receive(context.Background(), env)
}

// Receive applies an envelope from the counterpart. Every failure except
// ErrSessionClosed is also reported as an EventUndeliverable, and a message
// that cannot be decrypted is never added to the history.
func (s *Session) Receive(ctx context.Context, env *model.Envelope) error {
	err := s.receive(ctx, env)
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		ev := Event{Kind: EventUndeliverable, Envelope: env, Err: err}
		if env != nil {
			ev.MessageID = env.Target()
		}
		s.emit(ev)
	}
	return err
}

func (s *Session) receive(ctx context.Context, env *model.Envelope) error {
	if env == nil || env.RoomID != s.room || env.SenderID != s.cfg.Peer || env.ReceiverID != s.cfg.Self {
		return ErrForeignEnvelope
	}
	if env.ID == "" {
		return ErrMissingID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case StateLeft:
		return ErrSessionClosed
	case StateClosed:
		return errors.Wrap(ErrNotOpen, state.String())
	}

	switch env.Kind {
	case model.KindMessage:
		return s.receiveMessage(env)
	case model.KindRead:
		return s.receiveRead(env)
	case model.KindEdit:
		return s.receiveEdit(env)
	case model.KindReaction:
		return s.receiveReaction(env)
	}
	return errors.Wrap(ErrUnknownKind, string(env.Kind))
}

func (s *Session) open(env *model.Envelope) ([]byte, error) {
	return sealedbox.DecodeWith(&sealedbox.Sealed{
		Algo:       env.Algo,
		KeyVersion: env.KeyVersion,
		Body:       env.Ciphertext,
	}, s.cfg.Keyring)
}

func (s *Session) lookup(id string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.messages[id]
	return e, ok
}

func (s *Session) receiveMessage(env *model.Envelope) error {
	if _, dup := s.lookup(env.ID); dup {
		return nil
	}
	plain, err := s.open(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, dup := s.messages[env.ID]; dup {
		s.mu.Unlock()
		return nil
	}
	s.messages[env.ID] = &entry{msg: env.ToMessage(), text: string(plain), delivery: DeliveryAcked}
	s.mu.Unlock()

	s.emit(Event{Kind: EventReceived, MessageID: env.ID, Envelope: env})
	return nil
}

func (s *Session) receiveRead(env *model.Envelope) error {
	s.mu.Lock()
	e, ok := s.messages[env.Target()]
	if !ok {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	if e.msg.SenderID != s.cfg.Self || e.msg.IsRead {
		s.mu.Unlock()
		return nil
	}
	e.msg.IsRead = true
	s.mu.Unlock()

	s.emit(Event{Kind: EventRead, MessageID: env.Target(), Envelope: env})
	return nil
}

func (s *Session) receiveEdit(env *model.Envelope) error {
	e, ok := s.lookup(env.Target())
	if !ok {
		return ErrMessageNotFound
	}
	s.mu.Lock()
	sender, updated := e.msg.SenderID, e.msg.UpdatedAt
	s.mu.Unlock()
	if sender != s.cfg.Peer {
		return ErrNotSender
	}
	if !env.CreatedAt.After(updated) {
		return nil
	}

	plain, err := s.open(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !env.CreatedAt.After(e.msg.UpdatedAt) {
		s.mu.Unlock()
		return nil
	}
	applyEdit(e.msg, env)
	e.text = string(plain)
	s.mu.Unlock()

	s.emit(Event{Kind: EventEdited, MessageID: env.Target(), Envelope: env})
	return nil
}

func (s *Session) receiveReaction(env *model.Envelope) error {
	if err := ValidateReaction(env.Reaction); err != nil {
		return err
	}
	s.mu.Lock()
	e, ok := s.messages[env.Target()]
	if !ok {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	if e.msg.HasReaction(s.cfg.Peer, env.Reaction) {
		s.mu.Unlock()
		return nil
	}
	e.msg.Reactions = append(e.msg.Reactions, model.Reaction{UserID: s.cfg.Peer, Tag: env.Reaction, At: env.CreatedAt})
	s.mu.Unlock()

	s.emit(Event{Kind: EventReacted, MessageID: env.Target(), Envelope: env})
	return nil
}

// Message returns one message by id.
func (s *Session) Message(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.messages[id]
	if !ok {
		return Item{}, false
	}
	return e.item(), true
}

// History returns every known message ordered by creation time, then id.
// It stays readable after the session is left.
func (s *Session) History() []Item {
	s.mu.Lock()
	items := make([]Item, 0, len(s.messages))
	for _, e := range s.messages {
		items = append(items, e.item())
	}
	s.mu.Unlock()

	sortItems(items)
	return items
}

func (e *entry) item() Item {
	m := *e.msg
	m.Ciphertext = append([]byte(nil), e.msg.Ciphertext...)
	m.Attachments = append([]model.Attachment{}, e.msg.Attachments...)
	m.EditHistory = append([]model.Edit{}, e.msg.EditHistory...)
	m.Reactions = append([]model.Reaction{}, e.msg.Reactions...)
	return Item{Message: m, Text: e.text, Delivery: e.delivery}
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Message.Before(&items[j].Message)
	})
}
