package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"contact_chat/internal/model"
	"contact_chat/internal/protocol/session"
	"contact_chat/internal/repository/key"
	"contact_chat/internal/repository/message"
	"contact_chat/internal/repository/relationship"
	"contact_chat/internal/repository/user"
	"contact_chat/internal/service/server"
	"contact_chat/internal/transport"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	users := user.NewMemoryRepo()
	srv := server.NewHttpServer(server.Deps{
		Users:         users,
		Relationships: relationship.NewStore(relationship.NewMemoryBackend(), relationship.WithProfiles(users)),
		Keys:          key.NewMemoryDirectory(users),
		Messages:      message.NewMemoryLog(),
		Mailbox:       server.NewMemoryMailbox(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestClientContacts(t *testing.T) {
	ctx := context.Background()
	host := newTestServer(t)
	store := NewKeyStore(t.TempDir())
	anon := NewClient(host, "", nil)
	dir := key.NewHTTPDirectory(host, nil)

	alice, rec, err := Register(ctx, anon, dir, store, "alice")
	require.NoError(t, err)
	require.Equal(t, uint32(1), rec.Version)
	bob, _, err := Register(ctx, anon, dir, store, "bob")
	require.NoError(t, err)

	_, err = anon.Register(ctx, "alice")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusConflict, se.Code)
	require.Equal(t, server.StatusUsernameTaken, se.Status)

	found, err := anon.LookupUser(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, bob.UserID, found.UserID)
	missing, err := anon.LookupUser(ctx, "carol")
	require.NoError(t, err)
	require.Nil(t, missing)

	a := NewClient(host, alice.UserID, nil)
	b := NewClient(host, bob.UserID, nil)

	require.ErrorIs(t, a.CheckMessaging(ctx, alice.UserID, bob.UserID), relationship.ErrNotAccepted)
	require.NoError(t, a.Contact(ctx, ActionAdd, "bob"))

	contacts, err := b.Contacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts.Requests, 1)
	require.Equal(t, alice.UserID, contacts.Requests[0].UserID)

	require.NoError(t, b.Resolve(ctx, "alice", model.DecisionAccept))
	require.NoError(t, a.CheckMessaging(ctx, alice.UserID, bob.UserID))
	require.NoError(t, b.CheckMessaging(ctx, bob.UserID, alice.UserID))

	require.NoError(t, a.Contact(ctx, ActionBlock, "bob"))
	require.ErrorIs(t, a.CheckMessaging(ctx, alice.UserID, bob.UserID), relationship.ErrBlocked)
	require.ErrorIs(t, b.CheckMessaging(ctx, bob.UserID, alice.UserID), relationship.ErrBlocked)

	err = a.Contact(ctx, ActionAdd, "alice")
	require.ErrorAs(t, err, &se)
	require.Equal(t, server.StatusCannotAddSelf, se.Status)

	require.Error(t, a.Contact(ctx, "poke", "bob"))

	history, err := a.History(ctx, bob.UserID, 10)
	require.NoError(t, err)
	require.Empty(t, history)
}

// countingTransport records joins and rejects everything.
type countingTransport struct {
	joins atomic.Int32
}

func (c *countingTransport) Join(context.Context, transport.Membership, transport.Handler) error {
	c.joins.Add(1)
	return transport.ErrJoinRejected
}

func (c *countingTransport) Leave(context.Context, transport.Membership) error {
	return nil
}

func (c *countingTransport) Publish(context.Context, *model.Envelope) error {
	return transport.ErrRejected
}

func TestJoinBlockedByPeer(t *testing.T) {
	ctx := context.Background()
	host := newTestServer(t)
	store := NewKeyStore(t.TempDir())
	anon := NewClient(host, "", nil)
	dir := key.NewHTTPDirectory(host, nil)

	alice, _, err := Register(ctx, anon, dir, store, "alice")
	require.NoError(t, err)
	bob, _, err := Register(ctx, anon, dir, store, "bob")
	require.NoError(t, err)

	a := NewClient(host, alice.UserID, nil)
	b := NewClient(host, bob.UserID, nil)
	require.NoError(t, a.Contact(ctx, ActionAdd, "bob"))
	require.NoError(t, b.Resolve(ctx, "alice", model.DecisionAccept))
	require.NoError(t, a.Contact(ctx, ActionBlock, "bob"))

	ring, err := store.Keyring(bob.UserID)
	require.NoError(t, err)
	tr := &countingTransport{}
	sess, err := session.New(session.Config{
		Self:          bob.UserID,
		Peer:          alice.UserID,
		Relationships: b,
		Keys:          dir,
		Keyring:       ring,
		Transport:     tr,
	})
	require.NoError(t, err)

	require.ErrorIs(t, sess.Join(ctx), session.ErrBlocked)
	require.Zero(t, tr.joins.Load())
	require.Equal(t, session.StateClosed, sess.State())
}
