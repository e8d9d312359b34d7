package natsbus

import (
	"context"
	"os"
	"testing"
	"time"

	"contact_chat/internal/model"
	"contact_chat/internal/transport"

	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	require.Equal(t, "rooms.private.dm_ab", Subject("dm_ab"))
}

// TestBusRoundTrip needs a running server; set CONTACT_CHAT_NATS_URL to run it.
func TestBusRoundTrip(t *testing.T) {
	url := os.Getenv("CONTACT_CHAT_NATS_URL")
	if url == "" {
		t.Skip("CONTACT_CHAT_NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := Connect(Config{URL: url, Name: "u1"})
	require.NoError(t, err)
	defer a.Close()
	b, err := Connect(Config{URL: url, Name: "u2"})
	require.NoError(t, err)
	defer b.Close()

	got := make(chan *model.Envelope, 1)
	require.NoError(t, b.Join(ctx, transport.Membership{Room: "dm_test", Self: "u2", Peer: "u1"}, func(env *model.Envelope) {
		got <- env
	}))
	require.NoError(t, a.Join(ctx, transport.Membership{Room: "dm_test", Self: "u1", Peer: "u2"}, func(*model.Envelope) {
		t.Error("sender received its own envelope")
	}))

	require.NoError(t, a.Publish(ctx, &model.Envelope{Kind: model.KindMessage, ID: "m1", RoomID: "dm_test", SenderID: "u1", ReceiverID: "u2"}))
	select {
	case env := <-got:
		require.Equal(t, "m1", env.ID)
	case <-ctx.Done():
		t.Fatal("envelope not delivered")
	}

	require.NoError(t, b.Leave(ctx, transport.Membership{Room: "dm_test", Self: "u2", Peer: "u1"}))
	require.ErrorIs(t, b.Leave(ctx, transport.Membership{Room: "dm_test", Self: "u2", Peer: "u1"}), transport.ErrNotJoined)
}
