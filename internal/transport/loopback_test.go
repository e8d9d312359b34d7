package transport

import (
	"context"
	"testing"

	"contact_chat/internal/model"

	"github.com/stretchr/testify/require"
)

func TestLoopbackHoldsUntilJoin(t *testing.T) {
	ctx := context.Background()
	lb := NewLoopback()

	env := &model.Envelope{Kind: model.KindMessage, ID: "m1", RoomID: "dm_1", SenderID: "u1", ReceiverID: "u2"}
	require.NoError(t, lb.Publish(ctx, env))
	require.Equal(t, 1, lb.Held("dm_1", "u2"))

	var got []string
	require.NoError(t, lb.Join(ctx, Membership{Room: "dm_1", Self: "u2", Peer: "u1"}, func(e *model.Envelope) {
		got = append(got, e.ID)
	}))
	require.Equal(t, []string{"m1"}, got)
	require.Zero(t, lb.Held("dm_1", "u2"))

	env2 := *env
	env2.ID = "m2"
	require.NoError(t, lb.Publish(ctx, &env2))
	require.Equal(t, []string{"m1", "m2"}, got)

	require.NoError(t, lb.Leave(ctx, Membership{Room: "dm_1", Self: "u2"}))
	env3 := *env
	env3.ID = "m3"
	require.NoError(t, lb.Publish(ctx, &env3))
	require.Len(t, got, 2)
	require.Equal(t, 1, lb.Held("dm_1", "u2"))
}

func TestFrameRoundTrip(t *testing.T) {
	f, err := NewFrame(EventJoin, RoomRequest{ContactID: "u2"})
	require.NoError(t, err)
	require.JSONEq(t, `{"contactID":"u2"}`, string(f.Data))

	var req RoomRequest
	require.NoError(t, f.Decode(&req))
	require.Equal(t, model.UserRef("u2"), req.ContactID)
}
