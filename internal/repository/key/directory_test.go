package key

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"contact_chat/internal/model"
	"contact_chat/internal/repository/user"

	"github.com/stretchr/testify/require"
)

func pubKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryRepo()
	alice := &model.User{Username: "alice"}
	require.NoError(t, users.Create(ctx, alice))

	dir := NewMemoryDirectory(users)

	_, err := dir.PublicKeyOf(ctx, alice.UserID)
	require.ErrorIs(t, err, ErrNoKey)

	_, err = dir.PublicKeyOf(ctx, "ghost")
	require.ErrorIs(t, err, ErrUserNotFound)

	_, err = dir.Publish(ctx, alice.UserID, []byte("short"))
	require.ErrorIs(t, err, ErrInvalidKey)

	v1, err := dir.Publish(ctx, alice.UserID, pubKey(1))
	require.NoError(t, err)
	require.Equal(t, uint32(1), v1.Version)

	v2, err := dir.Publish(ctx, alice.UserID, pubKey(2))
	require.NoError(t, err)
	require.Equal(t, uint32(2), v2.Version)

	cur, err := dir.PublicKeyOf(ctx, alice.UserID)
	require.NoError(t, err)
	require.Equal(t, uint32(2), cur.Version)
	require.Equal(t, pubKey(2), cur.PublicKey)

	// Returned records are copies.
	cur.PublicKey[0] = 9
	again, err := dir.PublicKeyOf(ctx, alice.UserID)
	require.NoError(t, err)
	require.Equal(t, pubKey(2), again.PublicKey)
}

func TestHTTPDirectory(t *testing.T) {
	rec := model.KeyRecord{UserID: "u2", PublicKey: pubKey(7), Version: 4}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/keys/u2":
			_ = json.NewEncoder(w).Encode(rec)
		case "/keys/u3":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(errorBody{Status: StatusNoKey})
		case "/keys":
			require.Equal(t, "u2", r.Header.Get(UserHeader))
			var body struct {
				PublicKey []byte `json:"publicKey"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			next := rec
			next.PublicKey = body.PublicKey
			next.Version++
			_ = json.NewEncoder(w).Encode(next)
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(errorBody{Status: StatusUserNotFound})
		}
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	dir := NewHTTPDirectory(u.Host, srv.Client())
	ctx := context.Background()

	got, err := dir.PublicKeyOf(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, rec.Version, got.Version)
	require.Equal(t, rec.PublicKey, got.PublicKey)

	_, err = dir.PublicKeyOf(ctx, "u3")
	require.ErrorIs(t, err, ErrNoKey)

	_, err = dir.PublicKeyOf(ctx, "nobody")
	require.ErrorIs(t, err, ErrUserNotFound)

	published, err := dir.Publish(ctx, "u2", pubKey(8))
	require.NoError(t, err)
	require.Equal(t, uint32(5), published.Version)
	require.Equal(t, pubKey(8), published.PublicKey)
}
