package key

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"contact_chat/internal/model"

	"github.com/pkg/errors"
)

// Status strings returned by the key endpoints.
const (
	StatusNoKey        = "no-key"
	StatusUserNotFound = "user-not-found"

	// UserHeader carries the caller's UserRef, resolved by the upstream
	// authentication layer.
	UserHeader = "X-User-ID"
)

type (
	// HTTPDirectory reads keys from the server's /keys endpoint.
	HTTPDirectory struct {
		host   string
		client *http.Client
	}

	errorBody struct {
		Status string `json:"status"`
	}
)

var (
	_ Directory = (*HTTPDirectory)(nil)
	_ Publisher = (*HTTPDirectory)(nil)
)

func NewHTTPDirectory(host string, client *http.Client) *HTTPDirectory {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDirectory{host: host, client: client}
}

func (d *HTTPDirectory) PublicKeyOf(ctx context.Context, userID model.UserRef) (*model.KeyRecord, error) {
	if !userID.Valid() {
		return nil, ErrInvalidUserID
	}
	u := url.URL{
		Scheme: "http",
		Host:   d.host,
		Path:   fmt.Sprintf("/keys/%s", url.PathEscape(userID.String())),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch key")
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		var body errorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		switch body.Status {
		case StatusNoKey:
			return nil, ErrNoKey
		case StatusUserNotFound:
			return nil, ErrUserNotFound
		}
		return nil, errors.Errorf("fetch key: unexpected status %d", resp.StatusCode)
	}

	var rec model.KeyRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, errors.Wrap(err, "decode key")
	}
	if err := checkPublicKey(rec.PublicKey); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Publish uploads publicKey as userID's next key version.
func (d *HTTPDirectory) Publish(ctx context.Context, userID model.UserRef, publicKey []byte) (*model.KeyRecord, error) {
	if err := checkPublicKey(publicKey); err != nil {
		return nil, err
	}
	data, err := json.Marshal(map[string][]byte{"publicKey": publicKey})
	if err != nil {
		return nil, err
	}
	u := url.URL{Scheme: "http", Host: d.host, Path: "/keys"}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserHeader, userID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "publish key")
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("publish key: unexpected status %d", resp.StatusCode)
	}
	var rec model.KeyRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, errors.Wrap(err, "decode key")
	}
	return &rec, nil
}
