package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"contact_chat/internal/model"
	"contact_chat/internal/repository/relationship"
	"contact_chat/internal/service/server"

	"github.com/pkg/errors"
)

// Contact actions accepted by Client.Contact.
const (
	ActionAdd     = "add"
	ActionRemove  = "remove"
	ActionBlock   = "block"
	ActionUnblock = "unblock"
)

type (
	// Client talks to the server's HTTP API on behalf of one user.
	Client struct {
		host   string
		self   model.UserRef
		client *http.Client
	}

	// StatusError is a non-success reply of the API.
	StatusError struct {
		Code   int
		Status string
	}

	contactsResponse struct {
		Status   string          `json:"status"`
		Contacts *model.Contacts `json:"contacts"`
	}
)

func (e *StatusError) Error() string {
	return fmt.Sprintf("server replied %d %s", e.Code, e.Status)
}

func NewClient(host string, self model.UserRef, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{host: host, self: self, client: client}
}

func (c *Client) url(path string, query url.Values) string {
	u := url.URL{
		Scheme:   "http",
		Host:     c.host,
		Path:     path,
		RawQuery: query.Encode(),
	}
	return u.String()
}

// do sends in as JSON (when non-nil) and decodes a 200 reply into out.
func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.self != "" {
		req.Header.Set(server.UserHeader, c.self.String())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, target)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		var reply struct {
			Status string `json:"status"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&reply)
		return &StatusError{Code: resp.StatusCode, Status: reply.Status}
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}

func (c *Client) Register(ctx context.Context, username string) (*model.User, error) {
	var resp server.UserResponse
	if err := c.do(ctx, http.MethodPost, c.url("/api/users", nil), server.ContactRequest{Username: username}, &resp); err != nil {
		return nil, err
	}
	return &model.User{UserID: resp.UserID, Username: resp.Username}, nil
}

// LookupUser resolves a username. It returns nil, nil for an unknown name.
func (c *Client) LookupUser(ctx context.Context, username string) (*model.User, error) {
	var resp server.UserResponse
	err := c.do(ctx, http.MethodGet, c.url("/api/users/"+url.PathEscape(username), nil), nil, &resp)
	var se *StatusError
	if errors.As(err, &se) && se.Status == server.StatusUserNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model.User{UserID: resp.UserID, Username: resp.Username}, nil
}

// Contact applies one of the Action* operations to username.
func (c *Client) Contact(ctx context.Context, action, username string) error {
	switch action {
	case ActionAdd, ActionRemove, ActionBlock, ActionUnblock:
	default:
		return errors.Errorf("unknown contact action %q", action)
	}
	return c.do(ctx, http.MethodPost, c.url("/api/contacts/"+action, nil), server.ContactRequest{Username: username}, nil)
}

// Resolve accepts or rejects username's pending request.
func (c *Client) Resolve(ctx context.Context, username string, decision model.Decision) error {
	return c.do(ctx, http.MethodPost, c.url("/api/contacts/pending", nil), server.PendingRequest{Username: username, Action: decision}, nil)
}

func (c *Client) Contacts(ctx context.Context) (*model.Contacts, error) {
	var resp contactsResponse
	if err := c.do(ctx, http.MethodGet, c.url("/api/contacts/get", nil), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Contacts == nil {
		return model.NewContacts(), nil
	}
	return resp.Contacts, nil
}

// CheckMessaging asks the server whether self and other may message. The
// answer covers both sides of the pair.
func (c *Client) CheckMessaging(ctx context.Context, self, other model.UserRef) error {
	if self != c.self {
		return errors.Errorf("client for %s cannot check %s", c.self, self)
	}
	path := fmt.Sprintf("/api/contacts/check/%s", url.PathEscape(other.String()))
	err := c.do(ctx, http.MethodGet, c.url(path, nil), nil, nil)
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Status {
		case server.StatusBlocked:
			return relationship.ErrBlocked
		case server.StatusNotAccepted:
			return relationship.ErrNotAccepted
		}
	}
	return err
}

// History returns up to limit stored messages of the room with contact,
// oldest first. A zero limit uses the server default.
func (c *Client) History(ctx context.Context, contact model.UserRef, limit int) ([]*model.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp server.HistoryResponse
	path := fmt.Sprintf("/api/rooms/%s/messages", url.PathEscape(contact.String()))
	if err := c.do(ctx, http.MethodGet, c.url(path, q), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}
