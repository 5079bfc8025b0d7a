// Package snapshot is the client of the request/response API that provides the
// conversation lists, message history and user search.
package snapshot

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/models"
	"github.com/putto11262002/chatter-client/proto"
)

const (
	DefaultTimeout = 10 * time.Second

	pathLogin          = "/api/auth/login/"
	pathLogout         = "/api/auth/logout/"
	pathGroups         = "/api/groups/"
	pathConversations  = "/api/direct-messages/"
	pathGroupMessages  = "/api/group-messages/group_messages/"
	pathDirectMessages = "/api/direct-messages/conversation/"
	pathSearchUsers    = "/api/users/search_users/"
)

var ErrNoToken = errors.New("no access token")

// Client fetches snapshots over HTTP. Identical concurrent fetches share
// one request.
type Client struct {
	http   *resty.Client
	group  singleflight.Group
	logger *slog.Logger

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.http.SetTLSClientConfig(cfg)
	}
}

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(baseURL, "/")).
			SetTimeout(DefaultTimeout).
			SetHeader("Accept", "application/json"),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "snapshot"))
	return c
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// StatusError is a non-2xx answer of the API.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("status %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("status %d", e.Status)
}

type apiError struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func statusError(resp *resty.Response) *StatusError {
	e := &StatusError{Status: resp.StatusCode()}
	var body apiError
	if err := json.Unmarshal(resp.Body(), &body); err == nil {
		for _, s := range []string{body.Detail, body.Message, body.Error} {
			if s != "" {
				e.Detail = s
				break
			}
		}
	}
	return e
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	token := c.Token()
	if token == "" {
		return nil, ErrNoToken
	}
	return c.http.R().SetContext(ctx).SetAuthToken(token), nil
}

// get performs a GET shared by every concurrent caller with the same path and
// query. The shared request is bounded by the client timeout rather than by any
// one caller's ctx; each caller stops waiting when its own ctx is done.
// Failures are stale data errors: callers keep their last known value.
func (c *Client) get(ctx context.Context, op, path string, query map[string]string) ([]byte, error) {
	key := path
	if len(query) > 0 {
		b, _ := json.Marshal(query)
		key += string(b)
	}
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		req, err := c.request(shared)
		if err != nil {
			return nil, err
		}
		resp, err := req.SetQueryParams(query).Get(path)
		if err != nil {
			return nil, fmt.Errorf("Get: %w", err)
		}
		if resp.IsError() {
			return nil, statusError(resp)
		}
		return resp.Body(), nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		c.logger.Debug(fmt.Sprintf("%s: %v", op, ctx.Err()))
		return nil, core.NewError(core.StaleDataError, op, ctx.Err())
	}
	if res.Err != nil {
		c.logger.Warn(fmt.Sprintf("%s: %v", op, res.Err))
		return nil, core.NewError(core.StaleDataError, op, res.Err)
	}
	if res.Shared {
		c.logger.Debug(fmt.Sprintf("%s: shared fetch", op))
	}
	return res.Val.([]byte), nil
}

// decodeList decodes a list answer. Anything that is not an array is read as
// an empty list, except a paginated object whose results are used.
func decodeList[T any](op string, raw []byte) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var page struct {
			Results json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(raw, &page); err == nil {
			raw = bytes.TrimSpace(page.Results)
		}
	}
	if len(raw) == 0 || raw[0] != '[' {
		return []T{}, nil
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, core.NewError(core.StaleDataError, op, fmt.Errorf("Unmarshal: %w", err))
	}
	return out, nil
}

func (c *Client) Groups(ctx context.Context) ([]models.Group, error) {
	const op = "groups"
	raw, err := c.get(ctx, op, pathGroups, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[models.Group](op, raw)
}

// Conversations lists the direct conversations of the local user.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	const op = "conversations"
	raw, err := c.get(ctx, op, pathConversations, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[models.Conversation](op, raw)
}

// GroupMessages returns the history of a group, oldest first.
func (c *Client) GroupMessages(ctx context.Context, groupID models.ID) ([]models.Message, error) {
	const op = "group messages"
	raw, err := c.get(ctx, op, pathGroupMessages, map[string]string{"group_id": groupID.String()})
	if err != nil {
		return nil, err
	}
	payloads, err := decodeList[proto.MessagePayload](op, raw)
	if err != nil {
		return nil, err
	}
	key := models.GroupKey(groupID)
	msgs := make([]models.Message, 0, len(payloads))
	for _, p := range payloads {
		if p.GroupID == "" && p.Group == nil {
			p.GroupID = groupID
		}
		m, err := p.GroupMessage()
		if err != nil {
			c.logger.Warn(fmt.Sprintf("%s: skipping message: %v", op, err))
			continue
		}
		msg := m.ToMessage("")
		msg.Key = key
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// DirectMessages returns the history of the conversation with userID, oldest first.
func (c *Client) DirectMessages(ctx context.Context, userID models.ID) ([]models.Message, error) {
	const op = "direct messages"
	raw, err := c.get(ctx, op, pathDirectMessages, map[string]string{"user_id": userID.String()})
	if err != nil {
		return nil, err
	}
	payloads, err := decodeList[proto.MessagePayload](op, raw)
	if err != nil {
		return nil, err
	}
	key := models.DirectKey(userID)
	msgs := make([]models.Message, 0, len(payloads))
	for _, p := range payloads {
		m, err := p.DirectMessage()
		if err != nil {
			c.logger.Warn(fmt.Sprintf("%s: skipping message: %v", op, err))
			continue
		}
		msg := m.ToMessage("")
		msg.Key = key
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (c *Client) SearchUsers(ctx context.Context, q string) ([]models.User, error) {
	const op = "search users"
	q = strings.TrimSpace(q)
	if q == "" {
		return []models.User{}, nil
	}
	raw, err := c.get(ctx, op, pathSearchUsers, map[string]string{"q": q})
	if err != nil {
		return nil, err
	}
	return decodeList[models.User](op, raw)
}

type createGroupRequest struct {
	Name      string      `json:"name"`
	MemberIDs []models.ID `json:"member_ids"`
}

// CreateGroup creates a group with the given members. The server adds the
// local user and announces the group with a group_created event.
func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []models.ID) (models.Group, error) {
	const op = "create group"
	var g models.Group
	name = strings.TrimSpace(name)
	if name == "" {
		return g, core.NewErrorf(core.SendRejectedError, op, "empty group name")
	}
	if memberIDs == nil {
		memberIDs = []models.ID{}
	}
	req, err := c.request(ctx)
	if err != nil {
		return g, core.NewError(core.CredentialError, op, err)
	}
	resp, err := req.SetBody(createGroupRequest{Name: name, MemberIDs: memberIDs}).Post(pathGroups)
	if err != nil {
		return g, core.NewError(core.TransportError, op, fmt.Errorf("Post: %w", err))
	}
	if resp.IsError() {
		return g, core.NewError(core.TransportError, op, statusError(resp))
	}
	g, err = proto.DecodeGroup(resp.Body())
	if err != nil {
		return g, err
	}
	return g, nil
}

// LoginResult is the answer of a successful login.
type LoginResult struct {
	Access  string      `json:"access"`
	Refresh string      `json:"refresh"`
	User    models.User `json:"user"`
}

// Login exchanges a username and password for tokens. On success the access
// token is used by every later request.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	const op = "login"
	var out LoginResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": username, "password": password}).
		SetResult(&out).
		Post(pathLogin)
	if err != nil {
		return nil, core.NewError(core.TransportError, op, fmt.Errorf("Post: %w", err))
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusBadRequest {
		return nil, core.NewError(core.CredentialError, op, statusError(resp))
	}
	if resp.IsError() {
		return nil, core.NewError(core.TransportError, op, statusError(resp))
	}
	if out.Access == "" {
		return nil, core.NewErrorf(core.CredentialError, op, "no access token in response")
	}
	c.SetToken(out.Access)
	return &out, nil
}

// Logout invalidates the session on the server and forgets the token. The
// token is forgotten even when the request fails.
func (c *Client) Logout(ctx context.Context) error {
	const op = "logout"
	req, err := c.request(ctx)
	if err != nil {
		return nil
	}
	defer c.SetToken("")
	resp, err := req.SetBody(struct{}{}).Post(pathLogout)
	if err != nil {
		return core.NewError(core.TransportError, op, fmt.Errorf("Post: %w", err))
	}
	if resp.IsError() {
		return core.NewError(core.TransportError, op, statusError(resp))
	}
	return nil
}
