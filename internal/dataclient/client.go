// Package dataclient talks to the data service HTTP API and implements
// storage.Store on top of it, so a session manager can run against a
// remote server.
package dataclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ecell-club/membership/internal/http/respond"
	"github.com/ecell-club/membership/internal/models"
	"github.com/ecell-club/membership/internal/models/dto"
	"github.com/ecell-club/membership/internal/storage"
)

var _ storage.Store = (*Client)(nil)

// ErrUnauthorized is returned by dashboard calls without a valid admin token.
var ErrUnauthorized = errors.New("admin token missing or expired")

// Client is a storage.Store backed by the HTTP API.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// New returns a client for the API rooted at baseURL. A nil httpClient uses
// http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Token returns the admin bearer token from the last AuthenticateAdmin.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken installs a previously issued admin token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	var u models.User
	err := c.do(ctx, http.MethodGet, "/users?"+url.Values{"email": {email}}.Encode(), nil, &u, false)
	return u, err
}

func (c *Client) GetUserByRollNumber(ctx context.Context, rollNumber string) (models.User, error) {
	var u models.User
	err := c.do(ctx, http.MethodGet, "/users?"+url.Values{"roll_number": {rollNumber}}.Encode(), nil, &u, false)
	return u, err
}

// UpdateUser patches a member. A status change goes through the admin
// endpoint and therefore needs a token.
func (c *Client) UpdateUser(ctx context.Context, id string, update models.UserUpdate) (models.User, error) {
	if update.Status != nil {
		u, err := c.SetUserStatus(ctx, id, *update.Status)
		if err != nil {
			return models.User{}, err
		}
		update.Status = nil
		if update == (models.UserUpdate{}) {
			return u, nil
		}
	}
	var u models.User
	err := c.do(ctx, http.MethodPatch, "/users/"+url.PathEscape(id), update, &u, false)
	return u, err
}

func (c *Client) CreateUser(ctx context.Context, user models.NewUser) (models.User, error) {
	var u models.User
	err := c.do(ctx, http.MethodPost, "/users", user, &u, false)
	return u, err
}

func (c *Client) CreateRegistration(ctx context.Context, reg models.NewRegistration) (models.Registration, error) {
	var out models.Registration
	err := c.do(ctx, http.MethodPost, "/registrations", reg, &out, false)
	return out, err
}

func (c *Client) VerifyUserPassword(ctx context.Context, id, password string) error {
	return c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(id)+"/verify-password", dto.VerifyPasswordRequest{Password: password}, nil, false)
}

// AuthenticateAdmin exchanges credentials for an admin record and keeps the
// issued bearer token for later dashboard calls.
func (c *Client) AuthenticateAdmin(ctx context.Context, username, password string) (models.Admin, error) {
	var resp dto.AdminAuthResponse
	if err := c.do(ctx, http.MethodPost, "/admin/authenticate", dto.AdminAuthRequest{Username: username, Password: password}, &resp, false); err != nil {
		return models.Admin{}, err
	}
	c.SetToken(resp.Token)
	return resp.Admin, nil
}

// GetUserByID scans the dashboard listing; the API has no direct lookup.
func (c *Client) GetUserByID(ctx context.Context, id string) (models.User, error) {
	users, err := c.ListUsers(ctx, models.UserFilter{})
	if err != nil {
		return models.User{}, err
	}
	for _, u := range users {
		if u.ID == id {
			return u, nil
		}
	}
	return models.User{}, storage.ErrNotFound
}

func (c *Client) ListUsers(ctx context.Context, filter models.UserFilter) ([]models.User, error) {
	path := "/admin/users"
	if filter.Status != "" {
		path += "?" + url.Values{"status": {string(filter.Status)}}.Encode()
	}
	var users []models.User
	err := c.do(ctx, http.MethodGet, path, nil, &users, true)
	return users, err
}

func (c *Client) ListRegistrations(ctx context.Context) ([]models.Registration, error) {
	var regs []models.Registration
	err := c.do(ctx, http.MethodGet, "/admin/registrations", nil, &regs, true)
	return regs, err
}

// SetUserStatus changes a member's status through the admin endpoint.
func (c *Client) SetUserStatus(ctx context.Context, id string, status models.UserStatus) (models.User, error) {
	var u models.User
	err := c.do(ctx, http.MethodPatch, "/admin/users/"+url.PathEscape(id)+"/status", dto.StatusUpdateRequest{Status: status}, &u, true)
	return u, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, admin bool) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		token := c.Token()
		if token == "" {
			return ErrUnauthorized
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	env, err := respond.Read(resp.Body, out)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return err
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return storage.ErrNotFound
	case http.StatusConflict:
		return storage.ErrAlreadyExists
	case http.StatusUnauthorized:
		if admin {
			return ErrUnauthorized
		}
		return storage.ErrInvalidCredentials
	}
	return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, env.Message)
}
