// Package api is the vendor cloud client. Every request carries a fresh
// session token in the "token" header.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/trymwestin/neakasa/internal/core/auth"
)

// DefaultBaseURL is the vendor cloud endpoint.
const DefaultBaseURL = "https://api.neakasa.com"

// Envelope codes the cloud uses for a missing or expired session.
const (
	codeOK           = 0
	codeTokenExpired = 10401
	codeTokenInvalid = 10402
)

// Services invoked through TriggerClean and TriggerLeveling.
const (
	serviceClean        = "cleanNow"
	serviceSandLeveling = "sandLeveling"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// Client talks to the vendor cloud on behalf of one session.
type Client struct {
	base    string
	http    *http.Client
	session *auth.Session
	log     *slog.Logger
}

// NewClient creates a client for base. An empty base uses DefaultBaseURL.
func NewClient(base string, session *auth.Session, log *slog.Logger, opts ...Option) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	c := &Client{
		base:    strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		session: session,
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the session the client authenticates with.
func (c *Client) Session() *auth.Session {
	return c.session
}

// Connected reports whether the session holds a login token.
func (c *Client) Connected() bool {
	return c.session.Authenticated()
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type loginRequest struct {
	Account  string `json:"account"`
	Password string `json:"password"`
}

type loginResponse struct {
	LoginToken string `json:"login_token"`
}

// Login exchanges credentials for a vendor login token. It does not touch
// the session; see Connect.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var out loginResponse
	if err := c.do(ctx, "login", http.MethodPost, "/user/login", loginRequest{Account: username, Password: password}, false, &out); err != nil {
		return "", err
	}
	if out.LoginToken == "" {
		return "", fmt.Errorf("api: login: %w: empty login token", auth.ErrSessionDecode)
	}
	return out.LoginToken, nil
}

// Connect logs in and adopts the returned token into the session. A token
// that cannot be decoded is returned as auth.ErrSessionDecode.
func (c *Client) Connect(ctx context.Context, username, password string) error {
	tok, err := c.Login(ctx, username, password)
	if err != nil {
		return err
	}
	if err := c.session.AdoptLoginToken(tok); err != nil {
		return fmt.Errorf("api: connect: %w", err)
	}
	if id, ok := c.session.Identity(); ok {
		c.log.Debug("session established", "user_id", id.UserID)
	}
	return nil
}

type deviceList struct {
	List []Device `json:"list"`
}

// ListDevices returns every device bound to the account.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var out deviceList
	if err := c.do(ctx, "list devices", http.MethodGet, "/device/list", nil, true, &out); err != nil {
		return nil, err
	}
	if out.List == nil {
		out.List = []Device{}
	}
	return out.List, nil
}

type iotRequest struct {
	IotID string `json:"iotId"`
}

// GetProperties returns the current property map of one device.
func (c *Client) GetProperties(ctx context.Context, iotID string) (RawProperties, error) {
	var out RawProperties
	if err := c.do(ctx, "get properties", http.MethodPost, "/device/properties/get", iotRequest{IotID: iotID}, true, &out); err != nil {
		return RawProperties{}, err
	}
	return out, nil
}

type setPropertiesRequest struct {
	IotID string         `json:"iotId"`
	Items map[string]any `json:"items"`
}

// SetProperties writes a partial property map to one device.
func (c *Client) SetProperties(ctx context.Context, iotID string, items map[string]any) error {
	return c.do(ctx, "set properties", http.MethodPost, "/device/properties/set", setPropertiesRequest{IotID: iotID, Items: items}, true, nil)
}

type invokeRequest struct {
	IotID      string         `json:"iotId"`
	Identifier string         `json:"identifier"`
	Args       map[string]any `json:"args"`
}

// TriggerClean starts a cleaning cycle.
func (c *Client) TriggerClean(ctx context.Context, iotID string) error {
	return c.invoke(ctx, iotID, serviceClean)
}

// TriggerLeveling starts a litter leveling cycle.
func (c *Client) TriggerLeveling(ctx context.Context, iotID string) error {
	return c.invoke(ctx, iotID, serviceSandLeveling)
}

func (c *Client) invoke(ctx context.Context, iotID, service string) error {
	body := invokeRequest{IotID: iotID, Identifier: service, Args: map[string]any{}}
	return c.do(ctx, service, http.MethodPost, "/device/service/invoke", body, true, nil)
}

type recordsRequest struct {
	DeviceName string `json:"deviceName"`
}

// GetRecords returns the cats and recent visits of a device. Records are
// keyed by device name, not iotId.
func (c *Client) GetRecords(ctx context.Context, deviceName string) (Records, error) {
	var out Records
	if err := c.do(ctx, "get records", http.MethodPost, "/device/records", recordsRequest{DeviceName: deviceName}, true, &out); err != nil {
		return Records{}, err
	}
	if out.Cats == nil {
		out.Cats = []Cat{}
	}
	if out.Records == nil {
		out.Records = []CatRecord{}
	}
	return out, nil
}

// do performs one enveloped request. authed calls fail fast with
// ErrNotConnected when the session holds no token.
func (c *Client) do(ctx context.Context, op, method, path string, body any, authed bool, out any) error {
	if authed && !c.session.Authenticated() {
		return fmt.Errorf("api: %s: %w", op, ErrNotConnected)
	}

	token, err := c.session.CurrentToken()
	if err != nil {
		return fmt.Errorf("api: %s: token: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: %s: marshal: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("api: %s: new request: %w", op, err)
	}
	req.Header.Set("token", token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s: %w: %w", op, ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("api: %s: %w: read body: %w", op, ErrTransport, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("api: %s: %w (HTTP %d)", op, ErrNotConnected, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("api: %s: %w: HTTP %d", op, ErrTransport, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("api: %s: %w: decode envelope: %w", op, ErrTransport, err)
	}

	if env.Code != codeOK {
		apiErr := &Error{Code: env.Code, Message: env.Msg}
		if env.Code == codeTokenExpired || env.Code == codeTokenInvalid {
			return fmt.Errorf("api: %s: %w: %w", op, ErrNotConnected, apiErr)
		}
		return fmt.Errorf("api: %s: %w", op, apiErr)
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("api: %s: decode data: %w", op, err)
	}
	return nil
}

// AsError returns the envelope error wrapped in err, if any.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
