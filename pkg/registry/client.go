package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"manyeyes/pkg/log"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// StatusError is returned for any non-2xx answer of the registry.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: registry answered %d", e.Op, e.Status)
	}

	return fmt.Sprintf("%s: registry answered %d: %s", e.Op, e.Status, e.Body)
}

type Device struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	IsOnline   bool   `json:"isOnline"`
}

type LoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceName string `json:"deviceName"`
	DeviceID   string `json:"deviceId,omitempty"`
}

type LoginResponse struct {
	Token    string   `json:"token"`
	DeviceID string   `json:"deviceId"`
	Devices  []Device `json:"devices"`
}

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the account and device registry.
type Client struct {
	base string
	http *http.Client
	log  *logrus.Entry
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.WithFields(log.Fields{"component": "registry"}),
	}
}

func (c *Client) Register(ctx context.Context, email, password string) error {
	body := map[string]string{"email": email, "password": password}

	return c.do(ctx, "register", http.MethodPost, "/auth/register", "", body, nil)
}

func (c *Client) Login(ctx context.Context, req LoginRequest) (LoginResponse, error) {
	var resp LoginResponse

	if err := c.do(ctx, "login", http.MethodPost, "/auth/login", "", req, &resp); err != nil {
		return resp, err
	}

	if resp.Token == "" || resp.DeviceID == "" {
		return resp, errors.New("login: registry returned no token or device id")
	}

	c.log.Infof("logged in as device %s", resp.DeviceID)

	return resp, nil
}

func (c *Client) ListDevices(ctx context.Context, token string) ([]Device, error) {
	var devices []Device

	if err := c.do(ctx, "list devices", http.MethodGet, "/devices", token, nil, &devices); err != nil {
		return nil, err
	}

	return devices, nil
}

func (c *Client) do(ctx context.Context, op, method, path, token string, in, out interface{}) error {
	var body io.Reader

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, op)
		}

		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.Wrap(err, op)
	}

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, op)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}

	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), op)
}
