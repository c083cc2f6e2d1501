package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Client {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Password != "good" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)

			return
		}

		_ = json.NewEncoder(w).Encode(LoginResponse{
			Token:    "tok",
			DeviceID: "dev-1",
			Devices:  []Device{{DeviceID: "dev-1", DeviceName: req.DeviceName, IsOnline: true}},
		})
	})

	mux.HandleFunc("/auth/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		_, _ = w.Write([]byte(`[{"deviceId":"dev-1","deviceName":"kitchen","isOnline":true},{"deviceId":"dev-2","deviceName":"garage","isOnline":false}]`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return NewClient(ClientConfig{BaseURL: srv.URL + "/"})
}

func TestLogin(t *testing.T) {
	c := newTestRegistry(t)

	resp, err := c.Login(context.Background(), LoginRequest{Email: "a@b.c", Password: "good", DeviceName: "kitchen"})
	require.NoError(t, err)
	assert.Equal(t, "tok", resp.Token)
	assert.Equal(t, "dev-1", resp.DeviceID)
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, "kitchen", resp.Devices[0].DeviceName)
}

func TestLoginRejected(t *testing.T) {
	c := newTestRegistry(t)

	_, err := c.Login(context.Background(), LoginRequest{Email: "a@b.c", Password: "bad"})

	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusUnauthorized, status.Status)
	assert.Equal(t, "bad credentials", status.Body)
}

func TestRegister(t *testing.T) {
	c := newTestRegistry(t)

	assert.NoError(t, c.Register(context.Background(), "a@b.c", "secret"))
}

func TestListDevices(t *testing.T) {
	c := newTestRegistry(t)

	devices, err := c.ListDevices(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.False(t, devices[1].IsOnline)

	_, err = c.ListDevices(context.Background(), "stale")
	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusUnauthorized, status.Status)
}
