package service

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetClientIP(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "remote addr", remote: "10.0.0.1:5000", want: "10.0.0.1"},
		{name: "forwarded for", headers: map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.2"}, remote: "10.0.0.1:5000", want: "1.2.3.4"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "5.6.7.8"}, remote: "10.0.0.1:5000", want: "5.6.7.8"},
		{name: "cloudflare first", headers: map[string]string{"CF-Connecting-IP": "9.9.9.9", "X-Real-IP": "5.6.7.8"}, remote: "10.0.0.1:5000", want: "9.9.9.9"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = c.remote
			for k, v := range c.headers {
				r.Header.Set(k, v)
			}
			require.Equal(t, c.want, GetClientIP(r))
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	require.True(t, originAllowed(nil, "https://example.com"))
	require.True(t, originAllowed([]string{"https://example.com"}, ""))
	require.True(t, originAllowed([]string{"*"}, "https://other.com"))
	require.True(t, originAllowed([]string{"https://Example.com"}, "https://example.com"))
	require.False(t, originAllowed([]string{"https://example.com"}, "https://other.com"))
}

func TestRemoveDoubleSlashes(t *testing.T) {
	var path string
	r := httptest.NewRequest(http.MethodGet, "//api/rooms", nil)
	RemoveDoubleSlashes(httptest.NewRecorder(), r, func(_ http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	})
	require.Equal(t, "/api/rooms", path)
}

func TestHandleError(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	handleError(rec, r, http.StatusInternalServerError, errors.New("redis: connection refused"), "operation failed")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"operation failed"}`, rec.Body.String())
}
