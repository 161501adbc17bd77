package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok-1", r.URL.Query().Get("token"))
		assert.Equal(t, "srv-key", r.URL.Query().Get("key"))
		w.Write([]byte(`{"user_id":"alice"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "srv-key")
	userID, err := client.Authenticate(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestAuthenticateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "srv-key")
	_, err := client.Authenticate(context.Background(), "bad")
	assert.Error(t, err)
}

func TestAuthenticateEmptyUserID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "srv-key")
	_, err := client.Authenticate(context.Background(), "tok")
	assert.Error(t, err)
}

func TestAuthenticateUnreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "srv-key")
	_, err := client.Authenticate(context.Background(), "tok")
	assert.Error(t, err)
}
