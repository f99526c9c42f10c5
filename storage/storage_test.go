package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignerStorePut(t *testing.T) {
	var uploaded []byte
	var uploadContentType string

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	mux.HandleFunc("/sign", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req signRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "s1/report.pdf", req.Key)
		require.Equal(t, "application/pdf", req.ContentType)
		json.NewEncoder(w).Encode(signResponse{
			UploadURL:   srv.URL + "/bucket/s1/report.pdf",
			DownloadURL: srv.URL + "/bucket/s1/report.pdf?sig=abc",
			ExpiresAt:   expires,
		})
	})
	mux.HandleFunc("/bucket/", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		uploadContentType = r.Header.Get("Content-Type")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		uploaded = body
		w.WriteHeader(http.StatusOK)
	})

	store := NewSignerStore(srv.URL, "tok")
	url, expiresAt, err := store.Put(context.Background(), []byte("%PDF"), "s1/report.pdf")
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/bucket/s1/report.pdf?sig=abc", url)
	require.Equal(t, expires, expiresAt.UTC())
	require.Equal(t, []byte("%PDF"), uploaded)
	require.Equal(t, "application/pdf", uploadContentType)
}

func TestSignerStoreSignFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	store := NewSignerStore(srv.URL, "")
	_, _, err := store.Put(context.Background(), []byte("x"), "k")
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")
}

func TestSignerStoreUploadFailure(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/sign", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(signResponse{
			UploadURL:   srv.URL + "/up",
			DownloadURL: srv.URL + "/down",
			ExpiresAt:   time.Now().Add(time.Hour),
		})
	})
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "full", http.StatusInsufficientStorage)
	})

	store := NewSignerStore(srv.URL, "")
	_, _, err := store.Put(context.Background(), []byte("x"), "k")
	require.Error(t, err)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	url, expiresAt, err := store.Put(context.Background(), []byte("abc"), "s1/a.txt")
	require.NoError(t, err)
	require.Equal(t, "memory://s1/a.txt", url)
	require.True(t, expiresAt.After(time.Now()))

	data, ok := store.Get("s1/a.txt")
	require.True(t, ok)
	require.Equal(t, []byte("abc"), data)
	require.Equal(t, 1, store.Puts())
}
