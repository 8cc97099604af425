// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeServerRecord(t *testing.T) {
	raw := []byte(`{"id":"p1","updated_at":"2026-08-30T10:00:00Z","version":4,"name":"brake pad"}`)
	sr, err := DecodeServerRecord(raw)
	require.NoError(t, err)
	require.Equal(t, "p1", sr.ID)
	require.Equal(t, int64(4), sr.Version)
	require.Equal(t, 2026, sr.UpdatedAt.Year())
	require.Equal(t, raw, sr.Payload, "payload keeps the whole entity")

	_, err = DecodeServerRecord([]byte(`{"name":"no id"}`))
	require.Error(t, err)

	_, err = DecodeServerRecord([]byte(`{"id":"p1","updated_at":"not-a-time"}`))
	require.Error(t, err)
}

func TestListDecodesBareArrayAsComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"a","updated_at":"2026-01-01T00:00:00Z"},{"id":"b","updated_at":"2026-01-01T00:00:00Z"}]`))
	}))
	defer srv.Close()

	remote := NewRemoteClient(srv.URL, nil, slog.Default())
	page, err := remote.List(context.Background(), "/products")
	require.NoError(t, err)
	require.True(t, page.Complete)
	require.Len(t, page.Records, 2)
	require.Empty(t, page.DeletedIDs)
}

func TestListDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[{"id":"a","updated_at":"2026-01-01T00:00:00Z"}],"deleted_ids":["z"],"complete":false}`))
	}))
	defer srv.Close()

	remote := NewRemoteClient(srv.URL, nil, slog.Default())
	page, err := remote.List(context.Background(), "/products")
	require.NoError(t, err)
	require.False(t, page.Complete, "a paginated page must never claim completeness")
	require.Len(t, page.Records, 1)
	require.Equal(t, []string{"z"}, page.DeletedIDs)
}

func TestDoSendsBearerTokenAndClassifiesErrors(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/teapot":
			w.WriteHeader(http.StatusTeapot)
		case "/boom":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	remote := NewRemoteClient(srv.URL, func(context.Context) (string, error) {
		return "tok-123", nil
	}, slog.Default())

	_, err := remote.Do(context.Background(), http.MethodGet, "/ok", nil)
	require.NoError(t, err)
	require.Equal(t, "Bearer tok-123", gotAuth)

	_, err = remote.Do(context.Background(), http.MethodGet, "/teapot", nil)
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	require.False(t, ne.Retryable())

	_, err = remote.Do(context.Background(), http.MethodGet, "/boom", nil)
	require.ErrorAs(t, err, &ne)
	require.True(t, ne.Retryable())

	srv.Close()
	_, err = remote.Do(context.Background(), http.MethodGet, "/ok", nil)
	require.ErrorAs(t, err, &ne)
	require.True(t, ne.Retryable(), "transport failure is retryable")
}
