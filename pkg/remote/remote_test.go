package remote

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"pagesync/pkg/idwrap"
	"pagesync/pkg/model/mconflict"
	"pagesync/pkg/model/mposition"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSaveContentOK(t *testing.T) {
	var got SaveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, DefaultContentPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"8"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	result, err := c.SaveContent(context.Background(), SaveRequest{
		Key:             "hero-title",
		Value:           "Welcome",
		Type:            "text",
		Page:            "home",
		ExpectedVersion: "7",
	})
	require.NoError(t, err)
	require.Equal(t, "8", result.Version)
	require.Equal(t, "hero-title", got.Key)
	require.Equal(t, "7", got.ExpectedVersion)
}

func TestSaveContentConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"currentValue":"Their title","lastModifiedBy":"u2","message":"stale version"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	_, err := c.SaveContent(context.Background(), SaveRequest{Key: "hero-title", Page: "home"})

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "Their title", conflict.CurrentValue)
	require.Equal(t, "u2", conflict.LastModifiedBy)
	require.Contains(t, conflict.Error(), "stale version")
}

func TestSaveContentLegacyFallback(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == DefaultContentPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		require.Equal(t, DefaultLegacyContentPath, r.URL.Path)
		_, _ = w.Write([]byte(`{"version":"2"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	result, err := c.SaveContent(context.Background(), SaveRequest{Key: "k", Page: "home"})
	require.NoError(t, err)
	require.Equal(t, "2", result.Version)
	require.Equal(t, []string{DefaultContentPath, DefaultLegacyContentPath}, paths)
}

func TestSaveContentUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	_, err := c.SaveContent(context.Background(), SaveRequest{Key: "k", Page: "home"})
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	require.Contains(t, err.Error(), "boom")
}

func TestCreateComponent(t *testing.T) {
	var got ComponentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	id := idwrap.NewNow()
	c := NewClient(srv.URL, testLogger())
	err := c.CreateComponent(context.Background(), ComponentRequest{
		ID:       id,
		Type:     "text-block",
		Position: mposition.Position{PageID: "home", SectionID: "main", Order: 1},
		Props:    map[string]any{"text": "hi"},
	})
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.Equal(t, 1, got.Position.Order)
}

func TestDeleteComponentNoContent(t *testing.T) {
	id := idwrap.NewNow()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/api/components/"+id.String(), r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	require.NoError(t, c.DeleteComponent(context.Background(), id))
}

func TestResolveConflict(t *testing.T) {
	var body struct {
		ConflictID string `json:"conflictId"`
		Resolution string `json:"resolution"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	id := idwrap.NewNow()
	c := NewClient(srv.URL, testLogger())
	require.NoError(t, c.ResolveConflict(context.Background(), id, mconflict.ResolutionAcceptRemote))
	require.Equal(t, id.String(), body.ConflictID)
	require.Equal(t, "accept_remote", body.Resolution)
}

func TestContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClient(srv.URL, testLogger())
	_, err := c.SaveContent(ctx, SaveRequest{Key: "k", Page: "home"})
	require.ErrorIs(t, err, context.Canceled)
}
