package testsupport

import (
	"context"
	"testing"

	"conveyor/internal/config"
	"conveyor/internal/media"
	"conveyor/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewRequest inserts a movie request for tests using the provided store.
func NewRequest(t testing.TB, st *store.Store, title string) *media.Request {
	t.Helper()

	req, err := st.CreateRequest(context.Background(), &media.Request{
		Title:      title,
		TMDBID:     1,
		MediaType:  media.MediaTypeMovie,
		TemplateID: "standard",
	})
	if err != nil {
		t.Fatalf("store.CreateRequest: %v", err)
	}
	return req
}

// NewItem inserts a pending item under a request for tests.
func NewItem(t testing.TB, st *store.Store, requestID int64, title string) *media.Item {
	t.Helper()

	item, err := st.CreateItem(context.Background(), &media.Item{
		RequestID: requestID,
		Title:     title,
		Status:    media.StatusPending,
	})
	if err != nil {
		t.Fatalf("store.CreateItem: %v", err)
	}
	return item
}
