package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"content-pipeline/internal/models"
	"content-pipeline/internal/pipeline"
	"content-pipeline/internal/store"
)

type fakeStore struct {
	items   map[int64]models.ContentItem
	pingErr error
}

func (f *fakeStore) Get(_ context.Context, id int64) (models.ContentItem, error) {
	item, ok := f.items[id]
	if !ok {
		return item, store.ErrNotFound
	}
	return item, nil
}

// Count evaluates the predicate in memory.
func (f *fakeStore) Count(_ context.Context, p store.Predicate) (int, error) {
	n := 0
	for _, item := range f.items {
		ok := true
		for _, flag := range p.RequiredTrue {
			ok = ok && item.Status.IsTrue(flag)
		}
		for _, flag := range p.RequiredNotTrue {
			ok = ok && !item.Status.IsTrue(flag)
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func newTestServer(st *fakeStore) http.Handler {
	ceilings := func(_ string, _ int) int { return 2 }
	return New(st, pipeline.Default(), ceilings, nil).Router()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	st := &fakeStore{}
	require.Equal(t, http.StatusOK, get(t, newTestServer(st), "/healthz").Code)

	st.pingErr = errors.New("down")
	require.Equal(t, http.StatusServiceUnavailable, get(t, newTestServer(st), "/healthz").Code)
}

func TestGetItemReportsViolations(t *testing.T) {
	st := &fakeStore{items: map[int64]models.ContentItem{
		42: {ID: 42, Status: models.StatusFlags{pipeline.FlagFunFact: true, pipeline.FlagMP3: true}},
	}}
	h := newTestServer(st)

	rec := get(t, h, "/items/42")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ID         int64    `json:"id"`
		Violations []string `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(42), body.ID)
	require.NotEmpty(t, body.Violations)

	require.Equal(t, http.StatusNotFound, get(t, h, "/items/7").Code)
	require.Equal(t, http.StatusBadRequest, get(t, h, "/items/abc").Code)
}

func TestBacklogReportsThrottle(t *testing.T) {
	st := &fakeStore{items: map[int64]models.ContentItem{
		1: {ID: 1, Status: models.StatusFlags{pipeline.FlagFunFact: true, pipeline.FlagWAV: true}},
		2: {ID: 2, Status: models.StatusFlags{pipeline.FlagFunFact: true, pipeline.FlagWAV: true}},
		3: {ID: 3, Status: models.StatusFlags{pipeline.FlagFunFact: true}},
	}}
	rec := get(t, newTestServer(st), "/stages/wav/backlog")
	require.Equal(t, http.StatusOK, rec.Code)

	var body backlogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Eligible)
	require.Equal(t, 2, body.Backlog)
	require.True(t, body.Throttled)

	require.Equal(t, http.StatusNotFound, get(t, newTestServer(st), "/stages/nope/backlog").Code)
}
