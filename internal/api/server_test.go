package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datastory/internal/capability"
	"datastory/internal/dataset"
	"datastory/internal/engine"
	"datastory/internal/storage"
	"datastory/internal/stream"
	"datastory/pkg"
)

const sampleCSV = "id,price\n1,10.5\n2,20.5\n3,30.5\n"

type stubCapability struct {
	name string
	fn   func(ctx context.Context, in capability.Input) (*capability.Output, error)
}

func (s *stubCapability) Name() string { return s.name }

func (s *stubCapability) Invoke(ctx context.Context, in capability.Input) (*capability.Output, error) {
	return s.fn(ctx, in)
}

func newTestServer(t *testing.T) (*Server, *storage.MemorySessionStore, *dataset.Store) {
	t.Helper()

	datasets, err := dataset.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = datasets.Close() })

	sessions := storage.NewMemorySessionStore()

	research := &stubCapability{name: capability.NameResearch,
		fn: func(ctx context.Context, in capability.Input) (*capability.Output, error) {
			return &capability.Output{
				Capability: capability.NameResearch,
				Research:   &pkg.ResearchResult{Summary: "ctx"},
			}, nil
		}}
	analyze := &stubCapability{name: capability.NameAnalyze,
		fn: func(ctx context.Context, in capability.Input) (*capability.Output, error) {
			return &capability.Output{
				Capability: capability.NameAnalyze,
				Analysis:   &pkg.AnalysisResult{Insights: map[string]any{"trend": "up"}},
			}, nil
		}}
	narrate := &stubCapability{name: capability.NameNarrate,
		fn: func(ctx context.Context, in capability.Input) (*capability.Output, error) {
			return &capability.Output{
				Capability: capability.NameNarrate,
				Story:      &pkg.Story{Title: "T", Summary: "prices rise with id"},
			}, nil
		}}

	eng := engine.New(engine.Options{
		Sessions:    sessions,
		Datasets:    datasets,
		Research:    research,
		Profile:     capability.NewProfiler(datasets),
		Analyze:     analyze,
		Narrate:     narrate,
		CallTimeout: time.Second,
		RetryDelay:  time.Millisecond,
		EventBuffer: 16,
	})

	return NewServer(eng, sessions, datasets), sessions, datasets
}

func uploadDataset(t *testing.T, server *Server) (datasetID, sessionID string) {
	t.Helper()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "sales.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(sampleCSV))
	require.NoError(t, err)
	require.NoError(t, form.WriteField("description", "monthly sales"))
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/datasets", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ID        string `json:"id"`
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	require.NotEmpty(t, resp.SessionID)
	return resp.ID, resp.SessionID
}

func TestUploadDatasetCreatesSessionAndSeedsCache(t *testing.T) {
	server, sessions, _ := newTestServer(t)
	datasetID, sessionID := uploadDataset(t, server)

	session, err := sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, datasetID, session.DatasetRef)
	require.NotNil(t, session.CachedProfile, "upload seeds the profile cache")
	assert.Equal(t, 3, session.CachedProfile.Rows)
	assert.Equal(t, datasetID, session.ProfileDatasetRef)
}

func TestUploadDatasetRejectsMalformedCSV(t *testing.T) {
	server, _, _ := newTestServer(t)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "bad.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("col\n\"unterminated"))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/datasets", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDatasetMetaAndListAndDelete(t *testing.T) {
	server, _, _ := newTestServer(t)
	datasetID, _ := uploadDataset(t, server)
	router := server.Routes()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets/"+datasetID+"/meta", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var meta dataset.Meta
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, "sales.csv", meta.Filename)
	assert.Equal(t, []string{"id", "price"}, meta.Columns)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var metas []dataset.Meta
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metas))
	assert.Len(t, metas, 1)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/datasets/"+datasetID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets/"+datasetID+"/meta", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSessionMetadata(t *testing.T) {
	server, _, _ := newTestServer(t)
	datasetID, sessionID := uploadDataset(t, server)

	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+sessionID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var meta pkg.SessionMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, sessionID, meta.SessionID)
	assert.Equal(t, datasetID, meta.DatasetRef)
	assert.Empty(t, meta.Turns)

	rec = httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueryStreamsFramedEvents(t *testing.T) {
	server, sessions, _ := newTestServer(t)
	_, sessionID := uploadDataset(t, server)

	body := strings.NewReader(`{"query":"how do prices move?"}`)
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sessionID+"/query", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	parser := stream.NewParser()
	events, err := parser.Feed(rec.Body.Bytes())
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.True(t, parser.Done(), "stream must end with the done record")

	for i, event := range events {
		assert.Equal(t, i, event.Sequence)
	}
	last := events[len(events)-1]
	assert.Equal(t, pkg.EventFinalResult, last.Kind)

	result, ok := last.Data["result"].(map[string]any)
	require.True(t, ok)
	story, ok := result["story"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "prices rise with id", story["summary"])

	session, err := sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, session.Turns, 2)
	assert.Equal(t, "how do prices move?", session.Turns[0].Content)
}

func TestQueryValidation(t *testing.T) {
	server, _, _ := newTestServer(t)
	_, sessionID := uploadDataset(t, server)
	router := server.Routes()

	for _, body := range []string{"", "{}", `{"query":""}`, "not json"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost,
			fmt.Sprintf("/sessions/%s/query", sessionID), strings.NewReader(body))
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions/missing/query",
		strings.NewReader(`{"query":"q"}`))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
