package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHandler() *Handler {
	return &Handler{RetryMax: 2, RetryWaitMin: time.Millisecond, RetryWaitMax: 5 * time.Millisecond}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestHandlePostsBody(t *testing.T) {
	var gotBody, gotAuth, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotAuth, gotType = string(b), r.Header.Get("Authorization"), r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	res, err := testHandler().Handle(context.Background(), mustJSON(t, Payload{
		URL:     srv.URL + "/hook",
		Headers: map[string]string{"Authorization": "Bearer abc"},
		Body:    json.RawMessage(`{"event":"report.sent"}`),
	}))
	require.NoError(t, err)
	assert.Equal(t, `{"event":"report.sent"}`, gotBody)
	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "POST "+srv.URL+"/hook -> 202", res.Message)
	assert.Equal(t, http.StatusAccepted, res.Metadata["statusCode"])
}

func TestHandleRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := testHandler().Handle(context.Background(), mustJSON(t, Payload{URL: srv.URL, Method: "GET"}))
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 3, res.Metadata["attempts"])
}

func TestHandleClientErrorFailsWithoutRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "no such hook", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testHandler().Handle(context.Background(), mustJSON(t, Payload{URL: srv.URL}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404: no such hook")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHandleGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testHandler().Handle(context.Background(), mustJSON(t, Payload{URL: srv.URL}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up")
}

func TestValidatePayload(t *testing.T) {
	h := New(1)
	assert.NoError(t, h.ValidatePayload(json.RawMessage(`{"url":"https://hooks.example.com/x"}`)))
	assert.Error(t, h.ValidatePayload(json.RawMessage(`{}`)))
	assert.Error(t, h.ValidatePayload(json.RawMessage(`{"url":"not a url"}`)))
	assert.Error(t, h.ValidatePayload(json.RawMessage(`{"url":"https://x.example.com","method":"TRACE"}`)))
	assert.Error(t, h.ValidatePayload(json.RawMessage(`{"url":"https://x.example.com","timeoutSeconds":900}`)))
	assert.Error(t, h.ValidatePayload(json.RawMessage(`{"url":"https://x.example.com","retries":3}`)))
}
