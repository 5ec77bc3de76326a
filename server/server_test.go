package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/internal/types"
	"github.com/xhad/lexqa/server"
)

type fakePipeline struct {
	mu       sync.Mutex
	history  map[string][]models.SessionTurn
	err      error
	readyErr error
	deadline bool
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{history: map[string][]models.SessionTurn{}}
}

func (f *fakePipeline) Answer(ctx context.Context, question, sessionID string) (*models.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, hasDeadline := ctx.Deadline()
	f.deadline = hasDeadline

	fail := func(err error) (*models.Answer, error) {
		return &models.Answer{Question: question, SessionID: sessionID, Error: types.PublicMessage(err)}, err
	}
	if question == "" || sessionID == "" {
		return fail(fmt.Errorf("%w: question and session_id are required", types.ErrInvalidRequest))
	}
	if f.err != nil {
		return fail(f.err)
	}

	text := fmt.Sprintf("Answer %d under Section 3.", len(f.history[sessionID])/2+1)
	f.history[sessionID] = append(f.history[sessionID],
		models.SessionTurn{Role: models.RoleUser, Text: question},
		models.SessionTurn{Role: models.RoleAssistant, Text: text},
	)
	return &models.Answer{
		Success:        true,
		Question:       question,
		Answer:         text,
		SessionID:      sessionID,
		Timestamp:      time.Now().UTC(),
		SourceDocument: "DV_Act_2005",
		Citations:      []string{"3"},
	}, nil
}

func (f *fakePipeline) History(_ context.Context, sessionID string, n int) ([]models.SessionTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	turns := f.history[sessionID]
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}

func (f *fakePipeline) Ready(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyErr
}

func (f *fakePipeline) set(fn func(f *fakePipeline)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newTestServer(t *testing.T, p server.Answerer) *httptest.Server {
	t.Helper()
	srv := server.New(server.Config{RequestTimeout: time.Minute}, p, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postAnswer(t *testing.T, url, body string) (*http.Response, models.Answer) {
	t.Helper()
	resp, err := http.Post(url+"/api/v1/answer", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var answer models.Answer
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&answer))
	return resp, answer
}

func TestHealthAndReady(t *testing.T) {
	p := newFakePipeline()
	ts := newTestServer(t, p)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = uuid.Parse(resp.Header.Get("X-Request-ID"))
	assert.NoError(t, err)

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	p.set(func(f *fakePipeline) { f.readyErr = fmt.Errorf("%w: connection refused", types.ErrStoreUnavailable) })
	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "the knowledge base is currently unavailable, please try again later", body["error"])
	assert.NotContains(t, body["error"], "connection refused")
}

func TestAnswerEndpoint(t *testing.T) {
	p := newFakePipeline()
	ts := newTestServer(t, p)

	resp, answer := postAnswer(t, ts.URL, `{"question":"What is domestic violence?","session_id":"u1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, answer.Success)
	assert.Equal(t, "u1", answer.SessionID)
	assert.Equal(t, "DV_Act_2005", answer.SourceDocument)
	assert.Equal(t, []string{"3"}, answer.Citations)
	p.set(func(f *fakePipeline) { assert.True(t, f.deadline, "requests run under a timeout") })
}

func TestAnswerEndpointErrors(t *testing.T) {
	p := newFakePipeline()
	ts := newTestServer(t, p)

	resp, answer := postAnswer(t, ts.URL, `{"question":"","session_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, answer.Success)
	assert.NotEmpty(t, answer.Error)

	resp, answer = postAnswer(t, ts.URL, `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, answer.Success)

	p.set(func(f *fakePipeline) { f.err = fmt.Errorf("%w: ollama: 503", types.ErrGenerationUnavailable) })
	resp, answer = postAnswer(t, ts.URL, `{"question":"q","session_id":"u1"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.False(t, answer.Success)
	assert.Equal(t, "q", answer.Question)
	assert.Empty(t, answer.Answer)
	assert.Equal(t, "the answer service is currently unavailable, please try again later", answer.Error)

	p.set(func(f *fakePipeline) { f.err = errors.New("boom") })
	resp, _ = postAnswer(t, ts.URL, `{"question":"q","session_id":"u1"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestAnswerBodyLimit(t *testing.T) {
	ts := newTestServer(t, newFakePipeline())

	big := fmt.Sprintf(`{"question":%q,"session_id":"u1"}`, strings.Repeat("a", 70<<10))
	resp, err := http.Post(ts.URL+"/api/v1/answer", "application/json", bytes.NewBufferString(big))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	p := newFakePipeline()
	ts := newTestServer(t, p)

	postAnswer(t, ts.URL, `{"question":"first","session_id":"u1"}`)
	postAnswer(t, ts.URL, `{"question":"second","session_id":"u1"}`)

	resp, err := http.Get(ts.URL + "/api/v1/sessions/u1/history?n=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history server.HistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	assert.Equal(t, "u1", history.SessionID)
	require.Len(t, history.Turns, 2)
	assert.Equal(t, "second", history.Turns[0].Text)
	assert.Equal(t, models.RoleAssistant, history.Turns[1].Role)

	resp2, err := http.Get(ts.URL + "/api/v1/sessions/nobody/history")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&history))
	assert.NotNil(t, history.Turns)
	assert.Empty(t, history.Turns)

	resp3, err := http.Get(ts.URL + "/api/v1/sessions/u1/history?n=zero")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, newFakePipeline())

	resp, err := http.Get(ts.URL + "/api/v1/answer")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocket(t *testing.T) {
	ts := newTestServer(t, newFakePipeline())

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() server.Message {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg server.Message
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	require.NoError(t, conn.WriteJSON(server.Message{Type: "question", Content: "What is Section 3?", SessionID: "ws1"}))
	msg := read()
	assert.Equal(t, server.MessageAnswer, msg.Type)
	require.NotNil(t, msg.Data)
	assert.True(t, msg.Data.Success)
	assert.Equal(t, "Answer 1 under Section 3.", msg.Data.Answer)

	require.NoError(t, conn.WriteJSON(server.Message{Type: "question", Content: "And then?", SessionID: "ws1"}))
	msg = read()
	assert.Equal(t, "Answer 2 under Section 3.", msg.Data.Answer)

	require.NoError(t, conn.WriteJSON(server.Message{Type: "question", Content: "", SessionID: "ws1"}))
	msg = read()
	assert.Equal(t, server.MessageError, msg.Type)
	require.NotNil(t, msg.Data)
	assert.False(t, msg.Data.Success)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	msg = read()
	assert.Equal(t, server.MessageError, msg.Type)

	require.NoError(t, conn.WriteJSON(server.Message{Type: "ingest"}))
	msg = read()
	assert.Equal(t, server.MessageError, msg.Type)
	assert.Contains(t, msg.Content, "unsupported")
}

func TestRunShutsDownOnCancel(t *testing.T) {
	srv := server.New(server.Config{Host: "127.0.0.1", Port: freePort(t)}, newFakePipeline(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.Listener.Addr().String()
	ts.Close()

	var port int
	_, err := fmt.Sscanf(addr[strings.LastIndex(addr, ":")+1:], "%d", &port)
	require.NoError(t, err)
	return port
}
