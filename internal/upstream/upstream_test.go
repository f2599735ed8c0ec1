package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/newhackerman/tenbin2api/internal/account"
	"github.com/newhackerman/tenbin2api/internal/config"
)

func testConfig(httpURL, wsURL string) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.RequestTimeout = 5 * time.Second
	cfg.Upstream.GraphQLURL = httpURL
	cfg.Upstream.WebsocketURL = wsURL
	cfg.Solver.BaseURL = httpURL
	cfg.Solver.PollInterval = 10 * time.Millisecond
	cfg.Solver.RatePerSecond = 100
	return cfg
}

// wsServer runs script against each accepted subscription connection.
func wsServer(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"graphql-transport-ws"},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// acceptHandshake plays the server side of connection_init/ack and
// returns the raw subscribe message.
func acceptHandshake(conn *websocket.Conn) ([]byte, error) {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if gjson.GetBytes(msg, "type").String() != "connection_init" {
		return nil, fmt.Errorf("expected connection_init, got %s", msg)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connection_ack"}`)); err != nil {
		return nil, err
	}
	_, sub, err := conn.ReadMessage()
	return sub, err
}

func nextFrame(id, delta string, finished bool) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":"next","payload":{"data":{"startConversation":{"deltaToken":%q,"isFinished":%v}}}}`,
		id, delta, finished))
}

func TestOpenStream_SubscribeAndFrames(t *testing.T) {
	subscribed := make(chan []byte, 1)
	srv := wsServer(t, func(conn *websocket.Conn) {
		sub, err := acceptHandshake(conn)
		if err != nil {
			return
		}
		subscribed <- sub
		id := gjson.GetBytes(sub, "id").String()
		conn.WriteMessage(websocket.TextMessage, nextFrame(id, "Hel", false))
		conn.WriteMessage(websocket.TextMessage, nextFrame(id, "lo", true))
		conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"id":%q,"type":"complete"}`, id)))
		conn.ReadMessage() // hold the socket until the client closes
	})
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL, wsURL(srv)))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	sess, err := client.OpenStream(context.Background(), "\n\nHuman: hi\n\nAssistant:", "sess-aaaa", "exec-tok")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer sess.Close()

	sub := <-subscribed
	if got := gjson.GetBytes(sub, "type").String(); got != "subscribe" {
		t.Fatalf("message type = %q", got)
	}
	if got := gjson.GetBytes(sub, "payload.operationName").String(); got != "StartConversation" {
		t.Fatalf("operationName = %q", got)
	}
	if got := gjson.GetBytes(sub, "payload.variables.prompt").String(); got != "\n\nHuman: hi\n\nAssistant:" {
		t.Fatalf("prompt = %q", got)
	}
	if got := gjson.GetBytes(sub, "payload.variables.executionToken").String(); got != "exec-tok" {
		t.Fatalf("executionToken = %q", got)
	}

	frame, err := sess.Next()
	if err != nil || frame.Delta != "Hel" || frame.Finished {
		t.Fatalf("frame 1 = %+v, err %v", frame, err)
	}
	frame, err = sess.Next()
	if err != nil || frame.Delta != "lo" || !frame.Finished {
		t.Fatalf("frame 2 = %+v, err %v", frame, err)
	}
	if _, err = sess.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("after complete: err = %v, want EOF", err)
	}
}

func TestOpenStream_RejectsNonAckHandshake(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage() // connection_init
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connection_error"}`))
	})
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL, wsURL(srv)))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.OpenStream(context.Background(), "p", "sess-aaaa", "tok")
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if !strings.Contains(err.Error(), "unexpected handshake reply") {
		t.Fatalf("err = %v", err)
	}
}

func TestSessionNext_UpstreamErrorFrame(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn) {
		sub, err := acceptHandshake(conn)
		if err != nil {
			return
		}
		id := gjson.GetBytes(sub, "id").String()
		conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
			`{"id":%q,"type":"next","payload":{"data":{"startConversation":{"error":"quota exceeded"}}}}`, id)))
		conn.ReadMessage()
	})
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL, wsURL(srv)))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	sess, err := client.OpenStream(context.Background(), "p", "sess-aaaa", "tok")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer sess.Close()

	_, err = sess.Next()
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenStream_UnauthorizedDialInvalidatesAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL, wsURL(srv)))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.OpenStream(context.Background(), "p", "sess-aaaa", "tok")
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("err = %v, want an unauthorized classification", err)
	}

	pool := account.NewPool([]string{"sess-aaaa"}, 3, time.Minute)
	acc := pool.SelectCandidate()
	pool.RecordFailure(acc, err)
	if acc.Valid() {
		t.Fatal("unauthorized dial error did not invalidate the account")
	}
}

func TestSolver_PollsUntilValue(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/turnstile"):
			fmt.Fprint(w, `{"task_id":"task-1"}`)
		case strings.HasPrefix(r.URL.Path, "/result"):
			if polls.Add(1) < 3 {
				fmt.Fprint(w, `{}`)
				return
			}
			fmt.Fprint(w, `{"value":"challenge-tok"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, "")
	solver := NewSolverClient(cfg.Solver, srv.Client())

	taskID, err := solver.NewTask(context.Background())
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if taskID != "task-1" {
		t.Fatalf("taskID = %q", taskID)
	}

	token, err := solver.Await(context.Background(), taskID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if token != "challenge-tok" {
		t.Fatalf("token = %q", token)
	}
	if polls.Load() < 3 {
		t.Fatalf("polls = %d, want at least 3", polls.Load())
	}
}

func TestSolver_AwaitStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`) // forever pending
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, "")
	solver := NewSolverClient(cfg.Solver, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := solver.Await(ctx, "task-1")
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestIssueToken(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		token   string
		wantErr string
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body:   `{"data":{"executionTokens":["exec-1"]}}`,
			token:  "exec-1",
		},
		{
			name:    "graphql rejection",
			status:  http.StatusOK,
			body:    `{"errors":[{"message":"model not allowed"}]}`,
			wantErr: "model not allowed",
		},
		{
			name:    "missing token",
			status:  http.StatusOK,
			body:    `{"data":{"executionTokens":[]}}`,
			wantErr: "missing execution token",
		},
		{
			name:    "unauthorized",
			status:  http.StatusUnauthorized,
			body:    `{}`,
			wantErr: "unauthorized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCookie string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotCookie = r.Header.Get("Cookie")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			client, err := NewClient(testConfig(srv.URL, ""))
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}

			token, err := client.issueToken(context.Background(), "AnthropicClaude37Sonnet", "sess-aaaa", "challenge")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("issueToken: %v", err)
			}
			if token != tt.token {
				t.Fatalf("token = %q", token)
			}
			if gotCookie != "sessionId=sess-aaaa" {
				t.Fatalf("cookie = %q", gotCookie)
			}
		})
	}
}

func TestIssueToken_UnauthorizedInvalidatesAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL, ""))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.issueToken(context.Background(), "AnthropicClaude37Sonnet", "sess-aaaa", "challenge")
	if err == nil {
		t.Fatal("expected rejection")
	}

	pool := account.NewPool([]string{"sess-aaaa"}, 3, time.Minute)
	acc := pool.SelectCandidate()
	pool.RecordFailure(acc, err)
	if acc.Valid() {
		t.Fatal("403 token rejection did not invalidate the account")
	}
}
