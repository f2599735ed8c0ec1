package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/newhackerman/tenbin2api/internal/json"
	log "github.com/newhackerman/tenbin2api/internal/logging"
	"github.com/tidwall/gjson"
)

const startConversationQuery = "subscription StartConversation($executionToken: String!, $itemId: String, $itemDraftId: String, $systemPrompt: String, $prompt: String, $stateToken: String, $variables: [ConversationVariableInput!], $itemCallOption: ItemCallOption, $fileKey: String, $fileUploadIds: [String!], $selectedToolsByUser: [ToolType!]) {\n  startConversation(\n    executionToken: $executionToken\n    itemId: $itemId\n    itemDraftId: $itemDraftId\n    systemPrompt: $systemPrompt\n    prompt: $prompt\n    stateToken: $stateToken\n    variables: $variables\n    itemCallOption: $itemCallOption\n    fileKey: $fileKey\n    fileUploadIds: $fileUploadIds\n    selectedToolsByUser: $selectedToolsByUser\n  ) {\n    ...DeltaConversation\n    __typename\n  }\n}\n\nfragment DeltaConversation on AIConversationStreamResult {\n  seq\n  deltaToken\n  isFinished\n  newStateToken\n  error\n  fileUploadIds\n  toolResult {\n    id\n    title\n    url\n    faviconUrl\n    summary\n    __typename\n  }\n  action\n  activity\n  toolError\n  __typename\n}"

// Frame is one upstream delta event: an incremental text fragment plus
// the upstream's finished flag.
type Frame struct {
	Delta    string
	Finished bool
}

// FrameSource yields upstream frames until io.EOF. The translator
// consumes this interface, so tests can feed synthetic frame sequences.
type FrameSource interface {
	Next() (Frame, error)
}

// Session is one live graphql-transport-ws subscription. It implements
// FrameSource and closes the upstream socket when the request context
// is cancelled, so a client disconnect never leaks a connection.
type Session struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	done        chan struct{}
	closeOnce   sync.Once
}

type wsMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type subscribePayload struct {
	Variables     subscribeVariables `json:"variables"`
	Extensions    map[string]any     `json:"extensions"`
	OperationName string             `json:"operationName"`
	Query         string             `json:"query"`
}

type subscribeVariables struct {
	Prompt         string `json:"prompt"`
	ExecutionToken string `json:"executionToken"`
	StateToken     string `json:"stateToken"`
}

// OpenStream dials the subscription endpoint, performs the
// connection-init handshake, and sends the single subscribe message
// carrying the prompt and the freshly issued execution token.
func (c *Client) OpenStream(ctx context.Context, prompt, sessionID, executionToken string) (*Session, error) {
	dialer := websocket.Dialer{
		Subprotocols:      []string{"graphql-transport-ws"},
		EnableCompression: true,
		HandshakeTimeout:  30 * time.Second,
	}
	if c.cfg.ProxyURL != "" {
		sd, err := socksDialer(c.cfg.ProxyURL)
		if err != nil {
			return nil, streamError("dial", err)
		}
		dialer.NetDialContext = sd.DialContext
	}

	header := http.Header{}
	header.Set("Origin", c.cfg.Upstream.Origin)
	header.Set("User-Agent", c.cfg.Upstream.UserAgent)
	header.Set("Cookie", "sessionId="+sessionID)

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Upstream.WebsocketURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, streamError("dial", fmt.Errorf("unauthorized: handshake returned %s", resp.Status))
		}
		return nil, streamError("dial", err)
	}

	s := &Session{
		conn:        conn,
		readTimeout: c.cfg.RequestTimeout,
		done:        make(chan struct{}),
	}

	if err := s.handshake(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.subscribe(prompt, executionToken); err != nil {
		s.Close()
		return nil, err
	}

	// Tie the socket's lifetime to the request context.
	go func() {
		select {
		case <-ctx.Done():
			log.Debugf("request context done, closing upstream socket")
			s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

func (s *Session) handshake() error {
	if err := s.writeJSON(wsMessage{Type: "connection_init"}); err != nil {
		return streamError("connection_init", err)
	}
	s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return streamError("connection_ack", err)
	}
	if ackType := gjson.GetBytes(msg, "type").String(); ackType != "connection_ack" {
		return streamError("connection_ack", fmt.Errorf("unexpected handshake reply %q", ackType))
	}
	return nil
}

func (s *Session) subscribe(prompt, executionToken string) error {
	msg := wsMessage{
		ID:   uuid.NewString(),
		Type: "subscribe",
		Payload: subscribePayload{
			Variables: subscribeVariables{
				Prompt:         prompt,
				ExecutionToken: executionToken,
				StateToken:     "",
			},
			Extensions:    map[string]any{},
			OperationName: "StartConversation",
			Query:         startConversationQuery,
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return streamError("subscribe", err)
	}
	return nil
}

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Next reads frames until the terminal "complete" control frame, which
// surfaces as io.EOF. Control frames other than "next" are skipped.
func (s *Session) Next() (Frame, error) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return Frame{}, streamError("read", err)
		}

		switch gjson.GetBytes(msg, "type").String() {
		case "complete":
			return Frame{}, io.EOF
		case "next":
		default:
			continue
		}

		conv := gjson.GetBytes(msg, "payload.data.startConversation")
		if upstreamErr := conv.Get("error").String(); upstreamErr != "" {
			return Frame{}, streamError("subscription", fmt.Errorf("upstream error: %s", upstreamErr))
		}
		return Frame{
			Delta:    conv.Get("deltaToken").String(),
			Finished: conv.Get("isFinished").Bool(),
		}, nil
	}
}

// Close shuts the upstream socket. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
