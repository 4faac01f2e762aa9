package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/helix-runtime/helixd/pkg/models"
)

// WSTransport carries sync frames over a websocket to the peer runtime and
// serves resume fetches over the peer's HTTP API.
type WSTransport struct {
	peerURL string // ws:// or wss:// base, e.g. ws://host:18789
	token   string
	httpc   *http.Client

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSTransport creates a transport for peerURL.
func NewWSTransport(peerURL, token string) *WSTransport {
	return &WSTransport{
		peerURL: strings.TrimRight(peerURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *WSTransport) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.token)
	conn, _, err := websocket.Dial(dialCtx, t.peerURL+"/sync", &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("dialing sync peer: %w", err)
	}
	// Full sessions can be large.
	conn.SetReadLimit(8 << 20)

	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.CloseNow()
	}
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *WSTransport) current() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, fmt.Errorf("sync transport not connected")
	}
	return t.conn, nil
}

func (t *WSTransport) Send(ctx context.Context, msg Message) error {
	conn, err := t.current()
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return fmt.Errorf("writing sync frame: %w", err)
	}
	return nil
}

func (t *WSTransport) Receive(ctx context.Context) (Message, error) {
	conn, err := t.current()
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		return Message{}, fmt.Errorf("reading sync frame: %w", err)
	}
	return msg, nil
}

// FetchSession retrieves the canonical session from the peer's HTTP API.
func (t *WSTransport) FetchSession(ctx context.Context, sessionID string) (*models.Session, error) {
	url := t.httpBase() + "/api/v1/sessions/" + sessionID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building session fetch request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching session from peer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned %d fetching session %s", resp.StatusCode, sessionID)
	}

	var envelope struct {
		OK   bool            `json:"ok"`
		Data *models.Session `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding session response: %w", err)
	}
	if !envelope.OK || envelope.Data == nil {
		return nil, fmt.Errorf("peer has no session %s", sessionID)
	}
	return envelope.Data, nil
}

func (t *WSTransport) httpBase() string {
	switch {
	case strings.HasPrefix(t.peerURL, "wss://"):
		return "https://" + strings.TrimPrefix(t.peerURL, "wss://")
	case strings.HasPrefix(t.peerURL, "ws://"):
		return "http://" + strings.TrimPrefix(t.peerURL, "ws://")
	}
	return t.peerURL
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close(websocket.StatusNormalClosure, "shutdown")
	t.conn = nil
	return err
}
