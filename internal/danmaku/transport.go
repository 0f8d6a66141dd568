package danmaku

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/bilimix/internal/log"
)

// RawMessage is what the chat transport delivers for one danmaku.
type RawMessage struct {
	Uname string `json:"uname"`
	Msg   string `json:"msg"`
	TsMS  int64  `json:"ts_ms"`
}

// Subscription is one live per-room chat feed.
type Subscription interface {
	// OnMessage registers the message callback and starts delivery.
	OnMessage(fn func(RawMessage))
	// Done is closed when the feed has terminated, whether by Close or by
	// the upstream dropping the connection.
	Done() <-chan struct{}
	Close() error
}

// Transport opens chat subscriptions. The wire-level danmaku protocol lives
// behind this interface; the collector never sees it.
type Transport interface {
	Connect(ctx context.Context, roomID int64) (Subscription, error)
}

// WSBridgeTransport subscribes through a websocket bridge that speaks
// newline-free JSON RawMessage frames, one per danmaku. The bridge is the
// process that actually implements the bilibili chat protocol.
type WSBridgeTransport struct {
	URL    string
	Dialer *websocket.Dialer
}

func NewWSBridgeTransport(url string) *WSBridgeTransport {
	return &WSBridgeTransport{URL: url, Dialer: websocket.DefaultDialer}
}

func (t *WSBridgeTransport) Connect(ctx context.Context, roomID int64) (Subscription, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	u := fmt.Sprintf("%s?room_id=%d", t.URL, roomID)
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("danmaku bridge dial failed for room %d: %w", roomID, err)
	}
	return &wsSubscription{roomID: roomID, conn: conn, done: make(chan struct{})}, nil
}

type wsSubscription struct {
	roomID int64
	conn   *websocket.Conn

	once sync.Once
	done chan struct{}
}

func (s *wsSubscription) OnMessage(fn func(RawMessage)) {
	go func() {
		defer s.once.Do(func() { close(s.done) })
		for {
			var raw RawMessage
			if err := s.conn.ReadJSON(&raw); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.L().Warn().Int64(log.FieldRoomID, s.roomID).Err(err).Msg("danmaku feed dropped")
				}
				return
			}
			fn(raw)
		}
	}()
}

func (s *wsSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *wsSubscription) Close() error {
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := s.conn.Close()
	s.once.Do(func() { close(s.done) })
	return err
}
