package transport

import (
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
	"github.com/vigil-dev/vigil/pkg/wire"
)

// WebSocketConn carries frames over a WebSocket connection. Each binary
// message holds exactly one encoded frame, length prefix included, so both
// sides run the same codec validation as the stream transport.
type WebSocketConn struct {
	ws  *websocket.Conn
	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps an established WebSocket connection.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

// DialWebSocket connects to a host bridge at url (ws://host:port/v1/ws).
func DialWebSocket(url string) (*WebSocketConn, error) {
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, vigilerrors.Wrap(err, vigilerrors.ErrCodeTransportRefused, "websocket dial failed").
			WithContext("url", url).
			WithRetryable(true)
	}
	return NewWebSocketConn(ws), nil
}

// ReadFrame returns the next frame. Text messages and pings are handled by
// the websocket library; anything that is not a single well-formed binary
// frame surfaces as a typed protocol error without closing the connection.
func (c *WebSocketConn) ReadFrame() (wire.Frame, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return wire.Frame{}, io.EOF
		}
		return wire.Frame{}, vigilerrors.Wrap(err, vigilerrors.ErrCodeTransportLost, "websocket read failed").
			WithRetryable(true)
	}
	if msgType != websocket.BinaryMessage {
		return wire.Frame{}, vigilerrors.New(vigilerrors.ErrCodeProtocolMalformed,
			"expected binary websocket message").
			WithContext("message_type", msgType)
	}

	dec := wire.NewDecoder()
	_, _ = dec.Write(data)
	f, err := dec.Next()
	if err != nil {
		return wire.Frame{}, err
	}
	if f == nil || dec.Buffered() != 0 {
		return wire.Frame{}, vigilerrors.New(vigilerrors.ErrCodeProtocolMalformed,
			"websocket message must hold exactly one frame").
			WithContext("len", len(data))
	}
	return *f, nil
}

// WriteFrame encodes and sends one frame as a binary message.
func (c *WebSocketConn) WriteFrame(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return vigilerrors.Wrap(err, vigilerrors.ErrCodeTransportLost, "websocket write failed").
			WithRetryable(true)
	}
	return nil
}

// Close sends a close frame and tears down the connection.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *WebSocketConn) RemoteAddr() string {
	if addr := c.ws.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// Upgrader accepts observer WebSocket connections on the host side. Observer
// processes run on the same machine, so cross-origin checks stay permissive.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}
