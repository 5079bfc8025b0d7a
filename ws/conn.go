package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	"github.com/putto11262002/chatter-client/proto"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	// Frames waiting to be written. Send fails once the buffer is full.
	outBufferSize = 256

	// Used when the open packet does not announce heartbeat timings.
	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second
)

// conn is one live socket.io session over a websocket connection.
type conn struct {
	ws        *websocket.Conn
	sid       string
	namespace string
	// readWait is how long the read loop waits for the next frame,
	// derived from the heartbeat timings of the open packet.
	readWait time.Duration
	out      chan []byte
	done     chan struct{}
	once     sync.Once
	wg       conc.WaitGroup
	logger   *slog.Logger

	onPacket func(*Packet)
	onClose  func(reason string, err error)
}

func newConn(ws *websocket.Conn, open openPayload, namespace string, logger *slog.Logger) *conn {
	interval := time.Duration(open.PingInterval) * time.Millisecond
	if interval <= 0 {
		interval = defaultPingInterval
	}
	timeout := time.Duration(open.PingTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	return &conn{
		ws:        ws,
		sid:       open.SID,
		namespace: namespace,
		readWait:  interval + timeout,
		out:       make(chan []byte, outBufferSize),
		done:      make(chan struct{}),
		logger:    logger.With(slog.String("sid", open.SID)),
	}
}

// start runs the read and write loops. onPacket is called from the read loop for
// every socket.io packet of the connection's namespace; onClose is called once when
// the read loop exits.
func (c *conn) start(onPacket func(*Packet), onClose func(reason string, err error)) {
	c.onPacket = onPacket
	c.onClose = onClose
	c.wg.Go(c.readLoop)
	c.wg.Go(c.writeLoop)
}

// send queues a frame for writing. It returns false if the connection is
// closed or the write buffer is full.
func (c *conn) send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("write buffer full, dropping frame")
		return false
	}
}

// close stops the write loop, which writes the frames still queued, then a
// namespace disconnect and a close frame before closing the socket. The read loop exits on the closed socket.
func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// wait blocks until both loops exited.
func (c *conn) wait() {
	c.wg.Wait()
}

func (c *conn) readLoop() {
	reason := proto.ReasonTransportClose
	var lost error
	defer func() {
		c.close()
		c.ws.Close()
		c.logger.Debug("exited read loop", slog.String("reason", reason))
		if c.onClose != nil {
			c.onClose(reason, lost)
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.readWait))
	for {
		mt, b, err := c.ws.ReadMessage()
		if err != nil {
			reason, lost = c.closeReason(err)
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.readWait))
		if mt != websocket.TextMessage {
			c.logger.Warn(fmt.Sprintf("unexpected message type: %d", mt))
			continue
		}

		packet, err := decodePacket(b)
		if err != nil {
			c.logger.Warn(fmt.Sprintf("DecodePacket: %v", err))
			continue
		}

		switch packet.Engine {
		case enginePing:
			c.send(encodePong(packet.Data))
			continue
		case engineClose:
			reason = proto.ReasonTransportClose
			return
		case engineMessage:
		default:
			continue
		}

		if packet.Namespace != c.namespace {
			continue
		}
		if packet.Socket == socketDisconnect {
			reason = proto.ReasonServerDisconnect
			return
		}
		if c.onPacket != nil {
			c.onPacket(packet)
		}
	}
}

func (c *conn) closeReason(err error) (string, error) {
	select {
	case <-c.done:
		// closed locally
		return proto.ReasonClientDisconnect, nil
	default:
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return proto.ReasonPingTimeout, err
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debug(fmt.Sprintf("expected close: %v", err))
		return proto.ReasonTransportClose, err
	}
	if websocket.IsUnexpectedCloseError(err) {
		c.logger.Warn(fmt.Sprintf("unexpected close: %v", err))
		return proto.ReasonTransportClose, err
	}
	c.logger.Warn(fmt.Sprintf("ReadMessage: %v", err))
	return proto.ReasonTransportError, err
}

func (c *conn) writeLoop() {
	defer c.logger.Debug("exited write loop")

	for {
		select {
		case frame := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn(fmt.Sprintf("WriteMessage: %v", err))
				c.ws.Close()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.flush() {
				c.ws.Close()
				return
			}
			c.ws.WriteMessage(websocket.TextMessage, encodeDisconnect(c.namespace))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.ws.Close()
			return
		}
	}
}

// flush writes the frames queued before close so they reach the peer ahead of
// the disconnect packet. It reports false if a write failed.
func (c *conn) flush() bool {
	for {
		select {
		case frame := <-c.out:
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn(fmt.Sprintf("WriteMessage: %v", err))
				return false
			}
		default:
			return true
		}
	}
}
