package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/putto11262002/chatter-client/core"
)

const socketIOPath = "/socket.io/"

// ConnectError is the refusal sent by the server in a connect_error packet,
// typically an authentication failure.
type ConnectError struct {
	Message string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect refused: %s", e.Message)
}

// streamURL turns the configured endpoint into the websocket URL of the
// socket.io handshake. http(s) schemes are mapped to ws(s).
func streamURL(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("endpoint has no host")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = socketIOPath
	} else if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type authPayload struct {
	Token string `json:"token,omitempty"`
}

// dial opens the websocket and performs the Engine.IO and Socket.IO handshakes.
// The whole exchange is bounded by timeout and aborted when ctx is done.
func dial(ctx context.Context, dialer *websocket.Dialer, endpoint, token string, timeout time.Duration, logger *slog.Logger) (*conn, error) {
	const op = "dial"

	u, err := streamURL(endpoint, token)
	if err != nil {
		return nil, core.NewError(core.TransportError, op, err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ws, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, core.NewError(core.TransportError, op, fmt.Errorf("DialContext: %w", err))
	}

	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
		ws.SetWriteDeadline(deadline)
	}
	// unblock reads when the caller gives up
	stop := context.AfterFunc(ctx, func() {
		ws.Close()
	})

	open, err := handshake(ws, token)
	if !stop() {
		err = errors.Join(err, ctx.Err())
	}
	if err != nil {
		ws.Close()
		return nil, core.NewError(core.TransportError, op, err)
	}

	ws.SetReadDeadline(time.Time{})
	ws.SetWriteDeadline(time.Time{})
	return newConn(ws, open, defaultNamespace, logger), nil
}

func handshake(ws *websocket.Conn, token string) (openPayload, error) {
	var open openPayload

	p, err := readPacket(ws)
	if err != nil {
		return open, err
	}
	if p.Engine != engineOpen {
		return open, fmt.Errorf("expected open packet, got %q", p.Engine)
	}
	if err := json.Unmarshal(p.Data, &open); err != nil {
		return open, fmt.Errorf("Unmarshal open: %w", err)
	}

	frame, err := encodeConnect(defaultNamespace, authPayload{Token: token})
	if err != nil {
		return open, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return open, fmt.Errorf("WriteMessage: %w", err)
	}

	for {
		p, err := readPacket(ws)
		if err != nil {
			return open, err
		}
		switch p.Engine {
		case enginePing:
			if err := ws.WriteMessage(websocket.TextMessage, encodePong(p.Data)); err != nil {
				return open, fmt.Errorf("WriteMessage: %w", err)
			}
			continue
		case engineClose:
			return open, errors.New("closed during handshake")
		case engineMessage:
		default:
			continue
		}
		if p.Namespace != defaultNamespace {
			continue
		}
		switch p.Socket {
		case socketConnect:
			return open, nil
		case socketConnectError:
			var ce connectErrorPayload
			if err := json.Unmarshal(p.Data, &ce); err != nil || ce.Message == "" {
				// some servers send the reason as a bare string
				ce.Message = strings.Trim(string(p.Data), `"`)
			}
			return open, &ConnectError{Message: ce.Message}
		}
	}
}

func readPacket(ws *websocket.Conn) (*Packet, error) {
	mt, b, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("ReadMessage: %w", err)
	}
	if mt != websocket.TextMessage {
		return nil, fmt.Errorf("unexpected message type: %d", mt)
	}
	p, err := decodePacket(b)
	if err != nil {
		return nil, fmt.Errorf("DecodePacket: %w", err)
	}
	return p, nil
}
