package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// streamFrame is one JSON message off the realtime socket.
type streamFrame struct {
	Type  string `json:"type"`
	Event *Event `json:"event,omitempty"`
	Error string `json:"error,omitempty"`
}

// Connect dials the realtime stream and starts the read and ping loops.
// Callbacks fire from the read loop until the socket dies or Disconnect is
// called; a read error after Disconnect does not reach OnClose.
func (c *RestClient) Connect(ctx context.Context, h Handlers) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return ErrSessionExpired
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.connected {
		return errors.New("source: already connected")
	}

	dialer := *websocket.DefaultDialer
	if c.proxy != "" {
		proxyURL, err := url.Parse(c.proxy)
		if err != nil {
			return err
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("User-Agent", c.device.UserAgent())

	conn, resp, err := dialer.DialContext(ctx, c.streamURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return ErrSessionExpired
		}
		return err
	}

	c.conn = conn
	c.handlers = h
	c.stopCh = make(chan struct{})
	c.connected = true
	c.log.Info().Str("url", c.streamURL).Msg("Realtime stream connected")

	if h.OnConnect != nil {
		h.OnConnect()
	}

	go c.readLoop(conn, c.stopCh)
	go c.pingLoop(conn, c.stopCh)
	return nil
}

func (c *RestClient) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connMu.Lock()
			wasConnected := c.connected
			c.connected = false
			c.connMu.Unlock()

			select {
			case <-stop:
				return
			default:
			}
			if wasConnected && c.handlers.OnClose != nil {
				c.handlers.OnClose(err)
			}
			return
		}

		if c.handlers.OnReceive != nil {
			c.handlers.OnReceive(data)
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			if c.handlers.OnError != nil {
				c.handlers.OnError(err)
			}
			continue
		}

		switch frame.Type {
		case "message":
			if frame.Event != nil && c.handlers.OnMessage != nil {
				c.handlers.OnMessage(*frame.Event)
			}
		case "error":
			if c.handlers.OnError != nil {
				c.handlers.OnError(errors.New("stream: " + frame.Error))
			}
		case "pong":
		default:
			c.log.Debug().Str("type", frame.Type).Msg("Ignoring unknown stream frame")
		}
	}
}

func (c *RestClient) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug().Err(err).Msg("Stream ping failed")
				return
			}
		}
	}
}

// Disconnect closes the stream without firing OnClose. Safe to call when not
// connected.
func (c *RestClient) Disconnect(_ context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	close(c.stopCh)

	deadline := time.Now().Add(writeTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	err := c.conn.Close()
	c.conn = nil
	c.log.Info().Msg("Realtime stream disconnected")
	return err
}
