package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lox/bingo/internal/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 256
)

// Connection is one authenticated websocket client.
type Connection struct {
	id       string
	playerID int64
	name     string
	address  string
	conn     *websocket.Conn
	send     chan []byte
	server   *Server
	logger   zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, playerID int64, name, address string, conn *websocket.Conn, s *Server) *Connection {
	return &Connection{
		id:       id,
		playerID: playerID,
		name:     name,
		address:  address,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		server:   s,
		logger: s.logger.With().
			Str("conn_id", id).
			Int64("player_id", playerID).
			Logger(),
		done: make(chan struct{}),
	}
}

// ID returns the registry key of the connection.
func (c *Connection) ID() string { return c.id }

// PlayerID returns the authenticated player.
func (c *Connection) PlayerID() int64 { return c.playerID }

// Close asks the write pump to flush queued frames and close the socket.
// Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Send queues an encoded frame without blocking. A client that cannot keep
// up with its buffer is disconnected.
func (c *Connection) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn().Msg("Connection send buffer full, closing connection")
		c.Close()
		return false
	}
}

// SendMessage encodes and queues one message.
func (c *Connection) SendMessage(msg protocol.Message) bool {
	frame, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to encode message")
		return false
	}
	return c.Send(frame)
}

func (c *Connection) sendError(requestID, code, message string) {
	c.SendMessage(protocol.NewMessage(protocol.TypeError, protocol.Error{Code: code, Message: message}).Reply(requestID))
}

// readPump processes one inbound frame at a time until the socket fails.
func (c *Connection) readPump() {
	defer func() {
		c.server.unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(protocol.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error().Err(err).Msg("Unexpected WebSocket close error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.sendError("", protocol.CodeInvalidMessage, "text frames only")
			continue
		}
		c.server.route(c, frame)
	}
}

// writePump owns all writes to the socket.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			// flush what is already queued, then say goodbye
			for {
				select {
				case frame := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}
