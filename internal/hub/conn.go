package hub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"workerhub/internal/auth"
	"workerhub/internal/store"
	"workerhub/pkg/api"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Grace period for the handlers that run after the socket is gone.
	disconnectTimeout = 5 * time.Second
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is a middleman between one websocket and the hub. Inbound frames are
// handled one at a time by readPump; outbound frames are queued on send and
// written by writePump.
type Conn struct {
	hub        *Hub
	ws         *websocket.Conn
	id         string
	node       *store.Node
	remoteAddr string
	logger     *zap.Logger

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func newConn(h *Hub, ws *websocket.Conn, node *store.Node, remoteAddr string) *Conn {
	id := uuid.NewString()
	logger := h.logger.With(zap.String("connection_id", id))
	if node != nil {
		logger = logger.With(zap.String("machine_id", node.MachineID))
	}
	return &Conn{
		hub:        h,
		ws:         ws,
		id:         id,
		node:       node,
		remoteAddr: remoteAddr,
		logger:     logger,
		send:       make(chan []byte, h.opts.SendBuffer),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Send queues a frame. It never blocks: a slow peer whose buffer is full is
// disconnected.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.closed = true
		close(c.send)
		return errSendBufferFull
	}
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ServeWS authorizes and upgrades a worker or dashboard connection, then
// blocks until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	creds := credentialsFromRequest(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("remote_addr", creds.RemoteAddr), zap.Error(err))
		return
	}

	res, err := h.gate.Authorize(r.Context(), creds)
	if err != nil {
		reason, ok := auth.IsRejection(err)
		if !ok {
			reason = auth.ReasonServerError
		}
		h.logger.Warn("connection rejected",
			zap.String("machine_id", creds.MachineID),
			zap.String("remote_addr", creds.RemoteAddr),
			zap.String("reason", reason),
		)
		rejectConn(ws, reason)
		return
	}

	c := newConn(h, ws, res.Node, creds.RemoteAddr)
	if res.Decision == auth.DecisionObserver {
		h.addObserver(c.id, c)
	}
	c.logger.Debug("connection accepted", zap.Stringer("decision", res.Decision))

	go c.writePump()
	c.readPump()
}

func rejectConn(ws *websocket.Conn, reason string) {
	defer ws.Close()

	frame, err := api.Encode(api.MsgAuthError, &api.AuthErrorMessage{Reason: reason})
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return
	}
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
}

// credentialsFromRequest reads the handshake from headers, falling back to query parameters.
func credentialsFromRequest(r *http.Request) auth.Credentials {
	q := r.URL.Query()
	pick := func(header, param string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return q.Get(param)
	}

	kind := auth.KindWorker
	if strings.EqualFold(pick(api.HeaderConnectionType, "type"), string(auth.KindDashboard)) {
		kind = auth.KindDashboard
	}

	return auth.Credentials{
		MachineID:  strings.TrimSpace(pick(api.HeaderMachineID, "machine_id")),
		SecretKey:  pick(api.HeaderSecretKey, "secret_key"),
		RemoteAddr: remoteIP(r),
		Kind:       kind,
	}
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// readPump pumps frames from the websocket to the hub.
func (c *Conn) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.closeSend()
		c.ws.Close()

		dctx, dcancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer dcancel()
		c.hub.Disconnect(dctx, c.id)
	}()

	pongWait := c.hub.opts.PongWait
	c.ws.SetReadLimit(c.hub.opts.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		wsMsgType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}
		if wsMsgType != websocket.BinaryMessage {
			c.logger.Warn("unexpected websocket message type", zap.Int("type", wsMsgType))
			continue
		}
		// Any inbound traffic proves liveness.
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if c.node == nil {
			// observers only listen
			continue
		}

		env, err := api.DecodeEnvelope(frame)
		if err != nil {
			c.logger.Warn("bad frame", zap.Error(err))
			continue
		}
		if err := c.handle(ctx, env); err != nil {
			c.logger.Warn("message handling failed", zap.String("type", string(env.Type)), zap.Error(err))
		}
	}
}

func (c *Conn) handle(ctx context.Context, env *api.Envelope) error {
	h := c.hub
	switch env.Type {
	case api.MsgRegister:
		var msg api.RegisterMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return h.HandleRegister(ctx, c, msg)

	case api.MsgHeartbeat:
		return h.HandleHeartbeat(ctx, c.id)

	case api.MsgTaskProgress:
		var msg api.TaskProgressMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return h.HandleProgress(ctx, c.id, msg)

	case api.MsgTaskCompleted:
		var msg api.TaskCompletedMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return h.HandleCompleted(ctx, c.id, msg)

	case api.MsgCheckVersion:
		var msg api.CheckVersionMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return h.HandleCheckVersion(c, msg)

	default:
		return errors.New("unknown message type " + string(env.Type))
	}
}

// write writes a message with the given message type and payload.
func (c *Conn) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps queued frames to the websocket and keeps it alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}
