package http

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"securechat/internal/authz"
)

// handleWS upgrades the connection, registers the authenticated device in
// the live-connection map, and keeps it fed: an initial flush of everything
// pending, then a poll that picks up rows the live dispatch may have raced
// past, plus a keepalive ping. Receipts arrive over the REST endpoint; the
// socket is push-only, so a close can never lose state: rows stay at
// whatever status was last durably confirmed.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFrom(r.Context())

	ws, err := acceptWebSocket(w, r)
	if err != nil {
		h.log.Warn("ws handshake", "error", err, "device_id", id.DeviceID)
		return
	}
	defer ws.close()

	h.registry.Connect(id.DeviceID, ws)
	defer h.registry.Disconnect(id.DeviceID, ws)

	if err := h.directory.Touch(r.Context(), id.DeviceID, remoteAddr(r)); err != nil {
		h.log.Warn("presence touch", "error", err, "device_id", id.DeviceID)
	}
	h.log.Info("device connected", "device_id", id.DeviceID, "user_id", id.UserID)

	ctx := r.Context()
	if _, err := h.router.DispatchPending(ctx, id.DeviceID, h.batch); err != nil {
		h.log.Warn("ws initial flush", "error", err, "device_id", id.DeviceID)
		return
	}

	ticker := time.NewTicker(h.wsPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("device disconnected", "device_id", id.DeviceID)
			return
		case <-ticker.C:
			if _, err := h.router.DispatchQueued(ctx, id.DeviceID, h.batch); err != nil {
				h.log.Warn("ws flush", "error", err, "device_id", id.DeviceID)
				return
			}
			if err := ws.writeFrame(opPing, nil); err != nil {
				h.log.Info("device disconnected", "device_id", id.DeviceID)
				return
			}
		}
	}
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

const (
	opText = 0x1
	opPing = 0x9
)

// wsServerConn is a minimal server-side websocket: unmasked frames out,
// nothing read. It satisfies fanout.Conn so the router can push envelopes
// directly.
type wsServerConn struct {
	conn net.Conn
	w    *bufio.Writer
	mu   sync.Mutex
}

// Send implements fanout.Conn.
func (c *wsServerConn) Send(payload []byte) error {
	return c.writeFrame(opText, payload)
}

func acceptWebSocket(w http.ResponseWriter, r *http.Request) (*wsServerConn, error) {
	if !strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, fmt.Errorf("missing upgrade header")
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, fmt.Errorf("invalid upgrade value")
	}
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, fmt.Errorf("missing websocket key")
	}
	accept := computeAccept(key)
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return nil, fmt.Errorf("hijacking not supported")
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, err
	}
	response := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n", accept)
	if _, err := rw.WriteString(response); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &wsServerConn{conn: conn, w: bufio.NewWriter(conn)}, nil
}

func (c *wsServerConn) writeFrame(opcode byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	if err := c.w.WriteByte(0x80 | opcode); err != nil {
		return err
	}
	length := len(payload)
	switch {
	case length <= 125:
		if err := c.w.WriteByte(byte(length)); err != nil {
			return err
		}
	case length < 65536:
		if err := c.w.WriteByte(126); err != nil {
			return err
		}
		if err := binary.Write(c.w, binary.BigEndian, uint16(length)); err != nil {
			return err
		}
	default:
		if err := c.w.WriteByte(127); err != nil {
			return err
		}
		if err := binary.Write(c.w, binary.BigEndian, uint64(length)); err != nil {
			return err
		}
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *wsServerConn) close() {
	_ = c.conn.Close()
}

func computeAccept(key string) string {
	const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}
