package telemetry

import (
	"encoding/binary"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjboer/fdmspectrum/internal/logging"
)

// Spectrum frames on the websocket are little-endian:
//
//	seq u64 | centerHz i64 | sampleRateHz u32 | rssi f32 | n u32 | n x f32
const frameHeaderLen = 28

const writeWait = 2 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// writePump pumps spectrum frames to the websocket connection.
func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func encodeSpectrumFrame(s SpectrumSnapshot) []byte {
	buf := make([]byte, frameHeaderLen+4*len(s.Bins))
	binary.LittleEndian.PutUint64(buf[0:], s.Seq)
	binary.LittleEndian.PutUint64(buf[8:], uint64(s.CenterHz))
	binary.LittleEndian.PutUint32(buf[16:], uint32(s.SampleRateHz))
	binary.LittleEndian.PutUint32(buf[20:], math.Float32bits(s.RSSI))
	binary.LittleEndian.PutUint32(buf[24:], uint32(len(s.Bins)))
	for i, v := range s.Bins {
		binary.LittleEndian.PutUint32(buf[frameHeaderLen+4*i:], math.Float32bits(v))
	}
	return buf
}

func (h *Hub) addClient(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send) // stops writePump
	}
	h.mu.Unlock()
}

// Dropped counts spectrum frames not delivered to slow websocket clients.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// handleSpectrumWS streams every reported spectrum as a binary frame. A
// client that falls behind loses frames rather than delaying the others.
func (h *Hub) handleSpectrumWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.Err(err))
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 4)}
	h.addClient(client)
	h.logger.Debug("spectrum client connected", logging.F("remote", r.RemoteAddr))

	go client.writePump()
	defer func() {
		h.removeClient(client)
		h.logger.Debug("spectrum client disconnected", logging.F("remote", r.RemoteAddr))
	}()

	// Nothing is expected from the client; reading surfaces the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
