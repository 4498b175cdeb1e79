package display

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

const indexHTML = `<!doctype html>
<html>
<head><title>panoviewer</title>
<style>body{margin:0;background:#111}img{width:100%;display:block}</style>
</head>
<body>
<img id="feed" alt="panorama">
<script>
const img = document.getElementById("feed");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.binaryType = "blob";
ws.onmessage = (ev) => {
  const url = URL.createObjectURL(ev.data);
  img.onload = () => URL.revokeObjectURL(url);
  img.src = url;
};
document.addEventListener("keydown", (ev) => {
  if (ev.key.length === 1 && ws.readyState === WebSocket.OPEN) ws.send(ev.key);
});
</script>
</body>
</html>
`

// Web streams frames as JPEG over a websocket to any connected browser and
// forwards their key presses.
type Web struct {
	log      zerolog.Logger
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*webClient]struct{}

	keys      chan rune
	closeOnce sync.Once
}

type webClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWeb starts serving on addr. Use ":0" to pick a free port.
func NewWeb(addr string, log zerolog.Logger) (*Web, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	w := &Web{
		log:      log,
		listener: ln,
		clients:  make(map[*webClient]struct{}),
		keys:     make(chan rune, 8),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", w.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/ws", w.handleWS)
	w.server = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Error().Err(err).Msg("preview server stopped")
		}
	}()
	w.log.Info().Str("addr", ln.Addr().String()).Msg("preview server listening")

	return w, nil
}

// Addr returns the address actually listened on.
func (w *Web) Addr() string {
	return w.listener.Addr().String()
}

// Clients returns the number of connected viewers.
func (w *Web) Clients() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.clients)
}

func (w *Web) handleIndex(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = rw.Write([]byte(indexHTML))
}

func (w *Web) handleWS(rw http.ResponseWriter, req *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		w.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &webClient{conn: conn, send: make(chan []byte, 2)}
	w.mu.Lock()
	w.clients[c] = struct{}{}
	w.mu.Unlock()
	w.log.Info().Str("remote", req.RemoteAddr).Msg("viewer connected")

	go w.writeLoop(c)
	w.readLoop(c)
}

// readLoop forwards the first rune of each text message as a key press.
func (w *Web) readLoop(c *webClient) {
	defer w.drop(c)
	for {
		mt, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if r, size := utf8.DecodeRune(msg); size > 0 && r != utf8.RuneError {
			select {
			case w.keys <- r:
			default:
			}
		}
	}
}

func (w *Web) writeLoop(c *webClient) {
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			w.drop(c)
			return
		}
	}
}

func (w *Web) drop(c *webClient) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.clients[c]; !ok {
		return
	}
	delete(w.clients, c)
	close(c.send)
	c.conn.Close()
	w.log.Info().Msg("viewer disconnected")
}

// Show encodes frame once and queues it for every viewer. Viewers that are
// still sending the previous frames skip this one.
func (w *Web) Show(_ string, frame gocv.Mat) error {
	if w.Clients() == 0 {
		return nil
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	data := append([]byte(nil), buf.GetBytes()...)
	buf.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	for c := range w.clients {
		select {
		case c.send <- data:
		default:
		}
	}
	return nil
}

func (w *Web) PollKey(timeout time.Duration) (rune, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-w.keys:
		return r, true
	case <-t.C:
		return 0, false
	}
}

// Close stops the server and disconnects all viewers.
func (w *Web) Close() error {
	var err error
	w.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = w.server.Shutdown(ctx)

		w.mu.Lock()
		clients := make([]*webClient, 0, len(w.clients))
		for c := range w.clients {
			clients = append(clients, c)
		}
		w.mu.Unlock()
		for _, c := range clients {
			w.drop(c)
		}
	})
	return err
}
