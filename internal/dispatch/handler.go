package dispatch

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"conveyor/internal/logging"
)

// Encoders are trusted agents, not browsers, so origin checks do not apply.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWS upgrades an encoder connection. With an auth token configured,
// requests must carry it as a bearer token or X-Conveyor-Token header.
func (d *Dispatcher) ServeWS(w http.ResponseWriter, r *http.Request) {
	if token := d.settings.AuthToken; token != "" {
		presented := requestToken(r)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			d.logger.Warn("rejecting encoder connection: bad token",
				logging.String("remote", r.RemoteAddr))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("websocket upgrade failed",
			logging.String("remote", r.RemoteAddr), logging.Error(err))
		return
	}
	d.HandleConn(conn, r.RemoteAddr)
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Conveyor-Token"))
}
