package server

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatsFeed serves counter snapshots over a websocket: every text
// message a subscriber sends is answered with the current counters as
// JSON. It is an operator convenience alongside the SIGHUP report and
// is only started when an address is configured.
type StatsFeed struct {
	Stats *Stats
	Log   *log.Logger
}

// ListenAndServe runs the feed's HTTP listener. It blocks.
func (f *StatsFeed) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", f.handle)
	return http.ListenAndServe(addr, mux)
}

func (f *StatsFeed) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		f.Log.Warn("stats feed upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := conn.WriteJSON(f.Stats.Snapshot()); err != nil {
			return
		}
	}
}
