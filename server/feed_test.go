package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsFeedSnapshots(t *testing.T) {
	st := NewStats()
	st.ClientConnected()
	st.DetectOK()
	st.Malformed()

	feed := &StatsFeed{Stats: st, Log: log.New(io.Discard)}
	ts := httptest.NewServer(http.HandlerFunc(feed.handle))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("stats")))

	var snap Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, 1, snap.CurrentClients)
	assert.Equal(t, 1, snap.FaceDetectOK)
	assert.Equal(t, 1, snap.Malformed)

	// Counters move between requests on the same subscription.
	st.ReplaceOK()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("stats")))
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, 1, snap.FaceReplaceOK)
}
