package server

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0remac/faceserve/vision"
	"github.com/n0remac/faceserve/wire"
)

func startServer(t *testing.T, cfg Config, eng Engine, st *Stats) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(cfg, eng, st, log.New(io.Discard))
	go srv.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestServeCountsCompletedConnections(t *testing.T) {
	eng := &fakeEngine{faces: oneFace(), result: []byte("out")}
	st := NewStats()
	cfg := Config{MaxConnections: 4, MaxImageBytes: 1 << 20, ResponseFile: writeCanned(t)}
	ln := startServer(t, cfg, eng, st)

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		_, err = conn.Write(wire.EncodeRequest(wire.OpDetect, []byte("jpg"), nil))
		require.NoError(t, err)
		resp, err := wire.ReadResponse(conn)
		require.NoError(t, err)
		assert.Equal(t, wire.OpImage, resp.Op)
		conn.Close()
	}

	require.Eventually(t, func() bool {
		snap := st.Snapshot()
		return snap.CompletedClients == 3 && snap.CurrentClients == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, st.Snapshot().FaceDetectOK)
}

func TestServeMalformedThenReport(t *testing.T) {
	eng := &fakeEngine{faces: oneFace(), result: []byte("out")}
	st := NewStats()
	cfg := Config{MaxImageBytes: 1 << 20, ResponseFile: writeCanned(t)}
	ln := startServer(t, cfg, eng, st)

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		_, err = conn.Write(wire.EncodeRequest(wire.OpDetect, []byte("jpg"), nil))
		require.NoError(t, err)
		_, err = wire.ReadResponse(conn)
		require.NoError(t, err)
		conn.Close()
	}

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, cannedBytes, string(got))
	conn.Close()

	require.Eventually(t, func() bool {
		return st.Snapshot().CompletedClients == 3
	}, 2*time.Second, 10*time.Millisecond)

	snap := st.Snapshot()
	assert.Zero(t, snap.CurrentClients)
	assert.Equal(t, 2, snap.FaceDetectOK)
	assert.Zero(t, snap.FaceReplaceOK)
	assert.Equal(t, 1, snap.Malformed)
}

// gatedEngine blocks every decode until its gate closes, pinning the
// worker inside a request so admission behavior is observable.
type gatedEngine struct {
	fakeEngine
	gate chan struct{}
}

func (e *gatedEngine) Decode(data []byte) (vision.Image, error) {
	<-e.gate
	return e.fakeEngine.Decode(data)
}

func TestServeHonorsConnectionCap(t *testing.T) {
	eng := &gatedEngine{
		fakeEngine: fakeEngine{faces: oneFace(), result: []byte("out")},
		gate:       make(chan struct{}),
	}
	st := NewStats()
	cfg := Config{MaxConnections: 1, MaxImageBytes: 1 << 20, ResponseFile: writeCanned(t)}
	ln := startServer(t, cfg, eng, st)

	first, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	_, err = first.Write(wire.EncodeRequest(wire.OpDetect, []byte("jpg"), nil))
	require.NoError(t, err)

	// Wait until the only permit is held by the first worker.
	require.Eventually(t, func() bool {
		return st.Snapshot().CurrentClients == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A second client connects at the TCP level (kernel backlog) but
	// must not be admitted while the first worker is in flight.
	second, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Write(wire.EncodeRequest(wire.OpDetect, []byte("jpg"), nil))
	require.NoError(t, err)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var one [1]byte
	_, err = second.Read(one[:])
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
	assert.Equal(t, 1, st.Snapshot().CurrentClients)

	// Releasing the first worker frees its permit; the second request
	// is then served.
	close(eng.gate)
	resp, err := wire.ReadResponse(first)
	require.NoError(t, err)
	assert.Equal(t, wire.OpImage, resp.Op)
	first.Close()

	require.NoError(t, second.SetReadDeadline(time.Time{}))
	resp, err = wire.ReadResponse(second)
	require.NoError(t, err)
	assert.Equal(t, wire.OpImage, resp.Op)
}

func TestServeStopsWhenListenerCloses(t *testing.T) {
	st := NewStats()
	srv := New(Config{MaxImageBytes: 1 << 20}, &fakeEngine{}, st, log.New(io.Discard))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	ln.Close()

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, net.ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after listener close")
	}
}
