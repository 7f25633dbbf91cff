package server

import (
	"errors"
	"image"
	"io"
	"net"
	"os"

	"github.com/charmbracelet/log"

	"github.com/n0remac/faceserve/vision"
	"github.com/n0remac/faceserve/wire"
)

// Engine is what a session needs from the detection facade. The server
// never touches OpenCV directly, which keeps the protocol loop
// testable with a fake.
type Engine interface {
	Decode(data []byte) (vision.Image, error)
	DecodeUnchanged(data []byte) (vision.Image, error)
	FindFaces(img vision.Image) []image.Rectangle
	Annotate(img vision.Image, faces []image.Rectangle)
	Composite(img vision.Image, faces []image.Rectangle, replacement vision.Image)
	Encode(img vision.Image) ([]byte, error)
}

// Protocol error payloads. These exact byte sequences are the contract;
// no trailing newline.
const (
	msgInvalidMessage = "invalid message"
	msgInvalidOp      = "invalid operation type"
	msgZeroBytes      = "image is 0 bytes"
	msgTooLarge       = "image too large"
	msgInvalidImage   = "invalid image"
	msgNoFaces        = "no faces detected in image"
)

// session runs the per-connection request loop. One goroutine owns one
// session; nothing here is shared except the engine, stats and the
// canned response file, all of which guard themselves.
type session struct {
	id       string
	conn     net.Conn
	engine   Engine
	stats    *Stats
	maxImage uint32
	respFile string
	log      *log.Logger
}

// run services requests until the peer goes away or a request fails.
// Every failure path has already emitted its response by the time
// serveOne returns false.
func (s *session) run() {
	defer s.conn.Close()
	for s.serveOne() {
	}
}

func (s *session) serveOne() bool {
	if err := wire.ReadMagic(s.conn); err != nil {
		if errors.Is(err, wire.ErrBadMagic) {
			s.stats.Malformed()
			s.sendCanned()
		} else {
			s.fail(msgInvalidMessage)
		}
		return false
	}

	op, err := wire.ReadOp(s.conn)
	if err != nil {
		s.fail(msgInvalidMessage)
		return false
	}
	if op > wire.OpReplace {
		s.fail(msgInvalidOp)
		return false
	}

	img, ok := s.recvImage(false)
	if !ok {
		return false
	}

	faces := s.engine.FindFaces(img)
	if len(faces) == 0 {
		img.Close()
		s.fail(msgNoFaces)
		return false
	}

	switch op {
	case wire.OpDetect:
		s.engine.Annotate(img, faces)
	case wire.OpReplace:
		replacement, ok := s.recvImage(true)
		if !ok {
			img.Close()
			return false
		}
		s.engine.Composite(img, faces, replacement)
		replacement.Close()
	}

	out, err := s.engine.Encode(img)
	img.Close()
	if err != nil {
		s.log.Error("encode result", "id", s.id, "err", err)
		s.fail(msgInvalidImage)
		return false
	}

	if err := wire.WriteAll(s.conn, wire.EncodeResponse(wire.OpImage, out)); err != nil {
		return false
	}
	switch op {
	case wire.OpDetect:
		s.stats.DetectOK()
	case wire.OpReplace:
		s.stats.ReplaceOK()
	}
	return true
}

// recvImage reads one length-prefixed image off the wire and decodes
// it. On failure the error response has been sent and the connection is
// done. unchanged selects the channel-preserving decode used for
// replacement images.
func (s *session) recvImage(unchanged bool) (vision.Image, bool) {
	n, err := wire.ReadLen(s.conn)
	if err != nil {
		s.fail(msgInvalidMessage)
		return nil, false
	}
	if n == 0 {
		s.fail(msgZeroBytes)
		return nil, false
	}
	if n > s.maxImage {
		s.fail(msgTooLarge)
		return nil, false
	}
	data, err := wire.ReadPayload(s.conn, n)
	if err != nil {
		s.fail(msgInvalidMessage)
		return nil, false
	}

	var img vision.Image
	if unchanged {
		img, err = s.engine.DecodeUnchanged(data)
	} else {
		img, err = s.engine.Decode(data)
	}
	if err != nil {
		s.fail(msgInvalidImage)
		return nil, false
	}
	return img, true
}

// fail sends an error frame best-effort and half-closes the write side
// so the peer sees a clean end of stream.
func (s *session) fail(msg string) {
	if err := wire.WriteAll(s.conn, wire.EncodeResponse(wire.OpError, []byte(msg))); err != nil {
		s.log.Debug("error response not delivered", "id", s.id, "err", err)
	}
	s.closeWrite()
}

// sendCanned streams the prefix response file verbatim. The reply to a
// bad magic is byte-for-byte whatever that file holds, not a framed
// response.
func (s *session) sendCanned() {
	f, err := os.Open(s.respFile)
	if err != nil {
		s.log.Error("open response file", "id", s.id, "path", s.respFile, "err", err)
		return
	}
	defer f.Close()
	if _, err := io.Copy(s.conn, f); err != nil {
		s.log.Debug("canned response not delivered", "id", s.id, "err", err)
	}
	s.closeWrite()
}

func (s *session) closeWrite() {
	if hc, ok := s.conn.(interface{ CloseWrite() error }); ok {
		hc.CloseWrite()
	}
}
