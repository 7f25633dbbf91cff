// Package client implements the uqfaceclient driver: read the input
// image(s), frame a request, and dispatch the server's response.
package client

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/n0remac/faceserve/wire"
)

// Exit codes surfaced by the uqfaceclient binary.
const (
	ExitUsage       = 16 // command-line error
	ExitInputFile   = 13 // detect or replacement file unreadable
	ExitOutputFile  = 5  // output file unwritable
	ExitConnect     = 19 // server unreachable
	ExitComms       = 9  // short read or unexpected response
	ExitServerError = 11 // server answered with an error frame
)

// Config describes one client invocation. Empty DetectFile means read
// the image from stdin; empty OutputFile means write the result to
// stdout; empty ReplaceFile means a detect request.
type Config struct {
	Port        string
	DetectFile  string
	ReplaceFile string
	OutputFile  string
}

// Run performs the whole request/response exchange and returns the
// process exit code. Diagnostics go to stderr.
func Run(cfg Config, stdin io.Reader, stdout, stderr io.Writer) int {
	img, code := readInput(cfg.DetectFile, stdin, stderr)
	if code != 0 {
		return code
	}

	var replacement []byte
	op := wire.OpDetect
	if cfg.ReplaceFile != "" {
		op = wire.OpReplace
		replacement, code = readInput(cfg.ReplaceFile, nil, stderr)
		if code != 0 {
			return code
		}
	}

	// Claim the output file before talking to the server so an
	// unwritable path fails fast.
	out := stdout
	if cfg.OutputFile != "" {
		f, err := os.Create(cfg.OutputFile)
		if err != nil {
			fmt.Fprintf(stderr, "uqfaceclient: unable to open the output file \"%s\" for writing\n", cfg.OutputFile)
			return ExitOutputFile
		}
		defer f.Close()
		out = f
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("localhost", cfg.Port))
	if err != nil {
		fmt.Fprintf(stderr, "uqfaceclient: cannot connect to the server on port %s\n", cfg.Port)
		return ExitConnect
	}
	defer conn.Close()

	return Exchange(conn, op, img, replacement, out, stderr)
}

// Exchange sends one request over an established connection and
// dispatches the response. Split from Run so the protocol handling is
// exercisable over any connection.
func Exchange(conn net.Conn, op byte, img, replacement []byte, out, stderr io.Writer) int {
	if err := wire.WriteAll(conn, wire.EncodeRequest(op, img, replacement)); err != nil {
		fmt.Fprintln(stderr, "uqfaceclient: a communication error occurred talking to the server")
		return ExitComms
	}

	resp, err := wire.ReadResponse(conn)
	if err != nil {
		fmt.Fprintln(stderr, "uqfaceclient: a communication error occurred talking to the server")
		return ExitComms
	}

	switch resp.Op {
	case wire.OpImage:
		if err := wire.WriteAll(out, resp.Payload); err != nil {
			fmt.Fprintln(stderr, "uqfaceclient: unable to write the output image")
			return ExitOutputFile
		}
		return 0
	case wire.OpError:
		fmt.Fprintf(stderr, "uqfaceclient: received the following error message: \"%s\"\n", resp.Payload)
		return ExitServerError
	default:
		fmt.Fprintln(stderr, "uqfaceclient: a communication error occurred talking to the server")
		return ExitComms
	}
}

// readInput loads the image from a file, or from stdin when path is
// empty and stdin is provided.
func readInput(path string, stdin io.Reader, stderr io.Writer) ([]byte, int) {
	if path == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintln(stderr, "uqfaceclient: unable to read the image from standard input")
			return nil, ExitInputFile
		}
		return data, 0
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "uqfaceclient: unable to open the input file \"%s\" for reading\n", path)
		return nil, ExitInputFile
	}
	return data, 0
}
