package main

import (
	"fmt"
	"math"
	"net"
	"os"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/n0remac/faceserve/server"
	"github.com/n0remac/faceserve/vision"
)

const usageText = "Usage: uqfacedetect connectionlimit maxsize [portnumber]"

// Exit codes, and the largest accepted connectionlimit.
const (
	exitUsage    = 19
	exitPort     = 10
	exitScratch  = 18
	exitCascade  = 14
	maxConnLimit = 10000
)

// statsFeedEnv optionally names a host:port for the live stats feed.
const statsFeedEnv = "FACESERVE_STATS_ADDR"

func main() {
	cfg, port := parseArgs(os.Args[1:])

	resources := vision.LoadResources()

	// The scratch file must be writable before any client shows up.
	f, err := os.OpenFile(resources.Scratch, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintln(os.Stderr, "uqfacedetect: unable to open the image file for writing")
		os.Exit(exitScratch)
	}
	f.Close()

	detector, err := vision.NewDetector(resources)
	if err != nil {
		fmt.Fprintln(os.Stderr, "uqfacedetect: unable to load a cascade classifier")
		os.Exit(exitCascade)
	}
	defer detector.Close()

	ln, err := net.Listen("tcp", ":"+port)
	if err != nil {
		fmt.Fprintln(os.Stderr, "uqfacedetect: unable to listen on given port")
		os.Exit(exitPort)
	}
	fmt.Fprintf(os.Stderr, "%d\n", ln.Addr().(*net.TCPAddr).Port)

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "uqfacedetect"})

	stats := server.NewStats()
	stats.WatchHangup(os.Stderr)

	if addr := os.Getenv(statsFeedEnv); addr != "" {
		feed := &server.StatsFeed{Stats: stats, Log: logger}
		go func() {
			if err := feed.ListenAndServe(addr); err != nil {
				logger.Error("stats feed stopped", "err", err)
			}
		}()
	}

	cfg.ResponseFile = resources.ResponseFile
	srv := server.New(cfg, detector, stats, logger)
	if err := srv.Serve(ln); err != nil {
		logger.Fatal("acceptor stopped", "err", err)
	}
}

// parseArgs validates the positional arguments and returns the server
// config plus the bind port ("0" requests an ephemeral port).
func parseArgs(args []string) (server.Config, string) {
	if len(args) < 2 || len(args) > 3 {
		usage()
	}

	connLimit, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || connLimit > maxConnLimit {
		usage()
	}

	maxSize, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		usage()
	}
	maxImage := uint32(maxSize)
	if maxImage == 0 {
		maxImage = math.MaxUint32
	}

	port := "0"
	if len(args) == 3 {
		if args[2] == "" || !allDigits(args[2]) {
			usage()
		}
		port = args[2]
	}

	return server.Config{
		MaxConnections: int(connLimit),
		MaxImageBytes:  maxImage,
	}, port
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func usage() {
	fmt.Fprintln(os.Stderr, usageText)
	os.Exit(exitUsage)
}
