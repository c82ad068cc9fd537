// Command ptzcored is the composition root for the PTZ tracking core: it
// wires the video source, VISCA transport, and control loop together and
// runs until an interrupt or termination signal arrives. Grounded on
// doxx-NOLO/NOLO.go's main() (flag parsing, component construction order,
// deferred Stop()s, os/signal shutdown) and original_source/main.py's
// equivalent composition root.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/riveredge/ptzcore/internal/config"
	"github.com/riveredge/ptzcore/internal/control"
	"github.com/riveredge/ptzcore/internal/telemetrylog"
	"github.com/riveredge/ptzcore/internal/videosource"
	"github.com/riveredge/ptzcore/internal/visca"
	"github.com/riveredge/ptzcore/internal/visualtracker"
)

var (
	configPath = flag.String("config", "config.yaml", "path to YAML configuration file")
	rtspURL    = flag.String("input", "", "override the RTSP stream URL (rtsp://HOST:PORT/PATH)")
	viscaAddr  = flag.String("ptzinput", "", "override the VISCA-over-UDP endpoint (HOST:PORT)")
	debugMode  = flag.Bool("debug", false, "enable verbose component logging")
	logFile    = flag.String("log-file", "", "additionally tee log output to this file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptzcored: %v\n", err)
		os.Exit(1)
	}
	if *rtspURL != "" {
		cfg.Camera.RTSPURL = *rtspURL
	}
	if *viscaAddr != "" {
		cfg.Camera.VISCAAddr = *viscaAddr
	}

	log := newLogger(*debugMode, *logFile)
	log.Printf("main", "starting ptzcored: rtsp=%s visca=%s", cfg.RTSPURL(), cfg.VISCAAddress())

	video, err := videosource.Open(videosource.Config{URL: cfg.RTSPURL()})
	if err != nil {
		log.Printf("main", "fatal: opening video source: %v", err)
		os.Exit(1)
	}
	video.OnError(func(err error) { log.Verbosef("videosource", "%v", err) })
	defer video.Stop()

	w, h := video.Dimensions()
	log.Printf("main", "video source opened: %dx%d", w, h)

	tr, err := visca.Dial(visca.Config{Address: cfg.VISCAAddress()})
	if err != nil {
		log.Printf("main", "fatal: dialing VISCA endpoint: %v", err)
		os.Exit(1)
	}
	tr.OnError(func(err error) { log.Verbosef("visca", "%v", err) })
	// Loop.Run itself issues the final VISCA Stop on shutdown; here we
	// only need to release the socket once it returns.
	defer tr.Close()

	newTracker := func() visualtracker.Tracker { return visualtracker.NewCSRTTracker() }

	loop := control.New(cfg, log, video, tr, newTracker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("main", "received signal %v, shutting down", sig)
		cancel()
	}()

	log.Printf("main", "entering control loop")
	if err := loop.Run(ctx); err != nil {
		log.Printf("main", "fatal: control loop: %v", err)
		// os.Exit skips deferred calls, so release the transports here.
		tr.Close()
		video.Stop()
		os.Exit(1)
	}

	log.Printf("main", "shutdown complete")
}

func newLogger(verbose bool, path string) *telemetrylog.Logger {
	if path == "" {
		return telemetrylog.New(verbose)
	}
	log, err := telemetrylog.NewToFile(verbose, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptzcored: %v, falling back to stderr logging\n", err)
		return telemetrylog.New(verbose)
	}
	return log
}
