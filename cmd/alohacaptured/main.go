package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/lanikai/alohacapture"
	"github.com/lanikai/alohacapture/internal/capture"
	"github.com/lanikai/alohacapture/internal/logging"
	"github.com/lanikai/alohacapture/internal/metrics"
	"github.com/lanikai/alohacapture/internal/preview"
)

// Populated via -ldflags="-X main.GitRevisionId=...".
var GitRevisionId string

var log = logging.DefaultLogger.WithTag("alohacaptured")

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}

	cfg := alohacapture.DefaultConfig()
	if flagConfig != "" {
		var err error
		if cfg, err = alohacapture.LoadConfig(flagConfig); err != nil {
			fatal(err)
		}
	}
	applyFlags(&cfg)
	if cfg.Quiet {
		logging.DefaultLogger.SetEnabled(false)
	}

	cam, err := alohacapture.Open(cfg)
	if err != nil {
		fatal(err)
	}
	cfg = cam.Config()

	var hub *preview.Hub
	var srv *http.Server
	if flagListen != "" {
		hub = preview.NewHub(cfg.Name)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/ws", hub)
		mux.HandleFunc("/snapshot.jpg", hub.ServeSnapshot)
		srv = &http.Server{Addr: flagListen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				log.Error("%v", err)
			}
		}()
		log.Info("serving metrics and preview on %s", flagListen)
	}

	if err := cam.Start(); err != nil {
		cam.Close()
		fatal(err)
	}

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		consume(cam.Frames(), hub)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			report(cam.Session())
		case s := <-sig:
			log.Info("%v, stopping", s)
			break loop
		}
	}

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		srv.Shutdown(ctx)
		cancel()
		hub.Close()
	}
	if err := cam.Close(); err != nil {
		log.Error("%v", err)
	}
	<-consumed
}

// applyFlags overrides cfg with every flag given on the command line, or
// with every flag when no configuration file is used.
func applyFlags(cfg *alohacapture.Config) {
	set := func(name string) bool {
		return flagConfig == "" || flag.CommandLine.Changed(name)
	}
	if set("input") {
		cfg.Device = flagInput
	}
	if set("width") {
		cfg.Width = uint32(flagWidth)
	}
	if set("height") {
		cfg.Height = uint32(flagHeight)
	}
	if set("format") {
		cfg.Format = flagFormat
	}
	if set("io") {
		cfg.IO = flagIO
	}
	if set("buffers") {
		cfg.Buffers = flagBuffers
	}
	if set("queue") {
		cfg.Queue = flagQueue
	}
	if set("nonblock") {
		cfg.NonBlocking = flagNonBlocking
	}
	if set("quiet") {
		cfg.Quiet = flagQuiet
	}
}

// consume hands every frame to the preview hub, or straight back to the
// capture pipeline when nothing is listening.
func consume(frames <-chan *capture.Frame, hub *preview.Hub) {
	for f := range frames {
		if hub != nil {
			hub.Dispatch(f)
		} else {
			f.Release()
		}
	}
}

func report(s *capture.Session) {
	received := s.GetReceivedFramesCount()
	rendered := s.GetRenderedFramesCount()
	log.Info("%d received, %d rendered, %d dropped, %.1f fps",
		received, rendered, s.GetDroppedFramesCount(), s.FPS())

	if err, n := s.LastError(); err != nil {
		log.Debug("%d errors, last: %v", n, err)
	}
}

func fatal(err error) {
	log.Error("%v", err)
	os.Exit(1)
}
