// miracle-dispd is the Wi-Fi Display session daemon: it tracks discovered
// sinks, brings up the peer link through miracle-dhcp when a P2P group
// forms, and drives the RTSP session for each cast.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/albfan/miraclecast/internal/config"
	"github.com/albfan/miraclecast/internal/logging"
	"github.com/albfan/miraclecast/internal/metrics"
)

const version = "1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("miracle-dispd", flag.ContinueOnError)

	var (
		cfgPath  = fs.String("config", "", "configuration file (.hcl, legacy .yaml accepted)")
		dhcpBin  = fs.String("dhcp-binary", "/usr/bin/miracle-dhcp", "path of the DHCP helper")
		logLevel = fs.String("log-level", "", "log level override")
		logTime  = fs.Bool("log-time", false, "prefix log lines with timestamps")
		showVer  = fs.Bool("version", false, "print version and exit")
	)

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *showVer {
		fmt.Println("miracle-dispd", version)
		return 0
	}

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.LoadFile(*cfgPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logging.SetPrefix("miracle-dispd")
	logging.SetDefault(logging.New(logging.Config{
		Level:    level,
		ShowTime: *logTime || cfg.LogTime,
	}))
	log := logging.WithComponent("dispd")

	app, err := NewApp(cfg, *dhcpBin)
	if err != nil {
		log.Error("setup failed", "error", err)
		return 1
	}
	defer app.Close()

	if cfg.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				log.Warn("metrics listener failed", "error", err)
			}
		}()
	}

	// Surface core events into the log until the DBus frontend attaches.
	go func() {
		for e := range app.Hub().Subscribe(64) {
			log.Debug("event", "type", string(e.Type), "source", e.Source)
		}
	}()

	log.Info("running", "version", version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("terminating on signal", "signal", sig.String())
	return 0
}
