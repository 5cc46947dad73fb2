// Command tricore-gdb serves the GDB Remote Serial Protocol over TCP and
// translates it onto a multicore debug-access adapter. The current build
// drives the built-in simulated device; point gdb at the listen address
// with "target remote".
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tricore-tools/tricore-gdb/internal/diag"
	"github.com/tricore-tools/tricore-gdb/internal/gdbserver"
	"github.com/tricore-tools/tricore-gdb/internal/launch"
	"github.com/tricore-tools/tricore-gdb/internal/mcd"
)

func main() {
	var (
		cfgPath    string
		listenAddr string
		launchPath string
		logLevel   string
		wireLog    bool
		noHalt     bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to TOML configuration")
	flag.StringVar(&listenAddr, "listen", "", "RSP listen address (overrides config)")
	flag.StringVar(&launchPath, "launch", "", "path to JSON launch descriptor")
	flag.StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	flag.BoolVar(&wireLog, "wire-log", false, "log every RSP frame at debug level")
	flag.BoolVar(&noHalt, "no-halt", false, "do not halt cores when a client connects")
	flag.Parse()

	logger := logrus.New()
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad log level:", err)
		os.Exit(2)
	}
	logger.SetLevel(lvl)
	log := logger.WithField("component", "tricore-gdb")

	cfg, err := launch.LoadConfig(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if wireLog {
		cfg.WireLog = true
	}
	if noHalt {
		cfg.HaltOnConnect = false
	}

	spec, err := launch.LoadSpec(launchPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "launch descriptor:", err)
		os.Exit(1)
	}

	dev := mcd.NewSimDevice(simConfig(cfg))
	srv := gdbserver.NewServer(dev, cfg, spec, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Watch launch files so the diagnostics endpoint can flag a rebuilt
	// image whose symbols no longer match the target.
	if paths := spec.WatchPaths(); len(paths) > 0 {
		w, err := launch.NewWatcher(log, paths...)
		if err != nil {
			log.WithError(err).Warn("file watcher unavailable")
		} else {
			defer w.Close()
			srv.SetStaleSource(w.StalePaths)
		}
	}

	var stopDiag func()
	if cfg.Diag.Listen != "" {
		shutdown, bound, err := diag.StartHTTP(srv, cfg.Diag.Listen)
		if err != nil {
			fmt.Fprintln(os.Stderr, "diagnostics listen failed:", err)
			os.Exit(1)
		}
		log.WithField("addr", "http://"+bound).Info("diagnostics endpoint up")

		var h3 *diag.HTTP3Server
		if tlsCfg, err := diag.LoadTLS(cfg.Diag.CertFile, cfg.Diag.KeyFile); err != nil {
			log.WithError(err).Warn("diagnostics TLS unavailable, skipping HTTP/3")
		} else {
			h3 = diag.NewHTTP3Server(cfg.Diag.Listen, tlsCfg, diag.NewMux(srv))
			if addr3, err := h3.Start(); err != nil {
				log.WithError(err).Warn("HTTP/3 diagnostics unavailable")
				h3 = nil
			} else {
				log.WithField("addr", "https://"+addr3).Info("diagnostics endpoint up (http3)")
			}
		}
		stopDiag = func() {
			_ = shutdown(context.Background())
			if h3 != nil {
				_ = h3.Stop()
			}
		}
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen failed:", err)
		os.Exit(1)
	}

	err = srv.Serve(ctx, ln)
	if stopDiag != nil {
		stopDiag()
	}
	if err != nil {
		log.WithError(err).Error("server stopped")
		os.Exit(1)
	}
	log.Info("server stopped")
}

// simConfig maps the file configuration onto the simulated device.
// Omitted values fall back to the simulator defaults.
func simConfig(cfg launch.Config) mcd.SimConfig {
	sim := mcd.SimConfig{
		Cores:   cfg.Sim.Cores,
		EntryPC: cfg.Sim.EntryPC,
	}
	for _, r := range cfg.Flash {
		sim.Flash = append(sim.Flash, mcd.MemoryRegion{
			Name:   r.Name,
			Base:   r.Base,
			Length: r.Length,
			Erase:  r.Erase,
			Verify: r.Verify,
		})
	}
	return sim
}
