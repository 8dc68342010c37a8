// abeansd bridges a NetBeans-protocol editor connection to a set of
// shell processes, each running under its own PTY.
//
// Usage:
//
//	abeansd [-p <port>] [-l <logfile>] [-c <config>] [-g]
//
// The editor is expected to open exactly one NetBeans connection to the
// configured port; abeansd serves that connection until the editor
// disconnects, then exits.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/loxcx/abeansd/internal/config"
	"github.com/loxcx/abeansd/internal/logging"
	"github.com/loxcx/abeansd/internal/session"
)

func main() {
	var (
		logPath    string
		port       int
		configPath string
		background bool
	)

	flag.StringVar(&logPath, "l", "", "log file path, rotated daily (default: stderr)")
	flag.StringVar(&logPath, "log", "", "log file path, rotated daily (default: stderr)")
	flag.IntVar(&port, "p", 0, "TCP port to listen on (default 60101)")
	flag.IntVar(&port, "port", 0, "TCP port to listen on (default 60101)")
	flag.StringVar(&configPath, "c", "", "path to abeansd.yaml")
	flag.StringVar(&configPath, "config", "", "path to abeansd.yaml")
	flag.BoolVar(&background, "g", false, "run detached from the controlling terminal")
	flag.BoolVar(&background, "background", false, "run detached from the controlling terminal")
	flag.Parse()

	if background && os.Getenv("ABEANSD_DAEMONIZED") == "" {
		daemonize()
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "abeansd: config:", err)
		os.Exit(1)
	}
	cfg.Overlay(config.Config{Port: port, LogPath: logPath})

	log, err := logging.New(logging.Options{Path: cfg.LogPath, Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, "abeansd: logging:", err)
		os.Exit(1)
	}

	run(cfg, log)
}

func run(cfg config.Config, log *logrus.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("abeansd: recovered from panic, exiting")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("abeansd: received signal, shutting down")
		os.Exit(0)
	}()

	s := session.New(session.Config{
		Host:           cfg.Host,
		Port:           cfg.Port,
		InboxFilename:  cfg.InboxFilename,
		OutboxFilename: cfg.OutboxFilename,
	}, log.WithField("component", "session"))

	if err := s.Run(); err != nil {
		log.WithError(err).Error("abeansd: session exited with error")
		os.Exit(1)
	}
}

// daemonize re-executes the current binary, detached from the
// controlling terminal. Go cannot safely fork() a multi-threaded
// process — the runtime's own background goroutines would not survive
// it — so self-re-exec under a fresh session is the idiomatic substitute
// for the original's fork()-based daemonization.
func daemonize() {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), "ABEANSD_DAEMONIZED=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "abeansd: daemonize:", err)
		os.Exit(1)
	}
	defer devnull.Close()
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull

	if err := cmd.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "abeansd: daemonize:", err)
		os.Exit(1)
	}
	fmt.Printf("abeansd: daemonized as pid %d\n", cmd.Process.Pid)
}
