// Package session bootstraps one editor connection: it opens the TCP
// listener, accepts exactly one connection (the protocol supports no
// multi-editor use), wires the NetBeans engine, parser, multiplexer and
// process runner together, and runs until the editor disconnects.
package session

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/loxcx/abeansd/internal/multiplex"
	"github.com/loxcx/abeansd/internal/netbeans"
	"github.com/loxcx/abeansd/internal/runner"
)

// Config controls one session's network and buffer-naming behavior.
type Config struct {
	Host           string
	Port           int
	InboxFilename  string
	OutboxFilename string
}

// Session owns the listener and the one connection's worth of engine,
// parser, proxy, and runner.
type Session struct {
	cfg Config
	log *logrus.Entry
}

// New builds a Session; call Run to listen, accept, and serve.
func New(cfg Config, log *logrus.Entry) *Session {
	return &Session{cfg: cfg, log: log}
}

// Run opens the listener, accepts a single connection, and blocks until
// that connection's editor disconnects or the socket errors. It always
// closes the listener and every PTY opened during the session before
// returning.
func (s *Session) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "session: listen on %s", addr)
	}
	defer ln.Close()

	s.log.WithField("addr", addr).Info("session: waiting for editor connection")

	conn, err := ln.Accept()
	if err != nil {
		return errors.Wrap(err, "session: accept")
	}
	defer conn.Close()

	s.log.WithField("remote", conn.RemoteAddr()).Info("session: editor connected")

	return s.serve(conn)
}

func (s *Session) serve(conn net.Conn) error {
	send := func(frame []byte) error {
		_, err := conn.Write(frame)
		return err
	}

	engine := netbeans.NewEngine(send, s.log.WithField("component", "engine"))
	parser := netbeans.NewParser(s.log.WithField("component", "parser"))
	proxy := multiplex.New(s.log.WithField("component", "proxy"), nil)
	rn := runner.New(s.log.WithField("component", "runner"), engine, parser, proxy,
		s.cfg.InboxFilename, s.cfg.OutboxFilename)

	proxy.AddEditorReader(conn)

	proxy.Run()

	rn.Shutdown()
	s.log.Info("session: editor disconnected, session ending")
	return nil
}
