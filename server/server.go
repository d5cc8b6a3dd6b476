// Package server exposes the diagnostic shell over SSH so a running
// engine can be inspected remotely.
package server

import (
	"context"
	"errors"
	"sync"

	"github.com/hmatsuda/kioku/engine"
)

var ErrServerClosed = errors.New("server: closed")

type Server struct {
	eng     *engine.Engine
	mutex   sync.Mutex
	servers []subServer
}

type subServer interface {
	Close() error
	Shutdown(ctx context.Context) error
}

func NewServer(eng *engine.Engine) *Server {
	return &Server{
		eng: eng,
	}
}

func (svr *Server) addServer(ss subServer) {
	svr.mutex.Lock()
	defer svr.mutex.Unlock()

	svr.servers = append(svr.servers, ss)
}

func (svr *Server) Close() error {
	svr.mutex.Lock()
	servers := svr.servers
	svr.mutex.Unlock()

	var err error
	for _, ss := range servers {
		cerr := ss.Close()
		if err == nil {
			err = cerr
		}
	}
	return err
}

func (svr *Server) Shutdown(ctx context.Context) error {
	svr.mutex.Lock()
	servers := svr.servers
	svr.mutex.Unlock()

	var err error
	for _, ss := range servers {
		serr := ss.Shutdown(ctx)
		if err == nil {
			err = serr
		}
	}
	return err
}
