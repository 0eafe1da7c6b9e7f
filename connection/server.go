/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package connection

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Server fans out one goroutine per connection's tick, grounded in the
// teacher's worker-per-unit-of-work jogger pattern (§5.1). Every
// Connection already recovers its own panics into a DisconnectEvent, so
// the errgroup here exists purely to bound goroutine lifetimes against
// ctx, not to propagate a single connection's failure into the others.
type Server struct {
	mu          sync.Mutex
	connections map[string]*Connection
}

func NewServer() *Server {
	return &Server{connections: make(map[string]*Connection)}
}

func (s *Server) Add(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[c.ID] = c
}

func (s *Server) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
}

func (s *Server) Get(id string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	return c, ok
}

// RunOnce advances every connection by one tick concurrently and prunes
// whichever connections RunTick reports as no longer alive (disconnection
// timeout or a recovered panic), returning their ids.
func (s *Server) RunOnce(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var deadMu sync.Mutex
	var dead []string

	g, _ := errgroup.WithContext(ctx)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			if !c.RunTick(now) {
				deadMu.Lock()
				dead = append(dead, c.ID)
				deadMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return dead, err
	}

	for _, id := range dead {
		s.Remove(id)
	}
	return dead, nil
}
