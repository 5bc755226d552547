package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const ioTimeout = 5 * time.Second

// HandlerFunc answers one query.
type HandlerFunc func(ctx context.Context, query []byte) ([]byte, error)

// Server accepts probe connections.
type Server struct {
	ln      net.Listener
	handler HandlerFunc
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Listen binds addr and serves queries with h until Close.
func Listen(addr string, h HandlerFunc, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("probe: listen: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ln:      ln,
		handler: h,
		logger:  logger.Named("probe"),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("protocol", ProtocolName))
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	s.cancel()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			if err := s.serveConn(conn); err != nil {
				s.logger.Debug("probe failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) error {
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))
	r := bufio.NewReader(conn)

	name, err := ReadFrame(r, MaxFrame)
	if err != nil {
		return fmt.Errorf("read protocol: %w", err)
	}
	if string(name) != ProtocolName {
		return fmt.Errorf("%w: %q", ErrProtocolMismatch, name)
	}
	query, err := ReadFrame(r, MaxFrame)
	if err != nil {
		return fmt.Errorf("read query: %w", err)
	}
	if len(query) == 0 {
		return ErrEmptyQuery
	}
	response, err := s.handler(s.ctx, query)
	if err != nil {
		return fmt.Errorf("handle query: %w", err)
	}
	return WriteFrame(conn, response)
}

// Query sends one query to addr and returns the response.
func Query(ctx context.Context, addr string, query []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("probe: dial: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(ioTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if err := WriteFrame(conn, []byte(ProtocolName)); err != nil {
		return nil, fmt.Errorf("probe: write protocol: %w", err)
	}
	if err := WriteFrame(conn, query); err != nil {
		return nil, fmt.Errorf("probe: write query: %w", err)
	}
	response, err := ReadFrame(bufio.NewReader(conn), MaxFrame)
	if err != nil {
		return nil, fmt.Errorf("probe: read response: %w", err)
	}
	return response, nil
}
