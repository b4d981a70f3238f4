package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"claimdesk/api/internal/auth"
)

// StreamFunc pushes updates for principal to conn until ctx is canceled.
type StreamFunc func(ctx context.Context, principal auth.Principal, conn *Connection) error

// Authenticator turns an auth frame's token into a principal.
type Authenticator func(token string) (auth.Principal, error)

// Session runs one stream socket. The stream follows the session's
// principal: it restarts when the principal changes and stops on logout.
type Session struct {
	conn         *Connection
	provider     *auth.Provider
	authenticate Authenticator
	stream       StreamFunc
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSession(conn *Connection, provider *auth.Provider, authenticate Authenticator, stream StreamFunc, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:         conn,
		provider:     provider,
		authenticate: authenticate,
		stream:       stream,
		logger:       logger,
	}
}

// Serve blocks until the peer disconnects or ctx ends.
func (s *Session) Serve(ctx context.Context) error {
	s.conn.Start()
	s.provider.OnChange(func(p *auth.Principal) {
		s.restart(ctx, p)
	})
	if p, ok := s.provider.Current(); ok {
		s.restart(ctx, &p)
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.conn.ReadFrames(s.handle)
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-readErr:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			err = nil
		}
	case <-s.conn.Done():
	}
	s.stop()
	s.conn.Close(websocket.CloseNormalClosure, "")
	return err
}

func (s *Session) handle(frame Frame) {
	switch frame.Type {
	case FrameAuth:
		principal, err := s.authenticate(frame.Token)
		if err != nil {
			_ = s.conn.SendFrame(Frame{Type: FrameError, Error: err.Error()})
			return
		}
		s.provider.Set(&principal)
	case FrameLogout:
		s.provider.Set(nil)
	default:
		_ = s.conn.SendFrame(Frame{Type: FrameError, Error: "unknown frame type " + frame.Type})
	}
}

func (s *Session) restart(ctx context.Context, principal *auth.Principal) {
	s.stop()
	if principal == nil {
		_ = s.conn.SendFrame(Frame{Type: FrameSignedOut})
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	p := *principal
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.stream(streamCtx, p, s.conn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("stream ended", "connection_id", s.conn.ID, "subject_id", p.SubjectID, "error", err)
			_ = s.conn.SendFrame(Frame{Type: FrameError, Error: err.Error()})
		}
	}()
}

func (s *Session) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
