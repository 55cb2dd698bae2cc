// Package proxy relays a client's websocket to the lab environment of an
// active session.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/workshop-mini/internal/apperrors"
	"github.com/shehryarbajwa/workshop-mini/internal/session"
	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SessionGetter resolves a session the caller may see.
type SessionGetter interface {
	GetSession(ctx context.Context, caller session.Caller, id string) (*models.Session, error)
}

type Server struct {
	sessions    SessionGetter
	dialer      *websocket.Dialer
	dialTimeout time.Duration
	logger      zerolog.Logger
}

func NewServer(sessions SessionGetter, logger zerolog.Logger) *Server {
	return &Server{
		sessions:    sessions,
		dialer:      websocket.DefaultDialer,
		dialTimeout: 10 * time.Second,
		logger:      logger.With().Str("component", "ws_proxy").Logger(),
	}
}

// Connect upgrades the request and relays frames until either side closes.
// An error is returned only when nothing has been written to w yet.
func (s *Server) Connect(w http.ResponseWriter, r *http.Request, caller session.Caller, sessionID string) error {
	sess, err := s.sessions.GetSession(r.Context(), caller, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != models.StatusActive {
		return apperrors.WithMetadata(apperrors.CodeInvalidState, "session is not active",
			map[string]string{"status": string(sess.Status)})
	}
	target, err := websocketURL(sess.AccessEndpoint)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "session endpoint is not proxyable", err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.dialTimeout)
	labConn, _, err := s.dialer.DialContext(ctx, target, nil)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Str("target", target).Msg("failed to reach lab")
		return apperrors.Wrap(apperrors.CodeUnavailable, "lab environment unreachable", err)
	}
	defer labConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to upgrade connection")
		return nil
	}
	defer clientConn.Close()

	logger := s.logger.With().Str("session_id", sessionID).Str("owner_id", sess.OwnerID).Logger()
	logger.Info().Msg("client connected")

	errChan := make(chan error, 2)
	go func() {
		errChan <- proxyMessages(clientConn, labConn)
	}()
	go func() {
		errChan <- proxyMessages(labConn, clientConn)
	}()

	err = <-errChan
	if err != nil && !errors.Is(err, io.EOF) &&
		websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Warn().Err(err).Msg("proxy error")
	}
	logger.Info().Msg("client disconnected")
	return nil
}

func proxyMessages(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				_ = dst.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(ce.Code, ce.Text))
			}
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}

// websocketURL maps an http(s) access endpoint to its ws(s) form.
func websocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("endpoint has no host")
	}
	return u.String(), nil
}
