package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/workshop-mini/internal/apperrors"
	"github.com/shehryarbajwa/workshop-mini/internal/session"
	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

type stubSessions map[string]*models.Session

func (s stubSessions) GetSession(_ context.Context, caller session.Caller, id string) (*models.Session, error) {
	sess, ok := s[id]
	if !ok || (sess.OwnerID != caller.ID && !caller.Admin) {
		return nil, apperrors.New(apperrors.CodeNotFound, "session not found")
	}
	return sess, nil
}

func echoLab(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("lab:"), msg...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func frontend(t *testing.T, p *Server, caller session.Caller, id string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := p.Connect(w, r, caller, id); err != nil {
			w.Header().Set("X-Error-Code", string(apperrors.GetCode(err)))
			http.Error(w, err.Error(), apperrors.GetCode(err).HTTPStatus())
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectRelaysFrames(t *testing.T) {
	lab := echoLab(t)
	sessions := stubSessions{"s1": {ID: "s1", OwnerID: "u1", Status: models.StatusActive, AccessEndpoint: lab.URL}}
	front := frontend(t, NewServer(sessions, zerolog.Nop()), session.Caller{ID: "u1"}, "s1")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(front), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ls")))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "lab:ls", string(msg))
}

func TestConnectRejectsInactive(t *testing.T) {
	sessions := stubSessions{"s1": {ID: "s1", OwnerID: "u1", Status: models.StatusPending}}
	front := frontend(t, NewServer(sessions, zerolog.Nop()), session.Caller{ID: "u1"}, "s1")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(front), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(apperrors.CodeInvalidState), resp.Header.Get("X-Error-Code"))
}

func TestConnectHidesOtherOwners(t *testing.T) {
	sessions := stubSessions{"s1": {ID: "s1", OwnerID: "u1", Status: models.StatusActive, AccessEndpoint: "http://127.0.0.1:1"}}
	front := frontend(t, NewServer(sessions, zerolog.Nop()), session.Caller{ID: "u2"}, "s1")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(front), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"http://lab.local:8080/term", "ws://lab.local:8080/term", false},
		{"https://lab.local/term", "wss://lab.local/term", false},
		{"wss://lab.local", "wss://lab.local", false},
		{"ftp://lab.local", "", true},
		{"http://", "", true},
	}
	for _, tt := range tests {
		got, err := websocketURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
