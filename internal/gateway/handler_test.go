package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vaivahik/realtime/internal/auth"
)

const testSecret = "test-secret-at-least-32-chars-long!!"

type staticRevocations struct{ revoked bool }

func (s staticRevocations) IsRevoked(context.Context, string) (bool, error) {
	return s.revoked, nil
}

func newHandshakeFixture(t *testing.T, sessions auth.RevocationChecker) (*Handler, *auth.JWTManager, *fixture) {
	t.Helper()

	manager := auth.NewJWTManager(testSecret, time.Hour)
	authn := auth.NewAuthenticator(manager, sessions, zap.NewNop())
	f := newFixture()
	return NewHandler(authn, f.svc, zap.NewNop()), manager, f
}

func TestServeWS_RejectsMissingToken(t *testing.T) {
	h, _, f := newHandshakeFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	h.ServeWS(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["reason"] != "missing_token" {
		t.Fatalf("reason = %q, want missing_token", resp["reason"])
	}
	if f.presence.IsOnline(uuid.Nil) {
		t.Fatal("rejected handshake must not touch presence")
	}
}

func TestServeWS_RejectsInvalidToken(t *testing.T) {
	h, _, _ := newHandshakeFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws?token=garbage", nil)
	rec := httptest.NewRecorder()
	h.ServeWS(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["reason"] != "invalid_token" {
		t.Fatalf("reason = %q, want invalid_token", resp["reason"])
	}
}

func TestServeWS_RejectsRevokedSession(t *testing.T) {
	h, manager, _ := newHandshakeFixture(t, staticRevocations{revoked: true})

	token, _, err := manager.Generate(uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	rec := httptest.NewRecorder()
	h.ServeWS(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["reason"] != "session_revoked" {
		t.Fatalf("reason = %q, want session_revoked", resp["reason"])
	}
}

func TestServeWS_FullHandshakeAndPing(t *testing.T) {
	h, manager, f := newHandshakeFixture(t, nil)

	userID := uuid.New()
	token, _, err := manager.Generate(userID, uuid.New())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	// The connection should now count as presence.
	deadline := time.Now().Add(time.Second)
	for !f.presence.IsOnline(userID) {
		if time.Now().After(deadline) {
			t.Fatal("user should be online after the handshake")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := ws.WriteJSON(InboundFrame{Type: FramePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	var pong PongFrame
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Type != FramePong {
		t.Fatalf("expected pong, got %q", pong.Type)
	}
}

func TestServeWS_SendMessageOverSocket(t *testing.T) {
	h, manager, f := newHandshakeFixture(t, nil)

	alice, bob := uuid.New(), uuid.New()
	f.repo.allowMatch(alice, bob)

	token, _, err := manager.Generate(alice, uuid.New())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(InboundFrame{Type: FramePrivateMessage, ToUserID: &bob, Content: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var echo MessageFrame
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if echo.Type != FrameMessage || echo.Message == nil || echo.Message.Content != "hello" {
		t.Fatalf("unexpected echo: %+v", echo)
	}
	if f.repo.messageCount() != 1 {
		t.Fatalf("message should be persisted, have %d", f.repo.messageCount())
	}
}

func TestServeWS_UnknownFrameType(t *testing.T) {
	h, manager, _ := newHandshakeFixture(t, nil)

	token, _, err := manager.Generate(uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(InboundFrame{Type: "subscribe"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var errFrame ErrorFrame
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&errFrame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if errFrame.Type != FrameError {
		t.Fatalf("expected error frame, got %+v", errFrame)
	}
}
