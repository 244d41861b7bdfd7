package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/access"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/gorilla/websocket"
)

const (
	testSecret = "secret"
	testIssuer = "collab-test"
)

type memoryLoader struct {
	loads atomic.Int32
}

func (loader *memoryLoader) LoadState(context.Context, string) ([]byte, bool, error) {
	loader.loads.Add(1)
	return nil, false, nil
}

type stubAccess struct {
	mu     sync.Mutex
	levels map[string]access.Level
}

func (policy *stubAccess) LevelFor(_ context.Context, identity auth.Identity, _ string) (access.Level, error) {
	policy.mu.Lock()
	defer policy.mu.Unlock()
	if level, ok := policy.levels[identity.UserID]; ok {
		return level, nil
	}
	return access.LevelEdit, nil
}

type hubFixture struct {
	server   *httptest.Server
	hub      *Hub
	registry *documents.Registry
	loader   *memoryLoader
	issuer   *auth.TokenIssuer
	access   *stubAccess
}

func mustHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	loader := &memoryLoader{}
	registry, err := documents.NewRegistry(documents.RegistryConfig{Loader: loader, ReplicaID: "server"})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{SigningSecret: []byte(testSecret), Issuer: testIssuer})
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSecret), Issuer: testIssuer, TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	policy := &stubAccess{levels: map[string]access.Level{}}
	hub, err := NewHub(HubConfig{Documents: registry, Verifier: verifier, Access: policy})
	if err != nil {
		t.Fatalf("failed to create hub: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeRoom(w, r, r.URL.Query().Get("room"))
	}))
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return &hubFixture{server: server, hub: hub, registry: registry, loader: loader, issuer: issuer, access: policy}
}

func (fixture *hubFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := fixture.issuer.IssueToken(context.Background(), auth.Identity{UserID: userID, DisplayName: strings.ToUpper(userID)})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (fixture *hubFixture) dial(t *testing.T, roomKey, token string) *websocket.Conn {
	t.Helper()
	query := url.Values{}
	query.Set("room", roomKey)
	if token != "" {
		query.Set("access_token", token)
	}
	endpoint := "ws" + strings.TrimPrefix(fixture.server.URL, "http") + "/?" + query.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (FrameType, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	frameType, payload, err := DecodeFrame(message)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return frameType, payload
}

func readUntil(t *testing.T, conn *websocket.Conn, want FrameType) []byte {
	t.Helper()
	for attempt := 0; attempt < 20; attempt++ {
		frameType, payload := readFrame(t, conn)
		if frameType == want {
			return payload
		}
	}
	t.Fatalf("no %s frame received", want)
	return nil
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType FrameType, payload any) {
	t.Helper()
	frame, err := EncodeFrame(frameType, payload)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, code) {
		t.Fatalf("expected close code %d, got %v", code, err)
	}
}

func decodeDelta(t *testing.T, payload []byte) crdt.Delta {
	t.Helper()
	delta, err := crdt.DecodeDelta(payload)
	if err != nil {
		t.Fatalf("delta decode failed: %v", err)
	}
	return delta
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	fixture := mustHubFixture(t)
	conn := fixture.dial(t, "note-abc", "")
	expectClose(t, conn, CloseUnauthenticated)
	if fixture.loader.loads.Load() != 0 || fixture.registry.Len() != 0 {
		t.Fatalf("expected registry untouched on failed authentication")
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	fixture := mustHubFixture(t)
	conn := fixture.dial(t, "note-abc", "not-a-token")
	expectClose(t, conn, CloseUnauthenticated)
}

func TestHandshakeRejectsInvalidRoom(t *testing.T) {
	fixture := mustHubFixture(t)
	conn := fixture.dial(t, "bad room", fixture.token(t, "alice"))
	expectClose(t, conn, CloseInvalidRoom)
}

func TestHandshakeRejectsUserWithoutAccess(t *testing.T) {
	fixture := mustHubFixture(t)
	fixture.access.levels["mallory"] = access.LevelNone
	conn := fixture.dial(t, "note-abc", fixture.token(t, "mallory"))
	expectClose(t, conn, CloseForbidden)
}

func TestInitialSyncCarriesDefaultContent(t *testing.T) {
	fixture := mustHubFixture(t)
	conn := fixture.dial(t, "standup", fixture.token(t, "alice"))

	frameType, payload := readFrame(t, conn)
	if frameType != FrameSync {
		t.Fatalf("expected sync frame first, got %s", frameType)
	}
	replica, err := crdt.NewDocument("client")
	if err != nil {
		t.Fatalf("replica failed: %v", err)
	}
	if _, err := replica.ApplyRemote(decodeDelta(t, payload)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !strings.HasPrefix(replica.Content(), "// Welcome") {
		t.Fatalf("expected session starter text, got %q", replica.Content())
	}
}

func TestUpdatesReachSiblingsAndConverge(t *testing.T) {
	fixture := mustHubFixture(t)
	alice := fixture.dial(t, "note-abc", fixture.token(t, "alice"))
	readUntil(t, alice, FrameSync)
	bob := fixture.dial(t, "note-abc", fixture.token(t, "bob"))
	readUntil(t, bob, FrameSync)
	readUntil(t, alice, FrameJoin)

	local, err := crdt.NewDocument("alice-client")
	if err != nil {
		t.Fatalf("replica failed: %v", err)
	}
	delta, err := local.ApplyLocalEdit(0, 0, "Hi ")
	if err != nil {
		t.Fatalf("local edit failed: %v", err)
	}
	writeFrame(t, alice, FrameUpdate, delta)

	received := decodeDelta(t, readUntil(t, bob, FrameUpdate))
	remote, err := crdt.NewDocument("bob-client")
	if err != nil {
		t.Fatalf("replica failed: %v", err)
	}
	if _, err := remote.ApplyRemote(received); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if remote.Content() != "Hi " {
		t.Fatalf("expected Hi on sibling, got %q", remote.Content())
	}

	writeFrame(t, bob, FrameEdit, EditRequest{Position: 3, Length: 0, Text: "Bob"})
	echoed := decodeDelta(t, readUntil(t, bob, FrameUpdate))
	if _, err := remote.ApplyRemote(echoed); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := local.ApplyRemote(decodeDelta(t, readUntil(t, alice, FrameUpdate))); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	document, ok := fixture.registry.Lookup("note:abc")
	if !ok {
		t.Fatalf("expected live document")
	}
	if local.Content() != "Hi Bob" || remote.Content() != "Hi Bob" || document.Content() != "Hi Bob" {
		t.Fatalf("replicas diverged: %q %q %q", local.Content(), remote.Content(), document.Content())
	}
}

func TestReadOnlyConnectionCannotEdit(t *testing.T) {
	fixture := mustHubFixture(t)
	fixture.access.levels["viewer"] = access.LevelRead
	conn := fixture.dial(t, "note-abc", fixture.token(t, "viewer"))
	readUntil(t, conn, FrameSync)

	writeFrame(t, conn, FrameEdit, EditRequest{Position: 0, Text: "nope"})
	var message ErrorMessage
	if err := json.Unmarshal(readUntil(t, conn, FrameError), &message); err != nil {
		t.Fatalf("error payload decode failed: %v", err)
	}
	if message.Code != ErrorCodeReadOnly {
		t.Fatalf("expected read_only error, got %+v", message)
	}
	document, _ := fixture.registry.Lookup("note:abc")
	if document.Content() != "" {
		t.Fatalf("expected document untouched, got %q", document.Content())
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	fixture := mustHubFixture(t)
	conn := fixture.dial(t, "note-abc", fixture.token(t, "alice"))
	readUntil(t, conn, FrameSync)

	if err := conn.WriteMessage(websocket.BinaryMessage, append([]byte{byte(FrameUpdate)}, []byte("{broken")...)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var message ErrorMessage
	if err := json.Unmarshal(readUntil(t, conn, FrameError), &message); err != nil {
		t.Fatalf("error payload decode failed: %v", err)
	}
	if message.Code != ErrorCodeMalformed {
		t.Fatalf("expected malformed error, got %+v", message)
	}

	writeFrame(t, conn, FrameSync, SyncRequest{})
	if frameType, _ := readFrame(t, conn); frameType != FrameSync {
		t.Fatalf("expected connection to keep serving, got %s", frameType)
	}
}

func TestPresenceGoesToSiblingsOnly(t *testing.T) {
	fixture := mustHubFixture(t)
	alice := fixture.dial(t, "chat-lobby", fixture.token(t, "alice"))
	readUntil(t, alice, FrameSync)
	bob := fixture.dial(t, "chat-lobby", fixture.token(t, "bob"))
	readUntil(t, bob, FrameSync)
	readUntil(t, bob, FrameJoin)

	var joined Participant
	if err := json.Unmarshal(readUntil(t, alice, FrameJoin), &joined); err != nil {
		t.Fatalf("join payload decode failed: %v", err)
	}
	if joined.UserID != "bob" || joined.Name != "BOB" {
		t.Fatalf("unexpected join %+v", joined)
	}

	writeFrame(t, bob, FramePresence, map[string]int{"cursor": 4})
	var presence PresenceMessage
	if err := json.Unmarshal(readUntil(t, alice, FramePresence), &presence); err != nil {
		t.Fatalf("presence payload decode failed: %v", err)
	}
	if presence.UserID != "bob" || string(presence.State) != `{"cursor":4}` {
		t.Fatalf("unexpected presence %+v", presence)
	}

	writeFrame(t, bob, FrameSync, SyncRequest{})
	if frameType, _ := readFrame(t, bob); frameType != FrameSync {
		t.Fatalf("expected presence not echoed to sender, got %s", frameType)
	}

	_ = bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	var left Participant
	if err := json.Unmarshal(readUntil(t, alice, FrameLeave), &left); err != nil {
		t.Fatalf("leave payload decode failed: %v", err)
	}
	if left.SessionID != joined.SessionID {
		t.Fatalf("expected leave for %s, got %+v", joined.SessionID, left)
	}
}

func TestLateJoinerSeesExistingPresence(t *testing.T) {
	fixture := mustHubFixture(t)
	alice := fixture.dial(t, "note-abc", fixture.token(t, "alice"))
	readUntil(t, alice, FrameSync)
	writeFrame(t, alice, FramePresence, map[string]int{"cursor": 1})
	writeFrame(t, alice, FrameSync, SyncRequest{})
	readUntil(t, alice, FrameSync)

	bob := fixture.dial(t, "note-abc", fixture.token(t, "bob"))
	var presence PresenceMessage
	if err := json.Unmarshal(readUntil(t, bob, FramePresence), &presence); err != nil {
		t.Fatalf("presence payload decode failed: %v", err)
	}
	if presence.UserID != "alice" {
		t.Fatalf("expected alice presence, got %+v", presence)
	}
}

func TestFrameCodecRejectsUnknownType(t *testing.T) {
	if _, _, err := DecodeFrame(nil); err == nil {
		t.Fatalf("expected empty frame to fail")
	}
	if _, _, err := DecodeFrame([]byte{0xff}); err == nil {
		t.Fatalf("expected unknown type to fail")
	}
	frame, err := EncodeFrame(FrameEdit, EditRequest{Position: 1, Text: "x"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	frameType, payload, err := DecodeFrame(frame)
	if err != nil || frameType != FrameEdit {
		t.Fatalf("unexpected decode %s %v", frameType, err)
	}
	var request EditRequest
	if err := decodePayload(payload, &request); err != nil || request.Position != 1 || request.Text != "x" {
		t.Fatalf("unexpected payload %+v %v", request, err)
	}
}
