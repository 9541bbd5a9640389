package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"uniqua/internal/domain"

	"github.com/gorilla/websocket"
)

func newTestWebSocket(t *testing.T) (*WebSocketChannel, *captureBus, *httptest.Server) {
	t.Helper()
	return newTestWebSocketWith(t, WSConfig{Logger: testLogger()})
}

func newTestWebSocketWith(t *testing.T, cfg WSConfig) (*WebSocketChannel, *captureBus, *httptest.Server) {
	t.Helper()
	ws := NewWebSocketChannel(cfg)
	ws.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "uniqua_uptime_seconds 1\n")
	}))
	bus := newCaptureBus()
	ws.attach(bus)
	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(srv.Close)
	return ws, bus, srv
}

func wsURL(srv *httptest.Server, chatID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?chat_id=" + chatID
}

func dialChat(t *testing.T, srv *httptest.Server, chatID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, chatID), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	status := readFrame(t, conn)
	if status.Type != "status" || status.ChatID != chatID {
		t.Fatalf("unexpected status frame %+v", status)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocket_InboundRecordsProfile(t *testing.T) {
	ws, bus, srv := newTestWebSocket(t)
	conn := dialChat(t, srv, "c1")

	err := conn.WriteJSON(WSMessage{
		Type:            "message",
		Content:         "@uniqua uniquafy me",
		UserID:          "u1",
		UserName:        "ana",
		Mentioned:       true,
		ProfileImageURL: "https://img.example/u1_normal.png",
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-bus.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("message was not published")
	}

	msgs := bus.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	in := msgs[0]
	if in.Channel != "websocket" || in.ChatID != "c1" || !strings.HasSuffix(in.SenderID, "/u1") || !in.Mentioned || in.MessageID == "" {
		t.Fatalf("unexpected inbound %+v", in)
	}

	u, err := ws.ProfileImageURL(context.Background(), in.SenderID)
	if err != nil || u != "https://img.example/u1_normal.png" {
		t.Fatalf("unexpected profile %q, %v", u, err)
	}
	for _, id := range []string{"u1", "u2"} {
		if _, err := ws.ProfileImageURL(context.Background(), id); !errors.Is(err, domain.ErrProfileNotFound) {
			t.Fatalf("%s: expected ErrProfileNotFound, got %v", id, err)
		}
	}
}

func waitPublished(t *testing.T, bus *captureBus, n int) []domain.InboundMessage {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for len(bus.messages()) < n {
		select {
		case <-bus.notify:
		case <-deadline:
			t.Fatalf("expected %d published messages, got %d", n, len(bus.messages()))
		}
	}
	return bus.messages()
}

func TestWebSocket_ProfilesScopedToConnection(t *testing.T) {
	ws, bus, srv := newTestWebSocket(t)
	victim := dialChat(t, srv, "shared")
	attacker := dialChat(t, srv, "shared")

	send := func(conn *websocket.Conn, profile string) {
		t.Helper()
		err := conn.WriteJSON(WSMessage{
			Type:            "message",
			Content:         "uniquafy me",
			UserID:          "victim",
			Mentioned:       true,
			ProfileImageURL: profile,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	send(victim, "https://img.example/victim_normal.png")
	waitPublished(t, bus, 1)
	send(attacker, "http://169.254.169.254/latest/meta-data/iam/x_normal")
	msgs := waitPublished(t, bus, 2)

	if msgs[0].SenderID == msgs[1].SenderID {
		t.Fatalf("connections share sender id %q", msgs[0].SenderID)
	}
	u, err := ws.ProfileImageURL(context.Background(), msgs[0].SenderID)
	if err != nil || u != "https://img.example/victim_normal.png" {
		t.Fatalf("victim profile overwritten: %q, %v", u, err)
	}
	if _, err := ws.ProfileImageURL(context.Background(), "victim"); !errors.Is(err, domain.ErrProfileNotFound) {
		t.Fatalf("bare user id must not resolve, got %v", err)
	}
}

func TestWebSocket_ProfilesDroppedOnDisconnect(t *testing.T) {
	ws, bus, srv := newTestWebSocket(t)
	conn := dialChat(t, srv, "c1")
	if err := conn.WriteJSON(WSMessage{Type: "message", Content: "hi", UserID: "u1", ProfileImageURL: "https://img.example/a.png"}); err != nil {
		t.Fatal(err)
	}
	sender := waitPublished(t, bus, 1)[0].SenderID
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := ws.ProfileImageURL(context.Background(), sender); errors.Is(err, domain.ErrProfileNotFound) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("profile still present after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocket_CheckOrigin(t *testing.T) {
	_, _, srv := newTestWebSocketWith(t, WSConfig{
		AllowedOrigins: []string{"https://app.example/"},
		Logger:         testLogger(),
	})

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"no origin", "", true},
		{"same host", srv.URL, true},
		{"allowed", "https://app.example", true},
		{"allowed case", "HTTPS://APP.EXAMPLE", true},
		{"foreign", "https://evil.example", false},
		{"allowed host other scheme", "http://app.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "c1"), header)
			if tt.ok {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				conn.Close()
				return
			}
			if err == nil {
				conn.Close()
				t.Fatal("expected handshake to be rejected")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Fatalf("expected 403, got %v", resp)
			}
		})
	}
}

func TestWebSocket_DeliversMediaThenMessage(t *testing.T) {
	ws, bus, srv := newTestWebSocket(t)
	conn := dialChat(t, srv, "c1")

	att, err := ws.UploadImage(context.Background(), domain.Upload{
		ChatID:   "c1",
		Filename: "styled.png",
		MIMEType: "image/png",
		Data:     []byte("png-bytes"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(string(att.MediaRef), "ws-") {
		t.Fatalf("unexpected media ref %q", att.MediaRef)
	}

	bus.SendOutbound(domain.OutboundMessage{
		Channel: "websocket",
		ChatID:  "c1",
		ReplyTo: "m1",
		Content: "Here you go!",
		Action:  "UNIQUAFY",
		Media:   att,
	})

	media := readFrame(t, conn)
	if media.Type != "media" || media.MediaRef != string(att.MediaRef) || media.MediaType != "image/png" {
		t.Fatalf("unexpected media frame %+v", media)
	}
	data, err := base64.StdEncoding.DecodeString(media.Data)
	if err != nil || string(data) != "png-bytes" {
		t.Fatalf("unexpected media data %q, %v", data, err)
	}

	msg := readFrame(t, conn)
	if msg.Type != "message" || msg.Content != "Here you go!" || msg.Action != "UNIQUAFY" || msg.InReplyTo != "m1" {
		t.Fatalf("unexpected message frame %+v", msg)
	}
	if msg.MediaRef != string(att.MediaRef) {
		t.Fatalf("message should reference the media, got %q", msg.MediaRef)
	}

	ws.mu.RLock()
	n := len(ws.media)
	ws.mu.RUnlock()
	if n != 0 {
		t.Fatalf("delivered media should be released, %d left", n)
	}
}

func TestWebSocket_OtherChatsDoNotReceive(t *testing.T) {
	_, bus, srv := newTestWebSocket(t)
	other := dialChat(t, srv, "c2")
	mine := dialChat(t, srv, "c1")

	bus.SendOutbound(domain.OutboundMessage{Channel: "websocket", ChatID: "c1", Content: "hi"})

	if msg := readFrame(t, mine); msg.Content != "hi" {
		t.Fatalf("unexpected frame %+v", msg)
	}
	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Fatal("other chat should not receive the message")
	}
}

func TestWebSocket_HealthAndExtraHandlers(t *testing.T) {
	_, _, srv := newTestWebSocketWith(t, WSConfig{
		Status: func() map[string]any {
			return map[string]any{"dropped_inbound": 3, "status": "overridden"}
		},
		Logger: testLogger(),
	})
	dialChat(t, srv, "c1")

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "ok" || health["clients"] != float64(1) || health["dropped_inbound"] != float64(3) {
		t.Fatalf("unexpected health %v", health)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "uniqua_uptime_seconds") {
		t.Fatalf("unexpected metrics body %q", body)
	}
}
