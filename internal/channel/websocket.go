package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"uniqua/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsMediaTTL = 10 * time.Minute

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	Host string
	Port int
	Path string // WebSocket endpoint path (default: /ws)
	// AllowedOrigins are browser origins accepted besides the server's own.
	AllowedOrigins []string
	// Status adds fields to the /healthz response. Optional.
	Status func() map[string]any
	Logger *slog.Logger
}

// WebSocketChannel speaks a small JSON protocol to browser or script clients.
// Its HTTP server also serves /healthz and any extra handlers registered with
// Handle, such as metrics.
type WebSocketChannel struct {
	host   string
	port   int
	path   string
	bus    domain.MessageBus
	logger *slog.Logger
	server *http.Server
	extra  map[string]http.Handler
	status func() map[string]any

	upgrader       websocket.Upgrader
	allowedOrigins []string

	mu       sync.RWMutex
	clients  map[string]*wsClient
	profiles map[string]string // connection-scoped sender id -> profile image URL
	media    map[domain.MediaReference]wsMedia
}

// wsClient tracks a connected WebSocket client.
type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

type wsMedia struct {
	data     []byte
	mimeType string
	created  time.Time
}

// WSMessage is the JSON protocol for WebSocket communication.
type WSMessage struct {
	Type            string `json:"type"` // "message" | "typing" | "status" | "media"
	Content         string `json:"content,omitempty"`
	ChatID          string `json:"chat_id,omitempty"`
	UserID          string `json:"user_id,omitempty"`
	UserName        string `json:"user_name,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
	InReplyTo       string `json:"in_reply_to,omitempty"`
	Mentioned       bool   `json:"mentioned,omitempty"`
	ProfileImageURL string `json:"profile_image_url,omitempty"`

	// Outbound only.
	Action    string `json:"action,omitempty"`
	Error     bool   `json:"error,omitempty"`
	MediaRef  string `json:"media_ref,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64
}

var _ domain.Platform = (*WebSocketChannel)(nil)

// NewWebSocketChannel creates a new WebSocket channel.
func NewWebSocketChannel(cfg WSConfig) *WebSocketChannel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	ws := &WebSocketChannel{
		host:     cfg.Host,
		port:     cfg.Port,
		path:     cfg.Path,
		logger:   cfg.Logger,
		extra:    make(map[string]http.Handler),
		status:   cfg.Status,
		clients:  make(map[string]*wsClient),
		profiles: make(map[string]string),
		media:    make(map[domain.MediaReference]wsMedia),
	}
	for _, o := range cfg.AllowedOrigins {
		ws.allowedOrigins = append(ws.allowedOrigins, strings.ToLower(strings.TrimRight(o, "/")))
	}
	ws.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     ws.checkOrigin,
	}
	return ws
}

// checkOrigin accepts clients without an Origin header, same-host browser
// pages and the configured origins.
func (ws *WebSocketChannel) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	if slices.Contains(ws.allowedOrigins, strings.ToLower(strings.TrimRight(origin, "/"))) {
		return true
	}
	ws.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

func (ws *WebSocketChannel) Name() string { return "websocket" }

// Handle registers an extra HTTP handler. Call before Start.
func (ws *WebSocketChannel) Handle(pattern string, h http.Handler) {
	ws.extra[pattern] = h
}

// Handler returns the HTTP handler serving the WebSocket endpoint, /healthz
// and the extra handlers.
func (ws *WebSocketChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.path, ws.handleUpgrade)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		ws.mu.RLock()
		n := len(ws.clients)
		ws.mu.RUnlock()
		body := map[string]any{}
		if ws.status != nil {
			for k, v := range ws.status() {
				body[k] = v
			}
		}
		body["status"] = "ok"
		body["clients"] = n
		json.NewEncoder(w).Encode(body)
	})
	for pattern, h := range ws.extra {
		mux.Handle(pattern, h)
	}
	return mux
}

// Start begins the WebSocket server.
func (ws *WebSocketChannel) Start(ctx context.Context, bus domain.MessageBus) error {
	ws.attach(bus)

	addr := net.JoinHostPort(ws.host, strconv.Itoa(ws.port))
	ws.server = &http.Server{
		Addr:              addr,
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ws.logger.Info("websocket server starting", "addr", addr, "path", ws.path)

	errCh := make(chan error, 1)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ws.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ws.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (ws *WebSocketChannel) attach(bus domain.MessageBus) {
	ws.bus = bus
	bus.OnOutbound(ws.Name(), ws.deliver)
}

// Stop is a no-op: the server shuts down when Start's context is cancelled.
func (ws *WebSocketChannel) Stop() error { return nil }

func (ws *WebSocketChannel) Send(ctx context.Context, chatID string, content string) error {
	ws.broadcastToChat(chatID, WSMessage{Type: "message", Content: content, ChatID: chatID})
	return nil
}

// ProfileImageURL returns the profile URL the client last sent for userID.
// Sender ids are scoped to their connection, so a client only ever sees the
// URL it supplied itself.
func (ws *WebSocketChannel) ProfileImageURL(ctx context.Context, userID string) (string, error) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	u, ok := ws.profiles[userID]
	if !ok || u == "" {
		return "", domain.ErrProfileNotFound
	}
	return u, nil
}

// UploadImage keeps the image until the reply referencing it is delivered.
func (ws *WebSocketChannel) UploadImage(ctx context.Context, up domain.Upload) (*domain.Attachment, error) {
	ref := domain.MediaReference("ws-" + uuid.NewString())
	now := time.Now()

	ws.mu.Lock()
	for k, m := range ws.media {
		if now.Sub(m.created) > wsMediaTTL {
			delete(ws.media, k)
		}
	}
	ws.media[ref] = wsMedia{data: up.Data, mimeType: up.MIMEType, created: now}
	ws.mu.Unlock()

	return &domain.Attachment{Type: "image", MediaRef: ref}, nil
}

func (ws *WebSocketChannel) deliver(msg domain.OutboundMessage) {
	if msg.Media != nil {
		ws.mu.Lock()
		m, ok := ws.media[msg.Media.MediaRef]
		delete(ws.media, msg.Media.MediaRef)
		ws.mu.Unlock()
		if ok {
			ws.broadcastToChat(msg.ChatID, WSMessage{
				Type:      "media",
				ChatID:    msg.ChatID,
				InReplyTo: msg.ReplyTo,
				MediaRef:  string(msg.Media.MediaRef),
				MediaType: m.mimeType,
				Data:      base64.StdEncoding.EncodeToString(m.data),
			})
		}
	}

	out := WSMessage{
		Type:      "message",
		Content:   msg.Content,
		ChatID:    msg.ChatID,
		InReplyTo: msg.ReplyTo,
		Action:    msg.Action,
		Error:     msg.Error,
	}
	if msg.Media != nil {
		out.MediaRef = string(msg.Media.MediaRef)
	}
	ws.broadcastToChat(msg.ChatID, out)
}

func (ws *WebSocketChannel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = "ws-" + uuid.NewString()
	}

	client := &wsClient{
		conn:   conn,
		chatID: chatID,
	}

	clientID := fmt.Sprintf("%s-%p", chatID, conn)
	connID := uuid.NewString()
	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()

	ws.logger.Info("websocket client connected", "client_id", clientID, "chat_id", chatID)

	client.send(WSMessage{Type: "status", Content: "connected", ChatID: chatID})

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		for id := range ws.profiles {
			if strings.HasPrefix(id, connID+"/") {
				delete(ws.profiles, id)
			}
		}
		ws.mu.Unlock()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "client_id", clientID)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(message, &wsMsg); err != nil {
			ws.logger.Warn("invalid websocket message", "err", err)
			continue
		}

		switch wsMsg.Type {
		case "message":
			var senderID string
			if wsMsg.UserID != "" {
				senderID = connID + "/" + wsMsg.UserID
			}
			if senderID != "" && wsMsg.ProfileImageURL != "" {
				ws.mu.Lock()
				ws.profiles[senderID] = wsMsg.ProfileImageURL
				ws.mu.Unlock()
			}
			messageID := wsMsg.MessageID
			if messageID == "" {
				messageID = uuid.NewString()
			}
			ws.bus.Publish(domain.InboundMessage{
				Channel:    ws.Name(),
				ChatID:     chatID,
				MessageID:  messageID,
				SenderID:   senderID,
				SenderName: wsMsg.UserName,
				Content:    wsMsg.Content,
				InReplyTo:  wsMsg.InReplyTo,
				Mentioned:  wsMsg.Mentioned,
				Timestamp:  time.Now(),
			})

		case "typing":
			ws.logger.Debug("typing indicator", "chat_id", chatID, "user_id", wsMsg.UserID)
		}
	}
}

func (ws *WebSocketChannel) broadcastToChat(chatID string, msg WSMessage) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	for _, client := range ws.clients {
		if client.chatID == chatID || chatID == "" {
			client.mu.Lock()
			err := client.conn.WriteMessage(websocket.TextMessage, data)
			client.mu.Unlock()
			if err != nil {
				ws.logger.Debug("websocket write failed", "err", err)
			}
		}
	}
}

func (c *wsClient) send(msg WSMessage) {
	data, _ := json.Marshal(msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocketChannel) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}
