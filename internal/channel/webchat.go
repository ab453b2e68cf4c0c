package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/linarealestate/linabot/internal/bus"
	"github.com/linarealestate/linabot/internal/config"
)

const (
	webChatChannelName = "webchat"
	defaultGuestID     = "guest"
	maxRequestBytes    = 64 << 10
	livenessText       = "LINA Real Estate bot is active and healthy! 🚀"
)

type webChatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
	Reset   bool   `json:"reset,omitempty"`
}

type webChatResponse struct {
	Reply string `json:"reply"`
}

type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	id   string
}

// WebChatOptions carries the values the web endpoint answers with on its
// own, without going through the assistant.
type WebChatOptions struct {
	Host        string
	Port        int
	Greeting    string
	Fallback    string
	WaitTimeout time.Duration
	// Conversations reports live conversation count for /healthz.
	Conversations func() int
}

// WebChatChannel serves the website widget: a synchronous JSON endpoint
// plus a websocket for clients that keep a connection open.
type WebChatChannel struct {
	BaseChannel
	opts     WebChatOptions
	server   *http.Server
	listener net.Listener
	waiters  sync.Map // request id -> chan string
	clients  sync.Map // client id -> *wsClient
	nextID   atomic.Int64
}

func NewWebChatChannel(cfg config.WebChatConfig, opts WebChatOptions, b *bus.MessageBus) (*WebChatChannel, error) {
	if opts.Port == 0 {
		opts.Port = config.DefaultPort
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = time.Duration(config.DefaultReplyWaitTimeout) * time.Second
	}

	ch := &WebChatChannel{
		BaseChannel: NewBaseChannel(webChatChannelName, b, cfg.AllowFrom),
		opts:        opts,
	}
	return ch, nil
}

// Handler returns the routes wrapped in the CORS middleware.
func (w *WebChatChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", w.handleRoot)
	mux.HandleFunc("/web-chat", w.handleWebChat)
	mux.HandleFunc("/healthz", w.handleHealth)
	mux.HandleFunc("/ws", w.handleWS)
	return withCORS(mux)
}

func (w *WebChatChannel) Start(ctx context.Context) error {
	addr := net.JoinHostPort(w.opts.Host, fmt.Sprint(w.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	w.listener = ln
	w.server = &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Printf("[webchat] listening on %s", ln.Addr())
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[webchat] server error: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (w *WebChatChannel) Addr() string {
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(wr http.ResponseWriter, r *http.Request) {
		h := wr.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			wr.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(wr, r)
	})
}

func (w *WebChatChannel) handleRoot(wr http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(wr, r)
		return
	}
	wr.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(wr, livenessText)
}

func (w *WebChatChannel) handleHealth(wr http.ResponseWriter, r *http.Request) {
	n := 0
	if w.opts.Conversations != nil {
		n = w.opts.Conversations()
	}
	writeJSON(wr, http.StatusOK, map[string]any{"status": "ok", "conversations": n})
}

func (w *WebChatChannel) handleWebChat(wr http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		wr.Header().Set("Allow", "POST, OPTIONS")
		http.Error(wr, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req webChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(wr, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		log.Printf("[webchat] bad request body: %v", err)
		writeJSON(wr, http.StatusOK, webChatResponse{Reply: w.opts.Greeting})
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = defaultGuestID
	}
	text := strings.TrimSpace(req.Message)
	if text == "" && !req.Reset {
		writeJSON(wr, http.StatusOK, webChatResponse{Reply: w.opts.Greeting})
		return
	}
	if !w.IsAllowed(userID) {
		log.Printf("[webchat] rejected message from %s", userID)
		writeJSON(wr, http.StatusForbidden, map[string]string{"error": "not allowed"})
		return
	}

	log.Printf("[webchat] message from %s", userID)
	inbound := bus.InboundMessage{
		Channel:   webChatChannelName,
		SenderID:  userID,
		ChatID:    userID,
		ChatType:  bus.ChatWeb,
		Content:   text,
		Timestamp: time.Now(),
	}
	if req.Reset {
		inbound.Command = bus.CommandReset
	}

	reply := w.ask(r.Context(), inbound)
	writeJSON(wr, http.StatusOK, webChatResponse{Reply: reply})
}

// ask publishes the message and waits for the outbound carrying the same
// request id. It answers the fallback when the wait times out.
func (w *WebChatChannel) ask(ctx context.Context, msg bus.InboundMessage) string {
	id := uuid.NewString()
	replyCh := make(chan string, 1)
	w.waiters.Store(id, replyCh)
	defer w.waiters.Delete(id)

	msg.ReplyTo = id
	ctx, cancel := context.WithTimeout(ctx, w.opts.WaitTimeout)
	defer cancel()

	if err := w.bus.PublishInbound(ctx, msg); err != nil {
		log.Printf("[webchat] publish %s: %v", id, err)
		return w.opts.Fallback
	}
	select {
	case reply := <-replyCh:
		return reply
	case <-ctx.Done():
		log.Printf("[webchat] no reply for %s: %v", id, ctx.Err())
		return w.opts.Fallback
	}
}

func (w *WebChatChannel) handleWS(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[webchat] websocket accept error: %v", err)
		return
	}

	clientID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if clientID == "" {
		clientID = fmt.Sprintf("ws-%d", w.nextID.Add(1))
	}
	client := &wsClient{conn: conn, id: clientID}
	w.clients.Store(clientID, client)
	log.Printf("[webchat] client connected: %s", clientID)

	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		log.Printf("[webchat] client disconnected: %s", clientID)
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "message" && msg.Type != "reset" {
			continue
		}
		if msg.Type == "message" && strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if !w.IsAllowed(clientID) {
			log.Printf("[webchat] rejected message from %s", clientID)
			continue
		}

		inbound := bus.InboundMessage{
			Channel:   webChatChannelName,
			SenderID:  clientID,
			ChatID:    clientID,
			ChatType:  bus.ChatWeb,
			Content:   strings.TrimSpace(msg.Content),
			Timestamp: time.Now(),
		}
		if msg.Type == "reset" {
			inbound.Command = bus.CommandReset
		}
		if err := w.bus.PublishInbound(r.Context(), inbound); err != nil {
			return
		}
	}
}

// Send completes a waiting HTTP request when ReplyTo matches one, and
// otherwise writes to the websocket client of the conversation.
func (w *WebChatChannel) Send(msg bus.OutboundMessage) error {
	if msg.ReplyTo != "" {
		if v, ok := w.waiters.Load(msg.ReplyTo); ok {
			select {
			case v.(chan string) <- msg.Content:
			default:
			}
			return nil
		}
	}

	v, ok := w.clients.Load(msg.ChatID)
	if !ok {
		if msg.ReplyTo != "" {
			// the HTTP caller gave up waiting
			return nil
		}
		return fmt.Errorf("no web client %q", msg.ChatID)
	}

	data, err := json.Marshal(wsMessage{Type: "message", Content: msg.Content})
	if err != nil {
		return err
	}
	c := v.(*wsClient)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (w *WebChatChannel) Stop() error {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			log.Printf("[webchat] shutdown error: %v", err)
		}
	}
	w.clients.Range(func(key, value any) bool {
		value.(*wsClient).conn.CloseNow()
		return true
	})
	log.Printf("[webchat] stopped")
	return nil
}

func writeJSON(wr http.ResponseWriter, status int, v any) {
	wr.Header().Set("Content-Type", "application/json; charset=utf-8")
	wr.WriteHeader(status)
	if err := json.NewEncoder(wr).Encode(v); err != nil {
		log.Printf("[webchat] encode response: %v", err)
	}
}
