package events

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/observability"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// TokenVerifier turns a bearer token into claims
type TokenVerifier interface {
	VerifyAccess(token string) (*auth.Claims, error)
}

// WebSocketHandler streams the event feed over a WebSocket. Browsers cannot
// set headers on the upgrade request, so the token may also be passed as
// the access_token query parameter.
type WebSocketHandler struct {
	service  *Service
	verifier TokenVerifier
	upgrader websocket.Upgrader
	logger   *observability.Logger
}

// NewWebSocketHandler creates the /v1/events/ws handler. An empty
// allowedOrigins accepts any origin.
func NewWebSocketHandler(service *Service, verifier TokenVerifier, allowedOrigins []string, logger *observability.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		service:  service,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.WithComponent("events-ws"),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// non-browser clients send no origin
		return origin == "" || set[origin]
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("access_token")
}

func parseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	filter := Filter{
		ResourceID:   q.Get("resourceId"),
		ResourceKind: q.Get("resourceKind"),
	}
	if t := q.Get("eventType"); t != "" {
		typ, err := ParseEventType(t)
		if err != nil {
			return Filter{}, err
		}
		filter.EventType = typ
	}
	return filter, nil
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	claims, err := h.verifier.VerifyAccess(token)
	if err != nil {
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(auth.WithClaims(r.Context(), claims))
	defer cancel()
	logger := h.logger.WithField("subject", claims.Subject)

	// the reader only handles pongs and notices the peer going away
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.WithError(err).Debug("WebSocket read failed")
				}
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	err = h.service.Subscribe(ctx, filter, func(ev *Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(ev)
	})

	code, reason := websocket.CloseNormalClosure, ""
	if err != nil {
		reason = err.Error()
		code = websocket.CloseInternalServerErr
		if apperr.KindOf(err) == apperr.KindUnavailable {
			code = websocket.CloseTryAgainLater
		}
		logger.WithError(err).Info("Event feed ended")
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
