package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/service"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The frontend is served from another origin; the access token is what
	// authenticates the socket.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watchVerificationHandler streams the organization's review status until it
// becomes terminal or the client disconnects.
//
// Endpoint: GET /v1/onboarding/verification/watch?token=ACCESS_TOKEN
func watchVerificationHandler(onboarding *service.OnboardingService, watcher *service.VerificationWatcher, auth *Authenticator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token, _ = bearerToken(r)
		}
		id, err := auth.Verify(token)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		orgID, role, err := onboarding.Organization(r.Context(), id.UserID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(domain.WithIdentity(context.Background(), id))
		defer cancel()

		updates, err := watcher.Watch(ctx, orgID, role)
		if err != nil {
			logger.Error("verification watch failed", zap.String("organization_id", orgID), zap.Error(err))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "watch unavailable"))
			return
		}

		// The read loop only exists to notice the client going away.
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case u, ok := <-updates:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if !ok {
					conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
				if err := conn.WriteJSON(u); err != nil {
					logger.Debug("websocket write failed", zap.Error(err))
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
