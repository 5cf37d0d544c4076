// Package api exposes the REST surface and wires it to the domain
// services.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"pavilion/internal/auth"
	"pavilion/internal/dms"
	"pavilion/internal/friends"
	"pavilion/internal/invites"
	"pavilion/internal/messages"
	"pavilion/internal/models"
	"pavilion/internal/push"
	"pavilion/internal/servers"
	"pavilion/internal/ws"
)

type ctxKey int

const ctxUserID ctxKey = iota

// Resubscriber refreshes a user's live-connection scope subscriptions
// after their channel set changes.
type Resubscriber interface {
	Resubscribe(userID string) error
}

type API struct {
	auth     *auth.AuthService
	friends  *friends.Engine
	messages *messages.Pipeline
	dms      *dms.Service
	servers  *servers.Service
	invites  *invites.Engine
	push     *push.Service
	resub    Resubscriber
	validate *validator.Validate
}

func New(
	authService *auth.AuthService,
	friendsEngine *friends.Engine,
	pipeline *messages.Pipeline,
	dmService *dms.Service,
	serverService *servers.Service,
	inviteEngine *invites.Engine,
	pushService *push.Service,
	resub Resubscriber,
) *API {
	return &API{
		auth:     authService,
		friends:  friendsEngine,
		messages: pipeline,
		dms:      dmService,
		servers:  serverService,
		invites:  inviteEngine,
		push:     pushService,
		resub:    resub,
		validate: validator.New(),
	}
}

// Router builds the full route tree, including the websocket gateway.
func (a *API) Router(gateway *ws.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v2", func(r chi.Router) {
		r.Post("/auth/register", a.handleRegister)
		r.Post("/auth/login", a.handleLogin)
		r.Post("/auth/logoff", a.handleLogoff)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth)

			r.Get("/me", a.handleMe)
			r.Get("/me/friends", a.handleListFriends)
			r.Get("/me/servers", a.handleListServers)
			r.Get("/me/dms", a.handleListDMs)

			r.Put("/friend-requests/{userID}", a.handleSendFriendRequest)
			r.Delete("/friend-requests/{userID}", a.handleCancelFriendRequest)
			r.Put("/friends/{userID}", a.handleAcceptFriendRequest)
			r.Delete("/friends/{userID}", a.handleRemoveFriend)

			r.Post("/servers", a.handleCreateServer)
			r.Get("/servers/{serverID}", a.handleGetServer)
			r.Get("/servers/{serverID}/channels", a.handleListChannels)
			r.Post("/servers/{serverID}/channels", a.handleCreateChannel)
			r.Delete("/channels/{channelID}", a.handleDeleteChannel)

			r.Get("/channels/{channelID}/messages", a.handleListMessages)
			r.Post("/channels/{channelID}/messages", a.handleCreateMessage)
			r.Patch("/channels/{channelID}/messages/{messageID}", a.handleEditMessage)
			r.Delete("/channels/{channelID}/messages/{messageID}", a.handleDeleteMessage)

			r.Post("/servers/{serverID}/invites", a.handleCreateInvite)
			r.Get("/servers/{serverID}/invites", a.handleListInvites)
			r.Post("/invites/{code}/join", a.handleJoinInvite)

			r.Post("/dms", a.handleOpenDM)
			r.Delete("/dms/{dmID}", a.handleCloseDM)

			r.Post("/push-subscriptions", a.handlePushSubscribe)
		})
	})

	r.Get("/gateway", gateway.HandleConnections)

	return r
}

func (a *API) token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(a.token(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUserID, userID)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxUserID).(string)
	return id
}

func (a *API) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.ErrValidation
	}
	if err := a.validate.Struct(v); err != nil {
		return models.ErrValidation
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps domain errors to HTTP statuses. Unrecognized errors
// are logged and reported as 500 without leaking details.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrUserNotFound),
		errors.Is(err, models.ErrChannelNotFound),
		errors.Is(err, models.ErrMessageNotFound),
		errors.Is(err, models.ErrInviteNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrInvalidTarget),
		errors.Is(err, models.ErrNotRequested):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrAlreadyFriends),
		errors.Is(err, models.ErrAlreadyRequested),
		errors.Is(err, auth.ErrUserExists):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInviteExhausted),
		errors.Is(err, models.ErrInviteExpired):
		status = http.StatusGone
	default:
		slog.Error("request failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
