package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"pavilion/internal/auth"
	"pavilion/internal/content"
	"pavilion/internal/models"
)

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegistrationRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := content.ValidateHandle(req.Handle); err != nil {
		writeError(w, err)
		return
	}

	user, err := a.auth.Register(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, _ := a.auth.Login(req)
	if !resp.Success {
		writeJSON(w, http.StatusUnauthorized, resp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    resp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(resp.TokenExpiry, 0),
	})
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLogoff(w http.ResponseWriter, r *http.Request) {
	if token := a.token(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := a.friends.Snapshot(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleListFriends(w http.ResponseWriter, r *http.Request) {
	list, err := a.friends.Friends(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleListServers(w http.ResponseWriter, r *http.Request) {
	list, err := a.servers.ListForUser(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleListDMs(w http.ResponseWriter, r *http.Request) {
	list, err := a.dms.List(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// --- Friend requests ---

func (a *API) handleSendFriendRequest(w http.ResponseWriter, r *http.Request) {
	if err := a.friends.SendRequest(userID(r), chi.URLParam(r, "userID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCancelFriendRequest(w http.ResponseWriter, r *http.Request) {
	if err := a.friends.CancelRequest(userID(r), chi.URLParam(r, "userID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAcceptFriendRequest(w http.ResponseWriter, r *http.Request) {
	if err := a.friends.AcceptRequest(userID(r), chi.URLParam(r, "userID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRemoveFriend(w http.ResponseWriter, r *http.Request) {
	if err := a.friends.RemoveFriend(userID(r), chi.URLParam(r, "userID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Servers and channels ---

func (a *API) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name" validate:"required,min=1,max=100"`
		Description string `json:"description" validate:"max=1024"`
	}
	if err := a.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	server, err := a.servers.Create(userID(r), req.Name, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = a.resub.Resubscribe(userID(r))
	writeJSON(w, http.StatusCreated, server)
}

func (a *API) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, err := a.servers.Get(chi.URLParam(r, "serverID"), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (a *API) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := a.servers.Channels(chi.URLParam(r, "serverID"), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

func (a *API) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name" validate:"required,min=1,max=100"`
	}
	if err := a.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	serverID := chi.URLParam(r, "serverID")
	channel, err := a.servers.CreateChannel(serverID, userID(r), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}

	// Members need their scope subscriptions refreshed to receive
	// messages in the new channel.
	if server, err := a.servers.Get(serverID, userID(r)); err == nil {
		for _, member := range server.Members {
			_ = a.resub.Resubscribe(member)
		}
	}

	writeJSON(w, http.StatusCreated, channel)
}

func (a *API) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := a.servers.DeleteChannel(chi.URLParam(r, "channelID"), userID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Messages ---

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, models.ErrValidation)
			return
		}
		limit = n
	}

	var cursor int64
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, models.ErrValidation)
			return
		}
		cursor = n
	}

	msgs, err := a.messages.List(chi.URLParam(r, "channelID"), userID(r), cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content" validate:"required"`
	}
	if err := a.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := a.messages.Create(r.Context(), chi.URLParam(r, "channelID"), userID(r), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content" validate:"required"`
	}
	if err := a.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := a.messages.Edit(r.Context(),
		chi.URLParam(r, "channelID"), chi.URLParam(r, "messageID"), userID(r), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	_, err := a.messages.Delete(chi.URLParam(r, "channelID"), chi.URLParam(r, "messageID"), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Invites ---

func (a *API) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxUses   int   `json:"maxUses" validate:"min=0"`
		ExpiresAt int64 `json:"expiresAt" validate:"min=0"`
	}
	if err := a.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	invite, err := a.invites.Create(chi.URLParam(r, "serverID"), userID(r), req.MaxUses, req.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, invite)
}

func (a *API) handleListInvites(w http.ResponseWriter, r *http.Request) {
	list, err := a.invites.List(chi.URLParam(r, "serverID"), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleJoinInvite(w http.ResponseWriter, r *http.Request) {
	server, err := a.invites.Join(chi.URLParam(r, "code"), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	_ = a.resub.Resubscribe(userID(r))
	writeJSON(w, http.StatusOK, server)
}

// --- Direct messages ---

func (a *API) handleOpenDM(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecipientID string `json:"recipientId" validate:"required"`
	}
	if err := a.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	dm, err := a.dms.Open(userID(r), req.RecipientID)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = a.resub.Resubscribe(dm.Recipient1)
	_ = a.resub.Resubscribe(dm.Recipient2)
	writeJSON(w, http.StatusCreated, dm)
}

func (a *API) handleCloseDM(w http.ResponseWriter, r *http.Request) {
	if _, err := a.dms.Close(userID(r), chi.URLParam(r, "dmID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Push subscriptions ---

func (a *API) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if a.push == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "push is not configured"})
		return
	}

	var req struct {
		Endpoint string `json:"endpoint" validate:"required,url"`
		P256dh   string `json:"p256dh" validate:"required"`
		Auth     string `json:"auth" validate:"required"`
	}
	if err := a.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := a.push.Subscribe(models.PushSubscription{
		UserID:   userID(r),
		Endpoint: req.Endpoint,
		P256dh:   req.P256dh,
		Auth:     req.Auth,
	}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
