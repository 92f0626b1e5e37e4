// Package api serves the HTTP room endpoints. Every request is
// authenticated with the same bearer token used for the WebSocket
// handshake.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/pprasoon1/safe-chat/internal/identity"
	"github.com/pprasoon1/safe-chat/internal/logging"
	"github.com/pprasoon1/safe-chat/internal/storage"
)

// RoomStore is the persistence the room endpoints need.
// *storage.Postgres implements it.
type RoomStore interface {
	CreateRoom(ctx context.Context, name string, creatorID int64) (storage.Room, error)
	AddMember(ctx context.Context, roomID, userID int64) error
	QueryMemberships(ctx context.Context, userID int64) ([]int64, error)
	ListRooms(ctx context.Context, userID int64) ([]storage.Room, error)
}

// Verifier authenticates bearer tokens.
type Verifier interface {
	Verify(token string) (identity.Identity, error)
}

// RoomHandlers serves /rooms.
type RoomHandlers struct {
	store    RoomStore
	verifier Verifier
	log      zerolog.Logger
}

func NewRoomHandlers(store RoomStore, verifier Verifier) *RoomHandlers {
	return &RoomHandlers{store: store, verifier: verifier, log: logging.Component("api")}
}

// Routes returns a handler for the room endpoints:
//
//	POST /rooms                 {name}     create a room, creator becomes a member
//	GET  /rooms/mine                       rooms the caller belongs to
//	POST /rooms/{id}/members    {user_id}  add a member (caller must be a member)
//
// A creator's live sessions are not joined to a new room; memberships are
// picked up at the next connect.
func (h *RoomHandlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rooms", h.CreateRoom)
	mux.HandleFunc("GET /rooms/mine", h.ListRooms)
	mux.HandleFunc("POST /rooms/{id}/members", h.AddMember)
	return mux
}

type createRoomRequest struct {
	Name string `json:"name"`
}

type addMemberRequest struct {
	UserID int64 `json:"user_id"`
}

func (h *RoomHandlers) CreateRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	room, err := h.store.CreateRoom(r.Context(), req.Name, user.UserID)
	if errors.Is(err, storage.ErrInvalidRoom) {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64(logging.FieldUserID, user.UserID).Msg("create room failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.log.Info().Int64(logging.FieldUserID, user.UserID).Int64("room_id", room.ID).Msg("room created")
	writeJSON(w, http.StatusCreated, room)
}

func (h *RoomHandlers) ListRooms(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	rooms, err := h.store.ListRooms(r.Context(), user.UserID)
	if err != nil {
		h.log.Error().Err(err).Int64(logging.FieldUserID, user.UserID).Msg("list rooms failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *RoomHandlers) AddMember(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	roomID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || roomID <= 0 {
		http.Error(w, "invalid room ID", http.StatusBadRequest)
		return
	}

	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	member, err := h.isMember(r.Context(), user.UserID, roomID)
	if err != nil {
		h.log.Error().Err(err).Int64(logging.FieldUserID, user.UserID).Msg("membership check failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "not a member of this room", http.StatusForbidden)
		return
	}

	if err := h.store.AddMember(r.Context(), roomID, req.UserID); err != nil {
		h.log.Error().Err(err).Int64("room_id", roomID).Msg("add member failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandlers) isMember(ctx context.Context, userID, roomID int64) (bool, error) {
	ids, err := h.store.QueryMemberships(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == roomID {
			return true, nil
		}
	}
	return false, nil
}

func (h *RoomHandlers) authenticate(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	user, err := h.verifier.Verify(identity.FromBearer(r.Header.Get("Authorization")))
	if err != nil {
		h.log.Warn().Err(err).Str("path", r.URL.Path).Msg("unauthorized request")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return identity.Identity{}, false
	}
	return user, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
