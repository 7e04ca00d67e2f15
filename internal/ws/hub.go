package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/sundersouls/SlideCollab/internal/apperr"
	"github.com/sundersouls/SlideCollab/internal/broadcast"
	"github.com/sundersouls/SlideCollab/internal/persist"
	"github.com/sundersouls/SlideCollab/internal/protocol"
	"github.com/sundersouls/SlideCollab/internal/registry"
	"github.com/sundersouls/SlideCollab/internal/room"
)

// Conn is the transport-side face of one connection. *Client implements it;
// tests substitute their own.
type Conn interface {
	broadcast.Sink
}

// binding ties a live connection to exactly one participant in one room.
type binding struct {
	userID string
	roomID string
}

// Hub routes client events through the engine: resolve binding, apply the
// operation on the room, hand the durable write to the synchronizer, and
// fan the committed event out. It also owns the connection binding table.
//
// Each apply-enqueue-publish sequence runs inside room.Dispatch, so the
// synchronizer and remote clients see commits in the same order the room
// serialized them.
type Hub struct {
	registry    *registry.Registry
	sinks       *broadcast.Registry
	broadcaster broadcast.Broadcaster
	persister   *persist.Synchronizer
	logger      *zap.Logger

	mu       sync.RWMutex
	bindings map[Conn]binding
}

func NewHub(reg *registry.Registry, sinks *broadcast.Registry, bc broadcast.Broadcaster, persister *persist.Synchronizer, logger *zap.Logger) *Hub {
	return &Hub{
		registry:    reg,
		sinks:       sinks,
		broadcaster: bc,
		persister:   persister,
		logger:      logger,
		bindings:    make(map[Conn]binding),
	}
}

// ConnCount reports the number of bound connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bindings)
}

// HandleMessage dispatches one inbound frame from a connection.
func (h *Hub) HandleMessage(conn Conn, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		h.sendError(conn, "malformed message")
		return
	}

	if env.Event == protocol.EventJoinRoom {
		h.handleJoin(conn, env.Data)
		return
	}

	h.mu.RLock()
	b, bound := h.bindings[conn]
	h.mu.RUnlock()
	if !bound {
		h.sendError(conn, "no active session")
		return
	}

	switch env.Event {
	case protocol.EventAddSlide:
		h.handleAddSlide(conn, b)
	case protocol.EventDeleteSlide:
		h.handleDeleteSlide(conn, b, env.Data)
	case protocol.EventAddElement:
		h.handleAddElement(conn, b, env.Data)
	case protocol.EventUpdateElement:
		h.handleUpdateElement(conn, b, env.Data)
	case protocol.EventDeleteElement:
		h.handleDeleteElement(conn, b, env.Data)
	case protocol.EventChangeRole:
		h.handleChangeRole(conn, b, env.Data)
	default:
		h.sendError(conn, "unknown event: "+env.Event)
	}
}

// HandleDisconnect tears down a connection's binding: roster removal, sink
// unsubscription, and the participant-left broadcast to the remainder.
func (h *Hub) HandleDisconnect(conn Conn) {
	h.mu.Lock()
	b, bound := h.bindings[conn]
	delete(h.bindings, conn)
	h.mu.Unlock()
	if !bound {
		return
	}

	h.sinks.Unsubscribe(b.roomID, b.userID)

	r, ok := h.registry.Lookup(b.roomID)
	if !ok {
		h.logger.Warn("disconnect from non-resident room", zap.String("room_id", b.roomID))
		return
	}
	r.Dispatch(func() {
		if !r.Leave(b.userID) {
			return
		}
		h.publish(b.roomID, protocol.EventParticipantLeft,
			protocol.ParticipantLeft{UserID: b.userID}, "")
		h.logger.Info("participant left",
			zap.String("room_id", b.roomID), zap.String("user_id", b.userID))
	})
}

func (h *Hub) handleJoin(conn Conn, data json.RawMessage) {
	var req protocol.JoinRoomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.PresentationID == "" {
		h.sendError(conn, "invalid join request")
		return
	}

	h.mu.RLock()
	_, alreadyBound := h.bindings[conn]
	h.mu.RUnlock()
	if alreadyBound {
		// One binding per connection; a client switches rooms by
		// reconnecting.
		h.sendError(conn, "connection already joined a room")
		return
	}

	r, err := h.registry.GetOrHydrate(context.Background(), req.PresentationID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			h.sendError(conn, "presentation not found")
		} else {
			h.logger.Error("hydrate room",
				zap.String("presentation_id", req.PresentationID), zap.Error(err))
			h.sendError(conn, "failed to load presentation")
		}
		return
	}

	var res *room.JoinResult
	r.Dispatch(func() {
		res = r.Join(req.Nickname, req.ResumeToken)

		h.mu.Lock()
		h.bindings[conn] = binding{userID: res.Participant.ID, roomID: req.PresentationID}
		h.mu.Unlock()
		h.sinks.Subscribe(req.PresentationID, res.Participant.ID, conn)

		// Snapshot and subscription land before any later commit can fan
		// out, so the joiner never sees an event older than its snapshot.
		h.sendTo(conn, protocol.EventRoomSnapshot, protocol.RoomSnapshot{
			Presentation: res.Presentation,
			Participant:  &res.Participant,
			Users:        res.Users,
			ResumeToken:  res.ResumeToken,
		})

		h.publish(req.PresentationID, protocol.EventParticipantJoined,
			protocol.ParticipantJoined{Participant: res.Participant}, res.Participant.ID)
	})

	h.logger.Info("participant joined",
		zap.String("room_id", req.PresentationID),
		zap.String("user_id", res.Participant.ID),
		zap.String("nickname", res.Participant.Nickname),
		zap.String("role", string(res.Participant.Role)),
		zap.Bool("resumed", res.Resumed))
}

func (h *Hub) handleAddSlide(conn Conn, b binding) {
	r, ok := h.registry.Lookup(b.roomID)
	if !ok {
		h.sendError(conn, "presentation not found")
		return
	}

	r.Dispatch(func() {
		slide, err := r.AddSlide(b.userID)
		if err != nil {
			h.sendError(conn, err.Error())
			return
		}

		h.persister.EnqueueCreateSlide(b.roomID, slide)
		h.publish(b.roomID, protocol.EventSlideAdded, protocol.SlideAdded{Slide: slide}, "")
	})
}

func (h *Hub) handleDeleteSlide(conn Conn, b binding, data json.RawMessage) {
	var req protocol.DeleteSlideRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(conn, "invalid delete-slide request")
		return
	}

	r, ok := h.registry.Lookup(b.roomID)
	if !ok {
		h.sendError(conn, "presentation not found")
		return
	}

	r.Dispatch(func() {
		if err := r.DeleteSlide(b.userID, req.SlideID); err != nil {
			h.sendError(conn, err.Error())
			return
		}

		h.persister.EnqueueDeleteSlide(req.SlideID)
		h.publish(b.roomID, protocol.EventSlideDeleted, protocol.SlideDeleted{SlideID: req.SlideID}, "")
	})
}

func (h *Hub) handleAddElement(conn Conn, b binding, data json.RawMessage) {
	var req protocol.AddElementRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(conn, "invalid add-element request")
		return
	}

	r, ok := h.registry.Lookup(b.roomID)
	if !ok {
		h.sendError(conn, "presentation not found")
		return
	}

	r.Dispatch(func() {
		element, snapshot, err := r.AddElement(b.userID, req.SlideID, req.Element)
		if err != nil {
			h.sendError(conn, err.Error())
			return
		}

		h.persister.EnqueueSnapshot(req.SlideID, snapshot)
		h.publish(b.roomID, protocol.EventElementAdded,
			protocol.ElementAdded{SlideID: req.SlideID, Element: element}, "")
	})
}

func (h *Hub) handleUpdateElement(conn Conn, b binding, data json.RawMessage) {
	var req protocol.UpdateElementRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(conn, "invalid update-element request")
		return
	}

	r, ok := h.registry.Lookup(b.roomID)
	if !ok {
		h.sendError(conn, "presentation not found")
		return
	}

	r.Dispatch(func() {
		changes, snapshot, err := r.UpdateElement(b.userID, req.SlideID, req.ElementID, req.Changes)
		if err != nil {
			h.sendError(conn, err.Error())
			return
		}

		h.persister.EnqueueSnapshot(req.SlideID, snapshot)
		// The requester already applied the change locally; everyone else
		// gets the committed delta.
		h.publish(b.roomID, protocol.EventElementUpdated,
			protocol.ElementUpdated{SlideID: req.SlideID, ElementID: req.ElementID, Changes: changes},
			b.userID)
	})
}

func (h *Hub) handleDeleteElement(conn Conn, b binding, data json.RawMessage) {
	var req protocol.DeleteElementRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(conn, "invalid delete-element request")
		return
	}

	r, ok := h.registry.Lookup(b.roomID)
	if !ok {
		h.sendError(conn, "presentation not found")
		return
	}

	r.Dispatch(func() {
		snapshot, err := r.DeleteElement(b.userID, req.SlideID, req.ElementID)
		if err != nil {
			h.sendError(conn, err.Error())
			return
		}

		h.persister.EnqueueSnapshot(req.SlideID, snapshot)
		h.publish(b.roomID, protocol.EventElementDeleted,
			protocol.ElementDeleted{SlideID: req.SlideID, ElementID: req.ElementID}, "")
	})
}

func (h *Hub) handleChangeRole(conn Conn, b binding, data json.RawMessage) {
	var req protocol.ChangeRoleRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(conn, "invalid change-role request")
		return
	}

	r, ok := h.registry.Lookup(b.roomID)
	if !ok {
		h.sendError(conn, "presentation not found")
		return
	}

	r.Dispatch(func() {
		if err := r.ChangeRole(b.userID, req.UserID, req.NewRole); err != nil {
			h.sendError(conn, err.Error())
			return
		}

		h.publish(b.roomID, protocol.EventRoleChanged,
			protocol.RoleChanged{UserID: req.UserID, NewRole: req.NewRole}, "")
	})
}

func (h *Hub) publish(roomID, event string, payload interface{}, excludeUserID string) {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	h.broadcaster.Publish(context.Background(), roomID, data, excludeUserID)
}

func (h *Hub) sendTo(conn Conn, event string, payload interface{}) {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error("encode unicast", zap.String("event", event), zap.Error(err))
		return
	}
	if err := conn.Send(data); err != nil {
		h.logger.Warn("unicast dropped", zap.String("event", event), zap.Error(err))
	}
}

func (h *Hub) sendError(conn Conn, message string) {
	h.sendTo(conn, protocol.EventError, protocol.Error{Message: message})
}
