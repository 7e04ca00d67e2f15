// Package protocol defines the JSON event envelope exchanged over a
// websocket connection and every payload type carried inside it.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/sundersouls/SlideCollab/internal/model"
)

// Client→server event names.
const (
	EventJoinRoom      = "join-room"
	EventAddSlide      = "add-slide"
	EventDeleteSlide   = "delete-slide"
	EventAddElement    = "add-element"
	EventUpdateElement = "update-element"
	EventDeleteElement = "delete-element"
	EventChangeRole    = "change-role"
)

// Server→client event names.
const (
	EventRoomSnapshot      = "room-snapshot"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventSlideAdded        = "slide-added"
	EventSlideDeleted      = "slide-deleted"
	EventElementAdded      = "element-added"
	EventElementUpdated    = "element-updated"
	EventElementDeleted    = "element-deleted"
	EventRoleChanged       = "role-changed"
	EventError             = "error"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw websocket message into an envelope.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope missing event name")
	}
	return &env, nil
}

// Encode frames an event and its payload as a wire message.
func Encode(event string, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(event string, payload interface{}) []byte {
	b, err := Encode(event, payload)
	if err != nil {
		panic(err)
	}
	return b
}

// Client→server payloads.

type JoinRoomRequest struct {
	PresentationID string `json:"presentationId"`
	Nickname       string `json:"nickname"`
	ResumeToken    string `json:"resumeToken,omitempty"`
}

type DeleteSlideRequest struct {
	SlideID string `json:"slideId"`
}

type AddElementRequest struct {
	SlideID string            `json:"slideId"`
	Element model.TextElement `json:"element"`
}

type UpdateElementRequest struct {
	SlideID   string               `json:"slideId"`
	ElementID string               `json:"elementId"`
	Changes   model.ElementChanges `json:"changes"`
}

type DeleteElementRequest struct {
	SlideID   string `json:"slideId"`
	ElementID string `json:"elementId"`
}

type ChangeRoleRequest struct {
	UserID  string     `json:"userId"`
	NewRole model.Role `json:"newRole"`
}

// Server→client payloads.

type RoomSnapshot struct {
	Presentation *model.Presentation `json:"presentation"`
	Participant  *model.Participant  `json:"participant"`
	Users        []model.Participant `json:"users"`
	ResumeToken  string              `json:"resumeToken"`
}

type ParticipantJoined struct {
	Participant model.Participant `json:"participant"`
}

type ParticipantLeft struct {
	UserID string `json:"userId"`
}

type SlideAdded struct {
	Slide *model.Slide `json:"slide"`
}

type SlideDeleted struct {
	SlideID string `json:"slideId"`
}

type ElementAdded struct {
	SlideID string            `json:"slideId"`
	Element model.TextElement `json:"element"`
}

type ElementUpdated struct {
	SlideID   string               `json:"slideId"`
	ElementID string               `json:"elementId"`
	Changes   model.ElementChanges `json:"changes"`
}

type ElementDeleted struct {
	SlideID   string `json:"slideId"`
	ElementID string `json:"elementId"`
}

type RoleChanged struct {
	UserID  string     `json:"userId"`
	NewRole model.Role `json:"newRole"`
}

type Error struct {
	Message string `json:"message"`
}
