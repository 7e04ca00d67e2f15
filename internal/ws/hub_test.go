package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sundersouls/SlideCollab/internal/apperr"
	"github.com/sundersouls/SlideCollab/internal/broadcast"
	"github.com/sundersouls/SlideCollab/internal/model"
	"github.com/sundersouls/SlideCollab/internal/persist"
	"github.com/sundersouls/SlideCollab/internal/protocol"
	"github.com/sundersouls/SlideCollab/internal/registry"
)

// fakeConn records every frame the hub pushes at it.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) envelopes(t *testing.T) []*protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	envs := make([]*protocol.Envelope, 0, len(c.frames))
	for _, raw := range c.frames {
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return envs
}

func (c *fakeConn) events(t *testing.T) []string {
	t.Helper()
	var names []string
	for _, env := range c.envelopes(t) {
		names = append(names, env.Event)
	}
	return names
}

func (c *fakeConn) lastEvent(t *testing.T) *protocol.Envelope {
	t.Helper()
	envs := c.envelopes(t)
	require.NotEmpty(t, envs)
	return envs[len(envs)-1]
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

type nullStore struct{}

func (nullStore) CreateSlide(context.Context, string, *model.Slide) error     { return nil }
func (nullStore) DeleteSlide(context.Context, string) error                   { return nil }
func (nullStore) WriteSlideElements(context.Context, string, []model.TextElement) error {
	return nil
}

// recordingStore keeps the latest persisted snapshot per slide.
type recordingStore struct {
	mu       sync.Mutex
	elements map[string][]model.TextElement
}

func newRecordingStore() *recordingStore {
	return &recordingStore{elements: make(map[string][]model.TextElement)}
}

func (s *recordingStore) CreateSlide(context.Context, string, *model.Slide) error { return nil }
func (s *recordingStore) DeleteSlide(context.Context, string) error               { return nil }

func (s *recordingStore) WriteSlideElements(_ context.Context, slideID string, elements []model.TextElement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements[slideID] = elements
	return nil
}

func (s *recordingStore) snapshot(slideID string) []model.TextElement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elements[slideID]
}

type nullLoader struct{}

func (nullLoader) GetPresentation(_ context.Context, id string) (*model.Presentation, error) {
	return nil, apperr.ErrNotFound
}

type brokenLoader struct{}

func (brokenLoader) GetPresentation(context.Context, string) (*model.Presentation, error) {
	return nil, errors.New("disk i/o timeout")
}

func newTestHub(t *testing.T) (*Hub, *registry.Registry) {
	t.Helper()
	reg := registry.New(nullLoader{}, nil, registry.Config{
		EvictAfter:   time.Hour,
		ResumeWindow: time.Hour,
	}, zap.NewNop())
	sinks := broadcast.NewRegistry()
	persister := persist.New(nullStore{}, persist.Config{
		Debounce:   time.Hour,
		MaxRetries: 1,
		QueueSize:  64,
	}, zap.NewNop())
	hub := NewHub(reg, sinks, broadcast.NewLocal(sinks), persister, zap.NewNop())
	return hub, reg
}

func registerDeck(reg *registry.Registry, id string) {
	reg.Register(&model.Presentation{
		ID:   id,
		Name: "Deck",
		Slides: []*model.Slide{
			{ID: id + "-s0", Order: 0, Elements: []model.TextElement{}},
		},
	})
}

func join(t *testing.T, hub *Hub, conn *fakeConn, presentationID, nickname string) protocol.RoomSnapshot {
	t.Helper()
	hub.HandleMessage(conn, protocol.MustEncode(protocol.EventJoinRoom, protocol.JoinRoomRequest{
		PresentationID: presentationID,
		Nickname:       nickname,
	}))
	env := conn.lastEvent(t)
	require.Equal(t, protocol.EventRoomSnapshot, env.Event)
	var snap protocol.RoomSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	return snap
}

func TestJoinSendsSnapshotAndNotifiesOthers(t *testing.T) {
	hub, reg := newTestHub(t)
	registerDeck(reg, "p1")

	alice := &fakeConn{}
	snap := join(t, hub, alice, "p1", "alice")
	assert.Equal(t, model.RoleCreator, snap.Participant.Role)
	assert.NotEmpty(t, snap.ResumeToken)
	require.NotNil(t, snap.Presentation)
	assert.Len(t, snap.Presentation.Slides, 1)

	alice.reset()
	bob := &fakeConn{}
	bobSnap := join(t, hub, bob, "p1", "bob")
	assert.Equal(t, model.RoleViewer, bobSnap.Participant.Role)
	assert.Len(t, bobSnap.Users, 2)

	// Alice hears about bob; bob does not hear about himself.
	require.Equal(t, []string{protocol.EventParticipantJoined}, alice.events(t))
	var joined protocol.ParticipantJoined
	require.NoError(t, json.Unmarshal(alice.envelopes(t)[0].Data, &joined))
	assert.Equal(t, "bob", joined.Participant.Nickname)
	assert.NotContains(t, bob.events(t), protocol.EventParticipantJoined)

	assert.Equal(t, 2, hub.ConnCount())
}

func TestJoinDistinguishesStoreFailureFromMissing(t *testing.T) {
	reg := registry.New(brokenLoader{}, nil, registry.Config{
		EvictAfter:   time.Hour,
		ResumeWindow: time.Hour,
	}, zap.NewNop())
	sinks := broadcast.NewRegistry()
	persister := persist.New(nullStore{}, persist.Config{Debounce: time.Hour, QueueSize: 64}, zap.NewNop())
	hub := NewHub(reg, sinks, broadcast.NewLocal(sinks), persister, zap.NewNop())

	conn := &fakeConn{}
	hub.HandleMessage(conn, protocol.MustEncode(protocol.EventJoinRoom, protocol.JoinRoomRequest{
		PresentationID: "p1",
		Nickname:       "alice",
	}))

	env := conn.lastEvent(t)
	require.Equal(t, protocol.EventError, env.Event)
	var e protocol.Error
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, "failed to load presentation", e.Message)
	assert.Equal(t, 0, hub.ConnCount())
}

func TestJoinUnknownPresentation(t *testing.T) {
	hub, _ := newTestHub(t)

	conn := &fakeConn{}
	hub.HandleMessage(conn, protocol.MustEncode(protocol.EventJoinRoom, protocol.JoinRoomRequest{
		PresentationID: "missing",
		Nickname:       "alice",
	}))

	env := conn.lastEvent(t)
	assert.Equal(t, protocol.EventError, env.Event)
	assert.Equal(t, 0, hub.ConnCount())
}

func TestSecondJoinOnSameConnectionRejected(t *testing.T) {
	hub, reg := newTestHub(t)
	registerDeck(reg, "p1")

	conn := &fakeConn{}
	join(t, hub, conn, "p1", "alice")
	conn.reset()

	hub.HandleMessage(conn, protocol.MustEncode(protocol.EventJoinRoom, protocol.JoinRoomRequest{
		PresentationID: "p1",
		Nickname:       "alice-again",
	}))

	env := conn.lastEvent(t)
	require.Equal(t, protocol.EventError, env.Event)
	var e protocol.Error
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, "connection already joined a room", e.Message)
	assert.Equal(t, 1, hub.ConnCount())
}

func TestEventBeforeJoinRejected(t *testing.T) {
	hub, _ := newTestHub(t)

	conn := &fakeConn{}
	hub.HandleMessage(conn, protocol.MustEncode(protocol.EventAddSlide, nil))

	env := conn.lastEvent(t)
	assert.Equal(t, protocol.EventError, env.Event)
}

func TestMalformedFrame(t *testing.T) {
	hub, _ := newTestHub(t)

	conn := &fakeConn{}
	hub.HandleMessage(conn, []byte(`{"event":`))
	assert.Equal(t, []string{protocol.EventError}, conn.events(t))

	conn.reset()
	hub.HandleMessage(conn, []byte(`{"data":{}}`))
	assert.Equal(t, []string{protocol.EventError}, conn.events(t))
}

func TestAddSlideBroadcastsToEveryone(t *testing.T) {
	hub, reg := newTestHub(t)
	registerDeck(reg, "p1")

	alice := &fakeConn{}
	bob := &fakeConn{}
	join(t, hub, alice, "p1", "alice")
	join(t, hub, bob, "p1", "bob")
	alice.reset()
	bob.reset()

	hub.HandleMessage(alice, protocol.MustEncode(protocol.EventAddSlide, nil))

	// Structural events reach the requester too.
	require.Equal(t, []string{protocol.EventSlideAdded}, alice.events(t))
	require.Equal(t, []string{protocol.EventSlideAdded}, bob.events(t))

	var added protocol.SlideAdded
	require.NoError(t, json.Unmarshal(alice.envelopes(t)[0].Data, &added))
	assert.Equal(t, 1, added.Slide.Order)
}

func TestUpdateElementExcludesRequester(t *testing.T) {
	hub, reg := newTestHub(t)
	registerDeck(reg, "p1")

	alice := &fakeConn{}
	bob := &fakeConn{}
	join(t, hub, alice, "p1", "alice")
	join(t, hub, bob, "p1", "bob")

	slideID := "p1-s0"
	hub.HandleMessage(alice, protocol.MustEncode(protocol.EventAddElement, protocol.AddElementRequest{
		SlideID: slideID,
		Element: model.TextElement{Content: "hello"},
	}))
	var added protocol.ElementAdded
	require.NoError(t, json.Unmarshal(alice.lastEvent(t).Data, &added))
	alice.reset()
	bob.reset()

	newContent := "edited"
	hub.HandleMessage(alice, protocol.MustEncode(protocol.EventUpdateElement, protocol.UpdateElementRequest{
		SlideID:   slideID,
		ElementID: added.Element.ID,
		Changes:   model.ElementChanges{Content: &newContent},
	}))

	// The requester already applied the edit locally.
	assert.Empty(t, alice.events(t))
	require.Equal(t, []string{protocol.EventElementUpdated}, bob.events(t))

	var updated protocol.ElementUpdated
	require.NoError(t, json.Unmarshal(bob.envelopes(t)[0].Data, &updated))
	assert.Equal(t, added.Element.ID, updated.ElementID)
	require.NotNil(t, updated.Changes.Content)
	assert.Equal(t, "edited", *updated.Changes.Content)
	assert.NotEmpty(t, updated.Changes.EditedBy)
}

func TestViewerMutationRejectedWithoutBroadcast(t *testing.T) {
	hub, reg := newTestHub(t)
	registerDeck(reg, "p1")

	alice := &fakeConn{}
	bob := &fakeConn{}
	join(t, hub, alice, "p1", "alice")
	join(t, hub, bob, "p1", "bob")
	alice.reset()
	bob.reset()

	hub.HandleMessage(bob, protocol.MustEncode(protocol.EventAddElement, protocol.AddElementRequest{
		SlideID: "p1-s0",
		Element: model.TextElement{Content: "nope"},
	}))

	require.Equal(t, []string{protocol.EventError}, bob.events(t))
	assert.Empty(t, alice.events(t))

	// State is untouched.
	r, ok := reg.Lookup("p1")
	require.True(t, ok)
	assert.Empty(t, r.Presentation().Slides[0].Elements)
}

func TestChangeRoleFlow(t *testing.T) {
	hub, reg := newTestHub(t)
	registerDeck(reg, "p1")

	alice := &fakeConn{}
	bob := &fakeConn{}
	join(t, hub, alice, "p1", "alice")
	bobSnap := join(t, hub, bob, "p1", "bob")
	alice.reset()
	bob.reset()

	hub.HandleMessage(alice, protocol.MustEncode(protocol.EventChangeRole, protocol.ChangeRoleRequest{
		UserID:  bobSnap.Participant.ID,
		NewRole: model.RoleEditor,
	}))

	// Both sides see the committed change.
	require.Equal(t, []string{protocol.EventRoleChanged}, alice.events(t))
	require.Equal(t, []string{protocol.EventRoleChanged}, bob.events(t))
	bob.reset()

	// Bob can edit content now.
	hub.HandleMessage(bob, protocol.MustEncode(protocol.EventAddElement, protocol.AddElementRequest{
		SlideID: "p1-s0",
		Element: model.TextElement{Content: "allowed"},
	}))
	assert.Equal(t, []string{protocol.EventElementAdded}, bob.events(t))
}

func TestDisconnectBroadcastsParticipantLeft(t *testing.T) {
	hub, reg := newTestHub(t)
	registerDeck(reg, "p1")

	alice := &fakeConn{}
	bob := &fakeConn{}
	join(t, hub, alice, "p1", "alice")
	bobSnap := join(t, hub, bob, "p1", "bob")
	alice.reset()

	hub.HandleDisconnect(bob)

	require.Equal(t, []string{protocol.EventParticipantLeft}, alice.events(t))
	var left protocol.ParticipantLeft
	require.NoError(t, json.Unmarshal(alice.envelopes(t)[0].Data, &left))
	assert.Equal(t, bobSnap.Participant.ID, left.UserID)
	assert.Equal(t, 1, hub.ConnCount())

	r, ok := reg.Lookup("p1")
	require.True(t, ok)
	assert.Equal(t, 1, r.ParticipantCount())

	// A second disconnect for the same connection is a no-op.
	alice.reset()
	hub.HandleDisconnect(bob)
	assert.Empty(t, alice.events(t))
}

func TestConcurrentEditsPersistAndFanOutInCommitOrder(t *testing.T) {
	reg := registry.New(nullLoader{}, nil, registry.Config{
		EvictAfter:   time.Hour,
		ResumeWindow: time.Hour,
	}, zap.NewNop())
	sinks := broadcast.NewRegistry()
	store := newRecordingStore()
	persister := persist.New(store, persist.Config{Debounce: time.Hour, QueueSize: 1024}, zap.NewNop())
	persister.Start()
	t.Cleanup(persister.Stop)
	hub := NewHub(reg, sinks, broadcast.NewLocal(sinks), persister, zap.NewNop())
	registerDeck(reg, "p1")

	alice := &fakeConn{}
	bob := &fakeConn{}
	join(t, hub, alice, "p1", "alice")
	join(t, hub, bob, "p1", "bob")

	hub.HandleMessage(alice, protocol.MustEncode(protocol.EventAddElement, protocol.AddElementRequest{
		SlideID: "p1-s0",
		Element: model.TextElement{Content: "start"},
	}))
	var added protocol.ElementAdded
	require.NoError(t, json.Unmarshal(alice.lastEvent(t).Data, &added))
	bob.reset()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := fmt.Sprintf("edit-%d", i)
			hub.HandleMessage(alice, protocol.MustEncode(protocol.EventUpdateElement, protocol.UpdateElementRequest{
				SlideID:   "p1-s0",
				ElementID: added.Element.ID,
				Changes:   model.ElementChanges{Content: &content},
			}))
		}(i)
	}
	wg.Wait()
	persister.Flush()

	r, ok := reg.Lookup("p1")
	require.True(t, ok)
	final := r.Presentation().Slides[0].Elements[0].Content

	// The last durable snapshot is the last commit, never an older edit
	// that happened to enqueue late.
	stored := store.snapshot("p1-s0")
	require.Len(t, stored, 1)
	assert.Equal(t, final, stored[0].Content)

	// The last delta other clients applied matches the room state too.
	envs := bob.envelopes(t)
	require.NotEmpty(t, envs)
	var last protocol.ElementUpdated
	require.NoError(t, json.Unmarshal(envs[len(envs)-1].Data, &last))
	require.NotNil(t, last.Changes.Content)
	assert.Equal(t, final, *last.Changes.Content)
}

func TestDeleteLastSlideRejected(t *testing.T) {
	hub, reg := newTestHub(t)
	registerDeck(reg, "p1")

	alice := &fakeConn{}
	join(t, hub, alice, "p1", "alice")
	alice.reset()

	hub.HandleMessage(alice, protocol.MustEncode(protocol.EventDeleteSlide, protocol.DeleteSlideRequest{
		SlideID: "p1-s0",
	}))

	require.Equal(t, []string{protocol.EventError}, alice.events(t))
	r, ok := reg.Lookup("p1")
	require.True(t, ok)
	assert.Len(t, r.Presentation().Slides, 1)
}
