// Package room owns the authoritative in-memory state of one presentation's
// live session. Every mutation passes through the room's single mutex, which
// is the serialization point the whole consistency model leans on: arrival
// order at the lock is the commit order, and concurrent edits to the same
// element field resolve by last-write-wins.
package room

import (
	"fmt"
	"sync"
	"time"

	"github.com/sundersouls/SlideCollab/internal/apperr"
	"github.com/sundersouls/SlideCollab/internal/ident"
	"github.com/sundersouls/SlideCollab/internal/model"
)

// Room aggregates one presentation plus its live roster. Different rooms
// share nothing; operations on distinct rooms run fully in parallel.
type Room struct {
	mu sync.Mutex

	// ops serializes whole commit-to-dispatch sections (see Dispatch); mu
	// alone only guards the state inside a single operation.
	ops sync.Mutex

	presentation *model.Presentation
	roster       map[string]*model.Participant
	joinOrder    []string

	// departed holds resume tokens of recently disconnected participants
	// so a reconnecting client can pick its identity and role back up.
	departed     map[string]departedEntry
	tokens       map[string]string // userID -> issued resume token
	resumeWindow time.Duration

	lastActive time.Time
}

type departedEntry struct {
	participant model.Participant
	expiresAt   time.Time
}

// JoinResult is everything the joiner's connection needs: its own record,
// a deep snapshot of the presentation, the roster, and a resume token.
type JoinResult struct {
	Participant  model.Participant
	Presentation *model.Presentation
	Users        []model.Participant
	ResumeToken  string
	Resumed      bool
}

// New wraps a hydrated (or freshly created) presentation in a room with an
// empty roster.
func New(p *model.Presentation, resumeWindow time.Duration) *Room {
	return &Room{
		presentation: p,
		roster:       make(map[string]*model.Participant),
		departed:     make(map[string]departedEntry),
		tokens:       make(map[string]string),
		resumeWindow: resumeWindow,
		lastActive:   time.Now(),
	}
}

// ID returns the presentation id the room serves.
func (r *Room) ID() string {
	return r.presentation.ID
}

// Dispatch runs fn while holding the room's dispatch lock. Callers that
// persist or broadcast the result of a mutation run the whole sequence
// inside fn, so enqueue and fan-out order always matches commit order.
func (r *Room) Dispatch(fn func()) {
	r.ops.Lock()
	defer r.ops.Unlock()
	fn()
}

// Touch marks the room active without mutating it, deferring idle eviction.
func (r *Room) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch()
}

// Join adds a participant. The first joiner of an empty room becomes the
// creator; everyone after is a viewer. A valid resume token instead restores
// the departed participant's identity and role.
func (r *Room) Join(nickname, resumeToken string) *JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch()
	r.purgeExpired(time.Now())

	var p *model.Participant
	resumed := false

	if entry, ok := r.departed[resumeToken]; ok && resumeToken != "" {
		delete(r.departed, resumeToken)
		restored := entry.participant
		// Exactly one creator per room: if the seat was retaken while
		// this client was away, it comes back as a viewer.
		if restored.Role == model.RoleCreator && r.hasCreatorLocked() {
			restored.Role = model.RoleViewer
		}
		p = &restored
		resumed = true
	} else {
		role := model.RoleViewer
		if len(r.roster) == 0 {
			role = model.RoleCreator
		}
		p = &model.Participant{
			ID:       ident.New(),
			Nickname: nickname,
			Role:     role,
		}
	}

	r.roster[p.ID] = p
	r.joinOrder = append(r.joinOrder, p.ID)

	token := ident.New()
	r.tokens[p.ID] = token

	return &JoinResult{
		Participant:  *p,
		Presentation: r.presentation.Clone(),
		Users:        r.usersLocked(),
		ResumeToken:  token,
		Resumed:      resumed,
	}
}

// Leave removes a participant on disconnect and parks its identity behind
// the resume token for the grace window. Returns false for unknown ids.
func (r *Room) Leave(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch()

	p, ok := r.roster[userID]
	if !ok {
		return false
	}
	delete(r.roster, userID)
	for i, id := range r.joinOrder {
		if id == userID {
			r.joinOrder = append(r.joinOrder[:i], r.joinOrder[i+1:]...)
			break
		}
	}

	if token, ok := r.tokens[userID]; ok {
		delete(r.tokens, userID)
		r.departed[token] = departedEntry{
			participant: *p,
			expiresAt:   time.Now().Add(r.resumeWindow),
		}
	}
	return true
}

// AddSlide appends a new empty slide with order = current slide count.
func (r *Room) AddSlide(actorID string) (*model.Slide, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch()

	if err := r.authorizeLocked(actorID, model.CapStructure); err != nil {
		return nil, err
	}

	slide := &model.Slide{
		ID:       ident.New(),
		Order:    len(r.presentation.Slides),
		Elements: []model.TextElement{},
	}
	r.presentation.Slides = append(r.presentation.Slides, slide)
	return slide.Clone(), nil
}

// DeleteSlide removes a slide. A room never drops below one slide; order
// values of the remaining slides stay sparse.
func (r *Room) DeleteSlide(actorID, slideID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch()

	if err := r.authorizeLocked(actorID, model.CapStructure); err != nil {
		return err
	}
	if len(r.presentation.Slides) <= 1 {
		return fmt.Errorf("cannot delete the last slide: %w", apperr.ErrInvariantViolation)
	}

	idx := r.slideIndexLocked(slideID)
	if idx < 0 {
		return fmt.Errorf("slide %s: %w", slideID, apperr.ErrNotFound)
	}
	r.presentation.Slides = append(r.presentation.Slides[:idx], r.presentation.Slides[idx+1:]...)
	return nil
}

// AddElement appends a new element from the template, stamping a fresh id
// and the requester as last editor. Returns the committed element and the
// slide's full element list for the durable snapshot.
func (r *Room) AddElement(actorID, slideID string, template model.TextElement) (model.TextElement, []model.TextElement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch()

	if err := r.authorizeLocked(actorID, model.CapContent); err != nil {
		return model.TextElement{}, nil, err
	}

	idx := r.slideIndexLocked(slideID)
	if idx < 0 {
		return model.TextElement{}, nil, fmt.Errorf("slide %s: %w", slideID, apperr.ErrNotFound)
	}
	slide := r.presentation.Slides[idx]

	element := template
	element.ID = ident.New()
	if element.Type == "" {
		element.Type = model.ElementTypeText
	}
	element.EditedBy = actorID

	slide.Elements = append(slide.Elements, element)
	return element, snapshotElements(slide), nil
}

// UpdateElement merges a partial change set into an element. Only named
// fields are overwritten. Returns the changes as committed (with the editor
// stamp) plus the slide snapshot.
func (r *Room) UpdateElement(actorID, slideID, elementID string, changes model.ElementChanges) (model.ElementChanges, []model.TextElement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch()

	if err := r.authorizeLocked(actorID, model.CapContent); err != nil {
		return model.ElementChanges{}, nil, err
	}

	idx := r.slideIndexLocked(slideID)
	if idx < 0 {
		return model.ElementChanges{}, nil, fmt.Errorf("slide %s: %w", slideID, apperr.ErrNotFound)
	}
	slide := r.presentation.Slides[idx]

	for i := range slide.Elements {
		if slide.Elements[i].ID != elementID {
			continue
		}
		changes.EditedBy = actorID
		changes.Apply(&slide.Elements[i])
		return changes, snapshotElements(slide), nil
	}
	return model.ElementChanges{}, nil, fmt.Errorf("element %s: %w", elementID, apperr.ErrNotFound)
}

// DeleteElement removes an element and returns the slide snapshot.
func (r *Room) DeleteElement(actorID, slideID, elementID string) ([]model.TextElement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch()

	if err := r.authorizeLocked(actorID, model.CapContent); err != nil {
		return nil, err
	}

	idx := r.slideIndexLocked(slideID)
	if idx < 0 {
		return nil, fmt.Errorf("slide %s: %w", slideID, apperr.ErrNotFound)
	}
	slide := r.presentation.Slides[idx]

	for i := range slide.Elements {
		if slide.Elements[i].ID == elementID {
			slide.Elements = append(slide.Elements[:i], slide.Elements[i+1:]...)
			return snapshotElements(slide), nil
		}
	}
	return nil, fmt.Errorf("element %s: %w", elementID, apperr.ErrNotFound)
}

// ChangeRole reassigns a participant's role. Creator-only, never targets
// the creator, and never promotes anyone else to creator.
func (r *Room) ChangeRole(actorID, targetID string, newRole model.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch()

	if err := r.authorizeLocked(actorID, model.CapStructure); err != nil {
		return err
	}
	if !newRole.Valid() || newRole == model.RoleCreator {
		return fmt.Errorf("role %q cannot be assigned: %w", newRole, apperr.ErrInvariantViolation)
	}

	target, ok := r.roster[targetID]
	if !ok {
		return fmt.Errorf("participant %s: %w", targetID, apperr.ErrNotFound)
	}
	if target.Role == model.RoleCreator {
		return fmt.Errorf("creator role is immutable: %w", apperr.ErrInvariantViolation)
	}

	target.Role = newRole
	return nil
}

// Users returns the roster in join order.
func (r *Room) Users() []model.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usersLocked()
}

// ParticipantCount returns the live roster size.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.roster)
}

// Presentation returns a deep snapshot of the current deck state.
func (r *Room) Presentation() *model.Presentation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presentation.Clone()
}

// Evictable reports whether the room is empty and has been idle longer
// than the given window.
func (r *Room) Evictable(now time.Time, idleWindow time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.roster) == 0 && now.Sub(r.lastActive) > idleWindow
}

func (r *Room) authorizeLocked(actorID string, cap model.Capability) error {
	p, ok := r.roster[actorID]
	if !ok {
		return fmt.Errorf("participant %s not in room: %w", actorID, apperr.ErrUnauthorized)
	}
	if !p.Role.Can(cap) {
		return fmt.Errorf("role %q lacks permission: %w", p.Role, apperr.ErrUnauthorized)
	}
	return nil
}

func (r *Room) slideIndexLocked(slideID string) int {
	for i, s := range r.presentation.Slides {
		if s.ID == slideID {
			return i
		}
	}
	return -1
}

func (r *Room) usersLocked() []model.Participant {
	users := make([]model.Participant, 0, len(r.roster))
	for _, id := range r.joinOrder {
		if p, ok := r.roster[id]; ok {
			users = append(users, *p)
		}
	}
	return users
}

func (r *Room) hasCreatorLocked() bool {
	for _, p := range r.roster {
		if p.Role == model.RoleCreator {
			return true
		}
	}
	return false
}

func (r *Room) purgeExpired(now time.Time) {
	for token, entry := range r.departed {
		if now.After(entry.expiresAt) {
			delete(r.departed, token)
		}
	}
}

func (r *Room) touch() {
	r.lastActive = time.Now()
}

func snapshotElements(s *model.Slide) []model.TextElement {
	out := make([]model.TextElement, len(s.Elements))
	copy(out, s.Elements)
	return out
}
