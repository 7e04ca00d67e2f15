// Package model holds the shared presentation state types and the role and
// capability model gating every mutation.
package model

// Role is a closed enumeration of participant roles.
type Role string

const (
	RoleCreator Role = "creator"
	RoleEditor  Role = "editor"
	RoleViewer  Role = "viewer"
)

// Capability is a permitted category of mutation.
type Capability int

const (
	// CapStructure covers add/delete slide and change-role.
	CapStructure Capability = iota

	// CapContent covers add/update/delete element.
	CapContent
)

// roleCapabilities is the single lookup table for authorization.
var roleCapabilities = map[Role]map[Capability]bool{
	RoleCreator: {CapStructure: true, CapContent: true},
	RoleEditor:  {CapContent: true},
	RoleViewer:  {},
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := roleCapabilities[r]
	return ok
}

// Can reports whether the role grants the capability.
func (r Role) Can(c Capability) bool {
	return roleCapabilities[r][c]
}

// ElementTypeText is the only element type the engine currently carries.
const ElementTypeText = "text"

// TextElement is a positioned, styled block of text on a slide.
type TextElement struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Content    string  `json:"content"`
	FontSize   int     `json:"fontSize"`
	FontFamily string  `json:"fontFamily"`
	Color      string  `json:"color"`
	Bold       bool    `json:"bold"`
	Italic     bool    `json:"italic"`
	Underline  bool    `json:"underline"`
	EditedBy   string  `json:"editedBy,omitempty"`
}

// ElementChanges is a partial update to a TextElement. Nil fields are left
// untouched; the merge is shallow field-level last-write-wins.
type ElementChanges struct {
	X          *float64 `json:"x,omitempty"`
	Y          *float64 `json:"y,omitempty"`
	Width      *float64 `json:"width,omitempty"`
	Height     *float64 `json:"height,omitempty"`
	Content    *string  `json:"content,omitempty"`
	FontSize   *int     `json:"fontSize,omitempty"`
	FontFamily *string  `json:"fontFamily,omitempty"`
	Color      *string  `json:"color,omitempty"`
	Bold       *bool    `json:"bold,omitempty"`
	Italic     *bool    `json:"italic,omitempty"`
	Underline  *bool    `json:"underline,omitempty"`
	EditedBy   string   `json:"editedBy,omitempty"`
}

// Apply merges the named fields into the element.
func (c *ElementChanges) Apply(e *TextElement) {
	if c.X != nil {
		e.X = *c.X
	}
	if c.Y != nil {
		e.Y = *c.Y
	}
	if c.Width != nil {
		e.Width = *c.Width
	}
	if c.Height != nil {
		e.Height = *c.Height
	}
	if c.Content != nil {
		e.Content = *c.Content
	}
	if c.FontSize != nil {
		e.FontSize = *c.FontSize
	}
	if c.FontFamily != nil {
		e.FontFamily = *c.FontFamily
	}
	if c.Color != nil {
		e.Color = *c.Color
	}
	if c.Bold != nil {
		e.Bold = *c.Bold
	}
	if c.Italic != nil {
		e.Italic = *c.Italic
	}
	if c.Underline != nil {
		e.Underline = *c.Underline
	}
	if c.EditedBy != "" {
		e.EditedBy = c.EditedBy
	}
}

// Slide is an ordered page of elements. Order values may go sparse after
// deletions; they are never renumbered.
type Slide struct {
	ID       string        `json:"id"`
	Order    int           `json:"order"`
	Elements []TextElement `json:"elements"`
}

// Clone returns a deep copy of the slide.
func (s *Slide) Clone() *Slide {
	out := &Slide{ID: s.ID, Order: s.Order, Elements: make([]TextElement, len(s.Elements))}
	copy(out.Elements, s.Elements)
	return out
}

// Presentation is one shared deck: metadata plus its ordered slides.
type Presentation struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	CreatorID string   `json:"creatorId"`
	Slides    []*Slide `json:"slides"`
}

// Clone returns a deep copy of the presentation.
func (p *Presentation) Clone() *Presentation {
	out := &Presentation{ID: p.ID, Name: p.Name, CreatorID: p.CreatorID, Slides: make([]*Slide, len(p.Slides))}
	for i, s := range p.Slides {
		out.Slides[i] = s.Clone()
	}
	return out
}

// Participant is a connected user bound to a room.
type Participant struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Role     Role   `json:"role"`
}
