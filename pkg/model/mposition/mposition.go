package mposition

import (
	"fmt"

	"pagesync/pkg/idwrap"
)

// Position places a component inside a section of a page. Order values are
// unique within a (PageID, SectionID, ParentID) scope and contiguous from 0
// after normalization.
type Position struct {
	PageID    string         `json:"pageId"`
	SectionID string         `json:"sectionId"`
	Order     int            `json:"order"`
	ParentID  *idwrap.IDWrap `json:"parentId,omitempty"`
}

// Scope identifies the ordering domain a position belongs to.
type Scope struct {
	PageID    string
	SectionID string
	ParentID  string
}

func (p Position) Scope() Scope {
	s := Scope{PageID: p.PageID, SectionID: p.SectionID}
	if p.ParentID != nil {
		s.ParentID = p.ParentID.String()
	}
	return s
}

func (p Position) SameScope(other Position) bool {
	return p.Scope() == other.Scope()
}

func (s Scope) String() string {
	if s.ParentID == "" {
		return fmt.Sprintf("%s/%s", s.PageID, s.SectionID)
	}
	return fmt.Sprintf("%s/%s/%s", s.PageID, s.SectionID, s.ParentID)
}

// SlotKey identifies a single target slot for concurrent-move arbitration.
type SlotKey struct {
	PageID    string
	SectionID string
	Order     int
}

func (p Position) SlotKey() SlotKey {
	return SlotKey{PageID: p.PageID, SectionID: p.SectionID, Order: p.Order}
}
