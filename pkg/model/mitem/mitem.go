package mitem

import (
	"errors"
	"time"

	"pagesync/pkg/idwrap"
	"pagesync/pkg/model/mposition"
)

var (
	ErrItemNotFound    = errors.New("item not found")
	ErrUnknownItemType = errors.New("unknown item type")
)

// PropKind is the declared type of a definition property.
type PropKind int32

const (
	PropKindUnspecified PropKind = iota
	PropKindString
	PropKindNumber
	PropKindBool
	PropKindArray
	PropKindObject
)

func (k PropKind) String() string {
	switch k {
	case PropKindString:
		return "string"
	case PropKindNumber:
		return "number"
	case PropKindBool:
		return "bool"
	case PropKindArray:
		return "array"
	case PropKindObject:
		return "object"
	default:
		return "unspecified"
	}
}

// PropSchema declares one property of an item definition.
// Rule, when set, is an expression evaluated against the candidate value
// with env {value, props}; a false result is a validation error.
type PropSchema struct {
	Kind     PropKind
	Required bool
	Enum     []string
	Rule     string
}

// ItemDefinition is the immutable schema for an item type.
type ItemDefinition struct {
	Type         string
	Category     string
	DefaultProps map[string]any
	Props        map[string]PropSchema
}

// ItemInstance is a positioned component on a page. Owned by the item
// registry; mutated only through registry calls.
type ItemInstance struct {
	ID             idwrap.IDWrap
	Type           string
	Position       mposition.Position
	Props          map[string]any
	Version        int64
	CreatedBy      string
	CreatedAt      time.Time
	LastModifiedBy string
	LastModifiedAt time.Time
	IsActive       bool
}

// InstanceUpdate is a partial update applied by the registry. Nil fields are
// left untouched.
type InstanceUpdate struct {
	Position *mposition.Position
	Props    map[string]any
	IsActive *bool
}
