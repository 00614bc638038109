package mconflict

import (
	"errors"
	"time"

	"pagesync/pkg/idwrap"
)

var ErrConflictNotFound = errors.New("conflict not found")

// Kind distinguishes content-version conflicts from structural (move) ones.
type Kind int32

const (
	KindContent Kind = iota
	KindStructure
)

func (k Kind) String() string {
	if k == KindStructure {
		return "structure"
	}
	return "content"
}

// Resolution is the caller-supplied strategy for resolving a conflict.
type Resolution string

const (
	ResolutionAcceptLocal  Resolution = "accept_local"
	ResolutionAcceptRemote Resolution = "accept_remote"
	ResolutionMerge        Resolution = "merge"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionAcceptLocal, ResolutionAcceptRemote, ResolutionMerge:
		return true
	}
	return false
}

// ConflictItem records a detected local/remote disagreement pending explicit
// resolution.
type ConflictItem struct {
	ID            idwrap.IDWrap `json:"id"`
	Kind          Kind          `json:"kind"`
	ComponentID   string        `json:"componentId,omitempty"`
	ContentKey    string        `json:"contentKey,omitempty"`
	LocalVersion  string        `json:"localVersion"`
	RemoteVersion string        `json:"remoteVersion"`
	ConflictedAt  time.Time     `json:"conflictedAt"`
	ConflictedBy  string        `json:"conflictedBy"`
}
