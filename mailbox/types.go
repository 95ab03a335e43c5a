// Package mailbox is the in-memory mailbox collaborator of the notification
// engine. It owns per-account change ids, dispatches committed changes to
// registered listeners and commit hooks, and records every commit in a
// Journal so that server-wide listeners can resynchronize after a restart.
//
// Message content is not stored here: a commit carries only the item ids,
// folders and item types that changed.
package mailbox

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/migadu/notifyd/consts"
)

// ItemType is a bit mask of mailbox item kinds.
type ItemType uint16

const (
	TypeFolder ItemType = 1 << iota
	TypeTag
	TypeConversation
	TypeMessage
	TypeContact
	TypeAppointment
	TypeTask
	TypeDocument
	TypeWiki

	TypeNone ItemType = 0
	TypeAll           = TypeFolder | TypeTag | TypeConversation | TypeMessage | TypeContact |
		TypeAppointment | TypeTask | TypeDocument | TypeWiki
)

// Wire letters, in bit order.
var itemTypeLetters = []struct {
	t      ItemType
	letter string
}{
	{TypeFolder, "f"},
	{TypeTag, "t"},
	{TypeConversation, "c"},
	{TypeMessage, "m"},
	{TypeContact, "ct"},
	{TypeAppointment, "a"},
	{TypeTask, "tk"},
	{TypeDocument, "d"},
	{TypeWiki, "w"},
}

// ParseItemTypes parses a comma separated list of type letters such as
// "m,ct,a" or the word "all". An empty string yields TypeNone.
func ParseItemTypes(s string) (ItemType, error) {
	var mask ItemType
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if part == "all" {
			mask |= TypeAll
			continue
		}
		found := false
		for _, l := range itemTypeLetters {
			if l.letter == part {
				mask |= l.t
				found = true
				break
			}
		}
		if !found {
			return TypeNone, fmt.Errorf("%w: unknown item type %q", consts.ErrInvalidInterest, part)
		}
	}
	return mask, nil
}

// Intersects reports whether t and other share any type.
func (t ItemType) Intersects(other ItemType) bool {
	return t&other != 0
}

func (t ItemType) String() string {
	if t&TypeAll == TypeAll {
		return "all"
	}
	letters := make([]string, 0, len(itemTypeLetters))
	for _, l := range itemTypeLetters {
		if t&l.t != 0 {
			letters = append(letters, l.letter)
		}
	}
	return strings.Join(letters, ",")
}

// CommitID identifies a journal entry. Commit ids are assigned in strictly
// increasing order by the journal, so they are totally ordered server-wide.
type CommitID uint64

func (c CommitID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// ParseCommitID parses the decimal form produced by CommitID.String.
func ParseCommitID(s string) (CommitID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a commit id", consts.ErrInvalidSequence, s)
	}
	return CommitID(v), nil
}

// ChangeOp is the kind of modification applied to an item.
type ChangeOp int

const (
	OpCreated ChangeOp = iota
	OpModified
	OpDeleted
)

func (o ChangeOp) String() string {
	switch o {
	case OpCreated:
		return "created"
	case OpModified:
		return "modified"
	case OpDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ParseChangeOp accepts the names produced by ChangeOp.String.
func ParseChangeOp(s string) (ChangeOp, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created", "create", "":
		return OpCreated, nil
	case "modified", "modify":
		return OpModified, nil
	case "deleted", "delete":
		return OpDeleted, nil
	default:
		return 0, fmt.Errorf("unknown change op %q", s)
	}
}

// Change describes one modified item.
type Change struct {
	ItemID   int64
	FolderID int64
	Type     ItemType
	Op       ChangeOp
}
