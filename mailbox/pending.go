package mailbox

// PendingModifications accumulates the changes of one or more commits.
// It is not safe for concurrent use; listeners receive their own copy
// semantics by treating it as read-only.
type PendingModifications struct {
	changes []Change
	types   ItemType
}

// NewPendingModifications returns a set holding the given changes.
func NewPendingModifications(changes ...Change) *PendingModifications {
	pms := &PendingModifications{}
	for _, c := range changes {
		pms.Add(c)
	}
	return pms
}

func (p *PendingModifications) Add(c Change) {
	p.changes = append(p.changes, c)
	p.types |= c.Type
}

// Merge appends all changes of other.
func (p *PendingModifications) Merge(other *PendingModifications) {
	if other == nil {
		return
	}
	p.changes = append(p.changes, other.changes...)
	p.types |= other.types
}

// ChangedTypes returns the union of the item types of all changes.
func (p *PendingModifications) ChangedTypes() ItemType {
	if p == nil {
		return TypeNone
	}
	return p.types
}

func (p *PendingModifications) HasNotifications() bool {
	return p != nil && len(p.changes) > 0
}

func (p *PendingModifications) Count() int {
	if p == nil {
		return 0
	}
	return len(p.changes)
}

// Changes returns a copy of the accumulated changes.
func (p *PendingModifications) Changes() []Change {
	if p == nil {
		return nil
	}
	out := make([]Change, len(p.changes))
	copy(out, p.changes)
	return out
}

// TouchesFolders reports whether any change is located in one of the given
// folders. An empty folder set matches everything.
func (p *PendingModifications) TouchesFolders(folders map[int64]struct{}) bool {
	if len(folders) == 0 {
		return true
	}
	if p == nil {
		return false
	}
	for _, c := range p.changes {
		if _, ok := folders[c.FolderID]; ok {
			return true
		}
		// A change to a folder item itself counts for that folder.
		if c.Type == TypeFolder {
			if _, ok := folders[c.ItemID]; ok {
				return true
			}
		}
	}
	return false
}
