package item

import "time"

// Item is a single uploaded app as shown in the list.
// Items are replaced wholesale, never mutated field by field.
type Item struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	BundleID   string    `json:"bundle_id"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Equal reports whether two items carry the same identity and display fields.
func (i Item) Equal(o Item) bool {
	return i.ID == o.ID &&
		i.Name == o.Name &&
		i.BundleID == o.BundleID &&
		i.Size == o.Size &&
		i.UploadedAt.Equal(o.UploadedAt)
}

// Snapshot is a complete, ordered fetch result.
type Snapshot []Item

// Clone returns a copy that shares no backing array with s.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	copy(out, s)
	return out
}

// Index returns the position of the first item with the given ID, or -1.
func (s Snapshot) Index(id string) int {
	for i, it := range s {
		if it.ID == id {
			return i
		}
	}
	return -1
}
