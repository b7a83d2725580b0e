package entity

import (
	"encoding/json"
	"time"
)

// ToTree renders e as a response tree: identity and audit keys, every
// declared scalar (nil when unset), computed values, to-one children and
// ordered to-many collections.
func (e *Entity) ToTree() Tree {
	out := Tree{
		KeyID:         e.ID,
		KeyCreated:    formatTime(e.Created),
		KeyCreatedBy:  e.CreatedBy,
		KeyModified:   formatTime(e.Modified),
		KeyModifiedBy: e.ModifiedBy,
	}
	for _, f := range e.schema.Fields {
		switch f.Kind {
		case Scalar:
			out[f.Name] = e.attrs[f.Name]
		case ScalarList:
			l := e.Strings(f.Name)
			if l == nil {
				l = []string{}
			}
			out[f.Name] = append([]string{}, l...)
		case ToOne:
			if c := e.one[f.Name]; c != nil {
				out[f.Name] = c.ToTree()
			} else {
				out[f.Name] = nil
			}
		case ToMany:
			children := e.Children(f.Name)
			list := make([]any, 0, len(children))
			for _, c := range children {
				list = append(list, c.ToTree())
			}
			out[f.Name] = list
		}
	}
	for _, c := range e.schema.Computed {
		out[c.Name] = c.Func(e)
	}
	return out
}

func (e *Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToTree())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
