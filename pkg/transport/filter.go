package transport

import (
	"github.com/QYUbit/cosync/pkg/crdt"
	"github.com/QYUbit/cosync/pkg/entity"
)

// Filter is the default Transport.Filter: it drops echoes and, when components
// are given, everything outside that allow-list.
type Filter struct {
	Type       string
	components map[entity.ComponentID]struct{}
}

func NewFilter(typ string, components ...entity.ComponentID) Filter {
	f := Filter{Type: typ}
	if len(components) > 0 {
		f.components = make(map[entity.ComponentID]struct{}, len(components))
		for _, c := range components {
			f.components[c] = struct{}{}
		}
	}
	return f
}

func (f Filter) Allow(meta crdt.MessageMeta) bool {
	if meta.OriginType != "" && meta.OriginType == f.Type {
		return false
	}
	if f.components == nil {
		return true
	}
	switch meta.Type {
	case crdt.TypeDeleteEntity, crdt.TypeDeleteEntityNetwork:
		return true
	}
	_, ok := f.components[meta.Component]
	return ok
}
