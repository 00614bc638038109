package sitem

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"pagesync/pkg/idwrap"
	"pagesync/pkg/model/mitem"
	"pagesync/pkg/model/mposition"
)

// Registry is the in-memory source of truth for item definitions and item
// instances. Instances are mutated only through registry calls, which stamp
// LastModifiedBy/At. The registry is a dumb store: it never cascades deletes
// or touches sibling order; tree semantics belong to the position manager.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	defs  map[string]mitem.ItemDefinition
	items map[idwrap.IDWrap]mitem.ItemInstance
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		defs:   make(map[string]mitem.ItemDefinition),
		items:  make(map[idwrap.IDWrap]mitem.ItemInstance),
	}
}

// RegisterDefinition installs or replaces the schema for a type.
func (r *Registry) RegisterDefinition(def mitem.ItemDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Type] = def
}

func (r *Registry) Definition(itemType string) (mitem.ItemDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[itemType]
	return def, ok
}

// SearchDefinitions ranks definitions against a palette query, matching type
// and category. Results are ordered best match first.
func (r *Registry) SearchDefinitions(query string) []mitem.ItemDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if query == "" {
		all := make([]mitem.ItemDefinition, 0, len(r.defs))
		for _, def := range r.defs {
			all = append(all, def)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].Type < all[j].Type })
		return all
	}

	type ranked struct {
		def  mitem.ItemDefinition
		rank int
	}
	var matches []ranked
	for _, def := range r.defs {
		best := -1
		for _, candidate := range []string{def.Type, def.Category} {
			if rank := fuzzy.RankMatchNormalizedFold(query, candidate); rank >= 0 {
				if best == -1 || rank < best {
					best = rank
				}
			}
		}
		if best >= 0 {
			matches = append(matches, ranked{def: def, rank: best})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank < matches[j].rank
		}
		return matches[i].def.Type < matches[j].def.Type
	})
	out := make([]mitem.ItemDefinition, len(matches))
	for i, m := range matches {
		out[i] = m.def
	}
	return out
}

// CreateInstance validates props against the type's definition and stores a
// new active instance at the zero position. Callers are expected to position
// it through the position manager afterwards.
func (r *Registry) CreateInstance(itemType string, props map[string]any, userID string) (mitem.ItemInstance, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[itemType]
	if !ok {
		return mitem.ItemInstance{}, nil, fmt.Errorf("create %q: %w", itemType, mitem.ErrUnknownItemType)
	}

	merged := make(map[string]any, len(def.DefaultProps)+len(props))
	for k, v := range def.DefaultProps {
		merged[k] = v
	}
	for k, v := range props {
		merged[k] = v
	}

	sanitized, warnings, err := ValidateProps(def, merged)
	if err != nil {
		return mitem.ItemInstance{}, warnings, err
	}
	for _, w := range warnings {
		r.logger.Warn("prop warning", "type", itemType, "warning", w)
	}

	now := time.Now()
	inst := mitem.ItemInstance{
		ID:             idwrap.NewNow(),
		Type:           itemType,
		Position:       mposition.Position{PageID: "", SectionID: "", Order: 0},
		Props:          sanitized,
		Version:        1,
		CreatedBy:      userID,
		CreatedAt:      now,
		LastModifiedBy: userID,
		LastModifiedAt: now,
		IsActive:       true,
	}
	r.items[inst.ID] = inst
	return inst, warnings, nil
}

// UpdateInstance applies a partial update. Props, when present, are
// re-validated against the definition before committing.
func (r *Registry) UpdateInstance(id idwrap.IDWrap, update mitem.InstanceUpdate, userID string) (mitem.ItemInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.items[id]
	if !ok {
		return mitem.ItemInstance{}, fmt.Errorf("update %s: %w", id, mitem.ErrItemNotFound)
	}

	if update.Props != nil {
		def, ok := r.defs[inst.Type]
		if !ok {
			return mitem.ItemInstance{}, fmt.Errorf("update %s: %w", id, mitem.ErrUnknownItemType)
		}
		sanitized, warnings, err := ValidateProps(def, update.Props)
		if err != nil {
			return mitem.ItemInstance{}, err
		}
		for _, w := range warnings {
			r.logger.Warn("prop warning", "type", inst.Type, "warning", w)
		}
		inst.Props = sanitized
	}
	if update.Position != nil {
		inst.Position = *update.Position
	}
	if update.IsActive != nil {
		inst.IsActive = *update.IsActive
	}

	inst.Version++
	inst.LastModifiedBy = userID
	inst.LastModifiedAt = time.Now()
	r.items[id] = inst
	return inst, nil
}

// DeleteInstance hard-removes an instance and reports whether it existed.
// Children are not cascaded here.
func (r *Registry) DeleteInstance(id idwrap.IDWrap) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.items[id]
	delete(r.items, id)
	return ok
}

// Restore puts a previously captured instance back verbatim, including its
// id, version and stamps. Exists so callers can undo a local removal when the
// remote write behind it fails.
func (r *Registry) Restore(inst mitem.ItemInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[inst.ID] = inst
}

func (r *Registry) Instance(id idwrap.IDWrap) (mitem.ItemInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.items[id]
	if !ok {
		return mitem.ItemInstance{}, fmt.Errorf("get %s: %w", id, mitem.ErrItemNotFound)
	}
	return inst, nil
}

// InstancesForPage is the canonical read path the position calculator
// consumes: active instances on the page, sorted by order.
func (r *Registry) InstancesForPage(pageID string) []mitem.ItemInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []mitem.ItemInstance
	for _, inst := range r.items {
		if inst.IsActive && inst.Position.PageID == pageID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position.Order != out[j].Position.Order {
			return out[i].Position.Order < out[j].Position.Order
		}
		return out[i].ID.Compare(out[j].ID) < 0
	})
	return out
}
