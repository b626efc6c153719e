// Package mapper translates source entities into graph writes. It performs no
// I/O: the same entity always yields the same node and relationship upserts.
package mapper

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/persistorai/famgraph/internal/models"
)

// Reserved snapshot attributes handled outside the per-type schema.
const (
	linksField          = "links"
	originFamilyIDField = "originFamilyId"
	viaProperty         = "via"
)

// Map translates one entity into a node upsert plus the relationships its
// snapshot declares, sorted by relationship key.
func Map(e models.Entity) (models.NodeUpsert, []models.RelationshipUpsert, error) {
	key := e.Key()
	if err := key.Validate(); err != nil {
		return models.NodeUpsert{}, nil, err
	}

	if e.FamilyID == "" {
		return models.NodeUpsert{}, nil, fmt.Errorf("%s: %w", key, models.ErrMissingFamily)
	}

	if e.Version <= 0 {
		return models.NodeUpsert{}, nil, fmt.Errorf("%s: %w", key, models.ErrMissingVersion)
	}

	sc, err := schemaFor(e.Type)
	if err != nil {
		return models.NodeUpsert{}, nil, err
	}

	props, err := MappedAttributes(e)
	if err != nil {
		return models.NodeUpsert{}, nil, err
	}

	if e.Type.Shared() {
		props[originFamilyIDField] = e.FamilyID
	}

	node := models.NodeUpsert{
		Key:        key,
		FamilyID:   models.EndpointFamily(e.Type, e.FamilyID),
		Properties: props,
		Version:    e.Version,
	}

	b := relBuilder{owner: key, familyID: e.FamilyID, version: e.Version, seen: map[models.RelKey]int{}}

	for _, rf := range sc.refs {
		refs, err := parseRefs(e.Attributes[rf.field], rf)
		if err != nil {
			return models.NodeUpsert{}, nil, fmt.Errorf("%s.%s: %w", key, rf.field, err)
		}

		for _, ref := range refs {
			src, tgt := key, ref
			if rf.reverse {
				src, tgt = ref, key
			}

			if err := b.add(rf.rel, src, tgt, map[string]any{viaProperty: rf.field}); err != nil {
				return models.NodeUpsert{}, nil, fmt.Errorf("%s.%s: %w", key, rf.field, err)
			}
		}
	}

	if raw, ok := e.Attributes[linksField]; ok && raw != nil {
		if e.Type.Shared() {
			return models.NodeUpsert{}, nil, fmt.Errorf("%w: shared %s cannot declare links", models.ErrInvalidEvent, e.Type)
		}

		if err := b.addLinks(raw); err != nil {
			return models.NodeUpsert{}, nil, fmt.Errorf("%s.%s: %w", key, linksField, err)
		}
	}

	return node, b.sorted(), nil
}

// MappedAttributes returns the declared attributes of e in their stored form.
func MappedAttributes(e models.Entity) (map[string]any, error) {
	sc, err := schemaFor(e.Type)
	if err != nil {
		return nil, err
	}

	props := make(map[string]any, len(sc.attributes))

	for _, name := range sc.attributes {
		v, ok := e.Attributes[name]
		if !ok || v == nil {
			continue
		}

		props[name] = v
	}

	return normalize(props)
}

// Unmap reads the mapped attributes back from a stored node.
func Unmap(n models.Node) map[string]any {
	out := make(map[string]any, len(n.Properties))

	for k, v := range n.Properties {
		if k == originFamilyIDField {
			continue
		}

		out[k] = v
	}

	return out
}

// FromEvent decodes the snapshot carried by a create or update event.
func FromEvent(ev *models.ChangeEvent) (models.Entity, error) {
	attrs := map[string]any{}

	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &attrs); err != nil {
			return models.Entity{}, fmt.Errorf("%w: payload is not a JSON object: %v", models.ErrInvalidEvent, err)
		}
	}

	if fid, ok := attrs["familyId"].(string); ok && fid != "" && fid != ev.FamilyID {
		return models.Entity{}, fmt.Errorf("%w: payload family %q disagrees with event family %q", models.ErrInvalidEvent, fid, ev.FamilyID)
	}

	return models.Entity{
		Type:       ev.EntityType,
		ExternalID: ev.ExternalID,
		FamilyID:   ev.FamilyID,
		Version:    ev.Version,
		Attributes: attrs,
	}, nil
}

// normalize round-trips values through JSON so they compare equal to what a
// store returns.
func normalize(props map[string]any) (map[string]any, error) {
	data, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("%w: attributes are not JSON-encodable: %v", models.ErrInvalidEvent, err)
	}

	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalizing attributes: %w", err)
	}

	return out, nil
}

type relBuilder struct {
	owner    models.NodeKey
	familyID string
	version  int64
	out      []models.RelationshipUpsert
	seen     map[models.RelKey]int
}

func (b *relBuilder) add(rel models.RelationType, src, tgt models.NodeKey, props map[string]any) error {
	if src == tgt {
		return fmt.Errorf("%w: %s references itself", models.ErrInvalidEvent, rel)
	}

	if err := rel.CheckRoles(src.EntityType, tgt.EntityType); err != nil {
		return err
	}

	props, err := normalize(props)
	if err != nil {
		return err
	}

	key := models.RelKey{Type: rel, Source: src, Target: tgt}
	if i, dup := b.seen[key]; dup {
		// first declaration wins; fold later properties in without overwriting
		for k, v := range props {
			if _, ok := b.out[i].Properties[k]; !ok {
				b.out[i].Properties[k] = v
			}
		}

		return nil
	}

	b.seen[key] = len(b.out)
	b.out = append(b.out, models.RelationshipUpsert{
		Key:        key,
		FamilyID:   b.familyID,
		Properties: props,
		Version:    b.version,
		Owner:      b.owner,
	})

	return nil
}

func (b *relBuilder) addLinks(raw any) error {
	items, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("%w: links must be an array", models.ErrInvalidEvent)
	}

	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: links[%d] must be an object", models.ErrInvalidEvent, i)
		}

		typ, _ := m["type"].(string)

		rel, err := models.ParseRelationType(typ)
		if err != nil {
			return fmt.Errorf("links[%d]: %w", i, err)
		}

		tgt, err := parseTypedRef(m["target"])
		if err != nil {
			return fmt.Errorf("links[%d]: %w", i, err)
		}

		// Each relationship key has a single owner, so a link may not restate
		// an edge that the target's snapshot owns.
		if field, owned := reverseField(rel, tgt.EntityType); owned {
			return fmt.Errorf("%w: links[%d]: %s is declared by %s.%s", models.ErrInvalidEvent, i, rel, tgt.EntityType, field)
		}

		props := map[string]any{viaProperty: linksField}

		if extra, ok := m["properties"].(map[string]any); ok {
			for k, v := range extra {
				props[k] = v
			}
		}

		if err := b.add(rel, b.owner, tgt, props); err != nil {
			return fmt.Errorf("links[%d]: %w", i, err)
		}
	}

	return nil
}

func (b *relBuilder) sorted() []models.RelationshipUpsert {
	sort.Slice(b.out, func(i, j int) bool { return b.out[i].Key.Less(b.out[j].Key) })
	return b.out
}
