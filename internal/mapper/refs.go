package mapper

import (
	"fmt"

	"github.com/persistorai/famgraph/internal/models"
)

// parseRefs reads the references held by one declared reference field. A bare
// string id takes the field's declared type; an object {"type","id"} names
// its own type and is checked against the relationship roles by the caller.
func parseRefs(raw any, rf refField) ([]models.NodeKey, error) {
	if raw == nil {
		return nil, nil
	}

	var items []any

	switch v := raw.(type) {
	case []any:
		if !rf.many {
			return nil, fmt.Errorf("%w: expected a single reference", models.ErrInvalidEvent)
		}

		items = v
	case []string:
		if !rf.many {
			return nil, fmt.Errorf("%w: expected a single reference", models.ErrInvalidEvent)
		}

		for _, s := range v {
			items = append(items, s)
		}
	default:
		items = []any{v}
	}

	keys := make([]models.NodeKey, 0, len(items))

	for _, item := range items {
		switch v := item.(type) {
		case string:
			if v == "" {
				continue
			}

			if rf.target == "" {
				return nil, fmt.Errorf("%w: typed reference required", models.ErrInvalidEvent)
			}

			keys = append(keys, models.NodeKey{EntityType: rf.target, ExternalID: v})
		case nil:
			continue
		default:
			key, err := parseTypedRef(v)
			if err != nil {
				return nil, err
			}

			keys = append(keys, key)
		}
	}

	return keys, nil
}

func parseTypedRef(raw any) (models.NodeKey, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return models.NodeKey{}, fmt.Errorf("%w: reference must be an object with type and id", models.ErrInvalidEvent)
	}

	typ, _ := m["type"].(string)
	id, _ := m["id"].(string)

	et, err := models.ParseEntityType(typ)
	if err != nil {
		return models.NodeKey{}, err
	}

	key := models.NodeKey{EntityType: et, ExternalID: id}
	if err := key.Validate(); err != nil {
		return models.NodeKey{}, err
	}

	return key, nil
}
