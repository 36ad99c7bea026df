package sqlite

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/eventstore"
)

// stdJSON marshals with sorted object keys so that stored identifier maps
// are byte-stable across processes.
var stdJSON = sonic.ConfigStd

// marshalIdentifiers serializes an identifier mapping to the JSON column
// form used by both log tables.
func marshalIdentifiers(ids event.Identifiers) (string, error) {
	if len(ids) == 0 {
		return "{}", nil
	}
	data, err := stdJSON.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshal identifiers: %w", err)
	}
	return string(data), nil
}

// unmarshalIdentifiers parses the JSON column form back into a mapping.
func unmarshalIdentifiers(data string) (event.Identifiers, error) {
	ids := event.Identifiers{}
	if data == "" || data == "{}" {
		return ids, nil
	}
	if err := stdJSON.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal identifiers: %w", err)
	}
	return ids, nil
}

// storageErr wraps a backing-store failure with the failing operation.
func storageErr(op string, err error) error {
	return eventstore.NewStorageError(op, err)
}
