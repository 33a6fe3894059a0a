package db

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// encodeData stores action output as a JSON object, or '' when there is none.
func encodeData(data map[string]string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode event data")
	}
	return string(b), nil
}

func decodeData(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, errors.Wrap(err, "failed to decode event data")
	}
	return data, nil
}
