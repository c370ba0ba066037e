package models

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Millis is a duration carried as integer milliseconds on the wire, matching
// the _ms field naming in agent documents and API payloads.
type Millis time.Duration

// Std converts to a stdlib duration.
func (m Millis) Std() time.Duration { return time.Duration(m) }

func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(m).Milliseconds())
}

func (m *Millis) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be integer milliseconds: %w", err)
	}
	*m = Millis(time.Duration(ms) * time.Millisecond)
	return nil
}

func (m Millis) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(time.Duration(m).Milliseconds())
}

func (m *Millis) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	var ms int64
	if err := (bson.RawValue{Type: t, Value: data}).Unmarshal(&ms); err != nil {
		return fmt.Errorf("duration must be integer milliseconds: %w", err)
	}
	*m = Millis(time.Duration(ms) * time.Millisecond)
	return nil
}
