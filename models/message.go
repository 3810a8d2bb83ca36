package models

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	MessageRecord = "RECORD"
	MessageSchema = "SCHEMA"
	MessageState  = "STATE"
)

type Message struct {
	Type               string                 `json:"type"`
	Stream             string                 `json:"stream,omitempty"`
	Record             map[string]interface{} `json:"record,omitempty"`
	TimeExtracted      string                 `json:"time_extracted,omitempty"`
	Schema             interface{}            `json:"schema,omitempty"`
	Value              interface{}            `json:"value,omitempty"`
	KeyProperties      []string               `json:"key_properties,omitempty"`
	BookmarkProperties []string               `json:"bookmark_properties,omitempty"`
}

// Emitter writes newline-delimited messages to a single output. It is safe
// for concurrent use; each message is written in one call.
type Emitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEmitter(w io.Writer) *Emitter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Emitter{enc: enc}
}

func (e *Emitter) emit(m Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(m); err != nil {
		return fmt.Errorf("error writing %s message: %w", m.Type, err)
	}
	return nil
}

func (e *Emitter) Schema(def StreamDefinition) error {
	return e.emit(Message{
		Type:               MessageSchema,
		Stream:             def.TapStreamID,
		Schema:             def.Schema,
		KeyProperties:      def.KeyProperties,
		BookmarkProperties: def.BookmarkProperties(),
	})
}

func (e *Emitter) Record(stream string, record map[string]interface{}, extractedAt time.Time) error {
	return e.emit(Message{
		Type:          MessageRecord,
		Stream:        stream,
		Record:        record,
		TimeExtracted: extractedAt.UTC().Format(time.RFC3339),
	})
}

func (e *Emitter) State(state State) error {
	return e.emit(Message{
		Type:  MessageState,
		Value: state,
	})
}
