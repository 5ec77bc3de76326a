package models

import (
	"fmt"
	"reflect"
	"time"
)

// Well-known metadata keys.
const (
	MetaSource       = "source"
	MetaDocumentType = "document_type"
	MetaJurisdiction = "jurisdiction"
	MetaYear         = "year"
	MetaChunkIndex   = "chunk_index"
	MetaStartOffset  = "start_offset"
	MetaEndOffset    = "end_offset"
	MetaSections     = "sections"
)

// Metadata is the key-value bundle attached to documents and chunks.
type Metadata map[string]interface{}

// Clone returns a shallow copy so chunk metadata never aliases the document's map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m)+4)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Source returns the "source" value as a string, or "" if absent.
func (m Metadata) Source() string {
	if v, ok := m[MetaSource]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// Contains reports whether every key of filter is present in m with an equal value.
func (m Metadata) Contains(filter map[string]interface{}) bool {
	for k, want := range filter {
		got, ok := m[k]
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two metadata values. Numbers compare by value regardless of
// their Go type, so a year stored as int matches a year decoded from JSON as float64.
func ValuesEqual(a, b interface{}) bool {
	fa, aNum := asFloat(a)
	fb, bNum := asFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Document is the raw statute text handed over by a document source.
type Document struct {
	Text     string
	Metadata Metadata
}

// Chunk is a contiguous span of normalised document text. Offsets are rune offsets.
type Chunk struct {
	Index       int
	Content     string
	StartOffset int
	EndOffset   int
	Metadata    Metadata
}

// EmbeddedChunk is a chunk together with its embedding vector.
type EmbeddedChunk struct {
	Chunk
	Embedding []float32
}

// StoredRecord is the persisted form of an embedded chunk.
type StoredRecord struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Metadata  Metadata  `json:"metadata"`
	Embedding []float32 `json:"-"`
}

// ScoredRecord is a single retrieval hit.
type ScoredRecord struct {
	StoredRecord
	Similarity float64 `json:"similarity"`
}

// Role identifies the speaker of a session turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SessionTurn is one entry of a session's conversation log.
type SessionTurn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Answer is the result of a single question against the knowledge base.
type Answer struct {
	Success        bool      `json:"success"`
	Question       string    `json:"question"`
	Answer         string    `json:"answer,omitempty"`
	SessionID      string    `json:"session_id"`
	Timestamp      time.Time `json:"timestamp"`
	SourceDocument string    `json:"source_document,omitempty"`
	Citations      []string  `json:"citations,omitempty"`
	Error          string    `json:"error,omitempty"`
}
