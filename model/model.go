// Package model defines the entity set stored by the cache engine:
// questions with their multi-modal dependencies, answers, cache entries,
// and session links. These types are shared by every storage backend.
package model

import "time"

// DepType identifies the modality of a question dependency.
type DepType int

const (
	DepText  DepType = 0
	DepImage DepType = 1
)

// Dependency is one sub-component of a multi-modal question, e.g. the
// text prompt and an image reference that together form one logical
// question.
type Dependency struct {
	Name string  `json:"name"`
	Data string  `json:"data"`
	Type DepType `json:"dep_type"`
}

// Question is the cached question. Immutable after creation.
type Question struct {
	Content string       `json:"content"`
	Deps    []Dependency `json:"deps,omitempty"`
}

// NewQuestion returns a Question with plain text content and no deps.
func NewQuestion(content string) Question {
	return Question{Content: content}
}

// Answer is one cached answer. An entry may hold several ranked answers.
type Answer struct {
	Text string            `json:"text"`
	Meta map[string]string `json:"meta,omitempty"`
}

// CacheEntry is the unit of storage: one (question, answers, embedding)
// record plus bookkeeping metadata.
//
// ID is assigned by the scalar backend and is strictly increasing for
// the lifetime of the store. CreateOn is set once at insert time and
// never mutated; LastAccess is bumped on every successful read. Deleted
// marks a soft-delete tombstone: the entry is excluded from active
// counts and session listings but survives until compaction.
type CacheEntry struct {
	ID         int64     `json:"id"`
	Question   Question  `json:"question"`
	Answers    []Answer  `json:"answers"`
	Embedding  []float32 `json:"embedding,omitempty"`
	SessionIDs []string  `json:"session_ids,omitempty"`
	CreateOn   time.Time `json:"create_on"`
	LastAccess time.Time `json:"last_access"`
	Deleted    bool      `json:"deleted"`
}

// SessionLink is one (entry, session) membership pair. The session-scoped
// question text is carried on the link so a session listing does not need
// to hydrate the full entry.
type SessionLink struct {
	EntryID   int64  `json:"entry_id"`
	SessionID string `json:"session_id"`
	Question  string `json:"question,omitempty"`
}
