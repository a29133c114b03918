// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package template

import (
	"maps"
	"slices"

	"github.com/google/uuid"
)

// Roles of chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Record is a prompt (a conversation not ending with an assistant reply) plus any extra dataset
// columns (e.g. the reference "solution" used by rule-based rewards).
//
// After generation the record holds the generated reply as its last message.
type Record struct {
	// ID identifies the record across processes and logs.
	ID string

	Messages []Message

	// Fields are the extra columns of the dataset, passed along to reward functions.
	Fields map[string]any
}

// NewRecord creates a Record with a fresh ID.
func NewRecord(messages []Message, fields map[string]any) Record {
	return Record{ID: uuid.NewString(), Messages: messages, Fields: fields}
}

// Clone returns a deep copy of the messages and a shallow copy of the fields.
func (r Record) Clone() Record {
	return Record{ID: r.ID, Messages: slices.Clone(r.Messages), Fields: maps.Clone(r.Fields)}
}

// HasResponse returns whether the conversation ends with an assistant message.
func (r Record) HasResponse() bool {
	return len(r.Messages) > 0 && r.Messages[len(r.Messages)-1].Role == RoleAssistant
}

// RemoveResponse drops the trailing assistant message, if there is one.
func (r *Record) RemoveResponse() {
	if r.HasResponse() {
		r.Messages = r.Messages[:len(r.Messages)-1]
	}
}

// SetResponse replaces any existing assistant reply with content.
func (r *Record) SetResponse(content string) {
	r.RemoveResponse()
	r.Messages = append(r.Messages, Message{Role: RoleAssistant, Content: content})
}

// Prompt returns the messages without the trailing assistant reply.
func (r Record) Prompt() []Message {
	if r.HasResponse() {
		return r.Messages[:len(r.Messages)-1]
	}
	return r.Messages
}

// Completion returns the content of the trailing assistant reply, or "" if there is none.
func (r Record) Completion() string {
	if r.HasResponse() {
		return r.Messages[len(r.Messages)-1].Content
	}
	return ""
}
