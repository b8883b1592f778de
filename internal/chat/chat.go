// Package chat keeps the bounded message log and parses slash commands.
package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"driftworld/server/internal/proto"
)

// Capacity bounds the log; older messages are evicted.
const Capacity = 50

// Message is one chat line. FromID is empty for server-originated
// messages; those carry the author name "server" instead (the wire encodes
// the missing id as an absent field).
type Message struct {
	ID        string
	FromID    string
	Author    string
	Body      string
	Timestamp int64
}

// System builds a server-originated message.
func System(body string) Message {
	return Message{
		ID:        uuid.NewString(),
		Author:    "server",
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Record converts to the wire form.
func (m Message) Record() proto.ChatRecord {
	return proto.ChatRecord{
		ID:        m.ID,
		FromID:    m.FromID,
		Author:    m.Author,
		Body:      m.Body,
		Timestamp: m.Timestamp,
	}
}

// FromRecord converts a wire record into a message.
func FromRecord(r proto.ChatRecord) Message {
	return Message{ID: r.ID, FromID: r.FromID, Author: r.Author, Body: r.Body, Timestamp: r.Timestamp}
}

// Log is the bounded ring of recent messages. Owned by the simulation
// goroutine; not safe for concurrent use.
type Log struct {
	messages []Message
	subs     []func(Message)
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Subscribe registers a callback fired for every appended message.
func (l *Log) Subscribe(fn func(Message)) {
	l.subs = append(l.subs, fn)
}

// Add appends a message, evicts beyond capacity, and notifies subscribers.
func (l *Log) Add(msg Message) {
	l.messages = append(l.messages, msg)
	if len(l.messages) > Capacity {
		l.messages = l.messages[len(l.messages)-Capacity:]
	}
	for _, fn := range l.subs {
		fn(msg)
	}
}

// Len reports the number of retained messages.
func (l *Log) Len() int {
	return len(l.messages)
}

// Messages returns a copy of the retained messages, oldest first.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Records returns the retained messages in wire form.
func (l *Log) Records() []proto.ChatRecord {
	out := make([]proto.ChatRecord, 0, len(l.messages))
	for _, m := range l.messages {
		out = append(out, m.Record())
	}
	return out
}

// Restore replaces the log contents from persisted records.
func (l *Log) Restore(records []proto.ChatRecord) {
	l.messages = l.messages[:0]
	for _, r := range records {
		l.messages = append(l.messages, FromRecord(r))
	}
	if len(l.messages) > Capacity {
		l.messages = l.messages[len(l.messages)-Capacity:]
	}
}

// Command is a parsed slash command.
type Command struct {
	Name string
	Args []string
}

// ParseCommand splits a body of the form "/name arg arg". The second
// return is false when the body is ordinary chat.
func ParseCommand(body string) (Command, bool) {
	if !strings.HasPrefix(body, "/") {
		return Command{}, false
	}
	fields := strings.Fields(body[1:])
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{Name: fields[0], Args: fields[1:]}, true
}
