package stream

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Builder hands out the stream-scoped ids the protocol requires: a message
// id plus counter-prefixed text and reasoning ids so the client can order
// interleaved streams.
type Builder struct {
	MessageID string

	textCounter      int
	reasoningCounter int
}

// NewBuilder creates a builder, generating a message id when none is given.
func NewBuilder(messageID string) *Builder {
	if messageID == "" {
		messageID = "msg-" + randomHex(32)
	}
	return &Builder{MessageID: messageID}
}

// NewTextID returns the next text stream id.
func (b *Builder) NewTextID() string {
	b.textCounter++
	return fmt.Sprintf("text-%d-%s", b.textCounter, randomHex(16))
}

// NewReasoningID returns the next reasoning stream id.
func (b *Builder) NewReasoningID() string {
	b.reasoningCounter++
	return fmt.Sprintf("reasoning-%d-%s", b.reasoningCounter, randomHex(16))
}

// NewToolCallID returns a tool-call id in the provider's format.
func NewToolCallID() string {
	return "call_" + randomHex(32)
}

func randomHex(n int) string {
	u := uuid.New()
	h := hex.EncodeToString(u[:])
	if n < len(h) {
		return h[:n]
	}
	return h
}
