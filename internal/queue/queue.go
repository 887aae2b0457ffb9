// Package queue carries chunk-added notifications from the change notifier
// to transcription workers. Delivery is at least once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrPoison marks a message body that can never be decoded.
var ErrPoison = errors.New("undecodable message")

// ChunkAdded announces a chunk that needs transcription.
type ChunkAdded struct {
	SessionID   string `json:"sessionId"`
	ChunkNumber int    `json:"chunkNumber"`
	BlobKey     string `json:"blobKey"`
}

type Publisher interface {
	Publish(ctx context.Context, msg ChunkAdded) error
}

// Consumer blocks until at least one delivery is available or ctx ends.
type Consumer interface {
	Receive(ctx context.Context) ([]Delivery, error)
}

// Delivery is one received message. Ack removes it; Nack makes it
// available again right away.
type Delivery interface {
	Message() ChunkAdded
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

func Encode(msg ChunkAdded) ([]byte, error) {
	return json.Marshal(msg)
}

func Decode(body []byte) (ChunkAdded, error) {
	var msg ChunkAdded
	if err := json.Unmarshal(body, &msg); err != nil {
		return ChunkAdded{}, fmt.Errorf("%w: %v", ErrPoison, err)
	}
	if msg.SessionID == "" || msg.ChunkNumber < 1 {
		return ChunkAdded{}, fmt.Errorf("%w: missing session id or chunk number", ErrPoison)
	}
	return msg, nil
}
