package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/briangreenhill/campusedge/cache"
)

// MessageType names a control message sent by a page
type MessageType string

const (
	MsgSkipWaiting MessageType = "SKIP_WAITING"
	MsgGetVersion  MessageType = "GET_VERSION"
	MsgClearCache  MessageType = "CLEAR_CACHE"
	MsgCleanCache  MessageType = "CLEAN_CACHE"
)

// ErrUnknownMessage is returned for message types the controller ignores
var ErrUnknownMessage = errors.New("unknown message type")

// Message is a control message. Payload is accepted and ignored by every
// current type.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply answers a Message
type Reply struct {
	Success      bool   `json:"success,omitempty"`
	Message      string `json:"message,omitempty"`
	Version      string `json:"version,omitempty"`
	StaticCache  string `json:"staticCache,omitempty"`
	DynamicCache string `json:"dynamicCache,omitempty"`
	State        string `json:"state,omitempty"`
	Cleared      int    `json:"cleared,omitempty"`
}

// HandleMessage applies one control message.
func (c *Controller) HandleMessage(ctx context.Context, msg Message) (*Reply, error) {
	c.log.Debug().Str("type", string(msg.Type)).Msg("message received")

	switch msg.Type {
	case MsgSkipWaiting:
		if err := c.SkipWaiting(ctx); err != nil {
			return nil, err
		}
		return &Reply{Success: true, State: c.State().String()}, nil

	case MsgGetVersion:
		cfg := c.current()
		return &Reply{
			Version:      cfg.Version,
			StaticCache:  cfg.StaticPartition,
			DynamicCache: cfg.DynamicPartition,
			State:        c.State().String(),
		}, nil

	case MsgClearCache, MsgCleanCache:
		n, err := cache.Clear(ctx, c.storage)
		if err != nil {
			c.log.Error().Err(err).Msg("clear cache failed")
			return nil, fmt.Errorf("clear cache: %w", err)
		}
		c.log.Info().Int("partitions", n).Msg("cache cleared")
		reply := &Reply{Success: true, Cleared: n}
		if msg.Type == MsgCleanCache {
			reply.Message = "Cache limpiado correctamente"
		}
		return reply, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
}
