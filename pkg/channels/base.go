package channels

import (
	"context"
	"strings"

	"github.com/koedyhq/koedy/pkg/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// BaseChannel carries the shared identity-mapping and publish plumbing.
// allowFrom maps channel-native sender ids to internal user ids; an empty
// map denies everyone.
type BaseChannel struct {
	bus       *bus.MessageBus
	running   bool
	name      string
	allowFrom map[string]string
}

func NewBaseChannel(name string, messageBus *bus.MessageBus, allowFrom map[string]string) *BaseChannel {
	return &BaseChannel{
		bus:       messageBus,
		name:      name,
		allowFrom: allowFrom,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running
}

// ResolveSender maps a channel-native sender id to an internal user id.
func (c *BaseChannel) ResolveSender(senderID string) (string, bool) {
	userID, ok := c.allowFrom[strings.TrimSpace(senderID)]
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

func (c *BaseChannel) HandleMessage(senderID, chatID, content string) {
	userID, ok := c.ResolveSender(senderID)
	if !ok {
		return
	}

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  c.name,
		SenderID: senderID,
		ChatID:   chatID,
		UserID:   userID,
		Content:  content,
	})
}

func (c *BaseChannel) setRunning(running bool) {
	c.running = running
}
