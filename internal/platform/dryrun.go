package platform

import (
	"context"
	"fmt"
	"sync/atomic"

	logx "lobbybot/pkg/logx"
)

// DryRunActuator logs every side effect instead of performing it and hands
// out synthetic IDs. It is wired when no gateway adapter is configured, so
// the core can be exercised locally end to end.
type DryRunActuator struct {
	log logx.Logger
	seq atomic.Uint64
}

func NewDryRun(log logx.Logger) *DryRunActuator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DryRunActuator{log: log}
}

func (a *DryRunActuator) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, a.seq.Add(1))
}

func (a *DryRunActuator) CreateChannel(ctx context.Context, spec ChannelSpec) (string, error) {
	id := a.nextID("chan")
	a.log.Info("dry-run: create channel",
		logx.String("guild", spec.GuildID),
		logx.String("name", spec.Name),
		logx.Int("user_limit", spec.UserLimit),
		logx.String("channel", id),
	)
	return id, nil
}

func (a *DryRunActuator) DeleteChannel(ctx context.Context, channelID string) error {
	a.log.Info("dry-run: delete channel", logx.String("channel", channelID))
	return nil
}

func (a *DryRunActuator) MoveMember(ctx context.Context, memberID, channelID string) error {
	a.log.Info("dry-run: move member", logx.String("member", memberID), logx.String("channel", channelID))
	return nil
}

func (a *DryRunActuator) UpdateChannel(ctx context.Context, channelID string, patch ChannelPatch) error {
	a.log.Info("dry-run: update channel", logx.String("channel", channelID))
	return nil
}

func (a *DryRunActuator) PostMessage(ctx context.Context, channelID, content string) (string, error) {
	id := a.nextID("msg")
	a.log.Info("dry-run: post message", logx.String("channel", channelID), logx.String("message", id))
	return id, nil
}

func (a *DryRunActuator) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	a.log.Info("dry-run: delete message", logx.String("channel", channelID), logx.String("message", messageID))
	return nil
}

func (a *DryRunActuator) SendNotification(ctx context.Context, n Notification) error {
	a.log.Info("dry-run: send notification",
		logx.String("channel", n.ChannelID),
		logx.String("role", n.RoleID),
	)
	return nil
}

// AllowAll is a CapabilityChecker that grants every capability. Dry-run use
// only.
type AllowAll struct{}

func (AllowAll) HasCapability(ctx context.Context, guildID, memberID, capability string) (bool, error) {
	return true, nil
}
