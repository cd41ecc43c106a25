// Package platform defines the boundary to the remote chat/presence
// platform. The core consumes normalized events and performs side effects
// through Actuator; the actual gateway/REST plumbing lives outside this
// repo and plugs in via these interfaces.
package platform

import "context"

type EventKind string

const (
	EventMemberJoinedLobby   EventKind = "member_joined_lobby"
	EventMemberJoinedSession EventKind = "member_joined_session"
	EventMemberLeftSession   EventKind = "member_left_session"
	EventMessagePosted       EventKind = "message_posted"
	EventMessageEdited       EventKind = "message_edited"
	EventChannelDeleted      EventKind = "channel_deleted"
	EventGuildRemoved        EventKind = "guild_removed"
)

// Event is a normalized platform notification.
// Exactly one payload pointer is set, matching Kind.
type Event struct {
	Kind       EventKind
	Membership *MembershipEvent
	Message    *MessageEvent
	Channel    *ChannelEvent
	Guild      *GuildEvent
}

// MembershipEvent covers lobby joins and session join/leave.
// For lobby joins ChannelID is the lobby channel; for session events it is
// the session's channel.
type MembershipEvent struct {
	GuildID    string
	ChannelID  string
	MemberID   string
	MemberName string // display name, used for session naming on lobby joins
}

// MessageEvent is a posted or edited message. ActorID is the member whose
// command produced the message when the author is an automated service
// account (empty otherwise). Edits matter because some service bots post
// a placeholder and edit the success text into it.
type MessageEvent struct {
	GuildID          string
	ChannelID        string
	AuthorID         string
	ActorID          string
	IsServiceAccount bool
	Content          string
}

type ChannelEvent struct {
	GuildID   string
	ChannelID string
}

type GuildEvent struct {
	GuildID string
}

// ChannelSpec describes a voice channel to create.
type ChannelSpec struct {
	GuildID        string
	ParentID       string // category of the lobby channel, may be empty
	Name           string
	UserLimit      int
	CopyOverwrites string // lobby channel whose permission overwrites to copy, may be empty
}

// ChannelPatch is a partial update; nil fields are left unchanged.
type ChannelPatch struct {
	Name      *string
	UserLimit *int
	Locked    *bool
	Hidden    *bool
}

// Notification is a payload for SendNotification.
type Notification struct {
	ChannelID string
	RoleID    string // mentioned role, empty for none
	Text      string
}

// Actuator performs external side effects on the platform.
//
// Error contract:
//   - CreateChannel returns ErrResourceExhausted when the platform refuses
//     resource creation.
//   - DeleteChannel/DeleteMessage return ErrNotFound when the resource is
//     already gone; callers treat that as success.
type Actuator interface {
	CreateChannel(ctx context.Context, spec ChannelSpec) (channelID string, err error)
	DeleteChannel(ctx context.Context, channelID string) error
	MoveMember(ctx context.Context, memberID, channelID string) error
	UpdateChannel(ctx context.Context, channelID string, patch ChannelPatch) error

	PostMessage(ctx context.Context, channelID, content string) (messageID string, err error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error

	SendNotification(ctx context.Context, n Notification) error
}

// CapabilityChecker answers whether a member holds a named capability
// marker (e.g. a role) in a guild. How capabilities are represented
// upstream is not the core's concern.
type CapabilityChecker interface {
	HasCapability(ctx context.Context, guildID, memberID, capability string) (bool, error)
}
