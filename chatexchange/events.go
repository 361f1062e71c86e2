package chatexchange

import "time"

// EventKind tags the variant of an Event.
type EventKind int

const (
	KindMessagePosted EventKind = iota + 1
	KindMessageEdited
	KindMessageDeleted
	KindMessageStarred
	KindUserEntered
	KindUserLeft
	KindUserNotification
	KindUserMentioned
	KindMessageReply
	KindAccessLevelChanged
	// KindKicked is derived from a batch holding exactly one user-left and
	// one access-level-changed record.
	KindKicked
)

func (k EventKind) String() string {
	switch k {
	case KindMessagePosted:
		return "message_posted"
	case KindMessageEdited:
		return "message_edited"
	case KindMessageDeleted:
		return "message_deleted"
	case KindMessageStarred:
		return "message_starred"
	case KindUserEntered:
		return "user_entered"
	case KindUserLeft:
		return "user_left"
	case KindUserNotification:
		return "user_notification"
	case KindUserMentioned:
		return "user_mentioned"
	case KindMessageReply:
		return "message_reply"
	case KindAccessLevelChanged:
		return "access_level_changed"
	case KindKicked:
		return "kicked"
	default:
		return "unknown"
	}
}

// Event is one decoded room event. The set of implementations is closed;
// switch on Kind() or use a type switch.
type Event interface {
	Kind() EventKind
	Header() EventHeader
	isEvent()
}

// EventHeader holds the fields every record carries. UserID is 0 when the
// record has no acting user; User is only resolved for UserID > 0.
type EventHeader struct {
	ID       int64
	Time     time.Time
	UserID   int64
	UserName string
	User     *User
}

// Header returns the common fields.
func (h EventHeader) Header() EventHeader { return h }

func (EventHeader) isEvent() {}

// MessageEvent is the payload shared by message-centric events.
type MessageEvent struct {
	EventHeader
	MessageID int64
	Message   *Message
	// ParentID is NoParent when the record has no parent_id.
	ParentID int64
	IsReply  bool
}

// PingEvent is a message event that targets a user.
type PingEvent struct {
	MessageEvent
	TargetUserID int64
}

type MessagePostedEvent struct{ MessageEvent }

type MessageEditedEvent struct{ MessageEvent }

type MessageDeletedEvent struct{ MessageEvent }

// MessageStarredEvent is raised for both stars and owner pins.
type MessageStarredEvent struct {
	MessageEvent
	Starred bool
	Pinned  bool
}

type UserEnteredEvent struct{ EventHeader }

type UserLeftEvent struct{ EventHeader }

type UserNotificationEvent struct {
	EventHeader
	TargetUserID int64
	Content      string
}

type UserMentionedEvent struct{ PingEvent }

type MessageReplyEvent struct{ PingEvent }

type AccessLevelChangedEvent struct {
	EventHeader
	AccessLevel  AccessLevel
	TargetUserID int64
	TargetUser   *User
}

// KickedEvent carries the header of the user-left record and the target
// of the paired access change.
type KickedEvent struct {
	EventHeader
	TargetUserID int64
}

func (MessagePostedEvent) Kind() EventKind      { return KindMessagePosted }
func (MessageEditedEvent) Kind() EventKind      { return KindMessageEdited }
func (MessageDeletedEvent) Kind() EventKind     { return KindMessageDeleted }
func (MessageStarredEvent) Kind() EventKind     { return KindMessageStarred }
func (UserEnteredEvent) Kind() EventKind        { return KindUserEntered }
func (UserLeftEvent) Kind() EventKind           { return KindUserLeft }
func (UserNotificationEvent) Kind() EventKind   { return KindUserNotification }
func (UserMentionedEvent) Kind() EventKind      { return KindUserMentioned }
func (MessageReplyEvent) Kind() EventKind       { return KindMessageReply }
func (AccessLevelChangedEvent) Kind() EventKind { return KindAccessLevelChanged }
func (KickedEvent) Kind() EventKind             { return KindKicked }
