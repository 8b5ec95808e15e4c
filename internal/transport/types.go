package transport

import "context"

type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdateCallback   UpdateKind = "callback"
	UpdateMembership UpdateKind = "membership"
)

type Update struct {
	Kind       UpdateKind
	Message    *Message
	Callback   *Callback
	Membership *Membership
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

// Membership describes a change of the bot's own status in a chat
// (added, promoted, left, kicked). Only group chats are reported.
type Membership struct {
	ChatID    int64
	ChatTitle string
	ChatType  string
	OldRole   string
	NewRole   string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Poll is the outbound poll payload fired by a schedule slot.
type Poll struct {
	Question        string
	Options         []string
	Anonymous       bool
	MultipleAnswers bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPoll(ctx context.Context, to ChatTarget, p Poll) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
