package domain

import (
	"context"
	"time"
)

// ContextType classifies an inbound message for the plugin pipeline.
type ContextType int

const (
	ContextText ContextType = iota + 1
	ContextVoice
	ContextImage
	ContextVideo
	ContextFile
	ContextSharing
	ContextJoinGroup
	ContextNote
)

func (t ContextType) String() string {
	switch t {
	case ContextText:
		return "TEXT"
	case ContextVoice:
		return "VOICE"
	case ContextImage:
		return "IMAGE"
	case ContextVideo:
		return "VIDEO"
	case ContextFile:
		return "FILE"
	case ContextSharing:
		return "SHARING"
	case ContextJoinGroup:
		return "JOIN_GROUP"
	case ContextNote:
		return "NOTE"
	default:
		return "UNKNOWN"
	}
}

// Payload is a binary attachment that is only downloaded on demand.
// Every call performs a fresh download.
type Payload interface {
	Download(ctx context.Context) ([]byte, error)
	FileName() string
}

// Context is what the plugin pipeline consumes for one inbound message.
type Context struct {
	Channel        string
	Type           ContextType
	OriginType     ContextType // set when a plugin rewrites Type
	Content        string
	Receiver       string // where replies go: the chatroom for group messages
	SessionID      string
	IsGroup        bool
	IsMentioned    bool
	ActualUserName string // group sender
	ActualNickName string
	Payload        Payload // nil for text-only messages
	Msg            any     // channel-specific normalized message
	Timestamp      time.Time
}

// Arrival returns the kind the message was received as, before any
// plugin rewrote it.
func (c *Context) Arrival() ContextType {
	if c.OriginType != 0 {
		return c.OriginType
	}
	return c.Type
}

// ReplyType tags the payload of a Reply.
type ReplyType int

const (
	ReplyText ReplyType = iota + 1
	ReplyVoice
	ReplyImage
	ReplyImageURL
	ReplyVideo
	ReplyFile
	ReplyError
	ReplyInfo
)

func (t ReplyType) String() string {
	switch t {
	case ReplyText:
		return "TEXT"
	case ReplyVoice:
		return "VOICE"
	case ReplyImage:
		return "IMAGE"
	case ReplyImageURL:
		return "IMAGE_URL"
	case ReplyVideo:
		return "VIDEO"
	case ReplyFile:
		return "FILE"
	case ReplyError:
		return "ERROR"
	case ReplyInfo:
		return "INFO"
	default:
		return "UNKNOWN"
	}
}

// IsText reports whether the reply is delivered as a plain text message.
func (t ReplyType) IsText() bool {
	return t == ReplyText || t == ReplyError || t == ReplyInfo
}

// Reply is a uniform outbound payload. Content holds text, a file path or a
// URL depending on Type; Data holds in-memory bytes (IMAGE from a buffer).
type Reply struct {
	Type    ReplyType
	Content string
	Data    []byte
}

// OutboundMessage carries a reply to the channel that produced the context.
type OutboundMessage struct {
	Channel  string
	Receiver string
	IsGroup  bool
	Reply    Reply
}
