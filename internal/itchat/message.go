package itchat

import (
	"context"
	"encoding/json"
)

// Kind tags the variant of a decoded message.
type Kind string

const (
	KindText       Kind = "Text"
	KindMap        Kind = "Map"
	KindPicture    Kind = "Picture"
	KindRecording  Kind = "Recording"
	KindVideo      Kind = "Video"
	KindFriends    Kind = "Friends"
	KindCard       Kind = "Card"
	KindNote       Kind = "Note"
	KindAttachment Kind = "Attachment"
	KindSharing    Kind = "Sharing"
	KindUseless    Kind = "Useless"
)

// Content is the payload of a decoded message. The set of implementations
// is closed: exactly the types below.
type Content interface {
	Kind() Kind
	content()
}

type Text struct{ Text string }

// Map is a location share; Text is the place descriptor.
type Map struct{ Text string }

type Picture struct {
	FileName string
	Fetcher  Fetcher
}

type Recording struct {
	FileName string
	Fetcher  Fetcher
}

type Video struct {
	FileName string
	Fetcher  Fetcher
}

// Friends is an incoming friend request. The fields are what an
// accept call needs.
type Friends struct {
	Status        int
	UserName      string
	VerifyContent string
	AutoUpdate    RecommendInfo
}

type Card struct{ Info RecommendInfo }

type Note struct{ Text string }

type Attachment struct {
	FileName string
	Fetcher  Fetcher
}

type Sharing struct{ Text string }

type Useless struct{ Text string }

func (Text) Kind() Kind       { return KindText }
func (Map) Kind() Kind        { return KindMap }
func (Picture) Kind() Kind    { return KindPicture }
func (Recording) Kind() Kind  { return KindRecording }
func (Video) Kind() Kind      { return KindVideo }
func (Friends) Kind() Kind    { return KindFriends }
func (Card) Kind() Kind       { return KindCard }
func (Note) Kind() Kind       { return KindNote }
func (Attachment) Kind() Kind { return KindAttachment }
func (Sharing) Kind() Kind    { return KindSharing }
func (Useless) Kind() Kind    { return KindUseless }

func (Text) content()       {}
func (Map) content()        {}
func (Picture) content()    {}
func (Recording) content()  {}
func (Video) content()      {}
func (Friends) content()    {}
func (Card) content()       {}
func (Note) content()       {}
func (Attachment) content() {}
func (Sharing) content()    {}
func (Useless) content()    {}

// GroupSender attributes a group message to the member who wrote it.
type GroupSender struct {
	ChatroomUserName string
	ActualUserName   string
	ActualNickName   string
	Content          string
	IsAt             bool
}

// Message is a decoded inbound message. It is built once by the Decoder
// and not modified afterwards.
type Message struct {
	Raw     RawMessage
	Content Content
	User    Contact // the chat partner: friend, MP or chatroom
	IsGroup bool
	Group   *GroupSender // nil outside group chats
}

func (m *Message) Kind() Kind {
	if m.Content == nil {
		return KindUseless
	}
	return m.Content.Kind()
}

// Text returns the textual part of the message: the text itself for text-like
// kinds, the file name for binary kinds.
func (m *Message) Text() string {
	switch c := m.Content.(type) {
	case Text:
		return c.Text
	case Map:
		return c.Text
	case Note:
		return c.Text
	case Sharing:
		return c.Text
	case Useless:
		return c.Text
	case Picture:
		return c.FileName
	case Recording:
		return c.FileName
	case Video:
		return c.FileName
	case Attachment:
		return c.FileName
	case Friends:
		return c.VerifyContent
	case Card:
		b, _ := json.Marshal(c.Info)
		return string(b)
	default:
		return ""
	}
}

// FileName is the suggested local name for binary kinds.
func (m *Message) FileName() string {
	switch c := m.Content.(type) {
	case Picture:
		return c.FileName
	case Recording:
		return c.FileName
	case Video:
		return c.FileName
	case Attachment:
		return c.FileName
	default:
		return ""
	}
}

// Fetcher returns the deferred download handle, or nil for kinds without one.
func (m *Message) Fetcher() Fetcher {
	switch c := m.Content.(type) {
	case Picture:
		return c.Fetcher
	case Recording:
		return c.Fetcher
	case Video:
		return c.Fetcher
	case Attachment:
		return c.Fetcher
	default:
		return nil
	}
}

// Download runs the message's fetcher. Messages without a payload return no
// bytes and a RetInvalidOperation result.
func (m *Message) Download(ctx context.Context, dest string) ([]byte, ReturnValue) {
	f := m.Fetcher()
	if f == nil {
		return nil, retValue(RetInvalidOperation, "message has no downloadable payload")
	}
	return f.Fetch(ctx, dest)
}
