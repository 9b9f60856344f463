package itchat

import (
	"context"
	"regexp"
	"strings"
)

// groupMarkerRe matches "<sender>:<br/><text>" at the start of a group
// message. Only lowercase alphanumeric ids are recognized; wider ids fall
// through to the self/room branches.
var groupMarkerRe = regexp.MustCompile(`^(@[0-9a-z]*?):<br/>(.*)$`)

const mentionSpace = "\u2005" // four-per-em space the web client puts after a mention

// ResolveGroupSender finds who actually wrote a group message and whether
// the bot was mentioned. Roster misses trigger one refresh; if the member is
// still unknown the nickname is empty and IsAt is false.
func (d *Decoder) ResolveGroupSender(ctx context.Context, raw RawMessage) GroupSender {
	self := d.session.Self()

	var actual, content, room string
	switch m := groupMarkerRe.FindStringSubmatch(raw.Content); {
	case m != nil:
		actual, content, room = m[1], m[2], raw.FromUserName
	case raw.FromUserName == self.UserName:
		actual, content, room = self.UserName, raw.Content, raw.ToUserName
	default:
		room = raw.FromUserName
		if !strings.HasPrefix(room, "@@") {
			room = raw.ToUserName
		}
		return GroupSender{
			ChatroomUserName: room,
			ActualUserName:   self.UserName,
			ActualNickName:   self.NickName,
			Content:          formatContent(raw.Content),
		}
	}

	g := GroupSender{
		ChatroomUserName: room,
		ActualUserName:   actual,
		Content:          formatContent(content),
	}

	chatroom, _ := d.directory.SearchChatroom(room)
	member, ok := chatroom.Member(actual)
	if !ok {
		chatroom, _ = d.directory.UpdateChatroom(ctx, room)
		member, ok = chatroom.Member(actual)
	}
	if !ok {
		d.logger.Debug("chatroom member fetch failed", "chatroom", room, "user", actual)
		return g
	}

	g.ActualNickName = member.DisplayName
	if g.ActualNickName == "" {
		g.ActualNickName = member.NickName
	}
	selfName := self.NickName
	if chatroom.Self != nil && chatroom.Self.DisplayName != "" {
		selfName = chatroom.Self.DisplayName
	}
	g.IsAt = isMentioned(raw.Content, selfName)
	return g
}

// isMentioned reports whether content contains "@name" followed by the
// mention space (or a plain space when the message has none) or ends with it.
func isMentioned(content, name string) bool {
	flag := "@" + name
	sep := " "
	if strings.Contains(content, mentionSpace) {
		sep = mentionSpace
	}
	return strings.Contains(content, flag+sep) || strings.HasSuffix(content, flag)
}
