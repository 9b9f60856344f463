package itchat

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

type batchContactItem struct {
	UserName        string `json:"UserName"`
	EncryChatRoomID string `json:"EncryChatRoomId"`
}

type batchContactRequest struct {
	BaseRequest baseRequest        `json:"BaseRequest"`
	Count       int                `json:"Count"`
	List        []batchContactItem `json:"List"`
}

// FetchChatroom loads a chatroom and its roster via webwxbatchgetcontact.
func (s *Session) FetchChatroom(ctx context.Context, userName string) (Contact, error) {
	info := s.LoginInfo()
	q := url.Values{}
	q.Set("type", "ex")
	q.Set("r", strconv.FormatInt(time.Now().UnixMilli(), 10))
	q.Set("pass_ticket", info.PassTicket)

	rv := s.postJSON(ctx, info.URL+"/webwxbatchgetcontact?"+q.Encode(), batchContactRequest{
		BaseRequest: s.baseRequest(),
		Count:       1,
		List:        []batchContactItem{{UserName: userName}},
	})
	if !rv.Ok() {
		return Contact{}, fmt.Errorf("batch get contact %s: %w", userName, rv.Err())
	}

	list := gjson.GetBytes(rv.Raw, "ContactList")
	if !list.IsArray() || len(list.Array()) == 0 {
		return Contact{}, fmt.Errorf("batch get contact %s: empty contact list", userName)
	}
	room := parseContact(list.Array()[0])

	self := s.Self()
	for i := range room.MemberList {
		if room.MemberList[i].UserName == self.UserName {
			m := room.MemberList[i]
			room.Self = &m
			break
		}
	}
	if room.Self == nil {
		room.Self = &Member{UserName: self.UserName, NickName: self.NickName}
	}
	return room, nil
}

func parseContact(v gjson.Result) Contact {
	c := Contact{
		UserName:   v.Get("UserName").String(),
		NickName:   v.Get("NickName").String(),
		RemarkName: v.Get("RemarkName").String(),
	}
	for _, m := range v.Get("MemberList").Array() {
		c.MemberList = append(c.MemberList, Member{
			UserName:    m.Get("UserName").String(),
			NickName:    m.Get("NickName").String(),
			DisplayName: m.Get("DisplayName").String(),
		})
	}
	return c
}

// isMPContact reports whether a contact entry is an official account.
func isMPContact(v gjson.Result) bool {
	return v.Get("VerifyFlag").Int()&8 != 0
}
