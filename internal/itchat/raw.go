package itchat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// FlexID accepts a JSON number or string. Message ids arrive as either.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }

// Int returns the numeric value, or 0 if the id is not numeric.
func (f FlexID) Int() int64 {
	n, _ := strconv.ParseInt(string(f), 10, 64)
	return n
}

// RecommendInfo describes the account behind a friend request or name card.
type RecommendInfo struct {
	UserName   string `json:"UserName"`
	NickName   string `json:"NickName"`
	Alias      string `json:"Alias"`
	Province   string `json:"Province"`
	City       string `json:"City"`
	Content    string `json:"Content"`
	Signature  string `json:"Signature"`
	Ticket     string `json:"Ticket"`
	Sex        int    `json:"Sex"`
	Scene      int    `json:"Scene"`
	VerifyFlag int    `json:"VerifyFlag"`
	OpCode     int    `json:"OpCode"`
}

// RawMessage is one entry of webwxsync's AddMsgList. Fields not listed
// here are dropped at decode time.
type RawMessage struct {
	MsgID                FlexID        `json:"MsgId"`
	NewMsgID             FlexID        `json:"NewMsgId"`
	FromUserName         string        `json:"FromUserName"`
	ToUserName           string        `json:"ToUserName"`
	MsgType              int           `json:"MsgType"`
	AppMsgType           int           `json:"AppMsgType"`
	Content              string        `json:"Content"`
	URL                  string        `json:"Url"`
	FileName             string        `json:"FileName"`
	FileSize             FlexID        `json:"FileSize"`
	MediaID              string        `json:"MediaId"`
	Status               int           `json:"Status"`
	Ticket               string        `json:"Ticket"`
	CreateTime           int64         `json:"CreateTime"`
	StatusNotifyUserName string        `json:"StatusNotifyUserName"`
	RecommendInfo        RecommendInfo `json:"RecommendInfo"`
}

// ParseRawMessages decodes wire messages from either a bare JSON array or a
// webwxsync response carrying them under AddMsgList.
func ParseRawMessages(data []byte) ([]RawMessage, error) {
	if root := gjson.ParseBytes(data); root.IsObject() {
		list := root.Get("AddMsgList")
		if !list.IsArray() {
			return nil, fmt.Errorf("parse raw messages: object has no AddMsgList array")
		}
		data = []byte(list.Raw)
	}
	var msgs []RawMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("parse raw messages: %w", err)
	}
	return msgs, nil
}
