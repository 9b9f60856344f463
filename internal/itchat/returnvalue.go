package itchat

import (
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// Result codes shared with the web API. Negative codes are produced locally.
const (
	RetOK                 = 0
	RetNotWrapped         = -1000
	RetNoFile             = -1002
	RetRequestFailed      = -1003
	RetUnexpectedResponse = -1004
	RetParam              = -1005
	RetInvalidOperation   = -1006
)

// ReturnValue is the uniform result of every fetch and send call.
// Callers branch on Ok() instead of errors.
type ReturnValue struct {
	Ret     int
	ErrMsg  string
	MediaID string
	MsgID   string
	LocalID string
	PostFix string
	Raw     []byte
}

func (r ReturnValue) Ok() bool { return r.Ret == RetOK }

// Err converts a failed result into an error; nil on success.
func (r ReturnValue) Err() error {
	if r.Ok() {
		return nil
	}
	return &Error{Code: r.Ret, Msg: r.ErrMsg}
}

func (r ReturnValue) String() string {
	return fmt.Sprintf("ret=%d msg=%q", r.Ret, r.ErrMsg)
}

// Error is a failed ReturnValue as a Go error.
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("itchat: ret %d: %s", e.Code, e.Msg)
}

func retValue(code int, msg string) ReturnValue {
	return ReturnValue{Ret: code, ErrMsg: msg}
}

// responseValue reads resp fully and parses the BaseResponse envelope.
func responseValue(resp *http.Response, err error) ReturnValue {
	if err != nil {
		return retValue(RetRequestFailed, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return retValue(RetRequestFailed, "read response: "+err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rv := retValue(RetUnexpectedResponse, fmt.Sprintf("HTTP %d", resp.StatusCode))
		rv.Raw = body
		return rv
	}
	return parseReturnValue(body)
}

func parseReturnValue(body []byte) ReturnValue {
	if !gjson.ValidBytes(body) {
		return ReturnValue{Ret: RetUnexpectedResponse, ErrMsg: "malformed JSON response", Raw: body}
	}
	res := gjson.ParseBytes(body)
	base := res.Get("BaseResponse")
	if !base.Exists() {
		return ReturnValue{Ret: RetNotWrapped, ErrMsg: "response has no BaseResponse", Raw: body}
	}
	return ReturnValue{
		Ret:     int(base.Get("Ret").Int()),
		ErrMsg:  base.Get("ErrMsg").String(),
		MediaID: res.Get("MediaId").String(),
		MsgID:   res.Get("MsgID").String(),
		LocalID: res.Get("LocalID").String(),
		Raw:     body,
	}
}
