package itchat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"wxbot/internal/metrics"

	"github.com/gabriel-vasile/mimetype"
)

// Fetcher downloads a message payload on demand. Each call is a new
// request; nothing is cached. With dest == "" the bytes are returned,
// otherwise they are also written to dest.
type Fetcher interface {
	Fetch(ctx context.Context, dest string) ([]byte, ReturnValue)
	String() string
}

type attachmentRef struct {
	sender   string
	mediaID  string
	fileName string
}

// mediaFetcher reads login state at fetch time, so a handle created before a
// session reload uses the fresh credentials.
type mediaFetcher struct {
	session    *Session
	endpoint   string
	msgID      string
	rangeAll   bool           // send Range: bytes=0-
	postFix    bool           // detect the image type of the body
	attachment *attachmentRef // webwxgetmedia on the file host
}

func newImageFetcher(s *Session, msgID string) *mediaFetcher {
	return &mediaFetcher{session: s, endpoint: "webwxgetmsgimg", msgID: msgID, postFix: true}
}

func newVoiceFetcher(s *Session, msgID string) *mediaFetcher {
	return &mediaFetcher{session: s, endpoint: "webwxgetvoice", msgID: msgID, postFix: true}
}

func newVideoFetcher(s *Session, msgID string) *mediaFetcher {
	return &mediaFetcher{session: s, endpoint: "webwxgetvideo", msgID: msgID, rangeAll: true}
}

func newAttachmentFetcher(s *Session, raw RawMessage) *mediaFetcher {
	return &mediaFetcher{
		session:  s,
		endpoint: "webwxgetmedia",
		attachment: &attachmentRef{
			sender:   raw.FromUserName,
			mediaID:  raw.MediaID,
			fileName: raw.FileName,
		},
	}
}

func (f *mediaFetcher) String() string {
	if f.attachment != nil {
		return fmt.Sprintf("%s(mediaid=%s, filename=%s)", f.endpoint, f.attachment.mediaID, f.attachment.fileName)
	}
	return fmt.Sprintf("%s(msgid=%s)", f.endpoint, f.msgID)
}

func (f *mediaFetcher) requestURL() string {
	info := f.session.LoginInfo()
	q := url.Values{}
	base := info.URL
	if f.attachment != nil {
		if info.FileURL != "" {
			base = info.FileURL
		}
		q.Set("sender", f.attachment.sender)
		q.Set("mediaid", f.attachment.mediaID)
		q.Set("filename", f.attachment.fileName)
		q.Set("fromuser", info.Wxuin)
		q.Set("pass_ticket", "undefined")
		q.Set("webwx_data_ticket", f.session.Cookie("webwx_data_ticket"))
	} else {
		q.Set("msgid", f.msgID)
		q.Set("skey", info.Skey)
	}
	return base + "/" + f.endpoint + "?" + q.Encode()
}

func (f *mediaFetcher) Fetch(ctx context.Context, dest string) ([]byte, ReturnValue) {
	metrics.Fetches.Inc()
	data, rv := f.fetch(ctx, dest)
	if !rv.Ok() {
		metrics.FetchFailures.Inc()
	}
	return data, rv
}

func (f *mediaFetcher) fetch(ctx context.Context, dest string) ([]byte, ReturnValue) {
	ctx, cancel := f.session.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.requestURL(), nil)
	if err != nil {
		return nil, retValue(RetParam, "build request: "+err.Error())
	}
	if f.rangeAll {
		req.Header.Set("Range", "bytes=0-")
	}

	resp, err := f.session.do(req)
	if err != nil {
		return nil, retValue(RetRequestFailed, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, retValue(RetUnexpectedResponse, fmt.Sprintf("download %s: HTTP %d", f.endpoint, resp.StatusCode))
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, retValue(RetRequestFailed, "read body: "+err.Error())
	}
	data := buf.Bytes()

	rv := retValue(RetOK, "Successfully downloaded")
	if dest == "" {
		return data, rv
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return data, retValue(RetInvalidOperation, "write file: "+err.Error())
	}
	if f.postFix {
		rv.PostFix = imagePostFix(data)
	}
	return data, rv
}

// imagePostFix names the image format of data ("png", "jpg", "gif"), or ""
// when data is not an image.
func imagePostFix(data []byte) string {
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return ""
	}
	return strings.TrimPrefix(mt.Extension(), ".")
}
