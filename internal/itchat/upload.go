package itchat

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"wxbot/internal/metrics"

	"github.com/gabriel-vasile/mimetype"
)

// ChunkSize is the largest body webwxuploadmedia accepts per request.
const ChunkSize = 524288

// MediaKind selects the upload's mediatype field.
type MediaKind string

const (
	MediaPic   MediaKind = "pic"
	MediaVideo MediaKind = "video"
	MediaDoc   MediaKind = "doc"
)

// Media is an outbound payload: a local file, or bytes with Path only
// naming them.
type Media struct {
	Path string
	Data []byte
}

type preparedFile struct {
	name string
	data []byte
	md5  string
}

func prepareFile(m Media) (preparedFile, ReturnValue) {
	data := m.Data
	if data == nil {
		info, err := os.Stat(m.Path)
		if err != nil || !info.Mode().IsRegular() {
			return preparedFile{}, retValue(RetNoFile, "No file found in specific dir")
		}
		if data, err = os.ReadFile(m.Path); err != nil {
			return preparedFile{}, retValue(RetNoFile, "No file found in specific dir")
		}
	}
	sum := md5.Sum(data)
	return preparedFile{
		name: filepath.Base(m.Path),
		data: data,
		md5:  hex.EncodeToString(sum[:]),
	}, retValue(RetOK, "")
}

// chunkCount is the number of upload requests for size bytes. Empty
// payloads need none.
func chunkCount(size int) int {
	if size <= 0 {
		return 0
	}
	return (size-1)/ChunkSize + 1
}

type uploadMediaRequest struct {
	UploadType    int         `json:"UploadType"`
	BaseRequest   baseRequest `json:"BaseRequest"`
	ClientMediaID int64       `json:"ClientMediaId"`
	TotalLen      int         `json:"TotalLen"`
	StartPos      int         `json:"StartPos"`
	DataLen       int         `json:"DataLen"`
	MediaType     int         `json:"MediaType"`
	FromUserName  string      `json:"FromUserName"`
	ToUserName    string      `json:"ToUserName"`
	FileMd5       string      `json:"FileMd5"`
}

// UploadFile uploads m and returns the server media id in MediaID.
// toUserName defaults to filehelper.
func (d *Dispatcher) UploadFile(ctx context.Context, m Media, kind MediaKind, toUserName string) ReturnValue {
	pf, rv := prepareFile(m)
	if !rv.Ok() {
		return rv
	}
	return d.upload(ctx, pf, kind, toUserName)
}

// upload posts the chunks in order and stops at the first failure. Every
// chunk carries the same media request descriptor.
func (d *Dispatcher) upload(ctx context.Context, pf preparedFile, kind MediaKind, toUserName string) ReturnValue {
	if toUserName == "" {
		toUserName = "filehelper"
	}
	d.logger.Debug("upload file", "name", pf.name, "kind", kind, "size", len(pf.data))

	desc, err := json.Marshal(uploadMediaRequest{
		UploadType:    2,
		BaseRequest:   d.session.baseRequest(),
		ClientMediaID: clientMsgID(),
		TotalLen:      len(pf.data),
		StartPos:      0,
		DataLen:       len(pf.data),
		MediaType:     4,
		FromUserName:  d.session.Self().UserName,
		ToUserName:    toUserName,
		FileMd5:       pf.md5,
	})
	if err != nil {
		return retValue(RetParam, "encode upload request: "+err.Error())
	}

	chunks := chunkCount(len(pf.data))
	rv := retValue(RetParam, "Empty file detected")
	for i := 0; i < chunks; i++ {
		rv = d.uploadChunk(ctx, pf, kind, i, chunks, string(desc))
		metrics.UploadChunks.Inc()
		if !rv.Ok() {
			metrics.UploadFailures.Inc()
			d.logger.Warn("upload chunk failed", "name", pf.name, "chunk", i, "chunks", chunks, "result", rv.String())
			return rv
		}
	}
	return rv
}

func (d *Dispatcher) uploadChunk(ctx context.Context, pf preparedFile, kind MediaKind, chunk, chunks int, desc string) ReturnValue {
	info := d.session.LoginInfo()
	base := info.FileURL
	if base == "" {
		base = info.URL
	}

	start := chunk * ChunkSize
	end := min(start+ChunkSize, len(pf.data))
	name := url.PathEscape(pf.name)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := [][2]string{
		{"id", "WU_FILE_0"},
		{"name", name},
		{"type", contentType(pf.data)},
		{"lastModifiedDate", time.Now().Format("Mon Jan 02 2006 15:04:05") + " GMT+0800 (CST)"},
		{"size", strconv.Itoa(len(pf.data))},
	}
	if chunks > 1 {
		fields = append(fields,
			[2]string{"chunks", strconv.Itoa(chunks)},
			[2]string{"chunk", strconv.Itoa(chunk)},
		)
	}
	fields = append(fields,
		[2]string{"mediatype", string(kind)},
		[2]string{"uploadmediarequest", desc},
		[2]string{"webwx_data_ticket", d.session.Cookie("webwx_data_ticket")},
		[2]string{"pass_ticket", info.PassTicket},
	)
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return retValue(RetParam, "write field: "+err.Error())
		}
	}
	part, err := w.CreateFormFile("filename", name)
	if err != nil {
		return retValue(RetParam, "create file part: "+err.Error())
	}
	if _, err := part.Write(pf.data[start:end]); err != nil {
		return retValue(RetParam, "write file part: "+err.Error())
	}
	if err := w.Close(); err != nil {
		return retValue(RetParam, "close multipart: "+err.Error())
	}

	ctx, cancel := d.session.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/webwxuploadmedia?f=json", &body)
	if err != nil {
		return retValue(RetParam, "build request: "+err.Error())
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return responseValue(d.session.do(req))
}

func contentType(data []byte) string {
	t := mimetype.Detect(data).String()
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return t
}
