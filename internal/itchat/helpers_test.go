package itchat

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestSession(t *testing.T, baseURL string) *Session {
	t.Helper()
	s := NewSession(SessionConfig{Timeout: 5 * time.Second, Logger: testLogger()})
	s.SetLoginInfo(LoginInfo{
		URL:        baseURL,
		FileURL:    baseURL,
		SyncURL:    baseURL,
		Skey:       "@crypt_skey",
		Wxsid:      "sid",
		Wxuin:      "1234",
		PassTicket: "ticket",
		DeviceID:   "e123456789012345",
	})
	s.SetSelf(Member{UserName: "@self", NickName: "Bot"})
	return s
}

// fakeRoster serves chatrooms from a map and counts fetches.
type fakeRoster struct {
	mu    sync.Mutex
	rooms map[string]Contact
	calls int
}

func (f *fakeRoster) FetchChatroom(_ context.Context, userName string) (Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	room, ok := f.rooms[userName]
	if !ok {
		return Contact{}, errors.New("no such room")
	}
	return room, nil
}

func (f *fakeRoster) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestDecoder(s *Session, roster *fakeRoster) (*Decoder, *Directory) {
	dir := NewDirectory(DirectoryConfig{Source: roster, Logger: testLogger()})
	fixed := time.Date(2024, 3, 9, 14, 5, 6, 0, time.Local)
	return NewDecoder(DecoderConfig{
		Session:   s,
		Directory: dir,
		Logger:    testLogger(),
		Now:       func() time.Time { return fixed },
	}), dir
}
