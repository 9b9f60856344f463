package itchat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLogin_Run(t *testing.T) {
	var srvURL string
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/jslogin", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `window.QRLogin.code = 200; window.QRLogin.uuid = "abc123==";`)
	})
	mux.HandleFunc("/cgi-bin/mmwebwx-bin/login", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls == 1 {
			fmt.Fprint(w, `window.code=201;`)
			return
		}
		fmt.Fprintf(w, `window.code=200;window.redirect_uri="%s/cgi-bin/mmwebwx-bin/webwxnewloginpage?ticket=t&uuid=abc123==";`, srvURL)
	})
	mux.HandleFunc("/cgi-bin/mmwebwx-bin/webwxnewloginpage", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<error><ret>0</ret><message></message><skey>@crypt_k</skey><wxsid>sid1</wxsid><wxuin>42</wxuin><pass_ticket>pt</pass_ticket><isgrayscale>1</isgrayscale></error>`)
	})
	mux.HandleFunc("/cgi-bin/mmwebwx-bin/webwxinit", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"BaseResponse":{"Ret":0},"User":{"UserName":"@me","NickName":"Me"},
			"SyncKey":{"Count":1,"List":[{"Key":1,"Val":5}]},
			"ContactList":[{"UserName":"@@room","NickName":"Team"},{"UserName":"@news","NickName":"News","VerifyFlag":24}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	s := NewSession(SessionConfig{Timeout: 5 * time.Second, Logger: testLogger()})
	dir := NewDirectory(DirectoryConfig{Logger: testLogger()})
	var art string
	scanned := false
	l := NewLogin(LoginConfig{
		Session:   s,
		Directory: dir,
		Host:      srv.URL,
		QRPath:    filepath.Join(t.TempDir(), "qr.png"),
		Logger:    testLogger(),
		Interval:  time.Millisecond,
		OnQR:      func(_, a string) { art = a },
		OnScanned: func() { scanned = true },
	})

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	info := s.LoginInfo()
	if info.Skey != "@crypt_k" || info.Wxuin != "42" || info.PassTicket != "pt" {
		t.Errorf("login info = %+v", info)
	}
	if info.URL != srv.URL+"/cgi-bin/mmwebwx-bin" {
		t.Errorf("url = %s", info.URL)
	}
	if !strings.HasPrefix(info.DeviceID, "e") || len(info.DeviceID) != 16 {
		t.Errorf("device id = %q", info.DeviceID)
	}
	if s.Self().UserName != "@me" || info.SyncKey.String() != "1_5" {
		t.Errorf("init state: self=%+v key=%s", s.Self(), info.SyncKey)
	}
	if art == "" || !scanned {
		t.Error("QR and scan callbacks should fire")
	}
	if _, ok := dir.SearchMP("@news"); !ok {
		t.Error("MP contact not filed")
	}
	if _, ok := dir.SearchChatroom("@@room"); !ok {
		t.Error("chatroom contact not filed")
	}
}

func TestSessionFile_RoundTrip(t *testing.T) {
	s := newTestSession(t, "https://wx.qq.com/cgi-bin/mmwebwx-bin")
	s.updateLoginInfo(func(li *LoginInfo) {
		li.SyncKey = SyncKey{Count: 1, List: []SyncKeyItem{{Key: 1, Val: 9}}}
	})
	if err := s.SetCookies("https://wx.qq.com/", []*http.Cookie{{Name: "webwx_data_ticket", Value: "dt"}}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "session", "itchat.yaml")
	if err := SaveSession(s, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := NewSession(SessionConfig{Logger: testLogger()})
	if err := LoadSession(restored, path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.LoginInfo().Skey != "@crypt_skey" || restored.LoginInfo().SyncKey.String() != "1_9" {
		t.Errorf("login info = %+v", restored.LoginInfo())
	}
	if restored.Self().NickName != "Bot" {
		t.Errorf("self = %+v", restored.Self())
	}
	if restored.Cookie("webwx_data_ticket") != "dt" {
		t.Error("cookie not restored")
	}
}
