package itchat

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type savedCookie struct {
	Name   string `yaml:"name"`
	Value  string `yaml:"value"`
	Domain string `yaml:"domain,omitempty"`
	Path   string `yaml:"path,omitempty"`
}

type sessionFile struct {
	SavedAt   time.Time     `yaml:"savedAt"`
	Self      Member        `yaml:"self"`
	LoginInfo LoginInfo     `yaml:"loginInfo"`
	Cookies   []savedCookie `yaml:"cookies"`
}

// SaveSession writes the login state and cookies so a restart can skip the
// QR login.
func SaveSession(s *Session, path string) error {
	f := sessionFile{
		SavedAt:   time.Now(),
		Self:      s.Self(),
		LoginInfo: s.LoginInfo(),
	}
	for _, c := range s.Cookies() {
		f.Cookies = append(f.Cookies, savedCookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// LoadSession restores state written by SaveSession. The caller still has to
// check that the server accepts it.
func LoadSession(s *Session, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	var f sessionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse session: %w", err)
	}
	if f.LoginInfo.URL == "" {
		return fmt.Errorf("session file %s has no login url", path)
	}

	cookies := make([]*http.Cookie, 0, len(f.Cookies))
	for _, c := range f.Cookies {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	s.SetLoginInfo(f.LoginInfo)
	s.SetSelf(f.Self)
	if len(cookies) > 0 {
		if err := s.SetCookies(f.LoginInfo.URL, cookies); err != nil {
			return err
		}
	}
	return nil
}
