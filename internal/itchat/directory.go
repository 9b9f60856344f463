package itchat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Member is a user as seen in a contact list or a chatroom roster.
type Member struct {
	UserName    string `json:"UserName" yaml:"userName"`
	NickName    string `json:"NickName" yaml:"nickName"`
	DisplayName string `json:"DisplayName,omitempty" yaml:"displayName,omitempty"`
}

// Contact is a friend, an official account (MP) or a chatroom.
type Contact struct {
	UserName   string
	NickName   string
	RemarkName string
	MemberList []Member // chatrooms only
	Self       *Member  // the bot's own roster entry, chatrooms only
	Verify     *Friends // set when the contact sent a friend request
}

func (c Contact) IsChatroom() bool { return strings.HasPrefix(c.UserName, "@@") }

// Name is the remark name if set, else the nickname.
func (c Contact) Name() string {
	if c.RemarkName != "" {
		return c.RemarkName
	}
	return c.NickName
}

func (c Contact) Member(userName string) (Member, bool) {
	for _, m := range c.MemberList {
		if m.UserName == userName {
			return m, true
		}
	}
	return Member{}, false
}

// RosterSource fetches a chatroom with its member list from the server.
type RosterSource interface {
	FetchChatroom(ctx context.Context, userName string) (Contact, error)
}

// RosterStore persists chatroom snapshots across restarts.
type RosterStore interface {
	SaveChatroom(ctx context.Context, room Contact) error
	LoadChatrooms(ctx context.Context) ([]Contact, error)
}

type DirectoryConfig struct {
	Source RosterSource
	Store  RosterStore // optional
	Logger *slog.Logger
}

// Directory caches contacts and chatroom rosters. A lookup miss on a roster
// triggers a refetch; concurrent refetches of the same room are not merged
// and the last one wins.
type Directory struct {
	mu        sync.RWMutex
	friends   map[string]Contact
	mps       map[string]Contact
	chatrooms map[string]Contact

	source RosterSource
	store  RosterStore
	logger *slog.Logger
}

func NewDirectory(cfg DirectoryConfig) *Directory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Directory{
		friends:   make(map[string]Contact),
		mps:       make(map[string]Contact),
		chatrooms: make(map[string]Contact),
		source:    cfg.Source,
		store:     cfg.Store,
		logger:    cfg.Logger,
	}
}

func (d *Directory) SearchFriend(userName string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.friends[userName]
	return c, ok
}

func (d *Directory) SearchMP(userName string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.mps[userName]
	return c, ok
}

func (d *Directory) SearchChatroom(userName string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.chatrooms[userName]
	return c, ok
}

// SearchChatroomByName finds a chatroom by nickname, for whitelists.
func (d *Directory) SearchChatroomByName(name string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.chatrooms {
		if c.NickName == name {
			return c, true
		}
	}
	return Contact{}, false
}

func (d *Directory) PutFriends(cs ...Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range cs {
		d.friends[c.UserName] = c
	}
}

func (d *Directory) PutMPs(cs ...Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range cs {
		d.mps[c.UserName] = c
	}
}

func (d *Directory) PutChatrooms(cs ...Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range cs {
		d.chatrooms[c.UserName] = c
	}
}

// Put files a contact under chatrooms, MPs or friends by its user name and
// verify flag.
func (d *Directory) Put(c Contact, isMP bool) {
	switch {
	case c.IsChatroom():
		d.PutChatrooms(c)
	case isMP:
		d.PutMPs(c)
	default:
		d.PutFriends(c)
	}
}

// MarkChatrooms records chatroom ids announced by the phone without a roster.
// Known rooms are left untouched.
func (d *Directory) MarkChatrooms(userNames ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range userNames {
		if !strings.HasPrefix(name, "@@") {
			continue
		}
		if _, ok := d.chatrooms[name]; !ok {
			d.chatrooms[name] = Contact{UserName: name}
		}
	}
}

func (d *Directory) Chatrooms() []Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Contact, 0, len(d.chatrooms))
	for _, c := range d.chatrooms {
		out = append(out, c)
	}
	return out
}

// Counts returns the number of cached friends, MPs and chatrooms.
func (d *Directory) Counts() (friends, mps, chatrooms int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.friends), len(d.mps), len(d.chatrooms)
}

// UpdateChatroom refetches a room roster. Failures are logged and reported
// as ok=false; the cached entry is kept.
func (d *Directory) UpdateChatroom(ctx context.Context, userName string) (Contact, bool) {
	if d.source == nil {
		return Contact{}, false
	}
	room, err := d.source.FetchChatroom(ctx, userName)
	if err != nil {
		d.logger.Warn("chatroom refresh failed", "chatroom", userName, "error", err)
		cached, ok := d.SearchChatroom(userName)
		return cached, ok
	}
	d.PutChatrooms(room)
	if d.store != nil {
		if err := d.store.SaveChatroom(ctx, room); err != nil {
			d.logger.Warn("chatroom snapshot save failed", "chatroom", userName, "error", err)
		}
	}
	return room, true
}

// Restore loads persisted chatroom snapshots into the cache.
func (d *Directory) Restore(ctx context.Context) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	rooms, err := d.store.LoadChatrooms(ctx)
	if err != nil {
		return 0, err
	}
	d.PutChatrooms(rooms...)
	return len(rooms), nil
}
