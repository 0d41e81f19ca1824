// Package eastest provides an in-memory eas.Backend for protocol
// engine tests.
package eastest

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"tern.email/eas"
)

// Store is an in-memory eas.Backend. The zero value is ready to use;
// AddUser creates accounts carrying the standard folder hierarchy.
type Store struct {
	// Bus, when set, gets a change event for every Deliver, the way
	// the ingest pipeline publishes them.
	Bus *eas.Bus

	mu      sync.Mutex // guards the maps, not *testUser contents
	users   map[string]*testUser
	devices map[string]eas.Device
}

type testUser struct {
	id   int64
	addr string
	pass string

	mu         sync.Mutex
	nextMsgID  int64
	folders    []eas.Collection
	emails     map[string][]*eas.Email // collection id, ascending by email id
	byID       map[int64]*eas.Email
	answered   map[int64]bool
	forwarded  map[int64]bool
	syncStates map[string]*eas.SyncState
	folderKeys map[string]uint64
	oof        eas.OOFSettings
	sent       [][]byte
}

func defaultFolders() []eas.Collection {
	return []eas.Collection{
		{ID: "1", Name: "Inbox", Type: eas.FolderTypeInbox, Class: eas.ClassEmail},
		{ID: "2", Name: "Drafts", Type: eas.FolderTypeDrafts, Class: eas.ClassEmail},
		{ID: "3", Name: "Deleted Items", Type: eas.FolderTypeDeleted, Class: eas.ClassEmail},
		{ID: "4", Name: "Sent Items", Type: eas.FolderTypeSent, Class: eas.ClassEmail},
		{ID: "5", Name: "Outbox", Type: eas.FolderTypeOutbox, Class: eas.ClassEmail},
		{ID: "6", Name: "Calendar", Type: eas.FolderTypeCalendar, Class: eas.ClassCalendar},
		{ID: "7", Name: "Contacts", Type: eas.FolderTypeContacts, Class: eas.ClassContacts},
	}
}

func (s *Store) AddUser(addr, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]*testUser)
	}
	if s.users[addr] != nil {
		return fmt.Errorf("eastest: user %q already exists", addr)
	}
	s.users[addr] = &testUser{
		id:         int64(len(s.users) + 1),
		addr:       addr,
		pass:       password,
		nextMsgID:  1,
		folders:    defaultFolders(),
		emails:     make(map[string][]*eas.Email),
		byID:       make(map[int64]*eas.Email),
		answered:   make(map[int64]bool),
		forwarded:  make(map[int64]bool),
		syncStates: make(map[string]*eas.SyncState),
		folderKeys: make(map[string]uint64),
	}
	return nil
}

// Deliver files a message into one of addr's collections and returns
// its id. Zero fields get defaults: collection "1", received now.
func (s *Store) Deliver(addr string, m eas.Email) (int64, error) {
	s.mu.Lock()
	user := s.users[addr]
	s.mu.Unlock()
	if user == nil {
		return 0, fmt.Errorf("eastest: no such user %q", addr)
	}
	if m.CollectionID == "" {
		m.CollectionID = "1"
	}
	if m.DateReceived.IsZero() {
		m.DateReceived = time.Now()
	}
	if m.MIME != nil {
		m.MIMESize = int64(len(m.MIME))
	}

	user.mu.Lock()
	m.ID = user.nextMsgID
	user.nextMsgID++
	stored := m
	user.emails[m.CollectionID] = append(user.emails[m.CollectionID], &stored)
	user.byID[m.ID] = &stored
	user.mu.Unlock()

	if s.Bus != nil {
		s.Bus.Notify(user.id, m.CollectionID)
	}
	return m.ID, nil
}

// SentMail returns copies of everything addr has submitted through
// SendMail, oldest first.
func (s *Store) SentMail(addr string) [][]byte {
	s.mu.Lock()
	user := s.users[addr]
	s.mu.Unlock()
	if user == nil {
		return nil
	}
	user.mu.Lock()
	defer user.mu.Unlock()
	out := make([][]byte, len(user.sent))
	for i, raw := range user.sent {
		out[i] = append([]byte(nil), raw...)
	}
	return out
}

// MsgFlags reports the answered and forwarded flags of one message.
func (s *Store) MsgFlags(addr string, emailID int64) (answered, forwarded bool) {
	s.mu.Lock()
	user := s.users[addr]
	s.mu.Unlock()
	if user == nil {
		return false, false
	}
	user.mu.Lock()
	defer user.mu.Unlock()
	return user.answered[emailID], user.forwarded[emailID]
}

func (s *Store) Login(ctx context.Context, username, password string) (eas.User, error) {
	s.mu.Lock()
	user := s.users[username]
	s.mu.Unlock()
	if user == nil || user.pass != password {
		return nil, eas.ErrBadCredentials
	}
	return &session{store: s, user: user}, nil
}

func (s *Store) Device(ctx context.Context, userID int64, deviceID string) (*eas.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceKey(userID, deviceID)]
	if !ok {
		return nil, eas.ErrNotFound
	}
	copied := d
	return &copied, nil
}

func (s *Store) SaveDevice(ctx context.Context, d *eas.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices == nil {
		s.devices = make(map[string]eas.Device)
	}
	s.devices[deviceKey(d.UserID, d.DeviceID)] = *d
	return nil
}

func deviceKey(userID int64, deviceID string) string {
	return fmt.Sprintf("%d|%s", userID, deviceID)
}

type session struct {
	store *Store
	user  *testUser
}

func (se *session) ID() int64    { return se.user.id }
func (se *session) Addr() string { return se.user.addr }
func (se *session) Close()       {}

func (se *session) Folders(ctx context.Context) ([]eas.Collection, error) {
	se.user.mu.Lock()
	defer se.user.mu.Unlock()
	return append([]eas.Collection(nil), se.user.folders...), nil
}

func (se *session) ListEmails(ctx context.Context, collectionID string, sinceID int64, limit int) ([]eas.Email, error) {
	se.user.mu.Lock()
	defer se.user.mu.Unlock()
	var out []eas.Email
	for _, m := range se.user.emails[collectionID] {
		if m.ID <= sinceID {
			continue
		}
		out = append(out, copyEmail(m, false))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (se *session) CountEmailsSince(ctx context.Context, collectionID string, sinceID int64) (int, error) {
	se.user.mu.Lock()
	defer se.user.mu.Unlock()
	n := 0
	for _, m := range se.user.emails[collectionID] {
		if m.ID > sinceID {
			n++
		}
	}
	return n, nil
}

func (se *session) FetchEmail(ctx context.Context, emailID int64) (*eas.Email, error) {
	se.user.mu.Lock()
	defer se.user.mu.Unlock()
	m := se.user.byID[emailID]
	if m == nil {
		return nil, eas.ErrNotFound
	}
	copied := copyEmail(m, true)
	return &copied, nil
}

func (se *session) MarkRead(ctx context.Context, emailID int64, read bool) error {
	se.user.mu.Lock()
	defer se.user.mu.Unlock()
	m := se.user.byID[emailID]
	if m == nil {
		return eas.ErrNotFound
	}
	m.Read = read
	return nil
}

func (se *session) MarkAnswered(ctx context.Context, emailID int64, forwarded bool) error {
	se.user.mu.Lock()
	defer se.user.mu.Unlock()
	if se.user.byID[emailID] == nil {
		return eas.ErrNotFound
	}
	if forwarded {
		se.user.forwarded[emailID] = true
	} else {
		se.user.answered[emailID] = true
	}
	return nil
}

func (se *session) DeleteEmail(ctx context.Context, emailID int64) error {
	se.user.mu.Lock()
	defer se.user.mu.Unlock()
	m := se.user.byID[emailID]
	if m == nil {
		return eas.ErrNotFound
	}
	// Deleting from Deleted Items is final; anywhere else moves
	// there under a fresh id.
	if m.CollectionID == "3" {
		se.user.removeLocked(emailID)
		return nil
	}
	_, err := se.user.moveLocked(emailID, "3")
	return err
}

func (se *session) MoveEmail(ctx context.Context, emailID int64, dstCollectionID string) (int64, error) {
	se.user.mu.Lock()
	defer se.user.mu.Unlock()
	return se.user.moveLocked(emailID, dstCollectionID)
}

func (u *testUser) removeLocked(emailID int64) {
	m := u.byID[emailID]
	if m == nil {
		return
	}
	list := u.emails[m.CollectionID]
	for i := range list {
		if list[i].ID == emailID {
			u.emails[m.CollectionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	delete(u.byID, emailID)
}

func (u *testUser) moveLocked(emailID int64, dst string) (int64, error) {
	m := u.byID[emailID]
	if m == nil {
		return 0, eas.ErrNotFound
	}
	known := false
	for _, f := range u.folders {
		if f.ID == dst {
			known = true
			break
		}
	}
	if !known {
		return 0, fmt.Errorf("eastest: no such collection %q", dst)
	}
	u.removeLocked(emailID)
	m.ID = u.nextMsgID
	u.nextMsgID++
	m.CollectionID = dst
	u.emails[dst] = append(u.emails[dst], m)
	u.byID[m.ID] = m
	return m.ID, nil
}

func (se *session) SyncState(ctx context.Context, deviceID, collectionID string) (*eas.SyncState, error) {
	se.user.mu.Lock()
	defer se.user.mu.Unlock()
	st := se.user.syncStates[deviceID+"|"+collectionID]
	if st == nil {
		return nil, nil
	}
	return copyState(st), nil
}

func (se *session) SaveSyncState(ctx context.Context, state *eas.SyncState) error {
	se.user.mu.Lock()
	defer se.user.mu.Unlock()
	se.user.syncStates[state.DeviceID+"|"+state.CollectionID] = copyState(state)
	return nil
}

func (se *session) FolderSyncKey(ctx context.Context, deviceID string) (uint64, error) {
	se.user.mu.Lock()
	defer se.user.mu.Unlock()
	return se.user.folderKeys[deviceID], nil
}

func (se *session) SaveFolderSyncKey(ctx context.Context, deviceID string, key uint64) error {
	se.user.mu.Lock()
	defer se.user.mu.Unlock()
	se.user.folderKeys[deviceID] = key
	return nil
}

func (se *session) OOF(ctx context.Context) (*eas.OOFSettings, error) {
	se.user.mu.Lock()
	defer se.user.mu.Unlock()
	copied := se.user.oof
	return &copied, nil
}

func (se *session) SetOOF(ctx context.Context, settings *eas.OOFSettings) error {
	se.user.mu.Lock()
	defer se.user.mu.Unlock()
	se.user.oof = *settings
	return nil
}

func (se *session) SendMail(ctx context.Context, raw []byte, saveInSent bool) error {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("eastest: SendMail: %v", err)
	}

	se.user.mu.Lock()
	se.user.sent = append(se.user.sent, append([]byte(nil), raw...))
	se.user.mu.Unlock()

	if !saveInSent {
		return nil
	}
	_, err = se.store.Deliver(se.user.addr, eas.Email{
		CollectionID: "4",
		Subject:      msg.Header.Get("Subject"),
		From:         msg.Header.Get("From"),
		To:           msg.Header.Get("To"),
		Read:         true,
		MIME:         append([]byte(nil), raw...),
	})
	return err
}

func copyEmail(m *eas.Email, withMIME bool) eas.Email {
	c := *m
	if withMIME {
		c.MIME = append([]byte(nil), m.MIME...)
	} else {
		c.MIME = nil
	}
	return c
}

func copyState(st *eas.SyncState) *eas.SyncState {
	c := *st
	c.Pending = append([]byte(nil), st.Pending...)
	c.PendingIDs = append([]int64(nil), st.PendingIDs...)
	return &c
}
