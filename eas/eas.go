// Package eas defines the types and interfaces of the ActiveSync
// protocol engine: the wire vocabulary (code pages), the views of
// users, devices, folders and emails the engine works on, and the
// storage contracts it consumes.
//
// The protocol engine in eas/easserver is written entirely against
// these interfaces. Storage backends implement them; terndb/easdb is
// the SQLite one.
package eas

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBadCredentials = errors.New("eas: bad credentials")
	ErrNotFound       = errors.New("eas: not found")
)

// Folder type codes used by FolderSync.
const (
	FolderTypeInbox    = 2
	FolderTypeDrafts   = 3
	FolderTypeDeleted  = 4
	FolderTypeSent     = 5
	FolderTypeOutbox   = 6
	FolderTypeTasks    = 7
	FolderTypeCalendar = 8
	FolderTypeContacts = 9
)

// Collection classes.
const (
	ClassEmail    = "Email"
	ClassCalendar = "Calendar"
	ClassContacts = "Contacts"
	ClassTasks    = "Tasks"
)

// Body types from AirSyncBase.
const (
	BodyTypePlain = 1
	BodyTypeHTML  = 2
	BodyTypeRTF   = 3
	BodyTypeMIME  = 4
)

// Device is one client device of a user, keyed by (user, device id).
// A row is created on the first authenticated request and updated on
// every one after that.
type Device struct {
	UserID    int64
	DeviceID  string
	Type      string
	UserAgent string

	// PolicyKey is the provisioning key gating commands.
	// Zero means the device has never completed the handshake.
	PolicyKey   uint32
	Provisioned bool

	// PendingPolicyKey is the phase-1 key waiting for the phase-2
	// acknowledgment. It survives phase-1 retries and expires.
	PendingPolicyKey  uint32
	PendingPolicyTime time.Time

	FirstSeen time.Time
	LastSeen  time.Time
}

// Collection is one folder of a user's hierarchy.
type Collection struct {
	ID       string
	ParentID string
	Name     string
	Type     int
	Class    string
}

// Email is the protocol engine's read view of one stored message.
// MIME is loaded only by FetchEmail; listing leaves it nil.
type Email struct {
	ID           int64
	CollectionID string
	Subject      string
	From         string
	To           string
	Cc           string
	ReplyTo      string
	DateReceived time.Time
	Read         bool
	MessageClass string

	BodyPlain string
	BodyHTML  string

	MIME     []byte
	MIMESize int64
}

// NativeBodyType reports which body representation the stored
// message natively carries: 2 when HTML exists, else 1.
func (m *Email) NativeBodyType() int {
	if m.BodyHTML != "" {
		return BodyTypeHTML
	}
	return BodyTypePlain
}

// SyncState is the durable per-(device, collection) row driving the
// Sync state machine. Keys are decimal strings on the wire; they are
// held as integers here and advance by one.
type SyncState struct {
	DeviceID     string
	CollectionID string

	CurKey  uint64
	NextKey uint64

	// Cursor is the highest email id the client has committed.
	Cursor int64

	// Pending caches the last batch verbatim for idempotent
	// resends. Nil when no batch is outstanding.
	Pending      []byte
	PendingIDs   []int64
	MaxPendingID int64
}

// Key formats a sync key the way it appears on the wire.
func Key(k uint64) string { return strconv.FormatUint(k, 10) }

// OOF states.
const (
	OOFDisabled  = 0
	OOFEnabled   = 1
	OOFScheduled = 2
)

// External audiences derived from the external message flags.
const (
	OOFAudienceNone  = 0
	OOFAudienceKnown = 1
	OOFAudienceAll   = 2
)

type OOFMessage struct {
	Enabled  bool
	Message  string
	BodyType string // "Text" or "HTML"
}

// OOFSettings is a user's out-of-office document.
type OOFSettings struct {
	State      int
	Start, End time.Time

	Internal        OOFMessage
	ExternalKnown   OOFMessage
	ExternalUnknown OOFMessage
}

// ExternalAudience reduces the two external flags to an audience.
func (o *OOFSettings) ExternalAudience() int {
	switch {
	case o.ExternalUnknown.Enabled:
		return OOFAudienceAll
	case o.ExternalKnown.Enabled:
		return OOFAudienceKnown
	}
	return OOFAudienceNone
}

// ActiveAt reports whether auto-replies apply at the given time.
func (o *OOFSettings) ActiveAt(t time.Time) bool {
	switch o.State {
	case OOFEnabled:
		return true
	case OOFScheduled:
		return !t.Before(o.Start) && t.Before(o.End)
	}
	return false
}

// FormatServerID builds the stable item id sent to clients.
func FormatServerID(collectionID string, emailID int64) string {
	return collectionID + ":" + strconv.FormatInt(emailID, 10)
}

// ParseServerID splits an id produced by FormatServerID.
func ParseServerID(s string) (collectionID string, emailID int64, err error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("eas: malformed server id %q", s)
	}
	emailID, err = strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || emailID <= 0 {
		return "", 0, fmt.Errorf("eas: malformed server id %q", s)
	}
	return s[:i], emailID, nil
}

// Backend authenticates requests and owns the device registry.
//
// Login returns ErrBadCredentials for unknown users or wrong
// passwords without distinguishing the two.
type Backend interface {
	Login(ctx context.Context, username, password string) (User, error)
	Device(ctx context.Context, userID int64, deviceID string) (*Device, error)
	SaveDevice(ctx context.Context, d *Device) error
}

// User is an authenticated mailbox session. All reads and writes of
// mail data and sync state go through it; implementations scope every
// operation to the one user.
type User interface {
	ID() int64
	Addr() string

	Folders(ctx context.Context) ([]Collection, error)
	ListEmails(ctx context.Context, collectionID string, sinceID int64, limit int) ([]Email, error)
	CountEmailsSince(ctx context.Context, collectionID string, sinceID int64) (int, error)
	FetchEmail(ctx context.Context, emailID int64) (*Email, error)
	MarkRead(ctx context.Context, emailID int64, read bool) error
	MarkAnswered(ctx context.Context, emailID int64, forwarded bool) error
	DeleteEmail(ctx context.Context, emailID int64) error
	MoveEmail(ctx context.Context, emailID int64, dstCollectionID string) (int64, error)

	SyncState(ctx context.Context, deviceID, collectionID string) (*SyncState, error)
	SaveSyncState(ctx context.Context, state *SyncState) error
	FolderSyncKey(ctx context.Context, deviceID string) (uint64, error)
	SaveFolderSyncKey(ctx context.Context, deviceID string, key uint64) error

	OOF(ctx context.Context) (*OOFSettings, error)
	SetOOF(ctx context.Context, settings *OOFSettings) error

	// SendMail submits an outbound message composed by the
	// client: stage it for delivery and, when asked, file a copy
	// in Sent Items.
	SendMail(ctx context.Context, raw []byte, saveInSent bool) error

	Close()
}
