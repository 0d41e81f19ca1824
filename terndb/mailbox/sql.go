package mailbox

const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

-- Folders is the fixed collection hierarchy every mailbox starts
-- with. FolderType values are the ActiveSync FolderSync type codes.
CREATE TABLE IF NOT EXISTS Folders (
	FolderID   INTEGER PRIMARY KEY,
	ParentID   INTEGER NOT NULL DEFAULT 0,
	Name       TEXT NOT NULL UNIQUE,
	FolderType INTEGER NOT NULL,
	Class      TEXT NOT NULL DEFAULT 'Email'
);

-- Msgs hold per-message metadata and the displayable body snapshots.
-- MsgID is AUTOINCREMENT: sync cursors rely on ids growing strictly,
-- so ids of removed messages are never reused.
CREATE TABLE IF NOT EXISTS Msgs (
	MsgID        INTEGER PRIMARY KEY AUTOINCREMENT,
	FolderID     INTEGER NOT NULL,
	State        INTEGER NOT NULL DEFAULT 1, -- MsgState Go type
	Subject      TEXT NOT NULL DEFAULT '',
	FromAddr     TEXT NOT NULL DEFAULT '',
	ToAddr       TEXT NOT NULL DEFAULT '',
	CcAddr       TEXT NOT NULL DEFAULT '',
	ReplyToAddr  TEXT NOT NULL DEFAULT '',
	DateReceived INTEGER NOT NULL,            -- time.Unix
	Read         BOOLEAN NOT NULL DEFAULT FALSE,
	Answered     BOOLEAN NOT NULL DEFAULT FALSE,
	Forwarded    BOOLEAN NOT NULL DEFAULT FALSE,
	BodyPlain    TEXT NOT NULL DEFAULT '',
	BodyHTML     TEXT NOT NULL DEFAULT '',
	EncodedSize  INTEGER NOT NULL DEFAULT 0,  -- raw MIME size in bytes
	Expunged     INTEGER,                     -- time.Unix of the expunge

	FOREIGN KEY(FolderID) REFERENCES Folders(FolderID)
);
CREATE INDEX IF NOT EXISTS MsgsByFolder ON Msgs (FolderID, State, MsgID);

-- MsgRaw holds the gzip-compressed raw contents of a message.
CREATE TABLE IF NOT EXISTS MsgRaw (
	MsgID   INTEGER PRIMARY KEY,
	RawHash TEXT, -- SHA-256 hex of the uncompressed bytes
	Content BLOB, -- gzip

	FOREIGN KEY(MsgID) REFERENCES Msgs(MsgID)
);

-- SyncStates is one row per (device, folder): the durable side of
-- the Sync command's two-phase commit.
CREATE TABLE IF NOT EXISTS SyncStates (
	DeviceID     TEXT NOT NULL,
	FolderID     INTEGER NOT NULL,
	CurKey       INTEGER NOT NULL DEFAULT 0,
	NextKey      INTEGER NOT NULL DEFAULT 0,
	Cursor       INTEGER NOT NULL DEFAULT 0,
	Pending      BLOB,                        -- last batch, verbatim
	PendingIDs   TEXT,                        -- JSON array of ids
	MaxPendingID INTEGER NOT NULL DEFAULT 0,

	PRIMARY KEY(DeviceID, FolderID)
);

CREATE TABLE IF NOT EXISTS FolderSyncKeys (
	DeviceID TEXT PRIMARY KEY,
	SyncKey  INTEGER NOT NULL
);

-- Oof is a one-row table holding the out-of-office document.
CREATE TABLE IF NOT EXISTS Oof (
	ID              INTEGER PRIMARY KEY CHECK (ID = 1),
	State           INTEGER NOT NULL DEFAULT 0,
	StartTime       INTEGER NOT NULL DEFAULT 0, -- time.Unix
	EndTime         INTEGER NOT NULL DEFAULT 0, -- time.Unix
	InternalEnabled BOOLEAN NOT NULL DEFAULT FALSE,
	InternalMsg     TEXT NOT NULL DEFAULT '',
	InternalType    TEXT NOT NULL DEFAULT 'Text',
	KnownEnabled    BOOLEAN NOT NULL DEFAULT FALSE,
	KnownMsg        TEXT NOT NULL DEFAULT '',
	KnownType       TEXT NOT NULL DEFAULT 'Text',
	UnknownEnabled  BOOLEAN NOT NULL DEFAULT FALSE,
	UnknownMsg      TEXT NOT NULL DEFAULT '',
	UnknownType     TEXT NOT NULL DEFAULT 'Text'
);

-- OofReplied records envelope senders already answered in the
-- current out-of-office enable cycle.
CREATE TABLE IF NOT EXISTS OofReplied (
	Sender TEXT PRIMARY KEY
);
`

// Fixed hierarchy, one row per collection the server advertises.
// Calendar and Contacts exist for FolderSync shape only.
const insertFoldersSQL = `
INSERT OR IGNORE INTO Folders (FolderID, ParentID, Name, FolderType, Class) VALUES
	(1, 0, 'Inbox', 2, 'Email'),
	(2, 0, 'Drafts', 3, 'Email'),
	(3, 0, 'Deleted Items', 4, 'Email'),
	(4, 0, 'Sent Items', 5, 'Email'),
	(5, 0, 'Outbox', 6, 'Email'),
	(6, 0, 'Calendar', 8, 'Calendar'),
	(7, 0, 'Contacts', 9, 'Contacts');
`
