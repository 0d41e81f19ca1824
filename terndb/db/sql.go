package db

const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

-- ServerConfig is a one-row table containing global ternd configuration.
CREATE TABLE IF NOT EXISTS ServerConfig (
	SecretKey TEXT -- session token signing key, reserved
);

CREATE TABLE IF NOT EXISTS Users (
	UserID   INTEGER PRIMARY KEY,
	PassHash TEXT NOT NULL, -- bcrypt of user password
	FullName TEXT NOT NULL,
	Admin    BOOLEAN NOT NULL,
	Locked   BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS UserAddresses (
	Address     TEXT PRIMARY KEY, -- "user@domain", always lower case
	UserID      INTEGER NOT NULL,
	PrimaryAddr BOOLEAN,

	FOREIGN KEY(UserID) REFERENCES Users(UserID)
);

-- Devices is the ActiveSync device registry.
-- A row is created the first time a device authenticates and is
-- updated on every request after that. DeviceID is the identifier
-- the client sends in the query string, unique per user only.
CREATE TABLE IF NOT EXISTS Devices (
	UserID            INTEGER NOT NULL,
	DeviceID          TEXT NOT NULL,
	DeviceType        TEXT NOT NULL DEFAULT '',
	UserAgent         TEXT NOT NULL DEFAULT '',
	PolicyKey         INTEGER NOT NULL DEFAULT 0, -- zero: never provisioned
	Provisioned       BOOLEAN NOT NULL DEFAULT FALSE,
	PendingPolicyKey  INTEGER NOT NULL DEFAULT 0, -- phase-1 key awaiting ack
	PendingPolicyTime INTEGER NOT NULL DEFAULT 0, -- time.Unix, 0 when no slot
	FirstSeen         INTEGER NOT NULL,           -- time.Unix
	LastSeen          INTEGER NOT NULL,           -- time.Unix

	PRIMARY KEY(UserID, DeviceID),
	FOREIGN KEY(UserID) REFERENCES Users(UserID)
);

-- Msgs are staged messages passing through the delivery pipeline.
CREATE TABLE IF NOT EXISTS Msgs (
	StagingID    INTEGER PRIMARY KEY,
	Sender       TEXT NOT NULL,
	DateReceived INTEGER NOT NULL, -- time.Now().Unix() from the server
	ReadyDate    INTEGER,          -- UnixNano() when recipients became deliverable
	UserID       INTEGER,          -- sending user for submitted messages

	FOREIGN KEY(UserID) REFERENCES Users(UserID)
);

-- MsgRecipients acts as the "envelope" of a Msg.
CREATE TABLE IF NOT EXISTS MsgRecipients (
	StagingID     INTEGER NOT NULL,
	Recipient     TEXT NOT NULL,    -- bob@example.com
	FullAddress   TEXT NOT NULL,    -- Bob Doe <bob@example.com>
	DeliveryState INTEGER NOT NULL, -- DeliveryState Go type

	PRIMARY KEY(StagingID, Recipient),
	FOREIGN KEY(StagingID) REFERENCES Msgs(StagingID)
);

-- MsgRaw holds the fully-encoded raw contents of a message.
-- It remains entirely unmodified from how it was received.
CREATE TABLE IF NOT EXISTS MsgRaw (
	StagingID INTEGER PRIMARY KEY,
	Content   BLOB,

	FOREIGN KEY(StagingID) REFERENCES Msgs(StagingID)
);

-- DKIMRecords holds the outbound mail signing keys.
-- The deliverer signs with the Current key for the sender's domain.
-- The matching public key belongs in a DNS TXT record at
-- <Selector>._domainkey.<DomainName>, which the operator publishes.
CREATE TABLE IF NOT EXISTS DKIMRecords (
	DomainName TEXT NOT NULL,
	Selector   TEXT NOT NULL,
	Algorithm  TEXT NOT NULL, -- k= tag value, "rsa"
	PrivateKey TEXT NOT NULL, -- PEM
	PublicKey  TEXT NOT NULL, -- base64 DER, the p= tag value
	Current    BOOLEAN NOT NULL,

	PRIMARY KEY(DomainName, Selector)
);

-- Deliveries contains a record for each email delivery attempt made.
-- On successful delivery, Code == 250 and the DeliveryState in MsgRecipients changes.
-- There are many possible codes, a core sample are on https://cr.yp.to/smtp/mail.html.
CREATE TABLE IF NOT EXISTS Deliveries (
	AttemptID INTEGER PRIMARY KEY,
	StagingID INTEGER NOT NULL,
	Recipient TEXT NOT NULL,
	Code      INTEGER NOT NULL,
	Date      INTEGER NOT NULL, -- time.Now().Unix()
	Details   TEXT,

	FOREIGN KEY(StagingID, Recipient) REFERENCES MsgRecipients(StagingID, Recipient)
);
`
