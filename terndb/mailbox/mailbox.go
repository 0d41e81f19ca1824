// Package mailbox implements the per-user mail store.
//
// Each user owns one SQLite database file holding their folders,
// messages (metadata, body snapshots, and gzip-compressed raw MIME),
// per-device sync state, and out-of-office document. The protocol
// engine reaches a Box through terndb/easdb; the delivery pipeline
// writes into it through terndb/localsender.
package mailbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"tern.email/eas"
)

// MsgState is the lifecycle state of a Msgs row.
type MsgState int

const (
	MsgReady    MsgState = 1 // live, visible to sync
	MsgExpunged MsgState = 7 // removed, awaiting vacuum
)

// Well-known folders of the fixed hierarchy.
const (
	InboxFolderID   = 1
	DraftsFolderID  = 2
	DeletedFolderID = 3
	SentFolderID    = 4
	OutboxFolderID  = 5
)

// Box is an open user mailbox. PoolRW has a single connection, the
// only one allowed to write. PoolRO serves concurrent readers.
type Box struct {
	PoolRO *sqlitex.Pool
	PoolRW *sqlitex.Pool

	userID int64
	filer  *iox.Filer
}

func New(userID int64, filer *iox.Filer, dbfile string, poolSize int) (_ *Box, err error) {
	box := &Box{
		userID: userID,
		filer:  filer,
	}
	defer func() {
		if err != nil {
			box.Close()
		}
	}()

	flags := sqlite.SQLITE_OPEN_SHAREDCACHE |
		sqlite.SQLITE_OPEN_WAL |
		sqlite.SQLITE_OPEN_URI |
		sqlite.SQLITE_OPEN_NOMUTEX
	flagsRW := flags | sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE

	box.PoolRW, err = sqlitex.Open(dbfile, flagsRW, 1)
	if err != nil {
		return nil, err
	}
	conn := box.PoolRW.Get(nil)
	err = initDB(conn)
	box.PoolRW.Put(conn)
	if err != nil {
		return nil, fmt.Errorf("mailbox.New: init DB: %v", err)
	}

	if poolSize > 1 {
		flagsRO := flags | sqlite.SQLITE_OPEN_READONLY
		box.PoolRO, err = sqlitex.Open(dbfile, flagsRO, poolSize-1)
		if err != nil {
			return nil, err
		}
	} else {
		box.PoolRO = box.PoolRW
	}

	return box, nil
}

func initDB(conn *sqlite.Conn) error {
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		return err
	}
	return sqlitex.ExecScript(conn, insertFoldersSQL)
}

func (b *Box) UserID() int64 { return b.userID }

func (b *Box) Close() error {
	var err error
	if b.PoolRO != nil && b.PoolRO != b.PoolRW {
		err = b.PoolRO.Close()
	}
	if b.PoolRW != nil {
		err2 := b.PoolRW.Close()
		if err == nil {
			err = err2
		}
	}
	return err
}

// Folders reports the collection hierarchy in wire form: ids are
// decimal strings and the root parent is "0".
func (b *Box) Folders(ctx context.Context) ([]eas.Collection, error) {
	conn := b.PoolRO.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer b.PoolRO.Put(conn)

	stmt := conn.Prep("SELECT FolderID, ParentID, Name, FolderType, Class FROM Folders ORDER BY FolderID;")
	var folders []eas.Collection
	for {
		if hasNext, err := stmt.Step(); err != nil {
			return nil, err
		} else if !hasNext {
			break
		}
		folders = append(folders, eas.Collection{
			ID:       strconv.FormatInt(stmt.GetInt64("FolderID"), 10),
			ParentID: strconv.FormatInt(stmt.GetInt64("ParentID"), 10),
			Name:     stmt.GetText("Name"),
			Type:     int(stmt.GetInt64("FolderType")),
			Class:    stmt.GetText("Class"),
		})
	}
	return folders, nil
}

func (b *Box) folderExists(conn *sqlite.Conn, folderID int64) (bool, error) {
	stmt := conn.Prep("SELECT count(*) FROM Folders WHERE FolderID = $folderID;")
	stmt.SetInt64("$folderID", folderID)
	n, err := sqlitex.ResultInt(stmt)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// RemoveExpunged permanently deletes messages expunged before the
// cutoff, reclaiming their raw blobs.
func (b *Box) RemoveExpunged(ctx context.Context, before time.Time) (removed int, err error) {
	conn := b.PoolRW.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer b.PoolRW.Put(conn)
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`DELETE FROM MsgRaw WHERE MsgID IN (
		SELECT MsgID FROM Msgs WHERE State = $msgExpunged AND Expunged < $cutoff);`)
	stmt.SetInt64("$msgExpunged", int64(MsgExpunged))
	stmt.SetInt64("$cutoff", before.Unix())
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}

	stmt = conn.Prep("DELETE FROM Msgs WHERE State = $msgExpunged AND Expunged < $cutoff;")
	stmt.SetInt64("$msgExpunged", int64(MsgExpunged))
	stmt.SetInt64("$cutoff", before.Unix())
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	removed = conn.Changes()

	if err := sqlitex.ExecTransient(conn, "PRAGMA incremental_vacuum;", nil); err != nil {
		return 0, err
	}
	return removed, nil
}

// DropDeviceState forgets all sync progress of one device. The next
// Sync or FolderSync from it starts over from key zero.
func (b *Box) DropDeviceState(ctx context.Context, deviceID string) (err error) {
	conn := b.PoolRW.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer b.PoolRW.Put(conn)
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep("DELETE FROM SyncStates WHERE DeviceID = $deviceID;")
	stmt.SetText("$deviceID", deviceID)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	stmt = conn.Prep("DELETE FROM FolderSyncKeys WHERE DeviceID = $deviceID;")
	stmt.SetText("$deviceID", deviceID)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	return nil
}
