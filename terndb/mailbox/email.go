package mailbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"tern.email/eas"
)

const emailColumns = `MsgID, FolderID, Subject, FromAddr, ToAddr, CcAddr,
	ReplyToAddr, DateReceived, Read, EncodedSize, BodyPlain, BodyHTML`

func scanEmail(stmt *sqlite.Stmt) eas.Email {
	return eas.Email{
		ID:           stmt.GetInt64("MsgID"),
		CollectionID: strconv.FormatInt(stmt.GetInt64("FolderID"), 10),
		Subject:      stmt.GetText("Subject"),
		From:         stmt.GetText("FromAddr"),
		To:           stmt.GetText("ToAddr"),
		Cc:           stmt.GetText("CcAddr"),
		ReplyTo:      stmt.GetText("ReplyToAddr"),
		DateReceived: time.Unix(stmt.GetInt64("DateReceived"), 0),
		Read:         stmt.GetInt64("Read") != 0,
		BodyPlain:    stmt.GetText("BodyPlain"),
		BodyHTML:     stmt.GetText("BodyHTML"),
		MIMESize:     stmt.GetInt64("EncodedSize"),
	}
}

// ListEmails reports live messages of one folder with ids above
// sinceID, ascending, at most limit of them. Raw MIME is not loaded.
func (b *Box) ListEmails(ctx context.Context, folderID, sinceID int64, limit int) ([]eas.Email, error) {
	conn := b.PoolRO.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer b.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT ` + emailColumns + ` FROM Msgs
		WHERE FolderID = $folderID AND State = $msgReady AND MsgID > $sinceID
		ORDER BY MsgID LIMIT $limit;`)
	stmt.SetInt64("$folderID", folderID)
	stmt.SetInt64("$msgReady", int64(MsgReady))
	stmt.SetInt64("$sinceID", sinceID)
	stmt.SetInt64("$limit", int64(limit))

	var emails []eas.Email
	for {
		if hasNext, err := stmt.Step(); err != nil {
			return nil, err
		} else if !hasNext {
			break
		}
		emails = append(emails, scanEmail(stmt))
	}
	return emails, nil
}

func (b *Box) CountEmailsSince(ctx context.Context, folderID, sinceID int64) (int, error) {
	conn := b.PoolRO.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer b.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT count(*) FROM Msgs
		WHERE FolderID = $folderID AND State = $msgReady AND MsgID > $sinceID;`)
	stmt.SetInt64("$folderID", folderID)
	stmt.SetInt64("$msgReady", int64(MsgReady))
	stmt.SetInt64("$sinceID", sinceID)
	return sqlitex.ResultInt(stmt)
}

// FetchEmail loads one message including its raw MIME.
func (b *Box) FetchEmail(ctx context.Context, emailID int64) (*eas.Email, error) {
	conn := b.PoolRO.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer b.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT ` + emailColumns + ` FROM Msgs
		WHERE MsgID = $msgID AND State = $msgReady;`)
	stmt.SetInt64("$msgID", emailID)
	stmt.SetInt64("$msgReady", int64(MsgReady))
	if hasNext, err := stmt.Step(); err != nil {
		return nil, err
	} else if !hasNext {
		return nil, eas.ErrNotFound
	}
	m := scanEmail(stmt)
	stmt.Reset()

	raw, err := loadRaw(conn, emailID)
	if err != nil {
		return nil, fmt.Errorf("mailbox.FetchEmail: %v", err)
	}
	m.MIME = raw
	return &m, nil
}

func (b *Box) MarkRead(ctx context.Context, emailID int64, read bool) error {
	conn := b.PoolRW.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer b.PoolRW.Put(conn)

	stmt := conn.Prep("UPDATE Msgs SET Read = $read WHERE MsgID = $msgID AND State = $msgReady;")
	stmt.SetBool("$read", read)
	stmt.SetInt64("$msgID", emailID)
	stmt.SetInt64("$msgReady", int64(MsgReady))
	if _, err := stmt.Step(); err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return eas.ErrNotFound
	}
	return nil
}

// MarkAnswered flags a message as replied to, or as forwarded when
// forwarded is set.
func (b *Box) MarkAnswered(ctx context.Context, emailID int64, forwarded bool) error {
	conn := b.PoolRW.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer b.PoolRW.Put(conn)

	q := "UPDATE Msgs SET Answered = TRUE WHERE MsgID = $msgID AND State = $msgReady;"
	if forwarded {
		q = "UPDATE Msgs SET Forwarded = TRUE WHERE MsgID = $msgID AND State = $msgReady;"
	}
	stmt := conn.Prep(q)
	stmt.SetInt64("$msgID", emailID)
	stmt.SetInt64("$msgReady", int64(MsgReady))
	if _, err := stmt.Step(); err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return eas.ErrNotFound
	}
	return nil
}

// DeleteEmail moves a message to Deleted Items under a fresh id.
// Deleting from Deleted Items expunges it for real.
func (b *Box) DeleteEmail(ctx context.Context, emailID int64) (err error) {
	conn := b.PoolRW.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer b.PoolRW.Put(conn)
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep("SELECT FolderID FROM Msgs WHERE MsgID = $msgID AND State = $msgReady;")
	stmt.SetInt64("$msgID", emailID)
	stmt.SetInt64("$msgReady", int64(MsgReady))
	if hasNext, err := stmt.Step(); err != nil {
		return err
	} else if !hasNext {
		return eas.ErrNotFound
	}
	folderID := stmt.GetInt64("FolderID")
	stmt.Reset()

	if folderID != DeletedFolderID {
		_, err := b.moveMsg(conn, emailID, DeletedFolderID)
		return err
	}

	stmt = conn.Prep("UPDATE Msgs SET State = $msgExpunged, Expunged = $now WHERE MsgID = $msgID;")
	stmt.SetInt64("$msgExpunged", int64(MsgExpunged))
	stmt.SetInt64("$now", time.Now().Unix())
	stmt.SetInt64("$msgID", emailID)
	_, err = stmt.Step()
	return err
}

// MoveEmail files a message in another folder under a fresh id, so
// cursor-based clients pick it up as an addition there.
func (b *Box) MoveEmail(ctx context.Context, emailID, dstFolderID int64) (newID int64, err error) {
	conn := b.PoolRW.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer b.PoolRW.Put(conn)
	defer sqlitex.Save(conn)(&err)

	if exists, err := b.folderExists(conn, dstFolderID); err != nil {
		return 0, err
	} else if !exists {
		return 0, fmt.Errorf("mailbox: no such folder %d", dstFolderID)
	}

	return b.moveMsg(conn, emailID, dstFolderID)
}

func (b *Box) moveMsg(conn *sqlite.Conn, emailID, dstFolderID int64) (newID int64, err error) {
	stmt := conn.Prep(`INSERT INTO Msgs (
			FolderID, State, Subject, FromAddr, ToAddr, CcAddr, ReplyToAddr,
			DateReceived, Read, Answered, Forwarded, BodyPlain, BodyHTML, EncodedSize
		)
		SELECT $dstFolderID, State, Subject, FromAddr, ToAddr, CcAddr, ReplyToAddr,
			DateReceived, Read, Answered, Forwarded, BodyPlain, BodyHTML, EncodedSize
		FROM Msgs WHERE MsgID = $msgID AND State = $msgReady;`)
	stmt.SetInt64("$dstFolderID", dstFolderID)
	stmt.SetInt64("$msgID", emailID)
	stmt.SetInt64("$msgReady", int64(MsgReady))
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	if conn.Changes() == 0 {
		return 0, eas.ErrNotFound
	}
	newID = conn.LastInsertRowID()

	stmt = conn.Prep("UPDATE MsgRaw SET MsgID = $newID WHERE MsgID = $oldID;")
	stmt.SetInt64("$newID", newID)
	stmt.SetInt64("$oldID", emailID)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}

	stmt = conn.Prep("DELETE FROM Msgs WHERE MsgID = $msgID;")
	stmt.SetInt64("$msgID", emailID)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}

	return newID, nil
}
