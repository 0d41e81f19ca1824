package mailbox

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"tern.email/email"
	"tern.email/email/msgcleaver"
	"tern.email/html/htmlsafe"
)

// InsertMsg files a cleaved message in a folder and stores its raw
// form compressed. The returned id is strictly greater than every id
// the box handed out before, which is what sync cursors rely on.
//
// msg supplies the header metadata and body parts; raw is the
// unmodified wire form. The caller keeps ownership of both.
func (b *Box) InsertMsg(ctx context.Context, msg *email.Msg, raw io.ReadSeeker, folderID int64, read bool) (msgID int64, err error) {
	body, err := msgcleaver.Bodies(msg)
	if err != nil {
		return 0, fmt.Errorf("mailbox.InsertMsg: %v", err)
	}
	if len(body.HTML) > 0 {
		// Clients render BodyHTML as delivered, so scripts and
		// unknown markup are stripped before the text is stored.
		clean := new(bytes.Buffer)
		s := htmlsafe.Sanitizer{Options: htmlsafe.Email}
		if _, err := s.Sanitize(clean, bytes.NewReader(body.HTML)); err != nil {
			return 0, fmt.Errorf("mailbox.InsertMsg: sanitize html: %v", err)
		}
		body.HTML = clean.Bytes()
	}

	rawSize, err := raw.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := raw.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	// Compress and hash in one pass, spilling to a buffer file so
	// the blob size is known before the row is written.
	buf := b.filer.BufferFile(0)
	defer buf.Close()
	h := sha256.New()
	gzw := gzip.NewWriter(buf)
	if _, err := io.Copy(io.MultiWriter(gzw, h), raw); err != nil {
		return 0, err
	}
	if err := gzw.Close(); err != nil {
		return 0, err
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	conn := b.PoolRW.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer b.PoolRW.Put(conn)
	defer sqlitex.Save(conn)(&err)

	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}

	stmt := conn.Prep(`INSERT INTO Msgs (
			FolderID, State, Subject, FromAddr, ToAddr, CcAddr, ReplyToAddr,
			DateReceived, Read, BodyPlain, BodyHTML, EncodedSize
		) VALUES (
			$folderID, $state, $subject, $from, $to, $cc, $replyTo,
			$date, $read, $bodyPlain, $bodyHTML, $encodedSize
		);`)
	stmt.SetInt64("$folderID", folderID)
	stmt.SetInt64("$state", int64(MsgReady))
	stmt.SetText("$subject", string(msg.Headers.Get("Subject")))
	stmt.SetText("$from", string(msg.Headers.Get("From")))
	stmt.SetText("$to", string(msg.Headers.Get("To")))
	stmt.SetText("$cc", string(msg.Headers.Get("CC")))
	stmt.SetText("$replyTo", string(msg.Headers.Get("Reply-To")))
	stmt.SetInt64("$date", date.Unix())
	stmt.SetBool("$read", read)
	stmt.SetText("$bodyPlain", string(body.Plain))
	stmt.SetText("$bodyHTML", string(body.HTML))
	stmt.SetInt64("$encodedSize", rawSize)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	msgID = conn.LastInsertRowID()

	stmt = conn.Prep("INSERT INTO MsgRaw (MsgID, RawHash, Content) VALUES ($msgID, $rawHash, $content);")
	stmt.SetInt64("$msgID", msgID)
	stmt.SetText("$rawHash", hex.EncodeToString(h.Sum(nil)))
	stmt.SetZeroBlob("$content", buf.Size())
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	blob, err := conn.OpenBlob("", "MsgRaw", "Content", msgID, true)
	if err != nil {
		return 0, err
	}
	_, err = io.Copy(blob, buf)
	if cerr := blob.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}

	return msgID, nil
}

// loadRaw decompresses a message's stored wire form.
func loadRaw(conn *sqlite.Conn, msgID int64) ([]byte, error) {
	blob, err := conn.OpenBlob("", "MsgRaw", "Content", msgID, false)
	if err != nil {
		return nil, err
	}
	defer blob.Close()
	gzr, err := gzip.NewReader(blob)
	if err != nil {
		return nil, err
	}
	data, err := ioutil.ReadAll(gzr)
	if err != nil {
		return nil, err
	}
	if err := gzr.Close(); err != nil {
		return nil, err
	}
	return data, nil
}
