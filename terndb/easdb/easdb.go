// Package easdb implements a ternd ActiveSync backend.
package easdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/google/uuid"

	"tern.email/eas"
	"tern.email/email"
	"tern.email/email/msgcleaver"
	"tern.email/terndb/boxmgmt"
	"tern.email/terndb/db"
	"tern.email/terndb/mailbox"
	"tern.email/third_party/imf"
)

// NewBackend builds the eas.Backend served by ternd. The domain stamps
// Message-IDs onto submitted mail, and submit wakes the delivery
// pipeline after a message is staged.
func NewBackend(dbpool *sqlitex.Pool, filer *iox.Filer, boxmgmt *boxmgmt.BoxMgmt, domain string, submit func(), logf func(format string, v ...interface{})) eas.Backend {
	return &backend{
		dbpool:  dbpool,
		filer:   filer,
		boxmgmt: boxmgmt,
		domain:  domain,
		submit:  submit,
		logf:    logf,
		auth: &db.Authenticator{
			DB:    dbpool,
			Logf:  logf,
			Where: "eas",
		},
	}
}

type backend struct {
	dbpool  *sqlitex.Pool
	filer   *iox.Filer
	boxmgmt *boxmgmt.BoxMgmt
	domain  string
	submit  func()
	logf    func(format string, v ...interface{})
	auth    *db.Authenticator
}

func (b *backend) Login(ctx context.Context, username, password string) (eas.User, error) {
	userID, err := b.auth.AuthUser(ctx, "", username, password)
	if err == db.ErrBadCredentials {
		return nil, eas.ErrBadCredentials
	} else if err != nil {
		return nil, err
	}

	addr, err := b.userAddr(ctx, userID)
	if err != nil {
		return nil, err
	}
	box, err := b.boxmgmt.Open(ctx, userID)
	if err != nil {
		return nil, err
	}

	logUserPrefix := fmt.Sprintf("user%d: ", userID)
	s := &session{
		backend: b,
		userID:  userID,
		addr:    addr,
		box:     box,
		logf: func(format string, v ...interface{}) {
			b.logf(logUserPrefix+format, v...)
		},
	}
	return s, nil
}

func (b *backend) userAddr(ctx context.Context, userID int64) (string, error) {
	conn := b.dbpool.Get(ctx)
	if conn == nil {
		return "", context.Canceled
	}
	defer b.dbpool.Put(conn)
	return db.PrimaryAddr(conn, userID)
}

func (b *backend) Device(ctx context.Context, userID int64, deviceID string) (*eas.Device, error) {
	conn := b.dbpool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer b.dbpool.Put(conn)
	return db.Device(conn, userID, deviceID)
}

func (b *backend) SaveDevice(ctx context.Context, d *eas.Device) error {
	conn := b.dbpool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer b.dbpool.Put(conn)
	return db.SaveDevice(conn, d)
}

// session scopes every mail operation to one authenticated user.
// ActiveSync sessions live for a single request, so the session holds
// no state beyond the open mailbox.
type session struct {
	backend *backend
	userID  int64
	addr    string
	box     *mailbox.Box
	logf    func(format string, v ...interface{})
}

func (s *session) ID() int64    { return s.userID }
func (s *session) Addr() string { return s.addr }

// folderID resolves a client collection id. Ids that were never handed
// out map to folder 0, which holds nothing.
func folderID(collectionID string) int64 {
	id, err := strconv.ParseInt(collectionID, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func (s *session) Folders(ctx context.Context) ([]eas.Collection, error) {
	return s.box.Folders(ctx)
}

func (s *session) ListEmails(ctx context.Context, collectionID string, sinceID int64, limit int) ([]eas.Email, error) {
	return s.box.ListEmails(ctx, folderID(collectionID), sinceID, limit)
}

func (s *session) CountEmailsSince(ctx context.Context, collectionID string, sinceID int64) (int, error) {
	return s.box.CountEmailsSince(ctx, folderID(collectionID), sinceID)
}

func (s *session) FetchEmail(ctx context.Context, emailID int64) (*eas.Email, error) {
	return s.box.FetchEmail(ctx, emailID)
}

func (s *session) MarkRead(ctx context.Context, emailID int64, read bool) error {
	return s.box.MarkRead(ctx, emailID, read)
}

func (s *session) MarkAnswered(ctx context.Context, emailID int64, forwarded bool) error {
	return s.box.MarkAnswered(ctx, emailID, forwarded)
}

func (s *session) DeleteEmail(ctx context.Context, emailID int64) error {
	return s.box.DeleteEmail(ctx, emailID)
}

func (s *session) MoveEmail(ctx context.Context, emailID int64, dstCollectionID string) (int64, error) {
	dst := folderID(dstCollectionID)
	if dst == 0 {
		return 0, fmt.Errorf("easdb: no such folder %q", dstCollectionID)
	}
	return s.box.MoveEmail(ctx, emailID, dst)
}

func (s *session) SyncState(ctx context.Context, deviceID, collectionID string) (*eas.SyncState, error) {
	return s.box.SyncState(ctx, deviceID, folderID(collectionID))
}

func (s *session) SaveSyncState(ctx context.Context, state *eas.SyncState) error {
	return s.box.SaveSyncState(ctx, state)
}

func (s *session) FolderSyncKey(ctx context.Context, deviceID string) (uint64, error) {
	return s.box.FolderSyncKey(ctx, deviceID)
}

func (s *session) SaveFolderSyncKey(ctx context.Context, deviceID string, key uint64) error {
	return s.box.SaveFolderSyncKey(ctx, deviceID, key)
}

func (s *session) OOF(ctx context.Context) (*eas.OOFSettings, error) {
	return s.box.OOF(ctx)
}

func (s *session) SetOOF(ctx context.Context, settings *eas.OOFSettings) error {
	return s.box.SetOOF(ctx, settings)
}

// SendMail stages a client-composed message for delivery. The envelope
// recipients come from the To, CC and Bcc headers; the envelope sender
// is always the authenticated user, whatever the From header claims.
func (s *session) SendMail(ctx context.Context, raw []byte, saveInSent bool) error {
	msg, err := msgcleaver.Cleave(s.backend.filer, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("easdb: send mail: %v", err)
	}
	defer msg.Close()

	var recipients []string
	for _, key := range []email.Key{"To", "CC", "Bcc"} {
		v := msg.Headers.Get(key)
		if len(v) == 0 {
			continue
		}
		addrs, err := imf.ParseAddressList(string(v))
		if err != nil {
			return fmt.Errorf("easdb: send mail: bad %s header: %v", key, err)
		}
		for _, a := range addrs {
			recipients = append(recipients, a.Addr)
		}
	}
	if len(recipients) == 0 {
		return errors.New("easdb: send mail: no recipients")
	}

	out := prepareOutbound(raw, s.backend.domain)

	conn := s.backend.dbpool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	_, err = db.StageMsg(conn, s.userID, s.addr, recipients, bytes.NewReader(out), int64(len(out)))
	s.backend.dbpool.Put(conn)
	if err != nil {
		return fmt.Errorf("easdb: send mail: %v", err)
	}

	if saveInSent {
		msgID, err := s.box.InsertMsg(ctx, msg, bytes.NewReader(out), mailbox.SentFolderID, true)
		if err != nil {
			s.logf("send mail: sent copy: %v", err)
		} else {
			s.logf("send mail: sent copy msg %d", msgID)
			s.backend.boxmgmt.Bus.Notify(s.userID, strconv.FormatInt(mailbox.SentFolderID, 10))
		}
	}

	if s.backend.submit != nil {
		s.backend.submit()
	}
	return nil
}

func (s *session) Close() {}

// prepareOutbound stamps a Message-ID onto mail composed without one
// and strips Bcc so blind recipients stay blind. Everything else is
// transmitted exactly as the client wrote it.
func prepareOutbound(raw []byte, domain string) []byte {
	hdrs := raw
	var rest []byte
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		hdrs, rest = raw[:i+2], raw[i+2:]
	}

	buf := bytes.NewBuffer(make([]byte, 0, len(raw)+80))
	hasMsgID := false
	skipping := false
	for len(hdrs) > 0 {
		var line []byte
		if i := bytes.Index(hdrs, []byte("\r\n")); i >= 0 {
			line, hdrs = hdrs[:i+2], hdrs[i+2:]
		} else {
			line, hdrs = hdrs, nil
		}
		if skipping && len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			continue
		}
		skipping = false
		if hasPrefixFold(line, "bcc:") {
			skipping = true
			continue
		}
		if hasPrefixFold(line, "message-id:") {
			hasMsgID = true
		}
		buf.Write(line)
		if !bytes.HasSuffix(line, []byte("\r\n")) {
			buf.WriteString("\r\n")
		}
	}
	if !hasMsgID {
		fmt.Fprintf(buf, "Message-ID: <%s@%s>\r\n", uuid.New(), domain)
	}
	if rest == nil {
		buf.WriteString("\r\n")
	} else {
		buf.Write(rest)
	}
	return buf.Bytes()
}

func hasPrefixFold(b []byte, prefix string) bool {
	if len(b) < len(prefix) {
		return false
	}
	return bytes.EqualFold(b[:len(prefix)], []byte(prefix))
}
