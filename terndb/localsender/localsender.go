// Package localsender moves messages from the main database to user mailboxes.
//
// It also answers delivered messages with the user's out-of-office
// reply when one is active.
package localsender

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/google/uuid"
	"tern.email/eas"
	"tern.email/email"
	"tern.email/email/msgbuilder"
	"tern.email/email/msgcleaver"
	"tern.email/terndb/boxmgmt"
	"tern.email/terndb/db"
	"tern.email/terndb/mailbox"
)

type LocalSender struct {
	// Deliver, if set, wakes the remote deliverer after the local
	// sender stages an out-of-office reply to an external address.
	Deliver func()

	ctx      context.Context
	cancelFn func()
	done     chan struct{}

	dbpool  *sqlitex.Pool
	filer   *iox.Filer
	boxmgmt *boxmgmt.BoxMgmt
	domain  string
	logf    func(format string, v ...interface{})

	newmsg chan struct{}
}

func New(dbpool *sqlitex.Pool, filer *iox.Filer, boxmgmt *boxmgmt.BoxMgmt, domain string, logf func(format string, v ...interface{})) *LocalSender {
	if logf == nil {
		logf = log.Printf
	}
	ctx, cancelFn := context.WithCancel(context.Background())
	return &LocalSender{
		ctx:      ctx,
		cancelFn: cancelFn,
		done:     make(chan struct{}),

		dbpool:  dbpool,
		filer:   filer,
		boxmgmt: boxmgmt,
		domain:  strings.ToLower(domain),
		logf:    logf,

		newmsg: make(chan struct{}, 1),
	}
}

func (p *LocalSender) Process(stagingID int64) {
	// It is OK to drop messages here, they will be
	// picked up on the periodic DB scan.
	select {
	case p.newmsg <- struct{}{}:
	default:
	}
}

func (p *LocalSender) Shutdown(ctx context.Context) {
	p.cancelFn()
	<-p.done
}

func (p *LocalSender) Run() error {
	defer func() { close(p.done) }()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case <-p.newmsg:
		case <-ticker.C:
		}

		toSend, more, err := p.collectToSend()
		if err != nil {
			if err == context.Canceled {
				return nil
			}
			return err
		}

		if more {
			// There are probably more messages ready to process.
			// Prime the pump for the next cycle.
			select {
			case p.newmsg <- struct{}{}:
			default:
			}
		}

		var wg sync.WaitGroup
		for _, userID := range toSend {
			wg.Add(1)
			go func(userID int64) {
				defer wg.Done()
				err := p.sendForUser(userID)
				if err != nil {
					p.logf("localsend %v: %v", userID, err)
				}
			}(userID)
		}
		wg.Wait()
	}
}

func (p *LocalSender) collectToSend() (toSend []int64, more bool, err error) {
	conn := p.dbpool.Get(p.ctx)
	if conn == nil {
		return nil, false, context.Canceled
	}
	defer p.dbpool.Put(conn)

	const limit = 8

	stmt := conn.Prep(`SELECT DISTINCT UserID
		FROM MsgRecipients
		INNER JOIN UserAddresses ON UserAddresses.Address = MsgRecipients.Recipient
		WHERE DeliveryState = $deliveryState
		ORDER BY UserID LIMIT $limit;`)
	stmt.SetInt64("$deliveryState", int64(db.DeliveryReceived))
	stmt.SetInt64("$limit", limit)

	for {
		if hasNext, err := stmt.Step(); err != nil {
			return nil, false, err
		} else if !hasNext {
			break
		}
		userID := stmt.GetInt64("UserID")
		toSend = append(toSend, userID)
	}

	more = len(toSend) == limit
	return toSend, more, nil
}

func (p *LocalSender) collectMsgsToSend(userID int64) ([]int64, error) {
	conn := p.dbpool.Get(p.ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer p.dbpool.Put(conn)

	return db.CollectMsgsToSend(conn, userID, 10, 0)
}

func (p *LocalSender) setMsgsSent(userID int64, stagingIDs []int64) (err error) {
	conn := p.dbpool.Get(p.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer p.dbpool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`UPDATE MsgRecipients
		SET DeliveryState = $deliveryDone
		WHERE StagingID = $stagingID
		AND DeliveryState = $deliveryReceived
		AND Recipient IN (SELECT Address FROM UserAddresses WHERE UserID = $userID);`)
	stmt.SetInt64("$deliveryReceived", int64(db.DeliveryReceived))
	stmt.SetInt64("$deliveryDone", int64(db.DeliveryDone))
	stmt.SetInt64("$userID", userID)

	for _, stagingID := range stagingIDs {
		stmt.Reset()
		stmt.SetInt64("$stagingID", stagingID)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}

	return nil
}

func (p *LocalSender) loadMsg(stagingID int64) (*iox.BufferFile, time.Time, string, error) {
	conn := p.dbpool.Get(p.ctx)
	if conn == nil {
		return nil, time.Time{}, "", context.Canceled
	}
	defer p.dbpool.Put(conn)

	stmt := conn.Prep("SELECT Sender, DateReceived FROM Msgs WHERE StagingID = $stagingID;")
	stmt.SetInt64("$stagingID", stagingID)
	if hasRow, err := stmt.Step(); err != nil {
		return nil, time.Time{}, "", err
	} else if !hasRow {
		return nil, time.Time{}, "", fmt.Errorf("localsender: staging ID %d not found", stagingID)
	}
	sender := stmt.GetText("Sender")
	date := time.Unix(stmt.GetInt64("DateReceived"), 0)
	stmt.Reset()

	buf, err := db.LoadMsg(conn, p.filer, stagingID)
	if err != nil {
		return nil, time.Time{}, "", err
	}
	return buf, date, sender, nil
}

func (p *LocalSender) sendForUser(userID int64) (err error) {
	p.logf("localsend: sending messages for user %v", userID)

	box, err := p.boxmgmt.Open(p.ctx, userID)
	if err != nil {
		return err
	}

	stagingIDs, err := p.collectMsgsToSend(userID)
	if err != nil {
		return err
	}

	for _, stagingID := range stagingIDs {
		if err := p.sendMsg(userID, box, stagingID); err != nil {
			p.logf("localsend(user %d): %v", userID, err)
			// continue, don't let a bad message block others
		}
	}
	return nil
}

func (p *LocalSender) sendMsg(userID int64, box *mailbox.Box, stagingID int64) (err error) {
	src, date, sender, err := p.loadMsg(stagingID)
	if err != nil {
		return fmt.Errorf("staging ID %d: %v", stagingID, err)
	}
	defer src.Close()

	msg, err := msgcleaver.Cleave(p.filer, src)
	if err != nil {
		return fmt.Errorf("staging ID %d: %v", stagingID, err)
	}
	defer msg.Close()
	msg.Date = date

	if _, err := src.Seek(0, 0); err != nil {
		return fmt.Errorf("staging ID %d: %v", stagingID, err)
	}
	if _, err := box.InsertMsg(p.ctx, msg, src, mailbox.InboxFolderID, false); err != nil {
		return fmt.Errorf("staging ID %d: %v", stagingID, err)
	}
	p.boxmgmt.Bus.Notify(userID, strconv.FormatInt(mailbox.InboxFolderID, 10))

	if err := p.setMsgsSent(userID, []int64{stagingID}); err != nil {
		return err
	}

	if err := p.sendOofReply(box, userID, sender, msg); err != nil {
		p.logf("localsend(user %d): oof reply: %v", userID, err)
	}
	return nil
}

// sendOofReply stages an out-of-office reply for a freshly delivered
// message. At most one reply goes to any sender while the current
// out-of-office document is in force.
func (p *LocalSender) sendOofReply(box *mailbox.Box, userID int64, sender string, origMsg *email.Msg) error {
	oof, err := box.OOF(p.ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	if !oof.ActiveAt(now) {
		return nil
	}
	if sender == "" {
		return nil // bounces have no return path
	}
	if as := origMsg.Headers.Get("Auto-Submitted"); len(as) > 0 && !bytes.EqualFold(bytes.TrimSpace(as), []byte("no")) {
		return nil // never answer another robot
	}

	reply := oof.Internal
	if domainOf(sender) != p.domain {
		known, err := box.KnownSender(p.ctx, sender)
		if err != nil {
			return err
		}
		if known {
			reply = oof.ExternalKnown
		} else {
			reply = oof.ExternalUnknown
		}
	}
	if !reply.Enabled || strings.TrimSpace(reply.Message) == "" {
		return nil
	}

	if replied, err := box.OofRepliedTo(p.ctx, sender); err != nil {
		return err
	} else if replied {
		return nil
	}

	fromAddr, err := p.primaryAddr(userID)
	if err != nil {
		return err
	}

	out, err := p.buildOofReply(fromAddr, sender, reply, origMsg, now)
	if err != nil {
		return err
	}
	defer out.Close()

	conn := p.dbpool.Get(p.ctx)
	if conn == nil {
		return context.Canceled
	}
	_, err = db.StageMsg(conn, 0, fromAddr, []string{sender}, out, out.Size())
	p.dbpool.Put(conn)
	if err != nil {
		return err
	}

	if err := box.SetOofRepliedTo(p.ctx, sender); err != nil {
		return err
	}

	p.Process(0)
	if p.Deliver != nil {
		p.Deliver()
	}
	return nil
}

func (p *LocalSender) buildOofReply(from, to string, m eas.OOFMessage, orig *email.Msg, now time.Time) (*iox.BufferFile, error) {
	body := p.filer.BufferFile(0)
	if _, err := body.Write([]byte(m.Message)); err != nil {
		body.Close()
		return nil, err
	}
	if _, err := body.Seek(0, 0); err != nil {
		body.Close()
		return nil, err
	}
	contentType := "text/plain"
	if m.BodyType == "HTML" {
		contentType = "text/html"
	}

	subject := "Automatic reply"
	if s := orig.Headers.Get("Subject"); len(s) > 0 {
		subject = "Automatic reply: " + string(s)
	}

	reply := &email.Msg{Date: now}
	reply.Headers.Add("From", []byte(from))
	reply.Headers.Add("To", []byte(to))
	reply.Headers.Add("Subject", []byte(subject))
	reply.Headers.Add("Date", []byte(now.UTC().Format(time.RFC1123Z)))
	reply.Headers.Add("Message-ID", []byte("<"+uuid.New().String()+"@"+p.domain+">"))
	reply.Headers.Add("Auto-Submitted", []byte("auto-replied"))
	if mid := orig.Headers.Get("Message-ID"); len(mid) > 0 {
		reply.Headers.Add("In-Reply-To", mid)
	}
	reply.Parts = []email.Part{{
		Content:     body,
		ContentType: contentType,
		IsBody:      true,
	}}

	out := p.filer.BufferFile(0)
	b := msgbuilder.Builder{Filer: p.filer}
	err := b.Build(out, reply)
	reply.Close()
	if err != nil {
		out.Close()
		return nil, err
	}
	if _, err := out.Seek(0, 0); err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

func (p *LocalSender) primaryAddr(userID int64) (string, error) {
	conn := p.dbpool.Get(p.ctx)
	if conn == nil {
		return "", context.Canceled
	}
	defer p.dbpool.Put(conn)
	return db.PrimaryAddr(conn, userID)
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i != -1 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}
