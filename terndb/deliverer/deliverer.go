// Package deliverer implements an outbound SMTP message mailer.
package deliverer

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"tern.email/email/dkim"
	"tern.email/email/msgcleaver"
	"tern.email/smtp/smtpclient"
	"tern.email/terndb/db"
)

type Deliverer struct {
	ctx      context.Context
	cancelFn func()
	done     chan struct{}

	dbpool *sqlitex.Pool
	filer  *iox.Filer
	client *smtpclient.Client
	logf   func(format string, v ...interface{})

	newmsg chan struct{}
}

// NewDeliverer creates a Deliverer that periodically scans the DB and
// delivers emails. The hostname is used in the SMTP HELO.
func NewDeliverer(dbpool *sqlitex.Pool, filer *iox.Filer, hostname string, logf func(format string, v ...interface{})) *Deliverer {
	if logf == nil {
		logf = log.Printf
	}
	ctx, cancelFn := context.WithCancel(context.Background())
	return &Deliverer{
		ctx:      ctx,
		cancelFn: cancelFn,
		done:     make(chan struct{}),

		dbpool: dbpool,
		filer:  filer,
		client: smtpclient.NewClient(hostname, 100),
		logf:   logf,

		newmsg: make(chan struct{}, 1),
	}
}

func (d *Deliverer) Deliver(stagingID int64) {
	// It is OK to drop messages here, they will be
	// picked up on the DB scan.
	select {
	case d.newmsg <- struct{}{}:
	default:
	}
}

func (d *Deliverer) Shutdown() {
	d.cancelFn()
	<-d.done
}

func (d *Deliverer) recordDelivery(stagingID int64, res []smtpclient.Delivery) error {
	// Do not use the context here.
	// An SMTP send has been attempted.
	// Do absolutely everything we can to get this fact recorded.
	conn := d.dbpool.Get(nil)
	defer d.dbpool.Put(conn)

	date := time.Now().Unix()

	stmt := conn.Prep("INSERT INTO Deliveries (StagingID, Recipient, Code, Date, Details) VALUES ($stagingID, $recipient, $code, $date, $details);")
	stmt.SetInt64("$stagingID", stagingID)
	stmt.SetInt64("$date", date)
	for _, r := range res {
		stmt.Reset()
		stmt.SetInt64("$code", int64(r.Code))
		stmt.SetText("$recipient", r.Recipient)
		details := r.Details
		if r.Error != nil {
			if details != "" {
				details += ", "
			}
			details += "error: " + r.Error.Error()
		}
		stmt.SetText("$details", details)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}

	stmt = conn.Prep("UPDATE MsgRecipients SET DeliveryState = $deliveryDone WHERE StagingID = $stagingID AND Recipient = $recipient;")
	stmt.SetInt64("$stagingID", stagingID)
	stmt.SetInt64("$deliveryDone", int64(db.DeliveryDone))
	for _, r := range res {
		if r.Success() {
			stmt.Reset()
			stmt.SetText("$recipient", r.Recipient)
			if _, err := stmt.Step(); err != nil {
				return err
			}
		}
	}

	return nil
}

func (d *Deliverer) deliver(stagingID int64, from string, recipients []string, contents *iox.BufferFile) error {
	res, _ := d.client.Send(d.ctx, from, recipients, contents, contents.Size())

	if err := d.recordDelivery(stagingID, res); err != nil {
		return err
	}
	return d.resolveFailures(stagingID, res)
}

// resolveFailures marks recipients that will never be delivered.
// A recipient fails permanently on a 5xx response, or when attempts
// have been failing for longer than the retry window.
func (d *Deliverer) resolveFailures(stagingID int64, res []smtpclient.Delivery) error {
	conn := d.dbpool.Get(d.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer d.dbpool.Put(conn)

	const retryWindow = 36 * time.Hour

	logStmt := conn.Prep(`SELECT Code, Date FROM Deliveries
		WHERE StagingID = $stagingID AND Recipient = $recipient
		ORDER BY Date;`)
	failStmt := conn.Prep(`UPDATE MsgRecipients
		SET DeliveryState = $deliveryFailed
		WHERE StagingID = $stagingID AND Recipient = $recipient
		AND DeliveryState = $deliverySending;`)

	for _, attempt := range res {
		if attempt.Success() {
			continue
		}

		logStmt.Reset()
		logStmt.SetInt64("$stagingID", stagingID)
		logStmt.SetText("$recipient", attempt.Recipient)
		var firstAttempt time.Time
		attempts := 0
		for {
			if hasNext, err := logStmt.Step(); err != nil {
				return err
			} else if !hasNext {
				break
			}
			if attempts == 0 {
				firstAttempt = time.Unix(logStmt.GetInt64("Date"), 0)
			}
			attempts++
		}

		permFailure := attempt.PermFailure()
		if attempts > 0 && time.Since(firstAttempt) > retryWindow {
			permFailure = true
		}
		if !permFailure {
			continue // temporary failure, the DB scan will retry
		}

		d.logf("deliverer: giving up on staging ID %d recipient %s after %d attempts (code %d)",
			stagingID, attempt.Recipient, attempts, attempt.Code)
		failStmt.Reset()
		failStmt.SetInt64("$stagingID", stagingID)
		failStmt.SetInt64("$deliveryFailed", int64(db.DeliveryFailed))
		failStmt.SetInt64("$deliverySending", int64(db.DeliverySending))
		failStmt.SetText("$recipient", attempt.Recipient)
		if _, err := failStmt.Step(); err != nil {
			return err
		}
	}
	return nil
}

type deliveryData struct {
	stagingID  int64
	from       string
	recipients []string
	contents   *iox.BufferFile
}

func (d *Deliverer) collectToDeliver() (deliveries []deliveryData, more bool, err error) {
	conn := d.dbpool.Get(d.ctx)
	if conn == nil {
		return nil, false, context.Canceled
	}
	defer d.dbpool.Put(conn)

	toDeliver := make(map[int64]deliveryData) // stagingID -> delivery data
	closeAll := func() {
		for _, dd := range toDeliver {
			if dd.contents != nil {
				dd.contents.Close()
			}
		}
	}

	const limit = 300
	stmt := conn.Prep("SELECT StagingID, Recipient FROM MsgRecipients WHERE DeliveryState = $deliverySending ORDER BY StagingID LIMIT $limit;")
	stmt.SetInt64("$deliverySending", int64(db.DeliverySending))
	stmt.SetInt64("$limit", limit)
	count := 0
	for {
		if hasNext, err := stmt.Step(); err != nil {
			return nil, false, err
		} else if !hasNext {
			break
		}
		stagingID := stmt.GetInt64("StagingID")
		dd := toDeliver[stagingID]
		dd.recipients = append(dd.recipients, stmt.GetText("Recipient"))
		toDeliver[stagingID] = dd
		count++
	}

	for stagingID := range toDeliver {
		b, err := conn.OpenBlob("", "MsgRaw", "Content", stagingID, false)
		if err != nil {
			closeAll()
			return nil, false, err
		}
		f := d.filer.BufferFile(0)
		_, err = io.Copy(f, b)
		b.Close()
		if err != nil {
			f.Close()
			closeAll()
			return nil, false, err
		}
		if _, err := f.Seek(0, 0); err != nil {
			f.Close()
			closeAll()
			return nil, false, err
		}

		// Sign with the sender domain's current DKIM key.
		// A message that cannot be signed is sent unsigned.
		if signer, err := d.findSigner(conn, stagingID); err != nil {
			d.logf("deliverer: staging ID %d: dkim: %v", stagingID, err)
		} else if signer != nil {
			dst := d.filer.BufferFile(0)
			if err := msgcleaver.Sign(d.filer, signer, dst, f); err != nil {
				d.logf("deliverer: staging ID %d: dkim sign: %v", stagingID, err)
				dst.Close()
				if _, err := f.Seek(0, 0); err != nil {
					f.Close()
					closeAll()
					return nil, false, err
				}
			} else {
				f.Close()
				if _, err := dst.Seek(0, 0); err != nil {
					dst.Close()
					closeAll()
					return nil, false, err
				}
				f = dst
			}
		}

		dd := toDeliver[stagingID]
		dd.contents = f
		toDeliver[stagingID] = dd
	}

	deliveries = make([]deliveryData, 0, len(toDeliver))
	stmt = conn.Prep("SELECT Sender FROM Msgs WHERE StagingID = $stagingID;")
	for stagingID, dd := range toDeliver {
		dd.stagingID = stagingID

		stmt.Reset()
		stmt.SetInt64("$stagingID", stagingID)
		dd.from, err = sqlitex.ResultText(stmt)
		if err != nil {
			closeAll()
			return nil, false, err
		}

		deliveries = append(deliveries, dd)
	}
	return deliveries, count == limit, nil
}

// findSigner loads the DKIM signer for a staged message's sender
// domain, or nil when the domain has no signing key.
func (d *Deliverer) findSigner(conn *sqlite.Conn, stagingID int64) (*dkim.Signer, error) {
	stmt := conn.Prep("SELECT Sender FROM Msgs WHERE StagingID = $stagingID;")
	stmt.SetInt64("$stagingID", stagingID)
	senderAddr, err := sqlitex.ResultText(stmt)
	if err != nil {
		return nil, err
	}
	i := strings.LastIndexByte(senderAddr, '@')
	if i == -1 || i == len(senderAddr)-1 {
		return nil, fmt.Errorf("bad sender: %q", senderAddr)
	}

	rec, err := db.CurrentDKIMRecord(conn, senderAddr[i+1:])
	if err != nil || rec == nil {
		return nil, err
	}
	signer, err := dkim.NewSigner(rec.PrivateKey)
	if err != nil {
		return nil, err
	}
	signer.Domain = rec.Domain
	signer.Selector = rec.Selector
	return signer, nil
}

func (d *Deliverer) Run() error {
	defer func() { close(d.done) }()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return nil
		case <-d.newmsg:
		case <-ticker.C:
		}

		deliveries, more, err := d.collectToDeliver()
		if err != nil {
			if err == context.Canceled {
				return nil
			}
			return err
		}

		if more {
			// There are probably more messages ready to send.
			// Prime the pump for the next cycle.
			select {
			case d.newmsg <- struct{}{}:
			default:
			}
		}

		var wg sync.WaitGroup
		for _, data := range deliveries {
			wg.Add(1)
			go func(data deliveryData) {
				err := d.deliver(data.stagingID, data.from, data.recipients, data.contents)
				if err != nil {
					d.logf("deliver %v: %v", data.stagingID, err)
				}
				data.contents.Close()
				wg.Done()
			}(data)
		}
		wg.Wait()
	}
}
