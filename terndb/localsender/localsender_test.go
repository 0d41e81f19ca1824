package localsender_test

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"
	"tern.email/eas"
	"tern.email/terndb/boxmgmt"
	"tern.email/terndb/db"
	"tern.email/terndb/localsender"
)

const inboundMsg = "From: Carol Mills <carol@remote.example>\r\n" +
	"To: ann@tern.example\r\n" +
	"Message-ID: <m1@remote.example>\r\n" +
	"Subject: fishing trip\r\n" +
	"\r\n" +
	"Are you around this weekend?\r\n"

const robotMsg = "From: dave@elsewhere.example\r\n" +
	"To: ann@tern.example\r\n" +
	"Auto-Submitted: auto-replied\r\n" +
	"Subject: Automatic reply: hello\r\n" +
	"\r\n" +
	"I am also away.\r\n"

type testEnv struct {
	dbpool *sqlitex.Pool
	filer  *iox.Filer
	bm     *boxmgmt.BoxMgmt
	sender *localsender.LocalSender
	annID  int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	filer := iox.NewFiler(0)
	dbpool, err := db.Open(filepath.Join(t.TempDir(), "ternd.db"))
	if err != nil {
		t.Fatal(err)
	}

	conn := dbpool.Get(nil)
	annID, err := db.AddUser(conn, db.UserDetails{
		FullName:  "Ann Onymous",
		EmailAddr: "ann@tern.example",
		Password:  "hunter2hunter2",
	})
	dbpool.Put(conn)
	if err != nil {
		t.Fatal(err)
	}

	bm, err := boxmgmt.New(filer, dbpool, "")
	if err != nil {
		t.Fatal(err)
	}
	sender := localsender.New(dbpool, filer, bm, "tern.example", t.Logf)
	go sender.Run()

	t.Cleanup(func() {
		sender.Shutdown(context.Background())
		dbpool.Close()
		filer.Shutdown(context.Background())
	})
	return &testEnv{
		dbpool: dbpool,
		filer:  filer,
		bm:     bm,
		sender: sender,
		annID:  annID,
	}
}

func (env *testEnv) stage(t *testing.T, sender, recipient, raw string) {
	t.Helper()
	conn := env.dbpool.Get(nil)
	defer env.dbpool.Put(conn)
	if _, err := db.StageMsg(conn, 0, sender, []string{recipient}, strings.NewReader(raw), int64(len(raw))); err != nil {
		t.Fatal(err)
	}
	env.sender.Process(0)
}

func (env *testEnv) inboxCount(t *testing.T) int {
	t.Helper()
	box, err := env.bm.Open(context.Background(), env.annID)
	if err != nil {
		t.Fatal(err)
	}
	emails, err := box.ListEmails(context.Background(), 1, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	return len(emails)
}

func (env *testEnv) repliesFrom(t *testing.T, sender string) []int64 {
	t.Helper()
	conn := env.dbpool.Get(nil)
	defer env.dbpool.Put(conn)
	stmt := conn.Prep("SELECT StagingID FROM Msgs WHERE Sender = $sender ORDER BY StagingID;")
	stmt.SetText("$sender", sender)
	var ids []int64
	for {
		if hasRow, err := stmt.Step(); err != nil {
			t.Fatal(err)
		} else if !hasRow {
			break
		}
		ids = append(ids, stmt.GetInt64("StagingID"))
	}
	return ids
}

func waitFor(t *testing.T, what string, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDeliverToMailbox(t *testing.T) {
	env := newTestEnv(t)

	env.stage(t, "carol@remote.example", "ann@tern.example", inboundMsg)
	waitFor(t, "message in inbox", func() bool { return env.inboxCount(t) == 1 })

	box, err := env.bm.Open(context.Background(), env.annID)
	if err != nil {
		t.Fatal(err)
	}
	emails, err := box.ListEmails(context.Background(), 1, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	m := emails[0]
	if m.Subject != "fishing trip" {
		t.Errorf("Subject = %q, want %q", m.Subject, "fishing trip")
	}
	if !strings.Contains(m.From, "carol@remote.example") {
		t.Errorf("From = %q, want carol's address", m.From)
	}
	if m.Read {
		t.Error("delivered message is already marked read")
	}

	conn := env.dbpool.Get(nil)
	stmt := conn.Prep("SELECT count(*) FROM MsgRecipients WHERE Recipient = 'ann@tern.example' AND DeliveryState = $state;")
	stmt.SetInt64("$state", int64(db.DeliveryDone))
	done, err := sqlitex.ResultInt(stmt)
	env.dbpool.Put(conn)
	if err != nil {
		t.Fatal(err)
	}
	if done != 1 {
		t.Errorf("recipients marked done = %d, want 1", done)
	}

	if replies := env.repliesFrom(t, "ann@tern.example"); len(replies) != 0 {
		t.Errorf("replies staged with no out-of-office document: %v", replies)
	}
}

func TestOofReply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	box, err := env.bm.Open(ctx, env.annID)
	if err != nil {
		t.Fatal(err)
	}
	err = box.SetOOF(ctx, &eas.OOFSettings{
		State: eas.OOFEnabled,
		ExternalUnknown: eas.OOFMessage{
			Enabled:  true,
			Message:  "Out fishing. Back Monday.",
			BodyType: "Text",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	var deliverN int32
	env.sender.Deliver = func() { atomic.AddInt32(&deliverN, 1) }

	env.stage(t, "carol@remote.example", "ann@tern.example", inboundMsg)
	waitFor(t, "out-of-office reply", func() bool {
		return len(env.repliesFrom(t, "ann@tern.example")) == 1
	})
	if n := atomic.LoadInt32(&deliverN); n == 0 {
		t.Error("deliverer was not woken for the staged reply")
	}

	replyID := env.repliesFrom(t, "ann@tern.example")[0]
	conn := env.dbpool.Get(nil)
	raw, err := db.LoadMsg(conn, env.filer, replyID)
	if err != nil {
		t.Fatal(err)
	}
	content, err := io.ReadAll(raw)
	raw.Close()
	state, err2 := sqlitex.ResultInt(conn.Prep(
		"SELECT DeliveryState FROM MsgRecipients WHERE Recipient = 'carol@remote.example';"))
	env.dbpool.Put(conn)
	if err != nil {
		t.Fatal(err)
	}
	if err2 != nil {
		t.Fatal(err2)
	}
	if db.DeliveryState(state) != db.DeliverySending {
		t.Errorf("reply recipient state = %v, want DeliverySending", db.DeliveryState(state))
	}
	for _, want := range []string{
		"To: carol@remote.example",
		"Subject: Automatic reply: fishing trip",
		"Auto-Submitted: auto-replied",
		"In-Reply-To: <m1@remote.example>",
		"Out fishing. Back Monday.",
	} {
		if !strings.Contains(string(content), want) {
			t.Errorf("reply is missing %q:\n%s", want, content)
		}
	}

	// A second message from the same sender gets no second reply.
	msg2 := strings.Replace(inboundMsg, "<m1@remote.example>", "<m2@remote.example>", 1)
	env.stage(t, "carol@remote.example", "ann@tern.example", msg2)
	waitFor(t, "second message in inbox", func() bool { return env.inboxCount(t) == 2 })

	// Auto-submitted mail gets no reply either.
	env.stage(t, "dave@elsewhere.example", "ann@tern.example", robotMsg)
	waitFor(t, "third message in inbox", func() bool { return env.inboxCount(t) == 3 })

	time.Sleep(250 * time.Millisecond)
	if replies := env.repliesFrom(t, "ann@tern.example"); len(replies) != 1 {
		t.Errorf("replies staged = %v, want exactly the first one", replies)
	}
}
