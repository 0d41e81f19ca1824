package smtpdb_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"
	"tern.email/terndb/db"
	"tern.email/terndb/smtpdb"
)

const sampleMsg = "From: carol@remote.example\r\n" +
	"To: ann@tern.example\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"A short test message.\r\n"

var remoteAddr = &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 2525}

func newTestDB(t *testing.T) (*sqlitex.Pool, *iox.Filer) {
	t.Helper()
	filer := iox.NewFiler(0)
	dbpool, err := db.Open(filepath.Join(t.TempDir(), "ternd.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		dbpool.Close()
		filer.Shutdown(context.Background())
	})
	return dbpool, filer
}

func addUser(t *testing.T, dbpool *sqlitex.Pool, addr, password string) int64 {
	t.Helper()
	conn := dbpool.Get(nil)
	defer dbpool.Put(conn)
	userID, err := db.AddUser(conn, db.UserDetails{
		FullName:  "Test User",
		EmailAddr: addr,
		Password:  password,
	})
	if err != nil {
		t.Fatal(err)
	}
	return userID
}

func recipientStates(t *testing.T, dbpool *sqlitex.Pool, stagingID int64) map[string]db.DeliveryState {
	t.Helper()
	conn := dbpool.Get(nil)
	defer dbpool.Put(conn)
	states := make(map[string]db.DeliveryState)
	stmt := conn.Prep("SELECT Recipient, DeliveryState FROM MsgRecipients WHERE StagingID = $stagingID;")
	stmt.SetInt64("$stagingID", stagingID)
	for {
		if hasRow, err := stmt.Step(); err != nil {
			t.Fatal(err)
		} else if !hasRow {
			break
		}
		states[stmt.GetText("Recipient")] = db.DeliveryState(stmt.GetInt64("DeliveryState"))
	}
	return states
}

func countMsgs(t *testing.T, dbpool *sqlitex.Pool) int {
	t.Helper()
	conn := dbpool.Get(nil)
	defer dbpool.Put(conn)
	count, err := sqlitex.ResultInt(conn.Prep("SELECT count(*) FROM Msgs;"))
	if err != nil {
		t.Fatal(err)
	}
	return count
}

func TestInboundMessage(t *testing.T) {
	ctx := context.Background()
	dbpool, filer := newTestDB(t)
	addUser(t, dbpool, "ann@tern.example", "hunter2hunter2")

	var done []int64
	maker := smtpdb.New(ctx, dbpool, filer, "tern.example", func(stagingID int64) {
		done = append(done, stagingID)
	}, t.Logf)

	msg, err := maker.NewMessage(remoteAddr, []byte("carol@remote.example"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := msg.AddRecipient([]byte("Ann@Tern.Example")); err != nil || !ok {
		t.Fatalf("AddRecipient(ann) = %v, %v, want true", ok, err)
	}
	if ok, err := msg.AddRecipient([]byte("nobody@tern.example")); err != nil || ok {
		t.Fatalf("AddRecipient(nobody) = %v, %v, want false", ok, err)
	}
	if ok, err := msg.AddRecipient([]byte("ann@tern.example")); err != nil || ok {
		t.Fatalf("duplicate AddRecipient(ann) = %v, %v, want false", ok, err)
	}
	if ok, err := msg.AddRecipient([]byte("dave@elsewhere.example")); err != nil || ok {
		t.Fatalf("unauthed AddRecipient(remote) = %v, %v, want false", ok, err)
	}
	if err := msg.Write([]byte(sampleMsg)); err != nil {
		t.Fatal(err)
	}
	if err := msg.Close(); err != nil {
		t.Fatal(err)
	}

	if len(done) != 1 {
		t.Fatalf("msgDoneFn called %d times, want 1", len(done))
	}
	stagingID := done[0]

	states := recipientStates(t, dbpool, stagingID)
	if len(states) != 1 || states["ann@tern.example"] != db.DeliveryReceived {
		t.Errorf("recipient states = %v, want ann@tern.example received", states)
	}

	conn := dbpool.Get(ctx)
	ready, err := sqlitex.ResultInt64(conn.Prep("SELECT count(*) FROM Msgs WHERE ReadyDate IS NOT NULL;"))
	if err != nil {
		t.Fatal(err)
	}
	if ready != 1 {
		t.Errorf("messages with ReadyDate = %d, want 1", ready)
	}
	raw, err := db.LoadMsg(conn, filer, stagingID)
	if err != nil {
		t.Fatal(err)
	}
	content, err := io.ReadAll(raw)
	raw.Close()
	dbpool.Put(conn)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(content, []byte(sampleMsg)) {
		t.Errorf("stored message does not round-trip:\n%q", content)
	}
}

func TestSubmission(t *testing.T) {
	ctx := context.Background()
	dbpool, filer := newTestDB(t)
	annID := addUser(t, dbpool, "ann@tern.example", "hunter2hunter2")
	addUser(t, dbpool, "bob@tern.example", "hunter2hunter2")

	maker := smtpdb.New(ctx, dbpool, filer, "tern.example", nil, t.Logf)

	if token := maker.Auth(nil, []byte("ann@tern.example"), []byte("wrong-password"), remoteAddr.String()); token != 0 {
		t.Fatalf("Auth with bad password = %d, want 0", token)
	}
	token := maker.Auth(nil, []byte("ann@tern.example"), []byte("hunter2hunter2"), remoteAddr.String())
	if token != uint64(annID) {
		t.Fatalf("Auth = %d, want %d", token, annID)
	}

	if _, err := maker.NewMessage(remoteAddr, []byte("bob@tern.example"), token); err == nil {
		t.Fatal("NewMessage with unowned sender address succeeded")
	}

	msg, err := maker.NewMessage(remoteAddr, []byte("Ann@tern.example"), token)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := msg.AddRecipient([]byte("carol@remote.example")); err != nil || !ok {
		t.Fatalf("AddRecipient(remote) = %v, %v, want true", ok, err)
	}
	if ok, err := msg.AddRecipient([]byte("bob@tern.example")); err != nil || !ok {
		t.Fatalf("AddRecipient(bob) = %v, %v, want true", ok, err)
	}
	if err := msg.Write([]byte(sampleMsg)); err != nil {
		t.Fatal(err)
	}
	if err := msg.Close(); err != nil {
		t.Fatal(err)
	}

	conn := dbpool.Get(ctx)
	stagingIDs, err := db.CollectMsgsToSend(conn, annID, 10, 0)
	dbpool.Put(conn)
	if err != nil {
		t.Fatal(err)
	}
	if len(stagingIDs) != 0 {
		t.Errorf("sender collected their own submission: %v", stagingIDs)
	}

	bobID := int64(0)
	conn = dbpool.Get(ctx)
	bobID, err = db.UserIDForAddress(conn, "bob@tern.example")
	if err != nil {
		t.Fatal(err)
	}
	stagingIDs, err = db.CollectMsgsToSend(conn, bobID, 10, 0)
	dbpool.Put(conn)
	if err != nil {
		t.Fatal(err)
	}
	if len(stagingIDs) != 1 {
		t.Fatalf("messages to send to bob = %v, want one", stagingIDs)
	}

	states := recipientStates(t, dbpool, stagingIDs[0])
	want := map[string]db.DeliveryState{
		"carol@remote.example": db.DeliverySending,
		"bob@tern.example":     db.DeliveryReceived,
	}
	for addr, state := range want {
		if states[addr] != state {
			t.Errorf("recipient %s state = %v, want %v", addr, states[addr], state)
		}
	}
}

func TestCancelRemovesMessage(t *testing.T) {
	ctx := context.Background()
	dbpool, filer := newTestDB(t)
	addUser(t, dbpool, "ann@tern.example", "hunter2hunter2")

	maker := smtpdb.New(ctx, dbpool, filer, "tern.example", nil, t.Logf)

	msg, err := maker.NewMessage(remoteAddr, []byte("carol@remote.example"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := msg.AddRecipient([]byte("ann@tern.example")); err != nil || !ok {
		t.Fatalf("AddRecipient = %v, %v, want true", ok, err)
	}
	if err := msg.Write([]byte(sampleMsg)); err != nil {
		t.Fatal(err)
	}
	msg.Cancel()

	if n := countMsgs(t, dbpool); n != 0 {
		t.Errorf("Msgs rows after Cancel = %d, want 0", n)
	}
	if err := msg.Close(); err == nil {
		t.Error("Close after Cancel reported success")
	}
}
