package db_test

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"

	"tern.email/eas"
	"tern.email/email/dkim"
	"tern.email/terndb/db"
)

func TestAuthenticator(t *testing.T) {
	dbpool, err := db.Open(filepath.Join(t.TempDir(), "ternd.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer dbpool.Close()

	conn := dbpool.Get(nil)
	const username = "ann@tern.example"
	const password = "agenericpassword"
	userID, err := db.AddUser(conn, db.UserDetails{
		EmailAddr: username,
		Password:  password,
	})
	if err != nil {
		t.Fatal(err)
	}
	dbpool.Put(conn)

	ctx := context.Background()
	var log string

	a := &db.Authenticator{
		Logf: func(format string, v ...interface{}) {
			log = fmt.Sprintf(format, v...)
		},
		Where: "test",
		DB:    dbpool,
	}
	if authUserID, err := a.AuthUser(ctx, "remote1", username, password); err != nil {
		t.Errorf("AuthUser failed: %v", err)
	} else if userID != authUserID {
		t.Errorf("AuthUser matched userID %d, want %d", authUserID, userID)
	}
	if log == "" {
		t.Error("log missing")
	} else if !strings.Contains(log, username) {
		t.Errorf("log does not mention username %q", username)
	}

	log = ""
	if _, err := a.AuthUser(ctx, "", username, "wrongpassword"); err != db.ErrBadCredentials {
		t.Errorf("AuthUser with bad password want ErrBadCredentials, got %v", err)
	} else if !strings.Contains(log, "bad password") {
		t.Errorf("AuthUser with bad password want log to mention it, got %s", log)
	}

	log = ""
	if _, err := a.AuthUser(ctx, "", "nobody@tern.example", password); err != db.ErrBadCredentials {
		t.Errorf("AuthUser with unknown user want ErrBadCredentials, got %v", err)
	} else if !strings.Contains(log, "unknown username") {
		t.Errorf("AuthUser with unknown user want log to mention it, got %s", log)
	}
}

func TestUserDetailsValidate(t *testing.T) {
	tests := []struct {
		details db.UserDetails
		ok      bool
	}{
		{db.UserDetails{EmailAddr: "ann@tern.example", Password: "longenough"}, true},
		{db.UserDetails{EmailAddr: "ann@tern.example", Password: "short"}, false},
		{db.UserDetails{EmailAddr: "not-an-address", Password: "longenough"}, false},
		{db.UserDetails{EmailAddr: "ann@tern.example", Password: "longenough", FullName: strings.Repeat("x", 151)}, false},
	}
	for _, test := range tests {
		err := test.details.Validate()
		if test.ok && err != nil {
			t.Errorf("Validate(%q) = %v, want nil", test.details.EmailAddr, err)
		}
		if !test.ok && err == nil {
			t.Errorf("Validate(%+v) = nil, want error", test.details)
		}
	}
}

func TestUserAddresses(t *testing.T) {
	dbpool, err := db.Open(filepath.Join(t.TempDir(), "ternd.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer dbpool.Close()

	conn := dbpool.Get(nil)
	defer dbpool.Put(conn)

	userID, err := db.AddUser(conn, db.UserDetails{EmailAddr: "ann@tern.example", Password: "agenericpassword"})
	if err != nil {
		t.Fatal(err)
	}
	if addr, err := db.PrimaryAddr(conn, userID); err != nil {
		t.Fatal(err)
	} else if addr != "ann@tern.example" {
		t.Fatalf("PrimaryAddr = %q, want ann@tern.example", addr)
	}

	if err := db.AddUserAddress(conn, userID, "no-at-sign", false); err == nil {
		t.Error("AddUserAddress accepted an address without @domain")
	}
	if err := db.AddUserAddress(conn, userID, "ann@tern.example", false); err == nil {
		t.Error("AddUserAddress accepted a duplicate address")
	}

	if err := db.AddUserAddress(conn, userID, "ann.banks@tern.example", false); err != nil {
		t.Fatal(err)
	}
	if addr, _ := db.PrimaryAddr(conn, userID); addr != "ann@tern.example" {
		t.Errorf("secondary address took over as primary: %q", addr)
	}

	// Mixed case folds; the new primary demotes the old one.
	if err := db.AddUserAddress(conn, userID, "Postmaster@Tern.example", true); err != nil {
		t.Fatal(err)
	}
	if addr, _ := db.PrimaryAddr(conn, userID); addr != "postmaster@tern.example" {
		t.Errorf("PrimaryAddr after primary add = %q, want postmaster@tern.example", addr)
	}

	if err := db.SetUserPrimaryAddr(conn, userID, "ann.banks@tern.example"); err != nil {
		t.Fatal(err)
	}
	if addr, _ := db.PrimaryAddr(conn, userID); addr != "ann.banks@tern.example" {
		t.Errorf("PrimaryAddr after switch = %q, want ann.banks@tern.example", addr)
	}

	if err := db.SetUserPrimaryAddr(conn, userID, "nobody@tern.example"); err == nil {
		t.Error("SetUserPrimaryAddr accepted an unknown address")
	}
	if addr, _ := db.PrimaryAddr(conn, userID); addr != "ann.banks@tern.example" {
		t.Errorf("failed switch moved the primary to %q", addr)
	}
}

func TestStageMsg(t *testing.T) {
	dbpool, err := db.Open(filepath.Join(t.TempDir(), "ternd.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer dbpool.Close()

	filer := iox.NewFiler(0)
	defer filer.Shutdown(context.Background())

	conn := dbpool.Get(nil)
	defer dbpool.Put(conn)

	annID, err := db.AddUser(conn, db.UserDetails{EmailAddr: "ann@tern.example", Password: "agenericpassword"})
	if err != nil {
		t.Fatal(err)
	}
	bobID, err := db.AddUser(conn, db.UserDetails{EmailAddr: "bob@tern.example", Password: "agenericpassword"})
	if err != nil {
		t.Fatal(err)
	}

	const content = "From: ann@tern.example\r\nTo: bob@tern.example\r\n\r\nhello\r\n"
	stagingID, err := db.StageMsg(conn, annID, "ann@tern.example",
		[]string{"Bob@tern.example", "carol@remote.example"},
		strings.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatal(err)
	}
	if stagingID == 0 {
		t.Fatal("StageMsg returned zero stagingID")
	}

	states := make(map[string]db.DeliveryState)
	stmt := conn.Prep("SELECT Recipient, DeliveryState FROM MsgRecipients WHERE StagingID = $stagingID;")
	stmt.SetInt64("$stagingID", stagingID)
	for {
		if hasNext, err := stmt.Step(); err != nil {
			t.Fatal(err)
		} else if !hasNext {
			break
		}
		states[stmt.GetText("Recipient")] = db.DeliveryState(stmt.GetInt64("DeliveryState"))
	}
	if got := states["bob@tern.example"]; got != db.DeliveryReceived {
		t.Errorf("local recipient state = %v, want DeliveryReceived", got)
	}
	if got := states["carol@remote.example"]; got != db.DeliverySending {
		t.Errorf("remote recipient state = %v, want DeliverySending", got)
	}

	ids, err := db.CollectMsgsToSend(conn, bobID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != stagingID {
		t.Errorf("CollectMsgsToSend = %v, want [%d]", ids, stagingID)
	}
	if ids, err := db.CollectMsgsToSend(conn, annID, 10, 0); err != nil {
		t.Fatal(err)
	} else if len(ids) != 0 {
		t.Errorf("CollectMsgsToSend for sender = %v, want none", ids)
	}

	buf, err := db.LoadMsg(conn, filer, stagingID)
	if err != nil {
		t.Fatal(err)
	}
	defer buf.Close()
	raw := new(bytes.Buffer)
	if _, err := raw.ReadFrom(buf); err != nil {
		t.Fatal(err)
	}
	if raw.String() != content {
		t.Errorf("LoadMsg = %q, want %q", raw.String(), content)
	}
}

func TestDeviceRegistry(t *testing.T) {
	dbpool, err := db.Open(filepath.Join(t.TempDir(), "ternd.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer dbpool.Close()

	conn := dbpool.Get(nil)
	defer dbpool.Put(conn)

	userID, err := db.AddUser(conn, db.UserDetails{EmailAddr: "ann@tern.example", Password: "agenericpassword"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := db.Device(conn, userID, "DEV1"); err != eas.ErrNotFound {
		t.Fatalf("Device before save: err = %v, want ErrNotFound", err)
	}

	first := time.Now().Add(-time.Hour).Truncate(time.Second)
	d := &eas.Device{
		UserID:    userID,
		DeviceID:  "DEV1",
		Type:      "SmartPhone",
		UserAgent: "TestAgent/1.0",
		FirstSeen: first,
		LastSeen:  first,
	}
	if err := db.SaveDevice(conn, d); err != nil {
		t.Fatal(err)
	}

	got, err := db.Device(conn, userID, "DEV1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != "SmartPhone" || got.UserAgent != "TestAgent/1.0" {
		t.Errorf("Device = %+v, want type/agent round trip", got)
	}
	if !got.FirstSeen.Equal(first) {
		t.Errorf("FirstSeen = %v, want %v", got.FirstSeen, first)
	}
	if !got.PendingPolicyTime.IsZero() {
		t.Errorf("PendingPolicyTime = %v, want zero", got.PendingPolicyTime)
	}

	got.PolicyKey = 12345
	got.Provisioned = true
	got.LastSeen = time.Now().Truncate(time.Second)
	if err := db.SaveDevice(conn, got); err != nil {
		t.Fatal(err)
	}
	again, err := db.Device(conn, userID, "DEV1")
	if err != nil {
		t.Fatal(err)
	}
	if again.PolicyKey != 12345 || !again.Provisioned {
		t.Errorf("after update: PolicyKey=%d Provisioned=%v, want 12345/true", again.PolicyKey, again.Provisioned)
	}
	if !again.FirstSeen.Equal(first) {
		t.Errorf("update clobbered FirstSeen: %v, want %v", again.FirstSeen, first)
	}

	devices, err := db.UserDevices(conn, userID)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].DeviceID != "DEV1" {
		t.Errorf("UserDevices = %+v, want one DEV1 row", devices)
	}
}

func TestDKIMRecords(t *testing.T) {
	dbpool, err := db.Open(filepath.Join(t.TempDir(), "ternd.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer dbpool.Close()

	conn := dbpool.Get(nil)
	defer dbpool.Put(conn)

	if rec, err := db.CurrentDKIMRecord(conn, "tern.example"); err != nil || rec != nil {
		t.Fatalf("CurrentDKIMRecord before ensure = %v, %v, want nil, nil", rec, err)
	}

	rec, created, err := db.EnsureDKIMRecord(conn, "Tern.Example")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first ensure did not create a key")
	}
	if rec.Domain != "tern.example" {
		t.Errorf("Domain = %q, want folded to lower case", rec.Domain)
	}
	if rec.Algorithm != "rsa" {
		t.Errorf("Algorithm = %q, want rsa", rec.Algorithm)
	}
	if _, err := dkim.NewSigner(rec.PrivateKey); err != nil {
		t.Errorf("stored key does not load: %v", err)
	}

	again, created, err := db.EnsureDKIMRecord(conn, "tern.example")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second ensure generated a fresh key")
	}
	if again.Selector != rec.Selector || again.PublicKey != rec.PublicKey {
		t.Error("second ensure returned a different key")
	}

	name, value := rec.TXTRecord()
	if want := rec.Selector + "._domainkey.tern.example"; name != want {
		t.Errorf("TXT record name = %q, want %q", name, want)
	}
	if !strings.HasPrefix(value, "v=DKIM1; k=rsa; p=") {
		t.Errorf("TXT record value = %q, want v=DKIM1 prefix", value)
	}
}

func TestJanitorExpiresPendingPolicy(t *testing.T) {
	dbpool, err := db.Open(filepath.Join(t.TempDir(), "ternd.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer dbpool.Close()

	conn := dbpool.Get(nil)
	userID, err := db.AddUser(conn, db.UserDetails{EmailAddr: "ann@tern.example", Password: "agenericpassword"})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	stale := &eas.Device{
		UserID: userID, DeviceID: "STALE",
		PendingPolicyKey:  111,
		PendingPolicyTime: now.Add(-time.Hour),
		FirstSeen:         now, LastSeen: now,
	}
	fresh := &eas.Device{
		UserID: userID, DeviceID: "FRESH",
		PendingPolicyKey:  222,
		PendingPolicyTime: now,
		FirstSeen:         now, LastSeen: now,
	}
	if err := db.SaveDevice(conn, stale); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveDevice(conn, fresh); err != nil {
		t.Fatal(err)
	}
	dbpool.Put(conn)

	j := db.NewJanitor(dbpool)
	j.Logf = func(format string, v ...interface{}) { t.Logf(format, v...) }
	if err := j.Clean(); err != nil {
		t.Fatal(err)
	}

	conn = dbpool.Get(nil)
	defer dbpool.Put(conn)
	got, err := db.Device(conn, userID, "STALE")
	if err != nil {
		t.Fatal(err)
	}
	if got.PendingPolicyKey != 0 || !got.PendingPolicyTime.IsZero() {
		t.Errorf("stale slot survived: key=%d time=%v", got.PendingPolicyKey, got.PendingPolicyTime)
	}
	got, err = db.Device(conn, userID, "FRESH")
	if err != nil {
		t.Fatal(err)
	}
	if got.PendingPolicyKey != 222 {
		t.Errorf("fresh slot expired: key=%d, want 222", got.PendingPolicyKey)
	}
}
