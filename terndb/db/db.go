// Package db manages the central ternd database.
//
// The central database holds users and their addresses, the
// ActiveSync device registry, and the staging tables messages pass
// through on their way in and out of the server. Per-user mail lives
// elsewhere, in terndb/mailbox databases.
package db

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/crypto/bcrypt"
	"tern.email/third_party/imf"
)

var ErrUserUnavailable = &UserError{UserMsg: "Username unavailable."}

type DeliveryState int

const (
	DeliveryUnknown   = 0
	DeliveryReceiving = 7 // incoming email, being received
	DeliveryReceived  = 1 // incoming email, ready to deliver locally
	DeliverySending   = 3 // outgoing email, deliverer will pick it up
	DeliveryDone      = 4 // no more work to do, message sent
	DeliveryFailed    = 5 // no more work to do, (maybe partially) failed
)

func (d DeliveryState) String() string {
	switch d {
	case DeliveryUnknown:
		return "DeliveryUnknown"
	case DeliveryReceiving:
		return "DeliveryReceiving"
	case DeliveryReceived:
		return "DeliveryReceived"
	case DeliverySending:
		return "DeliverySending"
	case DeliveryDone:
		return "DeliveryDone"
	case DeliveryFailed:
		return "DeliveryFailed"
	default:
		return fmt.Sprintf("DeliveryState(%d)", int(d))
	}
}

func Open(dbfile string) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("db.Open: main init open: %v", err)
	}
	if err := Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db.Open: main init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("db.Open: main init close: %v", err)
	}
	db, err := sqlitex.Open(dbfile, 0, 24)
	if err != nil {
		return nil, fmt.Errorf("db.Open: main pool: %v", err)
	}
	return db, nil
}

func Init(conn *sqlite.Conn) (err error) {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA cache_size = -50000;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		return err
	}
	return nil
}

// SetSecretKey records the server signing key in ServerConfig.
// The table has one row; the key overwrites any previous value.
func SetSecretKey(conn *sqlite.Conn, key string) error {
	if err := sqlitex.Exec(conn, "DELETE FROM ServerConfig;", nil); err != nil {
		return err
	}
	stmt := conn.Prep("INSERT INTO ServerConfig (SecretKey) VALUES ($key);")
	stmt.SetText("$key", key)
	_, err := stmt.Step()
	return err
}

// StageMsg files one message in the staging tables, ready for the
// delivery pipeline. Recipients with a local address are marked
// DeliveryReceived for localsender; the rest are marked
// DeliverySending for the remote deliverer.
//
// userID is the submitting user, or zero for messages the server
// composes itself (such as out-of-office replies).
func StageMsg(conn *sqlite.Conn, userID int64, sender string, recipients []string, content io.Reader, size int64) (stagingID int64, err error) {
	defer sqlitex.Save(conn)(&err)

	now := time.Now()
	stmt := conn.Prep(`INSERT INTO Msgs (UserID, Sender, DateReceived, ReadyDate)
		VALUES ($userID, $sender, $date, $readyDate);`)
	stmt.SetInt64("$userID", userID)
	stmt.SetText("$sender", sender)
	stmt.SetInt64("$date", now.Unix())
	stmt.SetInt64("$readyDate", now.UnixNano())
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	stagingID = conn.LastInsertRowID()

	stmt = conn.Prep(`INSERT INTO MsgRecipients (StagingID, Recipient, FullAddress, DeliveryState)
		VALUES ($stagingID, $recipient, '', $deliveryState);`)
	for _, rcpt := range recipients {
		rcpt = strings.ToLower(rcpt)
		state := DeliverySending
		if localUserID, err := UserIDForAddress(conn, rcpt); err != nil {
			return 0, err
		} else if localUserID != 0 {
			state = DeliveryReceived
		}
		stmt.Reset()
		stmt.SetInt64("$stagingID", stagingID)
		stmt.SetText("$recipient", rcpt)
		stmt.SetInt64("$deliveryState", int64(state))
		if _, err := stmt.Step(); err != nil {
			if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_PRIMARYKEY {
				continue // duplicate recipient
			}
			return 0, err
		}
	}

	stmt = conn.Prep("INSERT INTO MsgRaw (StagingID, Content) VALUES ($stagingID, $content);")
	stmt.SetInt64("$stagingID", stagingID)
	stmt.SetZeroBlob("$content", size)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	blob, err := conn.OpenBlob("", "MsgRaw", "Content", stagingID, true)
	if err != nil {
		return 0, err
	}
	_, err = io.Copy(blob, content)
	if cerr := blob.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}

	return stagingID, nil
}

// UserIDForAddress resolves a local address, returning zero when the
// address belongs to no user.
func UserIDForAddress(conn *sqlite.Conn, addr string) (int64, error) {
	stmt := conn.Prep("SELECT UserID FROM UserAddresses WHERE Address = $address;")
	stmt.SetText("$address", strings.ToLower(addr))
	if hasNext, err := stmt.Step(); err != nil {
		return 0, err
	} else if !hasNext {
		return 0, nil
	}
	userID := stmt.GetInt64("UserID")
	stmt.Reset()
	return userID, nil
}

// PrimaryAddr reports a user's primary address.
func PrimaryAddr(conn *sqlite.Conn, userID int64) (string, error) {
	stmt := conn.Prep(`SELECT Address FROM UserAddresses
		WHERE UserID = $userID
		ORDER BY PrimaryAddr DESC, Address
		LIMIT 1;`)
	stmt.SetInt64("$userID", userID)
	if hasNext, err := stmt.Step(); err != nil {
		return "", err
	} else if !hasNext {
		return "", fmt.Errorf("db.PrimaryAddr: user %d has no address", userID)
	}
	addr := stmt.GetText("Address")
	stmt.Reset()
	return addr, nil
}

func CollectMsgsToSend(conn *sqlite.Conn, userID, limit, minReadyDate int64) (stagingIDs []int64, err error) {
	stmt := conn.Prep(`SELECT Msgs.StagingID, ReadyDate FROM Msgs
		INNER JOIN MsgRecipients ON Msgs.StagingID = MsgRecipients.StagingID
		INNER JOIN UserAddresses ON MsgRecipients.Recipient = UserAddresses.Address
		WHERE UserAddresses.UserID = $userID
			AND DeliveryState = $deliveryState
			AND ReadyDate > $minReadyDate
		ORDER BY Msgs.StagingID
		LIMIT $limit;`)
	stmt.SetInt64("$userID", userID)
	stmt.SetInt64("$deliveryState", int64(DeliveryReceived))
	stmt.SetInt64("$minReadyDate", minReadyDate)
	stmt.SetInt64("$limit", int64(limit))

	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, err
		} else if !hasRow {
			break
		}
		stagingIDs = append(stagingIDs, stmt.GetInt64("StagingID"))
	}

	return stagingIDs, nil
}

func LoadMsg(conn *sqlite.Conn, filer *iox.Filer, stagingID int64) (*iox.BufferFile, error) {
	msg := filer.BufferFile(0)
	blob, err := conn.OpenBlob("", "MsgRaw", "Content", stagingID, false)
	if err != nil {
		msg.Close()
		return nil, err
	}
	_, err = io.Copy(msg, blob)
	blob.Close()
	if err != nil {
		msg.Close()
		return nil, err
	}
	if _, err := msg.Seek(0, 0); err != nil {
		msg.Close()
		return nil, err
	}
	return msg, nil
}

type UserDetails struct {
	FullName  string
	EmailAddr string // user@domain
	Password  string
	Admin     bool
}

func (details *UserDetails) Validate() error {
	if len(details.FullName) > 150 {
		return &UserError{UserMsg: "full name too long"}
	}
	if len(details.Password) < 8 {
		return &UserError{UserMsg: "password less than 8 characters"}
	}
	if _, err := imf.ParseAddress(details.EmailAddr); err != nil {
		return &UserError{UserMsg: err.Error()}
	}
	return nil
}

func AddUser(conn *sqlite.Conn, details UserDetails) (userID int64, err error) {
	var passHash []byte
	passHash, err = bcrypt.GenerateFromPassword([]byte(details.Password), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}

	stmt := conn.Prep(`INSERT INTO Users (
			UserID, FullName, PassHash, Admin, Locked
		) VALUES (
			$userID, $fullName, $passHash, $admin, FALSE
		);`)
	stmt.SetText("$fullName", details.FullName)
	stmt.SetBytes("$passHash", passHash)
	stmt.SetBool("$admin", details.Admin)
	userID, err = sqlitex.InsertRandID(stmt, "$userID", 1, 1<<23)
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE {
			return 0, ErrUserUnavailable
		}
		return 0, err
	}

	if err := AddUserAddress(conn, userID, details.EmailAddr, true); err != nil {
		return 0, err
	}

	return userID, nil
}

func AddUserAddress(conn *sqlite.Conn, userID int64, addr string, primaryAddr bool) error {
	addr = strings.ToLower(addr)
	if strings.LastIndexByte(addr, '@') == -1 {
		return &UserError{UserMsg: "Invalid email address, missing @domain."}
	}

	stmt := conn.Prep(`INSERT INTO UserAddresses (Address, UserID, PrimaryAddr) VALUES ($addr, $userID, $primaryAddr);`)
	stmt.SetText("$addr", addr)
	stmt.SetInt64("$userID", userID)
	stmt.SetBool("$primaryAddr", primaryAddr)
	if _, err := stmt.Step(); err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_PRIMARYKEY {
			return &UserError{UserMsg: fmt.Sprintf("Address %q is already assigned.", addr)}
		}
		return err
	}

	if primaryAddr {
		stmt = conn.Prep(`UPDATE UserAddresses SET PrimaryAddr = FALSE WHERE UserID = $userID AND Address <> $addr;`)
		stmt.SetText("$addr", addr)
		stmt.SetInt64("$userID", userID)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}

	return nil
}

func SetUserPrimaryAddr(conn *sqlite.Conn, userID int64, addr string) (err error) {
	defer sqlitex.Save(conn)(&err)

	addr = strings.ToLower(addr)
	stmt := conn.Prep(`UPDATE UserAddresses SET PrimaryAddr = TRUE WHERE UserID = $userID AND Address = $addr;`)
	stmt.SetText("$addr", addr)
	stmt.SetInt64("$userID", userID)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("db.SetUserPrimaryAddr: unknown address")
	}
	stmt = conn.Prep(`UPDATE UserAddresses SET PrimaryAddr = FALSE WHERE UserID = $userID AND Address <> $addr;`)
	stmt.SetText("$addr", addr)
	stmt.SetInt64("$userID", userID)
	_, err = stmt.Step()
	return err
}

// UserError is a user-input error that has a friendly message
// that should be displayed to the user in typical circumstances
// (say, during form validation).
type UserError struct {
	UserMsg string
	Focus   string // UI containing the error (for example, an <input> ID)
	Err     error
}

func (e *UserError) Error() string {
	if e.Err == nil {
		return e.UserMsg
	}
	return fmt.Sprintf("UserError: %s: %v", e.UserMsg, e.Err)
}

type Log struct {
	Where    string
	What     string
	When     time.Time
	Duration time.Duration
	Err      error
	Data     map[string]interface{}
}

func (l Log) String() string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, `{"where": %q, "what": %q, `, l.Where, l.What)

	buf.WriteString(`"when": "`)
	buf.Write(l.When.AppendFormat(make([]byte, 0, 64), time.RFC3339Nano))
	buf.WriteString(`"`)

	fmt.Fprintf(buf, `, "duration": "%s"`, l.Duration)

	if l.Err != nil {
		fmt.Fprintf(buf, `, "err": %q`, l.Err.Error())
	}
	if len(l.Data) > 0 {
		b, err := json.Marshal(l.Data)
		if err != nil {
			fmt.Fprintf(buf, `, "data_marshal_err": %q`, err.Error())
		} else {
			fmt.Fprintf(buf, `, "data": %s`, b)
		}
	}
	buf.WriteByte('}')
	return buf.String()
}
