package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"crawshaw.io/sqlite/sqlitex"

	"golang.org/x/crypto/bcrypt"
	"tern.email/util/throttle"
)

type Authenticator struct {
	DB       *sqlitex.Pool
	Throttle throttle.Throttle
	Logf     func(format string, v ...interface{})
	Where    string
}

var errAuthFailed = errors.New("authenticator: internal error")
var errUserLocked = errors.New("authenticator: user locked")
var ErrBadCredentials = errors.New("authenticator: bad credentials")

// AuthUser checks a username and password against the Users table.
// The username is any of the user's addresses. Unknown usernames and
// wrong passwords both come back as ErrBadCredentials.
func (a *Authenticator) AuthUser(ctx context.Context, remoteAddr, username, password string) (userID int64, err error) {
	conn := a.DB.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer a.DB.Put(conn)

	start := time.Now()
	log := &Log{
		Where: a.Where,
		What:  "auth",
		When:  start,
		Data: map[string]interface{}{
			"remote_addr": remoteAddr,
			"username":    username,
		},
	}
	defer func() {
		log.Duration = time.Since(start)
		a.Logf("%s", log.String())
	}()

	// Addresses are stored lowercase; clients type what they like.
	addr := strings.ToLower(username)

	if remoteAddr != "" {
		a.Throttle.Throttle(remoteAddr)
	}
	a.Throttle.Throttle(addr)
	defer func() {
		if err != nil {
			if remoteAddr != "" {
				a.Throttle.Add(remoteAddr)
			}
			a.Throttle.Add(addr)
		}
	}()

	stmt := conn.Prep(`SELECT Users.UserID, PassHash, Locked FROM Users
		WHERE UserID IN (SELECT UserID FROM UserAddresses WHERE Address = $username);`)
	stmt.SetText("$username", addr)
	if hasNext, err := stmt.Step(); err != nil {
		log.Err = err
		return 0, errAuthFailed
	} else if !hasNext {
		log.Err = errors.New("unknown username")
		return 0, ErrBadCredentials
	}
	userID = stmt.GetInt64("UserID")
	passHash := []byte(stmt.GetText("PassHash"))
	locked := stmt.GetInt64("Locked") != 0
	stmt.Reset()

	if err := bcrypt.CompareHashAndPassword(passHash, []byte(password)); err != nil {
		log.Err = errors.New("bad password")
		return 0, ErrBadCredentials
	}
	if locked {
		log.Err = errUserLocked
		return 0, ErrBadCredentials
	}
	log.Data["user_id"] = userID

	return userID, nil
}
