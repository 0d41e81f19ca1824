// Package boxmgmt manages local user mailboxes.
//
// As a general principle, code should use either the main ternd
// configuration database or the user's mailbox database.
// The few pieces of code that do need to touch both are isolated
// in this package, if possible.
package boxmgmt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"
	"tern.email/eas"
	"tern.email/terndb/mailbox"
)

type BoxMgmt struct {
	// Bus carries mailbox change notifications from the delivery
	// pipeline to waiting sync clients.
	Bus *eas.Bus

	filer     *iox.Filer
	terndPool *sqlitex.Pool
	dbdir     string

	mu    sync.Mutex
	users map[int64]*mailbox.Box // userID -> open box
}

func New(filer *iox.Filer, terndPool *sqlitex.Pool, dbdir string) (*BoxMgmt, error) {
	bm := &BoxMgmt{
		Bus:       eas.NewBus(),
		filer:     filer,
		terndPool: terndPool,
		dbdir:     dbdir,
		users:     make(map[int64]*mailbox.Box),
	}
	return bm, nil
}

// Open returns a user's mailbox, opening its database on first use.
// Boxes stay open for the life of the process.
func (bm *BoxMgmt) Open(ctx context.Context, userID int64) (*mailbox.Box, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if box := bm.users[userID]; box != nil {
		return box, nil
	}

	dbfile := "file::memory:?mode=memory"
	if bm.dbdir != "" {
		dir := filepath.Join(bm.dbdir, "users")
		os.MkdirAll(dir, 0770)
		dbfile = filepath.Join(dir, fmt.Sprintf("tern_user%d.db", userID))
	}
	box, err := mailbox.New(userID, bm.filer, dbfile, 4)
	if err != nil {
		return nil, err
	}

	bm.users[userID] = box
	return box, nil
}

// CleanBoxes sweeps every user's mailbox: messages expunged before
// msgCutoff are removed for good, and sync state belonging to devices
// not seen since deviceCutoff is dropped. The device registry rows
// themselves are kept, so a returning device re-syncs from scratch
// without provisioning again.
func (bm *BoxMgmt) CleanBoxes(ctx context.Context, msgCutoff, deviceCutoff time.Time) error {
	userIDs, staleDevices, err := bm.collectCleanTargets(ctx, deviceCutoff)
	if err != nil {
		return err
	}

	for _, userID := range userIDs {
		box, boxErr := bm.Open(ctx, userID)
		if boxErr != nil {
			if err == nil {
				err = boxErr
			}
			continue
		}
		if _, rmErr := box.RemoveExpunged(ctx, msgCutoff); rmErr != nil && err == nil {
			err = rmErr
		}
		for _, deviceID := range staleDevices[userID] {
			if dropErr := box.DropDeviceState(ctx, deviceID); dropErr != nil && err == nil {
				err = dropErr
			}
		}
	}
	return err
}

func (bm *BoxMgmt) collectCleanTargets(ctx context.Context, deviceCutoff time.Time) (userIDs []int64, staleDevices map[int64][]string, err error) {
	conn := bm.terndPool.Get(ctx)
	if conn == nil {
		return nil, nil, context.Canceled
	}
	defer bm.terndPool.Put(conn)

	stmt := conn.Prep("SELECT UserID FROM Users;")
	for {
		if hasNext, err := stmt.Step(); err != nil {
			return nil, nil, err
		} else if !hasNext {
			break
		}
		userIDs = append(userIDs, stmt.GetInt64("UserID"))
	}

	staleDevices = make(map[int64][]string)
	stmt = conn.Prep("SELECT UserID, DeviceID FROM Devices WHERE LastSeen < $cutoff;")
	stmt.SetInt64("$cutoff", deviceCutoff.Unix())
	for {
		if hasNext, err := stmt.Step(); err != nil {
			return nil, nil, err
		} else if !hasNext {
			break
		}
		userID := stmt.GetInt64("UserID")
		staleDevices[userID] = append(staleDevices[userID], stmt.GetText("DeviceID"))
	}
	return userIDs, staleDevices, nil
}

func (bm *BoxMgmt) Close() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	var err error
	for _, box := range bm.users {
		if boxErr := box.Close(); err == nil {
			err = boxErr
		}
	}
	return err
}
