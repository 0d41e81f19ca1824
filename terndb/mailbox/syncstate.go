package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"tern.email/eas"
)

// SyncState loads the sync checkpoint one device holds on one folder.
// A device that has never synced the folder gets (nil, nil).
func (b *Box) SyncState(ctx context.Context, deviceID string, folderID int64) (*eas.SyncState, error) {
	conn := b.PoolRO.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer b.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT CurKey, NextKey, Cursor, Pending, PendingIDs, MaxPendingID
		FROM SyncStates WHERE DeviceID = $deviceID AND FolderID = $folderID;`)
	stmt.SetText("$deviceID", deviceID)
	stmt.SetInt64("$folderID", folderID)
	if hasNext, err := stmt.Step(); err != nil {
		return nil, err
	} else if !hasNext {
		return nil, nil
	}
	defer stmt.Reset()

	st := &eas.SyncState{
		DeviceID:     deviceID,
		CollectionID: strconv.FormatInt(folderID, 10),
		CurKey:       uint64(stmt.GetInt64("CurKey")),
		NextKey:      uint64(stmt.GetInt64("NextKey")),
		Cursor:       stmt.GetInt64("Cursor"),
		MaxPendingID: stmt.GetInt64("MaxPendingID"),
	}
	if n := stmt.GetLen("Pending"); n > 0 {
		st.Pending = make([]byte, n)
		stmt.GetBytes("Pending", st.Pending)
	}
	if ids := stmt.GetText("PendingIDs"); ids != "" {
		if err := json.Unmarshal([]byte(ids), &st.PendingIDs); err != nil {
			return nil, fmt.Errorf("mailbox.SyncState: %v", err)
		}
	}
	return st, nil
}

func (b *Box) SaveSyncState(ctx context.Context, st *eas.SyncState) error {
	folderID, err := strconv.ParseInt(st.CollectionID, 10, 64)
	if err != nil {
		return fmt.Errorf("mailbox.SaveSyncState: bad collection %q", st.CollectionID)
	}
	var pendingIDs []byte
	if len(st.PendingIDs) > 0 {
		pendingIDs, err = json.Marshal(st.PendingIDs)
		if err != nil {
			return fmt.Errorf("mailbox.SaveSyncState: %v", err)
		}
	}

	conn := b.PoolRW.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer b.PoolRW.Put(conn)

	stmt := conn.Prep(`INSERT INTO SyncStates (
			DeviceID, FolderID, CurKey, NextKey, Cursor, Pending, PendingIDs, MaxPendingID
		) VALUES (
			$deviceID, $folderID, $curKey, $nextKey, $cursor, $pending, $pendingIDs, $maxPendingID
		) ON CONFLICT (DeviceID, FolderID) DO UPDATE SET
			CurKey = excluded.CurKey,
			NextKey = excluded.NextKey,
			Cursor = excluded.Cursor,
			Pending = excluded.Pending,
			PendingIDs = excluded.PendingIDs,
			MaxPendingID = excluded.MaxPendingID;`)
	stmt.SetText("$deviceID", st.DeviceID)
	stmt.SetInt64("$folderID", folderID)
	stmt.SetInt64("$curKey", int64(st.CurKey))
	stmt.SetInt64("$nextKey", int64(st.NextKey))
	stmt.SetInt64("$cursor", st.Cursor)
	stmt.SetBytes("$pending", st.Pending)
	stmt.SetText("$pendingIDs", string(pendingIDs))
	stmt.SetInt64("$maxPendingID", st.MaxPendingID)
	_, err = stmt.Step()
	return err
}

// FolderSyncKey reports the folder hierarchy sync key a device last
// confirmed, or 0 for a device starting fresh.
func (b *Box) FolderSyncKey(ctx context.Context, deviceID string) (uint64, error) {
	conn := b.PoolRO.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer b.PoolRO.Put(conn)

	stmt := conn.Prep("SELECT SyncKey FROM FolderSyncKeys WHERE DeviceID = $deviceID;")
	stmt.SetText("$deviceID", deviceID)
	if hasNext, err := stmt.Step(); err != nil {
		return 0, err
	} else if !hasNext {
		return 0, nil
	}
	key := uint64(stmt.GetInt64("SyncKey"))
	stmt.Reset()
	return key, nil
}

func (b *Box) SaveFolderSyncKey(ctx context.Context, deviceID string, key uint64) error {
	conn := b.PoolRW.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer b.PoolRW.Put(conn)

	stmt := conn.Prep(`INSERT INTO FolderSyncKeys (DeviceID, SyncKey)
		VALUES ($deviceID, $syncKey)
		ON CONFLICT (DeviceID) DO UPDATE SET SyncKey = excluded.SyncKey;`)
	stmt.SetText("$deviceID", deviceID)
	stmt.SetInt64("$syncKey", int64(key))
	_, err := stmt.Step()
	return err
}
