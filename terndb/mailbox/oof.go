package mailbox

import (
	"context"
	"strings"
	"time"

	"crawshaw.io/sqlite/sqlitex"
	"tern.email/eas"
)

// OOF loads the out-of-office document. A box that has never stored
// one gets the zero document, state disabled.
func (b *Box) OOF(ctx context.Context) (*eas.OOFSettings, error) {
	conn := b.PoolRO.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer b.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT State, StartTime, EndTime,
			InternalEnabled, InternalMsg, InternalType,
			KnownEnabled, KnownMsg, KnownType,
			UnknownEnabled, UnknownMsg, UnknownType
		FROM Oof WHERE ID = 1;`)
	if hasNext, err := stmt.Step(); err != nil {
		return nil, err
	} else if !hasNext {
		return &eas.OOFSettings{}, nil
	}
	defer stmt.Reset()

	o := &eas.OOFSettings{
		State: int(stmt.GetInt64("State")),
		Internal: eas.OOFMessage{
			Enabled:  stmt.GetInt64("InternalEnabled") != 0,
			Message:  stmt.GetText("InternalMsg"),
			BodyType: stmt.GetText("InternalType"),
		},
		ExternalKnown: eas.OOFMessage{
			Enabled:  stmt.GetInt64("KnownEnabled") != 0,
			Message:  stmt.GetText("KnownMsg"),
			BodyType: stmt.GetText("KnownType"),
		},
		ExternalUnknown: eas.OOFMessage{
			Enabled:  stmt.GetInt64("UnknownEnabled") != 0,
			Message:  stmt.GetText("UnknownMsg"),
			BodyType: stmt.GetText("UnknownType"),
		},
	}
	if v := stmt.GetInt64("StartTime"); v != 0 {
		o.Start = time.Unix(v, 0)
	}
	if v := stmt.GetInt64("EndTime"); v != 0 {
		o.End = time.Unix(v, 0)
	}
	return o, nil
}

// SetOOF replaces the out-of-office document. Changing the state
// starts a new reply cycle, so the set of already-answered senders
// is emptied.
func (b *Box) SetOOF(ctx context.Context, o *eas.OOFSettings) (err error) {
	conn := b.PoolRW.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer b.PoolRW.Put(conn)
	defer sqlitex.Save(conn)(&err)

	oldState := int64(eas.OOFDisabled)
	stmt := conn.Prep("SELECT State FROM Oof WHERE ID = 1;")
	if hasNext, err := stmt.Step(); err != nil {
		return err
	} else if hasNext {
		oldState = stmt.GetInt64("State")
		stmt.Reset()
	}

	stmt = conn.Prep(`INSERT INTO Oof (
			ID, State, StartTime, EndTime,
			InternalEnabled, InternalMsg, InternalType,
			KnownEnabled, KnownMsg, KnownType,
			UnknownEnabled, UnknownMsg, UnknownType
		) VALUES (
			1, $state, $startTime, $endTime,
			$internalEnabled, $internalMsg, $internalType,
			$knownEnabled, $knownMsg, $knownType,
			$unknownEnabled, $unknownMsg, $unknownType
		) ON CONFLICT (ID) DO UPDATE SET
			State = excluded.State,
			StartTime = excluded.StartTime,
			EndTime = excluded.EndTime,
			InternalEnabled = excluded.InternalEnabled,
			InternalMsg = excluded.InternalMsg,
			InternalType = excluded.InternalType,
			KnownEnabled = excluded.KnownEnabled,
			KnownMsg = excluded.KnownMsg,
			KnownType = excluded.KnownType,
			UnknownEnabled = excluded.UnknownEnabled,
			UnknownMsg = excluded.UnknownMsg,
			UnknownType = excluded.UnknownType;`)
	stmt.SetInt64("$state", int64(o.State))
	var start, end int64
	if !o.Start.IsZero() {
		start = o.Start.Unix()
	}
	if !o.End.IsZero() {
		end = o.End.Unix()
	}
	stmt.SetInt64("$startTime", start)
	stmt.SetInt64("$endTime", end)
	stmt.SetBool("$internalEnabled", o.Internal.Enabled)
	stmt.SetText("$internalMsg", o.Internal.Message)
	stmt.SetText("$internalType", o.Internal.BodyType)
	stmt.SetBool("$knownEnabled", o.ExternalKnown.Enabled)
	stmt.SetText("$knownMsg", o.ExternalKnown.Message)
	stmt.SetText("$knownType", o.ExternalKnown.BodyType)
	stmt.SetBool("$unknownEnabled", o.ExternalUnknown.Enabled)
	stmt.SetText("$unknownMsg", o.ExternalUnknown.Message)
	stmt.SetText("$unknownType", o.ExternalUnknown.BodyType)
	if _, err := stmt.Step(); err != nil {
		return err
	}

	if oldState != int64(o.State) {
		if err := sqlitex.Exec(conn, "DELETE FROM OofReplied;", nil); err != nil {
			return err
		}
	}
	return nil
}

// OofRepliedTo reports whether sender was already answered in the
// current reply cycle.
func (b *Box) OofRepliedTo(ctx context.Context, sender string) (bool, error) {
	conn := b.PoolRO.Get(ctx)
	if conn == nil {
		return false, context.Canceled
	}
	defer b.PoolRO.Put(conn)

	stmt := conn.Prep("SELECT count(*) FROM OofReplied WHERE Sender = $sender;")
	stmt.SetText("$sender", strings.ToLower(sender))
	n, err := sqlitex.ResultInt(stmt)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *Box) SetOofRepliedTo(ctx context.Context, sender string) error {
	conn := b.PoolRW.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer b.PoolRW.Put(conn)

	stmt := conn.Prep("INSERT OR IGNORE INTO OofReplied (Sender) VALUES ($sender);")
	stmt.SetText("$sender", strings.ToLower(sender))
	_, err := stmt.Step()
	return err
}

// KnownSender reports whether the box holds any mail from addr, which
// is what decides known versus unknown correspondents for external
// out-of-office replies.
func (b *Box) KnownSender(ctx context.Context, addr string) (bool, error) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return false, nil
	}
	conn := b.PoolRO.Get(ctx)
	if conn == nil {
		return false, context.Canceled
	}
	defer b.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT EXISTS (SELECT 1 FROM Msgs
		WHERE State = $msgReady AND instr(lower(FromAddr), $addr) > 0);`)
	stmt.SetInt64("$msgReady", int64(MsgReady))
	stmt.SetText("$addr", addr)
	n, err := sqlitex.ResultInt(stmt)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
