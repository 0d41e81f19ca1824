package db

import (
	"context"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// Retention windows for Clean.
const (
	pendingPolicyTTL  = 10 * time.Minute
	stagingRetention  = 7 * 24 * time.Hour
	deliveryRetention = 90 * 24 * time.Hour
)

// Janitor does periodic cleaning of the central ternd database. It
// has no clock of its own; the scheduler in terndb calls CleanNow on
// a cron cadence.
type Janitor struct {
	Logf func(format string, v ...interface{})

	ctx      context.Context
	cancelFn func()
	done     chan struct{}

	pool     *sqlitex.Pool
	cleanNow chan struct{}
}

func NewJanitor(pool *sqlitex.Pool) *Janitor {
	ctx, cancelFn := context.WithCancel(context.Background())
	j := &Janitor{
		Logf:     func(format string, v ...interface{}) {},
		ctx:      ctx,
		cancelFn: cancelFn,
		done:     make(chan struct{}),
		pool:     pool,
		cleanNow: make(chan struct{}),
	}

	return j
}

func (j *Janitor) CleanNow() {
	select {
	case j.cleanNow <- struct{}{}:
	default:
	}
}

func (j *Janitor) Run() error {
	defer func() { close(j.done) }()

	for {
		select {
		case <-j.ctx.Done():
			return nil
		case <-j.cleanNow:
		}

		if err := j.Clean(); err != nil {
			if err == context.Canceled {
				return nil
			}
			return nil
		}
	}
}

func (j *Janitor) Shutdown(ctx context.Context) error {
	j.cancelFn()
	<-j.done
	return nil
}

// Clean expires stale provisioning slots, prunes delivery history,
// and removes staged messages every recipient is done with.
func (j *Janitor) Clean() (err error) {
	start := time.Now()

	conn := j.pool.Get(j.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer j.pool.Put(conn)

	var slotsExpired, deliveriesPruned, msgsRemoved int
	defer func() {
		l := Log{
			What:     "cleanup",
			Where:    "janitor",
			When:     start,
			Duration: time.Since(start),
			Err:      err,
			Data: map[string]interface{}{
				"slots_expired":     slotsExpired,
				"deliveries_pruned": deliveriesPruned,
				"msgs_removed":      msgsRemoved,
			},
		}
		j.Logf("%s", l)
	}()

	stmt := conn.Prep(`UPDATE Devices
		SET PendingPolicyKey = 0, PendingPolicyTime = 0
		WHERE PendingPolicyKey <> 0 AND PendingPolicyTime < $cutoff;`)
	stmt.SetInt64("$cutoff", start.Add(-pendingPolicyTTL).Unix())
	if _, err = stmt.Step(); err != nil {
		return err
	}
	slotsExpired = conn.Changes()

	stmt = conn.Prep("DELETE FROM Deliveries WHERE Date < $cutoff;")
	stmt.SetInt64("$cutoff", start.Add(-deliveryRetention).Unix())
	if _, err = stmt.Step(); err != nil {
		return err
	}
	deliveriesPruned = conn.Changes()

	if msgsRemoved, err = j.removeDeliveredMsgs(conn, start); err != nil {
		return err
	}

	if err = sqlitex.ExecTransient(conn, "PRAGMA incremental_vacuum;", nil); err != nil {
		return err
	}

	return nil
}

// removeDeliveredMsgs drops staged messages older than the retention
// window once no recipient is still waiting on them.
func (j *Janitor) removeDeliveredMsgs(conn *sqlite.Conn, now time.Time) (removed int, err error) {
	defer sqlitex.Save(conn)(&err)

	var stagingIDs []int64
	stmt := conn.Prep(`SELECT StagingID FROM Msgs
		WHERE DateReceived < $cutoff
		AND NOT EXISTS (
			SELECT 1 FROM MsgRecipients
			WHERE MsgRecipients.StagingID = Msgs.StagingID
			AND DeliveryState NOT IN ($deliveryDone, $deliveryFailed)
		);`)
	stmt.SetInt64("$cutoff", now.Add(-stagingRetention).Unix())
	stmt.SetInt64("$deliveryDone", int64(DeliveryDone))
	stmt.SetInt64("$deliveryFailed", int64(DeliveryFailed))
	for {
		if hasNext, err := stmt.Step(); err != nil {
			return 0, err
		} else if !hasNext {
			break
		}
		stagingIDs = append(stagingIDs, stmt.GetInt64("StagingID"))
	}

	for _, stagingID := range stagingIDs {
		for _, q := range []string{
			"DELETE FROM MsgRaw WHERE StagingID = $stagingID;",
			"DELETE FROM MsgRecipients WHERE StagingID = $stagingID;",
			"DELETE FROM Msgs WHERE StagingID = $stagingID;",
		} {
			stmt := conn.Prep(q)
			stmt.SetInt64("$stagingID", stagingID)
			if _, err := stmt.Step(); err != nil {
				return 0, err
			}
		}
	}

	return len(stagingIDs), nil
}
