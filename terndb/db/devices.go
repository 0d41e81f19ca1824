package db

import (
	"time"

	"crawshaw.io/sqlite"
	"tern.email/eas"
)

// Device loads one registry row. Returns eas.ErrNotFound when the
// device has never been seen.
func Device(conn *sqlite.Conn, userID int64, deviceID string) (*eas.Device, error) {
	stmt := conn.Prep(`SELECT DeviceType, UserAgent,
			PolicyKey, Provisioned, PendingPolicyKey, PendingPolicyTime,
			FirstSeen, LastSeen
		FROM Devices WHERE UserID = $userID AND DeviceID = $deviceID;`)
	stmt.SetInt64("$userID", userID)
	stmt.SetText("$deviceID", deviceID)
	if hasNext, err := stmt.Step(); err != nil {
		return nil, err
	} else if !hasNext {
		return nil, eas.ErrNotFound
	}
	d := &eas.Device{
		UserID:           userID,
		DeviceID:         deviceID,
		Type:             stmt.GetText("DeviceType"),
		UserAgent:        stmt.GetText("UserAgent"),
		PolicyKey:        uint32(stmt.GetInt64("PolicyKey")),
		Provisioned:      stmt.GetInt64("Provisioned") != 0,
		PendingPolicyKey: uint32(stmt.GetInt64("PendingPolicyKey")),
		FirstSeen:        time.Unix(stmt.GetInt64("FirstSeen"), 0),
		LastSeen:         time.Unix(stmt.GetInt64("LastSeen"), 0),
	}
	if v := stmt.GetInt64("PendingPolicyTime"); v != 0 {
		d.PendingPolicyTime = time.Unix(v, 0)
	}
	stmt.Reset()
	return d, nil
}

// SaveDevice upserts one registry row.
func SaveDevice(conn *sqlite.Conn, d *eas.Device) error {
	stmt := conn.Prep(`INSERT INTO Devices (
			UserID, DeviceID, DeviceType, UserAgent,
			PolicyKey, Provisioned, PendingPolicyKey, PendingPolicyTime,
			FirstSeen, LastSeen
		) VALUES (
			$userID, $deviceID, $deviceType, $userAgent,
			$policyKey, $provisioned, $pendingKey, $pendingTime,
			$firstSeen, $lastSeen
		)
		ON CONFLICT(UserID, DeviceID) DO UPDATE SET
			DeviceType = excluded.DeviceType,
			UserAgent = excluded.UserAgent,
			PolicyKey = excluded.PolicyKey,
			Provisioned = excluded.Provisioned,
			PendingPolicyKey = excluded.PendingPolicyKey,
			PendingPolicyTime = excluded.PendingPolicyTime,
			LastSeen = excluded.LastSeen;`)
	stmt.SetInt64("$userID", d.UserID)
	stmt.SetText("$deviceID", d.DeviceID)
	stmt.SetText("$deviceType", d.Type)
	stmt.SetText("$userAgent", d.UserAgent)
	stmt.SetInt64("$policyKey", int64(d.PolicyKey))
	stmt.SetBool("$provisioned", d.Provisioned)
	stmt.SetInt64("$pendingKey", int64(d.PendingPolicyKey))
	if d.PendingPolicyTime.IsZero() {
		stmt.SetInt64("$pendingTime", 0)
	} else {
		stmt.SetInt64("$pendingTime", d.PendingPolicyTime.Unix())
	}
	stmt.SetInt64("$firstSeen", d.FirstSeen.Unix())
	stmt.SetInt64("$lastSeen", d.LastSeen.Unix())
	if _, err := stmt.Step(); err != nil {
		return err
	}
	return nil
}

// UserDevices lists a user's registered devices, oldest first.
func UserDevices(conn *sqlite.Conn, userID int64) ([]eas.Device, error) {
	stmt := conn.Prep(`SELECT DeviceID, DeviceType, UserAgent,
			PolicyKey, Provisioned, PendingPolicyKey, PendingPolicyTime,
			FirstSeen, LastSeen
		FROM Devices WHERE UserID = $userID ORDER BY FirstSeen, DeviceID;`)
	stmt.SetInt64("$userID", userID)
	var devices []eas.Device
	for {
		if hasNext, err := stmt.Step(); err != nil {
			return nil, err
		} else if !hasNext {
			break
		}
		d := eas.Device{
			UserID:           userID,
			DeviceID:         stmt.GetText("DeviceID"),
			Type:             stmt.GetText("DeviceType"),
			UserAgent:        stmt.GetText("UserAgent"),
			PolicyKey:        uint32(stmt.GetInt64("PolicyKey")),
			Provisioned:      stmt.GetInt64("Provisioned") != 0,
			PendingPolicyKey: uint32(stmt.GetInt64("PendingPolicyKey")),
			FirstSeen:        time.Unix(stmt.GetInt64("FirstSeen"), 0),
			LastSeen:         time.Unix(stmt.GetInt64("LastSeen"), 0),
		}
		if v := stmt.GetInt64("PendingPolicyTime"); v != 0 {
			d.PendingPolicyTime = time.Unix(v, 0)
		}
		devices = append(devices, d)
	}
	return devices, nil
}
