// Package store persists the device registry, pairing requests and command
// history in a single embedded SQLite database file.  High-rate telemetry
// does not live here; see the telemetry package.
package store

import (
	"database/sql"

	"github.com/goph/emperror"
	_ "modernc.org/sqlite"

	"github.com/fleetmesh/fleetmesh/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	device_type TEXT NOT NULL,
	status TEXT DEFAULT 'offline',
	latitude REAL DEFAULT 0,
	longitude REAL DEFAULT 0,
	altitude REAL DEFAULT 0,
	heading REAL DEFAULT 0,
	speed REAL DEFAULT 0,
	battery REAL DEFAULT 100,
	last_seen INTEGER DEFAULT 0,
	token TEXT,
	paired_at INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pairing_requests (
	device_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	device_type TEXT NOT NULL,
	code TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS commands (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	command_type TEXT NOT NULL,
	payload TEXT DEFAULT '{}',
	status TEXT DEFAULT 'pending',
	created_at INTEGER DEFAULT 0,
	FOREIGN KEY (device_id) REFERENCES devices(id)
);

CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);
CREATE INDEX IF NOT EXISTS idx_devices_token ON devices(token);
CREATE INDEX IF NOT EXISTS idx_commands_device ON commands(device_id);
CREATE INDEX IF NOT EXISTS idx_pairing_code ON pairing_requests(code);
CREATE INDEX IF NOT EXISTS idx_pairing_expires ON pairing_requests(expires_at);
`

// Store is a process-wide handle on the state database.  database/sql
// serializes access; the pool is capped at one connection so writers never
// contend on the SQLite file lock.
type Store struct {
	db *sql.DB
}

// Open opens or creates the state database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, emperror.Wrap(err, "unable to open state database")
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, emperror.Wrap(err, "unable to apply schema")
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreatePairingRequest replaces any pending request for the device and
// inserts a fresh one.
func (s *Store) CreatePairingRequest(r protocol.PairingRequest) error {
	if _, err := s.db.Exec(
		`DELETE FROM pairing_requests WHERE device_id = ?`, r.DeviceID,
	); err != nil {
		return emperror.WrapWith(err, "unable to replace pairing request", "deviceID", r.DeviceID)
	}

	_, err := s.db.Exec(
		`INSERT INTO pairing_requests (device_id, name, device_type, code, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.DeviceID, r.Name, r.DeviceType, r.Code, r.CreatedAt, r.ExpiresAt,
	)
	return emperror.WrapWith(err, "unable to insert pairing request", "deviceID", r.DeviceID)
}

// LookupPairingRequest finds the live request matching device and code.
// Expired requests do not match.
func (s *Store) LookupPairingRequest(deviceID, code string, now int64) (protocol.PairingRequest, bool, error) {
	var r protocol.PairingRequest
	err := s.db.QueryRow(
		`SELECT device_id, name, device_type, code, created_at, expires_at
		 FROM pairing_requests
		 WHERE device_id = ? AND code = ? AND expires_at > ?`,
		deviceID, code, now,
	).Scan(&r.DeviceID, &r.Name, &r.DeviceType, &r.Code, &r.CreatedAt, &r.ExpiresAt)

	if err == sql.ErrNoRows {
		return r, false, nil
	}
	if err != nil {
		return r, false, emperror.Wrap(err, "pairing request lookup failed")
	}
	return r, true, nil
}

// PendingPairingRequests lists live requests, newest first.
func (s *Store) PendingPairingRequests(now int64) ([]protocol.PairingRequest, error) {
	rows, err := s.db.Query(
		`SELECT device_id, name, device_type, code, created_at, expires_at
		 FROM pairing_requests WHERE expires_at > ? ORDER BY created_at DESC`,
		now,
	)
	if err != nil {
		return nil, emperror.Wrap(err, "unable to list pairing requests")
	}
	defer rows.Close()

	var requests []protocol.PairingRequest
	for rows.Next() {
		var r protocol.PairingRequest
		if err := rows.Scan(&r.DeviceID, &r.Name, &r.DeviceType, &r.Code, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, emperror.Wrap(err, "unable to scan pairing request")
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// DeletePairingRequest removes a pending request, if any.
func (s *Store) DeletePairingRequest(deviceID string) error {
	_, err := s.db.Exec(`DELETE FROM pairing_requests WHERE device_id = ?`, deviceID)
	return emperror.WrapWith(err, "unable to delete pairing request", "deviceID", deviceID)
}

// SweepExpiredRequests deletes every request whose expiry has passed and
// reports how many were removed.
func (s *Store) SweepExpiredRequests(now int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM pairing_requests WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, emperror.Wrap(err, "unable to sweep pairing requests")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PairDevice upserts the device row with a freshly minted token.  A
// re-pair of an existing (even revoked) device restores it.
func (s *Store) PairDevice(deviceID, name, deviceType, token string, now int64) error {
	_, err := s.db.Exec(
		`INSERT INTO devices (id, name, device_type, status, token, paired_at, last_seen)
		 VALUES (?, ?, ?, 'offline', ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			device_type = excluded.device_type,
			status = 'offline',
			token = excluded.token,
			paired_at = excluded.paired_at`,
		deviceID, name, deviceType, token, now, now,
	)
	return emperror.WrapWith(err, "unable to pair device", "deviceID", deviceID)
}

// ValidateToken resolves a token to its device id.
func (s *Store) ValidateToken(token string) (string, bool, error) {
	var deviceID string
	err := s.db.QueryRow(`SELECT id FROM devices WHERE token = ?`, token).Scan(&deviceID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, emperror.Wrap(err, "token lookup failed")
	}
	return deviceID, true, nil
}

// RevokeDevice clears the token and marks the device revoked.  The row is
// kept so that a later re-pair restores it.
func (s *Store) RevokeDevice(deviceID string) error {
	_, err := s.db.Exec(
		`UPDATE devices SET token = NULL, status = ? WHERE id = ?`,
		protocol.StatusRevoked, deviceID,
	)
	return emperror.WrapWith(err, "unable to revoke device", "deviceID", deviceID)
}

// DeleteDevice removes a device row entirely.
func (s *Store) DeleteDevice(deviceID string) error {
	_, err := s.db.Exec(`DELETE FROM devices WHERE id = ?`, deviceID)
	return emperror.WrapWith(err, "unable to delete device", "deviceID", deviceID)
}

// UpsertDevice writes the snapshot carried by a device registration.  The
// token and paired_at columns are never touched here.
func (s *Store) UpsertDevice(d protocol.Device) error {
	_, err := s.db.Exec(
		`INSERT INTO devices (id, name, device_type, status, latitude, longitude, altitude, heading, speed, battery, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			device_type = excluded.device_type,
			status = excluded.status,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			altitude = excluded.altitude,
			heading = excluded.heading,
			speed = excluded.speed,
			battery = excluded.battery,
			last_seen = excluded.last_seen`,
		d.ID, d.Name, d.DeviceType, d.Status, d.Latitude, d.Longitude,
		d.Altitude, d.Heading, d.Speed, d.Battery, d.LastSeen,
	)
	return emperror.WrapWith(err, "unable to upsert device", "deviceID", d.ID)
}

// UpdateTelemetry refreshes the device pose and marks it online.
func (s *Store) UpdateTelemetry(deviceID string, lat, lon, alt, heading, speed, battery float64, now int64) error {
	_, err := s.db.Exec(
		`UPDATE devices SET
			latitude = ?, longitude = ?, altitude = ?,
			heading = ?, speed = ?, battery = ?,
			status = ?, last_seen = ?
		 WHERE id = ?`,
		lat, lon, alt, heading, speed, battery, protocol.StatusOnline, now, deviceID,
	)
	return emperror.WrapWith(err, "unable to update telemetry", "deviceID", deviceID)
}

// SetStatus records a device status transition.
func (s *Store) SetStatus(deviceID, status string, now int64) error {
	_, err := s.db.Exec(
		`UPDATE devices SET status = ?, last_seen = ? WHERE id = ?`,
		status, now, deviceID,
	)
	return emperror.WrapWith(err, "unable to set device status", "deviceID", deviceID)
}

// PairedDevices lists devices holding a token, most recently seen first.
// Revoked and never-paired rows are excluded.
func (s *Store) PairedDevices() ([]protocol.Device, error) {
	rows, err := s.db.Query(
		`SELECT id, name, device_type, status, latitude, longitude, altitude, heading, speed, battery, last_seen
		 FROM devices WHERE token IS NOT NULL ORDER BY last_seen DESC`,
	)
	if err != nil {
		return nil, emperror.Wrap(err, "unable to list devices")
	}
	defer rows.Close()

	var devices []protocol.Device
	for rows.Next() {
		var d protocol.Device
		if err := rows.Scan(
			&d.ID, &d.Name, &d.DeviceType, &d.Status, &d.Latitude, &d.Longitude,
			&d.Altitude, &d.Heading, &d.Speed, &d.Battery, &d.LastSeen,
		); err != nil {
			return nil, emperror.Wrap(err, "unable to scan device")
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// GetDevice fetches a single device snapshot.
func (s *Store) GetDevice(deviceID string) (protocol.Device, bool, error) {
	var d protocol.Device
	err := s.db.QueryRow(
		`SELECT id, name, device_type, status, latitude, longitude, altitude, heading, speed, battery, last_seen
		 FROM devices WHERE id = ?`,
		deviceID,
	).Scan(
		&d.ID, &d.Name, &d.DeviceType, &d.Status, &d.Latitude, &d.Longitude,
		&d.Altitude, &d.Heading, &d.Speed, &d.Battery, &d.LastSeen,
	)

	if err == sql.ErrNoRows {
		return d, false, nil
	}
	if err != nil {
		return d, false, emperror.WrapWith(err, "device lookup failed", "deviceID", deviceID)
	}
	return d, true, nil
}

// SaveCommand inserts a command row.
func (s *Store) SaveCommand(c protocol.Command) error {
	_, err := s.db.Exec(
		`INSERT INTO commands (id, device_id, command_type, payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.DeviceID, c.CommandType, c.Payload, c.Status, c.CreatedAt,
	)
	return emperror.WrapWith(err, "unable to save command", "commandID", c.ID)
}

// UpdateCommandStatus records command progress reported by the device.
func (s *Store) UpdateCommandStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE commands SET status = ? WHERE id = ?`, status, id)
	return emperror.WrapWith(err, "unable to update command status", "commandID", id)
}
