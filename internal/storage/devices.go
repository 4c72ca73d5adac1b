package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"
)

// DeviceRecord is a persisted device identity.
type DeviceRecord struct {
	MAC     string
	Name    string
	Address string
	Token   string
	Family  string
	Model   string
}

// Devices persists the device registry.
type Devices struct {
	db *sql.DB
}

// NewDevices creates a registry backed by SQLite.
func NewDevices(db *sql.DB) *Devices {
	return &Devices{db: db}
}

// Upsert stores or refreshes a device identity.
func (d *Devices) Upsert(ctx context.Context, rec DeviceRecord) error {
	now := time.Now().UTC().Unix()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO devices (mac, name, address, token, family, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mac) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			token = excluded.token,
			family = excluded.family,
			model = excluded.model,
			updated_at = excluded.updated_at
	`, rec.MAC, rec.Name, rec.Address, rec.Token, rec.Family, rec.Model, now, now)
	if err != nil {
		log.Warn().Err(err).Str("mac", rec.MAC).Msg("Failed to store device")
	}
	return err
}

// UpdateAddress records a new network address for mac.
func (d *Devices) UpdateAddress(ctx context.Context, mac, address string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE devices SET address = ?, updated_at = ? WHERE mac = ?
	`, address, time.Now().UTC().Unix(), mac)
	return err
}

// Get returns the record for mac.
func (d *Devices) Get(ctx context.Context, mac string) (DeviceRecord, bool, error) {
	var rec DeviceRecord
	err := d.db.QueryRowContext(ctx, `
		SELECT mac, name, address, token, family, model FROM devices WHERE mac = ?
	`, mac).Scan(&rec.MAC, &rec.Name, &rec.Address, &rec.Token, &rec.Family, &rec.Model)
	if err == sql.ErrNoRows {
		return DeviceRecord{}, false, nil
	}
	if err != nil {
		return DeviceRecord{}, false, err
	}
	return rec, true, nil
}

// List returns all known devices ordered by MAC.
func (d *Devices) List(ctx context.Context) ([]DeviceRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT mac, name, address, token, family, model FROM devices ORDER BY mac
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		var rec DeviceRecord
		if err := rows.Scan(&rec.MAC, &rec.Name, &rec.Address, &rec.Token, &rec.Family, &rec.Model); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete forgets mac.
func (d *Devices) Delete(ctx context.Context, mac string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM devices WHERE mac = ?`, mac)
	return err
}
