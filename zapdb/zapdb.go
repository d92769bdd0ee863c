// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zapdb holds the calibration records of zappy devices and the
// log of the zaps they delivered.
package zapdb // import "github.com/go-lpc/zappy/zapdb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-lpc/zappy/zap"
	_ "github.com/go-sql-driver/mysql"
)

const (
	host = "localhost"
)

var (
	usr = "username"
	pwd = "s3cr3t"

	drvName = "mysql"
)

// DB is a connection to the zappy database.
type DB struct {
	db   *sql.DB
	name string
}

// Open opens a connection to the zappy database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("zapdb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("zapdb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

// Close closes the connection to the zappy database.
func (db *DB) Close() error {
	return db.db.Close()
}

// Calibration returns the last calibration record of the named device.
func (db *DB) Calibration(ctx context.Context, hostname string) (zap.Calibration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cal := zap.Calibration{Hostname: hostname}
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT hvdac_m, hvdac_b, onejoule FROM calibrations WHERE hostname=? ORDER BY datetime DESC LIMIT 1",
		hostname,
	)
	if err != nil {
		return cal, fmt.Errorf("zapdb: could not query calibration of %q: %w", hostname, err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		err = rows.Scan(&cal.HVDACM, &cal.HVDACB, &cal.OneJoule)
		if err != nil {
			return cal, fmt.Errorf("zapdb: could not get calibration of %q: %w", hostname, err)
		}
		n++
	}

	if err := rows.Err(); err != nil {
		return cal, fmt.Errorf("zapdb: could not scan db for calibration of %q: %w", hostname, err)
	}

	if err := ctx.Err(); err != nil {
		return cal, fmt.Errorf("zapdb: context error while retrieving calibration: %w", err)
	}

	if n == 0 {
		return cal, fmt.Errorf("zapdb: no calibration for %q", hostname)
	}

	return cal, nil
}

// Record is one entry of the zap log.
type Record struct {
	ID       int64
	Time     time.Time
	Hostname string

	Row     uint8
	Col     uint8
	Voltage uint32
	Depth   uint16

	Energy     uint64
	Joules     float64
	Overrun    uint32
	DeltaScram bool
	Cutoff     bool
	Duration   time.Duration
}

// NewRecord creates the log entry of a zap.
func NewRecord(host string, cfg zap.ZapConfig, res zap.Result) Record {
	return Record{
		Time:       time.Now().UTC(),
		Hostname:   host,
		Row:        cfg.Row,
		Col:        cfg.Col,
		Voltage:    cfg.Voltage,
		Depth:      cfg.Depth,
		Energy:     res.Energy,
		Joules:     res.Joules,
		Overrun:    res.Overrun,
		DeltaScram: res.DeltaScram,
		Cutoff:     res.Cutoff,
		Duration:   res.Duration,
	}
}

// Insert appends rec to the zap log and returns its identifier.
func (db *DB) Insert(ctx context.Context, rec Record) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := db.db.ExecContext(
		ctx,
		`INSERT INTO zaps
(datetime, hostname, plate_row, plate_col, voltage, depth, energy, joules, overrun, delta_scram, cutoff, duration)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Time, rec.Hostname,
		int64(rec.Row), int64(rec.Col), int64(rec.Voltage), int64(rec.Depth),
		int64(rec.Energy), rec.Joules, int64(rec.Overrun),
		rec.DeltaScram, rec.Cutoff, int64(rec.Duration),
	)
	if err != nil {
		return 0, fmt.Errorf("zapdb: could not insert zap record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("zapdb: could not retrieve zap record id: %w", err)
	}
	return id, nil
}

// Last returns the n most recent zaps of the named device, most recent
// first.
func (db *DB) Last(ctx context.Context, hostname string, n int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		`SELECT id, datetime, hostname, plate_row, plate_col, voltage, depth,
energy, joules, overrun, delta_scram, cutoff, duration
FROM zaps WHERE hostname=? ORDER BY datetime DESC LIMIT ?`,
		hostname, int64(n),
	)
	if err != nil {
		return nil, fmt.Errorf("zapdb: could not query zap log: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			rec Record
			dt  int64
		)
		err = rows.Scan(
			&rec.ID, &rec.Time, &rec.Hostname,
			&rec.Row, &rec.Col, &rec.Voltage, &rec.Depth,
			&rec.Energy, &rec.Joules, &rec.Overrun,
			&rec.DeltaScram, &rec.Cutoff, &dt,
		)
		if err != nil {
			return nil, fmt.Errorf("zapdb: could not get zap record: %w", err)
		}
		rec.Duration = time.Duration(dt)
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("zapdb: could not scan db for zap log: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("zapdb: context error while retrieving zap log: %w", err)
	}

	return recs, nil
}
