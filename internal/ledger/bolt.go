// Package ledger is a bbolt-backed append-only audit trail of oper-state
// transitions and alarms.
//
// Schema (bbolt bucket layout):
//
//	/transitions
//	    key:   RFC3339Nano timestamp + "_" + subsystem name
//	    value: JSON-encoded TransitionEntry
//
//	/alarms
//	    key:   RFC3339Nano timestamp + "_" + subject
//	    value: JSON-encoded AlarmEntry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// This is a record of what happened, not supervisor state: nothing here
// is read back to reconstruct a Subsystem's Admin/Oper posture on
// restart. It exists purely so an operator can answer what a subsystem
// did after the fact.
//
// Consistency model: single writer, ACID bbolt transactions, CRC-checked
// on Open.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dloman/gocapcom/internal/alarm"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default audit-trail retention period.
	DefaultRetentionDays = 30

	bucketTransitions = "transitions"
	bucketAlarms      = "alarms"
	bucketMeta        = "meta"
)

// TransitionEntry is a single oper-state transition record.
type TransitionEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Subsystem string    `json:"subsystem"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	ClientID  uint32    `json:"client_id"`
}

// AlarmEntry is a single raised-alarm record.
type AlarmEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject"`
	Severity  string    `json:"severity"`
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
}

// DB wraps a bbolt instance with typed accessors for the audit trail.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the bbolt database at path, initialising all
// required buckets and verifying the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketTransitions, bucketAlarms, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("ledger: database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("ledger: schema version mismatch: database has %q, supervisor requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error {
	return d.db.Close()
}

func transitionKey(t time.Time, subsystem string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(time.RFC3339Nano), subsystem))
}

func alarmKey(t time.Time, subject string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(time.RFC3339Nano), subject))
}

// AppendTransition records a subsystem oper-state change.
func (d *DB) AppendTransition(entry TransitionEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger: AppendTransition marshal: %w", err)
	}
	key := transitionKey(entry.Timestamp, entry.Subsystem)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTransitions)).Put(key, data)
	})
}

// AppendAlarm records a raised alarm.
func (d *DB) AppendAlarm(entry AlarmEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger: AppendAlarm marshal: %w", err)
	}
	key := alarmKey(entry.Timestamp, entry.Subject)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAlarms)).Put(key, data)
	})
}

// PruneOld deletes transition and alarm entries older than the
// configured retention window. Returns the number of entries deleted.
// Called once on startup by the host daemon.
func (d *DB) PruneOld() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffTransition := transitionKey(cutoff, "")
	cutoffAlarm := alarmKey(cutoff, "")

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		for _, spec := range []struct {
			bucket string
			cutoff []byte
		}{
			{bucketTransitions, cutoffTransition},
			{bucketAlarms, cutoffAlarm},
		} {
			b := tx.Bucket([]byte(spec.bucket))
			c := b.Cursor()
			var toDelete [][]byte
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if string(k) >= string(spec.cutoff) {
					break
				}
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("PruneOld delete from %s: %w", spec.bucket, err)
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

// ReadTransitions returns every transition entry in chronological order.
// For operational inspection; not called on the hot path.
func (d *DB) ReadTransitions() ([]TransitionEntry, error) {
	var entries []TransitionEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTransitions)).ForEach(func(_, v []byte) error {
			var e TransitionEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// ReadAlarms returns every alarm entry in chronological order.
func (d *DB) ReadAlarms() ([]AlarmEntry, error) {
	var entries []AlarmEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAlarms)).ForEach(func(_, v []byte) error {
			var e AlarmEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// RecordTransition adapts DB to subsystem.TransitionRecorder.
func (d *DB) RecordTransition(subsystem, from, to string, clientID uint32) error {
	return d.AppendTransition(TransitionEntry{Subsystem: subsystem, From: from, To: to, ClientID: clientID})
}

// Sink adapts DB to alarm.Sink, recording every raised alarm in the
// audit trail alongside the always-on log sink. Clear is not recorded
// as a distinct entry — the ledger is an append-only history of what
// fired, not a mirror of current alarm state (BuildStatus serves that).
type Sink struct {
	db *DB
}

// NewSink wraps db as an alarm.Sink.
func NewSink(db *DB) Sink { return Sink{db: db} }

func (s Sink) Raise(a alarm.Alarm) {
	_ = s.db.AppendAlarm(AlarmEntry{
		Subject:  a.Subject,
		Severity: a.Severity.String(),
		Reason:   string(a.Reason),
		Message:  a.Message,
	})
}

func (s Sink) Clear(string) {}
