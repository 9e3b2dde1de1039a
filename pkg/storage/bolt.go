package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/ypcloud/uptimed/pkg/metrics"
	"github.com/ypcloud/uptimed/pkg/period"
	"github.com/ypcloud/uptimed/pkg/service"
)

var (
	// Bucket names
	bucketServices      = []byte("services")
	bucketDowntimes     = []byte("downtimes")
	bucketSLADaily      = []byte("sla_daily")
	bucketSLAWeekly     = []byte("sla_weekly")
	bucketSLAMonthly    = []byte("sla_monthly")
	bucketConsolidation = []byte("consolidation")
	bucketInstance      = []byte("instance")
)

// instanceKey is the fixed key of the single heartbeat row
var instanceKey = []byte("instance")

type instanceRow struct {
	Date int64 `json:"date"`
}

// BoltStorage implements Store on an embedded bbolt file. It is the
// backend for local runs and tests; every protocol step runs in its own
// transaction so the update semantics match the Mongo backend.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (or creates) the database file
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketServices,
			bucketDowntimes,
			bucketSLADaily,
			bucketSLAWeekly,
			bucketSLAMonthly,
			bucketConsolidation,
			bucketInstance,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Ready reports whether the database file answers
func (s *BoltStorage) Ready(ctx context.Context) bool {
	return s.db.View(func(tx *bolt.Tx) error { return nil }) == nil
}

// Close closes the database
func (s *BoltStorage) Close(ctx context.Context) error {
	return s.db.Close()
}

// UpdateStatus records a reported status following the shared update
// protocol: resolve or create the record, heal any half-applied previous
// update, then apply the transition status-first.
func (s *BoltStorage) UpdateStatus(ctx context.Context, svc service.Service, status service.Status, extra service.Extra) error {
	defer metrics.NewTimer().ObserveDurationVec(metrics.StorageOpDuration, "update_status")

	rec, err := s.FindService(ctx, svc)
	if err != nil {
		return err
	}
	if rec == nil {
		return s.insertService(svc, status, extra)
	}

	open, err := s.openDowntime(rec.ID)
	if err != nil {
		return err
	}

	if rec.Status == status {
		// The stored status already matches: heal the downtime side if a
		// previous update crashed between its two writes.
		switch {
		case status == service.StatusOK && open != nil:
			return s.closeDowntime(open.ID)
		case status == service.StatusFail && open == nil:
			return s.insertDowntime(rec.ID, extra)
		}
		return nil
	}

	if err := s.setStatus(rec.ID, status); err != nil {
		return err
	}
	if status == service.StatusFail {
		if open == nil {
			return s.insertDowntime(rec.ID, extra)
		}
		return nil
	}
	if open != nil {
		return s.closeDowntime(open.ID)
	}
	return nil
}

// Services lists the records matching the query, ordered by category and
// description
func (s *BoltStorage) Services(ctx context.Context, q Query) ([]ServiceRecord, error) {
	defer metrics.NewTimer().ObserveDurationVec(metrics.StorageOpDuration, "services")

	var records []ServiceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.ForEach(func(k, v []byte) error {
			var rec ServiceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if q.Matches(&rec) {
				records = append(records, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Category != records[j].Category {
			return records[i].Category < records[j].Category
		}
		return records[i].Description < records[j].Description
	})
	return records, nil
}

// FindService returns the record describing the probed target, or
// (nil, nil) when the service was never stored
func (s *BoltStorage) FindService(ctx context.Context, svc service.Service) (*ServiceRecord, error) {
	var found *ServiceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec ServiceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if identityMatches(&rec, svc) {
				found = &rec
				return nil
			}
		}
		return nil
	})
	return found, err
}

// Downtimes returns the outage windows overlapping
// [start, start+duration), oldest first
func (s *BoltStorage) Downtimes(ctx context.Context, serviceID string, start, duration int64) ([]Downtime, error) {
	end := start + duration
	var downs []Downtime
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDowntimes)
		return b.ForEach(func(k, v []byte) error {
			var d Downtime
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.ServiceID == serviceID && overlaps(&d, start, end) {
				downs = append(downs, d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(downs, func(i, j int) bool { return downs[i].Start < downs[j].Start })
	return downs, nil
}

// OpenDowntimeSince reports whether the service has an open downtime
// that started at or before the cutoff
func (s *BoltStorage) OpenDowntimeSince(ctx context.Context, serviceID string, before int64) (bool, error) {
	open, err := s.openDowntime(serviceID)
	if err != nil {
		return false, err
	}
	return open != nil && open.Start <= before, nil
}

// SetPublicStatus writes the smoothed status shown on status pages
func (s *BoltStorage) SetPublicStatus(ctx context.Context, serviceID string, status service.Status) error {
	return s.updateService(serviceID, func(rec *ServiceRecord) {
		rec.PublicStatus = &status
	})
}

// SLA computes the availability percentage over [start, start+duration)
func (s *BoltStorage) SLA(ctx context.Context, serviceID string, start, duration int64) (float64, error) {
	defer metrics.NewTimer().ObserveDurationVec(metrics.StorageOpDuration, "sla")

	downs, err := s.Downtimes(ctx, serviceID, start, duration)
	if err != nil {
		return 0, err
	}
	return slaOf(downs, start, duration), nil
}

// Watermark returns the next consolidation trigger for a period kind
func (s *BoltStorage) Watermark(ctx context.Context, kind period.Kind) (int64, bool, error) {
	var ts int64
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConsolidation).Get([]byte(kind))
		if data == nil {
			return nil
		}
		parsed, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt watermark for %s: %w", kind, err)
		}
		ts, ok = parsed, true
		return nil
	})
	return ts, ok, err
}

// SetWatermark durably advances the consolidation trigger
func (s *BoltStorage) SetWatermark(ctx context.Context, kind period.Kind, ts int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConsolidation).Put([]byte(kind), []byte(strconv.FormatInt(ts, 10)))
	})
}

// UpsertSLA writes one consolidated availability row, replacing any
// previous row for the same service and period start
func (s *BoltStorage) UpsertSLA(ctx context.Context, kind period.Kind, serviceID string, periodStart int64, sla float64) error {
	bucket, err := slaBucket(kind)
	if err != nil {
		return err
	}

	entry := SLAEntry{
		ServiceID: serviceID,
		Start:     periodStart,
		Duration:  kind.Seconds(periodStart),
		SLA:       sla,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(slaKey(serviceID, periodStart), data)
	})
}

// SLAHistory lists the consolidated rows for a service, newest first
func (s *BoltStorage) SLAHistory(ctx context.Context, kind period.Kind, serviceID string) ([]SLAEntry, error) {
	bucket, err := slaBucket(kind)
	if err != nil {
		return nil, err
	}

	prefix := []byte(serviceID + "/")
	var entries []SLAEntry
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var entry SLAEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Start > entries[j].Start })
	return entries, nil
}

// EnsureInstance creates the heartbeat row when missing. A fresh row
// carries a zero timestamp so the first heartbeat always matches.
func (s *BoltStorage) EnsureInstance(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstance)
		if b.Get(instanceKey) != nil {
			return nil
		}
		data, err := json.Marshal(instanceRow{})
		if err != nil {
			return err
		}
		return b.Put(instanceKey, data)
	})
}

// Heartbeat refreshes the heartbeat timestamp if it is at least olderThan
// old. The read and the conditional write share one transaction, which
// stands in for the Mongo backend's conditional update.
func (s *BoltStorage) Heartbeat(ctx context.Context, olderThan time.Duration) (bool, error) {
	defer metrics.NewTimer().ObserveDurationVec(metrics.StorageOpDuration, "heartbeat")

	matched := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstance)
		data := b.Get(instanceKey)
		if data == nil {
			return fmt.Errorf("instance row: %w", ErrNotFound)
		}
		var row instanceRow
		if err := json.Unmarshal(data, &row); err != nil {
			return err
		}

		ts := now()
		if row.Date > ts-int64(olderThan/time.Second) {
			return nil
		}
		row.Date = ts
		updated, err := json.Marshal(row)
		if err != nil {
			return err
		}
		matched = true
		return b.Put(instanceKey, updated)
	})
	return matched, err
}

// insertService stores a first-sight record. The record is created OK
// and the reported status applied on top, mirroring the write order of
// the Mongo backend.
func (s *BoltStorage) insertService(svc service.Service, status service.Status, extra service.Extra) error {
	rec := ServiceRecord{
		ID:          uuid.New().String(),
		Category:    svc.Category(),
		Kind:        svc.Kind(),
		NS:          svc.NS(),
		Description: svc.Description(),
		Status:      service.StatusOK,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).Put([]byte(rec.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to insert service: %w", err)
	}

	if status == service.StatusFail {
		if err := s.setStatus(rec.ID, service.StatusFail); err != nil {
			return err
		}
		return s.insertDowntime(rec.ID, extra)
	}
	return nil
}

// openDowntime returns the open downtime of a service, or nil
func (s *BoltStorage) openDowntime(serviceID string) (*Downtime, error) {
	var found *Downtime
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDowntimes)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var d Downtime
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.ServiceID == serviceID && d.Open() {
				found = &d
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (s *BoltStorage) insertDowntime(serviceID string, extra service.Extra) error {
	d := Downtime{
		ID:        uuid.New().String(),
		ServiceID: serviceID,
		Start:     now(),
		Extra:     extra,
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDowntimes).Put([]byte(d.ID), data)
	})
}

func (s *BoltStorage) closeDowntime(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDowntimes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("downtime %s: %w", id, ErrNotFound)
		}
		var d Downtime
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		d.End = now()
		updated, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStorage) setStatus(serviceID string, status service.Status) error {
	return s.updateService(serviceID, func(rec *ServiceRecord) {
		rec.Status = status
	})
}

func (s *BoltStorage) updateService(serviceID string, mutate func(*ServiceRecord)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		data := b.Get([]byte(serviceID))
		if data == nil {
			return fmt.Errorf("service %s: %w", serviceID, ErrNotFound)
		}
		var rec ServiceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		mutate(&rec)
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(serviceID), updated)
	})
}

func slaBucket(kind period.Kind) ([]byte, error) {
	switch kind {
	case period.Daily:
		return bucketSLADaily, nil
	case period.Weekly:
		return bucketSLAWeekly, nil
	case period.Monthly:
		return bucketSLAMonthly, nil
	default:
		return nil, fmt.Errorf("unknown period kind: %s", kind)
	}
}

func slaKey(serviceID string, periodStart int64) []byte {
	return []byte(fmt.Sprintf("%s/%012d", serviceID, periodStart))
}
