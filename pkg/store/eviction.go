package store

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/localanalytics/localanalytics/pkg/metrics"
	"github.com/localanalytics/localanalytics/pkg/record"
)

// enforceCap deletes the oldest records of table until at most MaxRecords
// remain. Callers hold writeMu.
func (s *Store) enforceCap(db *badger.DB, table record.Table) error {
	maxRecords := s.opts.MaxRecords

	// Timestamp index keys sort oldest first, so the victims are the first
	// total-max keys of the prefix.
	var tsKeys [][]byte
	var doomed [][]byte
	evicted := 0
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = indexPrefix(table, indexTimestamp, "")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			tsKeys = append(tsKeys, it.Item().KeyCopy(nil))
		}
		if len(tsKeys) <= maxRecords {
			return nil
		}

		for _, tsKey := range tsKeys[:len(tsKeys)-maxRecords] {
			id := idFromIndexKey(tsKey)
			item, err := txn.Get(recordKey(table, id))
			if err != nil {
				return fmt.Errorf("load %s/%s: %w", table, id, err)
			}
			var rec record.Record
			err = item.Value(func(val []byte) error {
				var derr error
				rec, derr = record.Decode(table, val)
				return derr
			})
			if err != nil {
				// Without the record its secondary keys are unknown; drop what we can.
				s.logger.Warn("evicting corrupt record", "table", table, "id", id, "error", err)
				doomed = append(doomed, recordKey(table, id), tsKey)
			} else {
				doomed = append(doomed, allKeys(rec)...)
			}
			evicted++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("eviction scan: %w", err)
	}

	total := len(tsKeys)
	if evicted == 0 {
		metrics.StoreRecords.WithLabelValues(string(table)).Set(float64(total))
		return nil
	}

	wb := db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range doomed {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("evict %s: %w", k, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("evict flush: %w", err)
	}

	remaining := total - evicted
	metrics.StoreEvictions.WithLabelValues(string(table)).Add(float64(evicted))
	metrics.StoreRecords.WithLabelValues(string(table)).Set(float64(remaining))
	s.logger.Debug("eviction completed", "table", table, "evicted", evicted, "remaining", remaining)
	return nil
}
