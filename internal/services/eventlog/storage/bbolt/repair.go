package bbolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/louisbranch/eventlog/internal/platform/timeouts"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
	"go.etcd.io/bbolt"
)

// RepairResult reports the outcome of a journal repair.
type RepairResult struct {
	// LastConfirmed is the highest sequence reached without a gap.
	LastConfirmed uint64
	// Removed lists the orphaned sequences that were deleted.
	Removed []uint64
}

// RepairFile repairs the journal at path regardless of its checkpoint and
// saves a fresh checkpoint. The store must not be open elsewhere.
func RepairFile(path string, opts ...storage.Option) (RepairResult, error) {
	if strings.TrimSpace(path) == "" {
		return RepairResult{}, fmt.Errorf("storage path is required")
	}
	options := storage.ApplyOptions(opts...)
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: timeouts.StoreOpen})
	if err != nil {
		return RepairResult{}, fmt.Errorf("open storage db: %w", err)
	}
	defer db.Close()

	var result RepairResult
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		var err error
		result, err = repairTx(tx, options.RepairThreshold)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(metaBucket)).Put(checkpointKey, seqKey(result.LastConfirmed))
	})
	if err != nil {
		return RepairResult{}, err
	}
	options.Logf("journal repaired: last confirmed sequence %d, removed %d orphaned entries",
		result.LastConfirmed, len(result.Removed))
	return result, nil
}

// repairTx scans the journal forward from sequence 1. Entries found before
// the first missing sequence are confirmed. Every entry found after it is
// an orphan of an interrupted append and is deleted with its stream key.
// The scan ends after threshold consecutive missing sequences.
func repairTx(tx *bbolt.Tx, threshold int) (RepairResult, error) {
	if threshold <= 0 {
		threshold = storage.DefaultRepairThreshold
	}
	journal := tx.Bucket([]byte(journalBucket))
	streams := tx.Bucket([]byte(streamsBucket))

	var (
		result  RepairResult
		gap     bool
		missing int
	)
	for seq := uint64(1); missing < threshold; seq++ {
		payload := journal.Get(seqKey(seq))
		if payload == nil {
			gap = true
			missing++
			continue
		}
		missing = 0
		if !gap {
			result.LastConfirmed = seq
			continue
		}

		var rec record
		if err := json.Unmarshal(payload, &rec); err == nil && rec.StreamName != "" {
			if err := streams.Delete(streamKey(rec.StreamName, uint64(rec.StreamVersion))); err != nil {
				return RepairResult{}, fmt.Errorf("delete stream entry of %d: %w", seq, err)
			}
		}
		if err := journal.Delete(seqKey(seq)); err != nil {
			return RepairResult{}, fmt.Errorf("delete journal entry %d: %w", seq, err)
		}
		result.Removed = append(result.Removed, seq)
	}

	// Stream keys whose journal entry never landed.
	var dangling [][]byte
	c := streams.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if len(v) == 8 && binary.BigEndian.Uint64(v) > result.LastConfirmed {
			dangling = append(dangling, append([]byte(nil), k...))
		}
	}
	for _, k := range dangling {
		if err := streams.Delete(k); err != nil {
			return RepairResult{}, fmt.Errorf("delete dangling stream entry: %w", err)
		}
	}
	return result, nil
}
