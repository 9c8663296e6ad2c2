// Package archive persists experiment results in a single bbolt file keyed
// by run ULID. ULIDs sort by creation time, so key order is run order.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/epochsim/internal/experiment"
	"github.com/snehjoshi/epochsim/internal/ids"
)

var bucketRuns = []byte("runs")

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("archive: run not found")

// Entry is the listing view of one archived run.
type Entry struct {
	RunID        string
	StartedAt    time.Time
	Replications int
	Seed         int64
	EndToEndMean float64
}

// Archive is a bbolt-backed store of experiment results.
type Archive struct {
	db *bbolt.DB
}

// Open opens (or creates) the archive at path.
func Open(path string) (*Archive, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: init bucket: %w", err)
	}
	return &Archive{db: db}, nil
}

// Save upserts res under res.RunID.
func (a *Archive) Save(res *experiment.Result) error {
	if res == nil {
		return errors.New("archive: nil result")
	}
	if err := ids.Validate(res.RunID); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	val, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("archive: marshal %s: %w", res.RunID, err)
	}
	return a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(res.RunID), val)
	})
}

// Get returns the archived result for runID, or ErrNotFound.
func (a *Archive) Get(runID string) (*experiment.Result, error) {
	var res experiment.Result
	err := a.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketRuns).Get([]byte(runID))
		if val == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return json.Unmarshal(val, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (a *Archive) List(limit int) ([]Entry, error) {
	var out []Entry
	err := a.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var res experiment.Result
			if err := json.Unmarshal(v, &res); err != nil {
				return fmt.Errorf("archive: decode %s: %w", k, err)
			}
			out = append(out, Entry{
				RunID:        res.RunID,
				StartedAt:    res.StartedAt,
				Replications: len(res.Replications),
				Seed:         res.Config.Run.Seed,
				EndToEndMean: res.Aggregate.EndToEndMean.Mean,
			})
		}
		return nil
	})
	return out, err
}

// Delete removes runID. Deleting an unknown run is not an error.
func (a *Archive) Delete(runID string) error {
	return a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Delete([]byte(runID))
	})
}

// Close closes the underlying bbolt database.
func (a *Archive) Close() error {
	return a.db.Close()
}
