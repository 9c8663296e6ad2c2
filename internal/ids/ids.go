// Package ids issues the ULIDs used by epochsim.
//
// Message IDs must be reproducible: a Generator draws its entropy from a
// seeded source and stamps each ID with the virtual publish time, so two runs
// with the same seed publish byte-identical IDs. Run IDs identify archived
// reports and use crypto entropy and the wall clock instead.
package ids

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultEpoch is the wall-clock instant virtual time zero maps to.
var DefaultEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Generator produces time-ordered message IDs from virtual timestamps.
// Not safe for concurrent use; each simulation owns one.
type Generator struct {
	epoch   time.Time
	entropy io.Reader
}

// NewGenerator returns a Generator drawing monotone entropy from src.
// A zero epoch selects DefaultEpoch.
func NewGenerator(src io.Reader, epoch time.Time) *Generator {
	if epoch.IsZero() {
		epoch = DefaultEpoch
	}
	return &Generator{
		epoch:   epoch,
		entropy: ulid.Monotonic(src, 0),
	}
}

// Next returns a new ULID stamped with the virtual time at. IDs issued at the
// same millisecond stay lexicographically ordered.
func (g *Generator) Next(at time.Duration) (string, error) {
	id, err := ulid.New(ulid.Timestamp(g.epoch.Add(at)), g.entropy)
	if err != nil {
		return "", fmt.Errorf("ids: generate: %w", err)
	}
	return id.String(), nil
}

// monoEntropy is a package-level monotone entropy source shared across all
// NewRunID calls so run IDs stay ordered within a millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewRunID generates a wall-clock ULID for an archived run.
func NewRunID() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", fmt.Errorf("ids: run id: %w", err)
	}
	return id.String(), nil
}

// Validate returns an error if s is not a well-formed ULID string.
func Validate(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// Time returns the timestamp embedded in a ULID.
func Time(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}
