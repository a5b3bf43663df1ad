package table

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"

	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/device"
)

// hostMu serializes every host-repair call in the process. The host side is
// a single exclusive resource; hold it only around the column conversion and
// swap, never across device work.
var hostMu sync.Mutex

var defaultPattern = regexp.MustCompile(`(\d+)`)

// MissPolicy selects what RepairColumn does with a cell the pattern cannot
// convert.
type MissPolicy int

const (
	// MissError fails the repair. Silent NaN placeholders corrupt the
	// feature tensor invisibly, so this is the default.
	MissError MissPolicy = iota
	// MissZero writes 0 and counts the miss.
	MissZero
)

// RepairPolicy controls how string cells are coerced to numbers. The zero
// value is unusable; start from DefaultRepairPolicy.
type RepairPolicy struct {
	// Pattern extracts the numeric substring. The first capture group wins;
	// without a group the whole match is used.
	Pattern *regexp.Regexp
	// Normalize applies NFKC first, folding full-width digits and compatibility
	// forms into their ASCII equivalents.
	Normalize bool
	OnMiss    MissPolicy
	// Cache, when non-nil, memoizes successful parses keyed by the raw cell.
	// Categorical columns repeat heavily; the memo skips normalization and
	// the regexp on repeats.
	Cache cache.ParseCache
}

// DefaultRepairPolicy extracts the first digit run, NFKC-normalized, and
// fails on cells with no digits.
func DefaultRepairPolicy() RepairPolicy {
	return RepairPolicy{Pattern: defaultPattern, Normalize: true, OnMiss: MissError}
}

// RepairError reports the first cell a repair could not convert.
type RepairError struct {
	Column string
	Row    int
	Value  string
}

func (e *RepairError) Error() string {
	return fmt.Sprintf("table: repair of column %q: no numeric value at row %d (%q)", e.Column, e.Row, e.Value)
}

// RepairColumn converts the named utf8 column to float32 in place on the
// batch: every batch row, not just the caller's window, so overlapping
// windows observe a consistent dtype. The whole call runs under the
// process-wide host mutex. Repairing a column that is already numeric is a
// no-op, which is what a stage sees when a concurrent message repaired the
// same column first.
func RepairColumn(alloc device.Allocator, b *Batch, name string, policy RepairPolicy) error {
	if policy.Pattern == nil {
		return fmt.Errorf("table: repair of column %q: nil extraction pattern", name)
	}

	hostMu.Lock()
	defer hostMu.Unlock()
	start := time.Now()

	col, err := b.Column(name)
	if err != nil {
		return err
	}
	if col.DType() != device.Utf8 {
		return nil
	}

	cells := col.Cells()
	buf, err := alloc.Allocate(len(cells) * device.Float32.Size())
	if err != nil {
		return fmt.Errorf("repair of column %q: %w", name, err)
	}
	out := buf.Float32s()

	misses := 0
	for i, cell := range cells {
		if policy.Cache != nil {
			if v, ok := policy.Cache.Get(cell); ok {
				out[i] = v
				parseHits.Inc()
				continue
			}
		}
		raw := cell
		if policy.Normalize {
			cell = norm.NFKC.String(cell)
		}
		v, ok := extract(policy.Pattern, cell)
		if !ok {
			if policy.OnMiss == MissError {
				buf.Release()
				return &RepairError{Column: name, Row: i, Value: raw}
			}
			misses++
			repairMisses.Inc()
			continue
		}
		out[i] = v
		if policy.Cache != nil {
			policy.Cache.Put(raw, v)
		}
	}

	repl, err := NewColumn(name, device.Float32, buf, len(cells))
	buf.Release()
	if err != nil {
		return err
	}
	if err := b.ReplaceColumn(name, repl); err != nil {
		repl.Release()
		return err
	}

	repairsTotal.Inc()
	repairDuration.Observe(time.Since(start).Seconds())
	log.Debug().
		Int64("batch", b.ID()).
		Str("column", name).
		Int("rows", len(cells)).
		Int("misses", misses).
		Dur("took", time.Since(start)).
		Msg("Repaired string column to float32")
	return nil
}

func extract(pattern *regexp.Regexp, cell string) (float32, bool) {
	m := pattern.FindStringSubmatch(cell)
	if m == nil {
		return 0, false
	}
	s := m[0]
	if len(m) > 1 {
		s = m[1]
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, false
	}
	return float32(v), true
}
