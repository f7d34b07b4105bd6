package manager

import "context"

// Policy selects eviction victims when the live entry count exceeds the
// configured bound.
type Policy string

const (
	// LRU evicts the entries with the smallest last-access stamp, ties
	// broken by earliest creation.
	LRU Policy = "lru"
	// FIFO evicts the earliest-created entries regardless of access.
	FIFO Policy = "fifo"
)

func (p Policy) valid() bool {
	return p == LRU || p == FIFO
}

// evict brings the live count back down to MaxSize: it selects exactly
// count-MaxSize victims under the configured policy, tombstones them,
// and compacts. Runs synchronously on the inserting caller.
func (m *Manager) evict(ctx context.Context) error {
	count, err := m.scalar.Count(ctx, false)
	if err != nil {
		return wrapErr("counting before eviction", err)
	}
	excess := count - m.opts.MaxSize
	if excess <= 0 {
		return nil
	}

	var victims []int64
	switch m.opts.Policy {
	case FIFO:
		victims, err = m.scalar.OldestCreated(ctx, int(excess))
	default:
		victims, err = m.scalar.OldestAccessed(ctx, int(excess))
	}
	if err != nil {
		return wrapErr("selecting eviction victims", err)
	}
	if len(victims) == 0 {
		return nil
	}

	if err := m.MarkDeleted(ctx, victims...); err != nil {
		return err
	}
	if err := m.ClearDeletedData(ctx); err != nil {
		return err
	}

	m.logger.Debug("evicted entries",
		"policy", string(m.opts.Policy),
		"count", len(victims),
		"max_size", m.opts.MaxSize)
	return nil
}
