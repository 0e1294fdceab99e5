package production

import (
	"context"
	"sort"
	"time"

	"github.com/warp/punch-ledger/generic"
)

// PunchRecord is one applied punch as shown in history and exports.
type PunchRecord struct {
	AuditID        string
	OperationIndex int
	OperationName  string
	ActorID        string
	ActorName      string
	Produced       generic.Quantity
	Rejected       generic.Quantity
	PostingTime    time.Time
}

// History is the punch history of one order, grouped by operation index.
type History map[int][]PunchRecord

// Indexes returns the operation indexes present, ascending.
func (h History) Indexes() []int {
	idx := make([]int, 0, len(h))
	for i := range h {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Flatten returns all records ordered by operation index, then posting time.
func (h History) Flatten() []PunchRecord {
	var out []PunchRecord
	for _, i := range h.Indexes() {
		out = append(out, h[i]...)
	}
	return out
}

// PunchHistory groups the processed audit entries of an order by operation.
// Entries that never reached the ledger are left out.
func PunchHistory(ctx context.Context, audit AuditLog, id OrderID) (History, error) {
	entries, err := audit.History(ctx, id)
	if err != nil {
		return nil, err
	}

	history := History{}
	for _, e := range entries {
		if !e.Processed {
			continue
		}
		history[e.OperationIndex] = append(history[e.OperationIndex], PunchRecord{
			AuditID:        e.ID,
			OperationIndex: e.OperationIndex,
			OperationName:  e.OperationName,
			ActorID:        e.ActorID,
			ActorName:      e.ActorName,
			Produced:       e.Produced,
			Rejected:       e.Rejected,
			PostingTime:    e.PostingTime,
		})
	}
	for i := range history {
		records := history[i]
		sort.SliceStable(records, func(a, b int) bool {
			return records[a].PostingTime.Before(records[b].PostingTime)
		})
	}
	return history, nil
}
