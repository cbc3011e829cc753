package dealer

import (
	"fmt"
	"sync"
)

// Roster hands out staff per dealer in round-robin order. Dealers without a
// configured roster get their front desk.
type Roster struct {
	mu    sync.Mutex
	staff map[int64][]string
	next  map[int64]int
}

func NewRoster(staff map[int64][]string) *Roster {
	cp := make(map[int64][]string, len(staff))
	for id, names := range staff {
		cp[id] = append([]string(nil), names...)
	}
	return &Roster{staff: cp, next: map[int64]int{}}
}

func (r *Roster) Assign(dealerID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := r.staff[dealerID]
	if len(names) == 0 {
		return fmt.Sprintf("dealer-%d-desk", dealerID)
	}
	i := r.next[dealerID] % len(names)
	r.next[dealerID] = i + 1
	return names[i]
}
