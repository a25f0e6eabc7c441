package collaboration

import (
	"time"

	"textsync/internal/models"
	"textsync/internal/ot"
)

// Replica is the relay's copy of one document, built by replaying every
// relayed batch in broker order. It answers SYNC requests.
type Replica struct {
	DocID     string
	content   string
	batches   int64
	updatedAt time.Time
}

func newReplica(docID string) *Replica {
	return &Replica{DocID: docID, updatedAt: time.Now()}
}

// Apply replays a batch; on error the replica is unchanged
func (r *Replica) Apply(changes []models.Operation) error {
	next, err := ot.Apply(r.content, changes)
	if err != nil {
		return err
	}
	r.content = next
	r.batches++
	r.updatedAt = time.Now()
	return nil
}

// Content is the current text
func (r *Replica) Content() string { return r.content }

// Batches is the number of batches applied so far
func (r *Replica) Batches() int64 { return r.batches }
