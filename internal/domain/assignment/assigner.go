// Package assignment splits an eligible pool into control and treatment.
//
// The split is reproducible: every subject gets a rank key derived from the
// seed and its ID with keyed BLAKE2b, subjects are ordered by that key, and
// the ordered list is cut at the point given by the group ratio. The same
// subjects, ratio and seed always produce the same split, regardless of the
// order the pool arrives in. This is a testability property, not a security
// one.
//
// Assign never reads a clock. The caller passes the assignment time, so the
// whole output, AssignedAt included, is a pure function of the inputs.
package assignment

import (
	"encoding/binary"
	"math"
	"sort"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"

	"golang.org/x/crypto/blake2b"
)

// Assigner is stateless and safe for concurrent use.
type Assigner struct{}

// New creates an Assigner.
func New() *Assigner {
	return &Assigner{}
}

type ranked struct {
	index int
	key   uint64
	id    experiment.SubjectID
}

// Assign returns one assignment per subject, in input order, each stamped
// with at. The treatment arm receives round(n * ratio / (1 + ratio)) subjects.
func (a *Assigner) Assign(runID experiment.RunID, subjects []experiment.Subject, groupRatio float64, seed int64, at time.Time) ([]experiment.Assignment, error) {
	if len(subjects) == 0 {
		return nil, shared.ErrEmptySubjectPool
	}
	if math.IsNaN(groupRatio) || math.IsInf(groupRatio, 0) || groupRatio <= 0 {
		return nil, shared.ErrInvalidParameter.Detail("group ratio must be a finite positive number, got %v", groupRatio)
	}

	seen := make(map[experiment.SubjectID]struct{}, len(subjects))
	for _, s := range subjects {
		if !s.ID.IsValid() {
			return nil, shared.ErrInvalidParameter.Detail("blank subject identifier")
		}
		if _, dup := seen[s.ID]; dup {
			return nil, shared.ErrDuplicateSubject.Detail("%s", s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	hasher, err := newRanker(seed)
	if err != nil {
		return nil, err
	}

	order := make([]ranked, len(subjects))
	for i, s := range subjects {
		order[i] = ranked{index: i, key: hasher.rank(s.ID), id: s.ID}
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].key != order[j].key {
			return order[i].key < order[j].key
		}
		return order[i].id < order[j].id
	})

	n := len(subjects)
	treatment := TreatmentSize(n, groupRatio)
	control := n - treatment

	stamp := at.UTC()
	out := make([]experiment.Assignment, n)
	for pos, r := range order {
		group := experiment.GroupTreatment
		if pos < control {
			group = experiment.GroupControl
		}
		out[r.index] = experiment.Assignment{
			RunID:      runID,
			SubjectID:  r.id,
			Group:      group,
			AssignedAt: stamp,
		}
	}
	return out, nil
}

// TreatmentSize is the number of treatment subjects in a pool of n.
func TreatmentSize(n int, groupRatio float64) int {
	return int(math.Round(float64(n) * groupRatio / (1 + groupRatio)))
}

// Split counts the subjects per group.
func Split(assignments []experiment.Assignment) (control, treatment int) {
	for _, a := range assignments {
		switch a.Group {
		case experiment.GroupControl:
			control++
		case experiment.GroupTreatment:
			treatment++
		}
	}
	return control, treatment
}

type ranker struct {
	key []byte
}

func newRanker(seed int64) (*ranker, error) {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seed))
	// Fail early if the key is rejected rather than on the first subject.
	if _, err := blake2b.New256(key); err != nil {
		return nil, shared.ErrInvalidParameter.Wrap(err)
	}
	return &ranker{key: key}, nil
}

func (r *ranker) rank(id experiment.SubjectID) uint64 {
	h, _ := blake2b.New256(r.key)
	h.Write([]byte(id))
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}
