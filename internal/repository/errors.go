package repository

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrConditionFailed = errors.New("condition check failed")
)

// ConditionError reports which writes of an ExecuteWrite call failed their
// condition. Indexes refer to positions in the submitted slice.
type ConditionError struct {
	Indexes []int
}

func NewConditionError(indexes ...int) *ConditionError {
	sorted := append([]int(nil), indexes...)
	sort.Ints(sorted)
	return &ConditionError{Indexes: sorted}
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition check failed for writes %v", e.Indexes)
}

func (e *ConditionError) Is(target error) bool {
	return target == ErrConditionFailed
}

// FailedIndexes returns the failed write positions carried by err, or nil.
func FailedIndexes(err error) []int {
	var cerr *ConditionError
	if errors.As(err, &cerr) {
		return cerr.Indexes
	}
	return nil
}
