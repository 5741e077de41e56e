package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"quota-service/internal/models"
)

func TestConditionError(t *testing.T) {
	err := fmt.Errorf("execute write: %w", NewConditionError(2, 0))

	assert.True(t, errors.Is(err, ErrConditionFailed))
	assert.Equal(t, []int{0, 2}, FailedIndexes(err))
	assert.Nil(t, FailedIndexes(errors.New("boom")))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestLimitWriteModes(t *testing.T) {
	w := LimitWrite{Init: true, MinTokensMilli: 1000}
	assert.True(t, w.Absolute(WriteCreate))
	assert.True(t, w.Absolute(WriteNormal))
	assert.False(t, w.Absolute(WriteRetry))
	assert.True(t, w.Guarded(WriteRetry))
	assert.False(t, w.Guarded(WriteNormal))
	assert.False(t, w.UpdatesConfig(WriteAdjust))

	w.Init = false
	assert.False(t, w.Absolute(WriteNormal))
	w.MinTokensMilli = 0
	assert.False(t, w.Guarded(WriteRetry))
}

func TestBucketRecordStatesSorted(t *testing.T) {
	rec := &BucketRecord{Limits: map[string]models.BucketState{
		"tpm": {LimitName: "tpm"},
		"rpm": {LimitName: "rpm"},
	}}
	states := rec.States()
	assert.Equal(t, "rpm", states[0].LimitName)
	assert.Equal(t, "tpm", states[1].LimitName)
}
