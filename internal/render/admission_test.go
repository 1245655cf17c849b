package render

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissionAcquireRelease(t *testing.T) {
	a := NewAdmission(2, nil)

	require.NoError(t, a.TryAcquire())
	require.NoError(t, a.TryAcquire())
	assert.Equal(t, int64(2), a.Active())

	err := a.TryAcquire()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAdmissionRejected)

	var rejected *AdmissionRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, int64(2), rejected.Active)
	assert.Equal(t, int64(2), rejected.Limit)

	a.Release()
	assert.Equal(t, int64(1), a.Active())
	require.NoError(t, a.TryAcquire())
}

// With limit C and C+1 concurrent attempts, exactly one must be rejected
// and the rest admitted.
func TestAdmissionConcurrentOverflow(t *testing.T) {
	const limit = 8
	a := NewAdmission(limit, nil)

	var wg sync.WaitGroup
	var admitted, rejected sync.Map
	for i := 0; i < limit+1; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := a.TryAcquire(); err != nil {
				rejected.Store(id, true)
			} else {
				admitted.Store(id, true)
			}
		}(i)
	}
	wg.Wait()

	countIn, countOut := 0, 0
	admitted.Range(func(_, _ interface{}) bool { countIn++; return true })
	rejected.Range(func(_, _ interface{}) bool { countOut++; return true })

	assert.Equal(t, limit, countIn)
	assert.Equal(t, 1, countOut)
	assert.Equal(t, int64(limit), a.Active())
}

func TestAdmissionReleaseClampsAtZero(t *testing.T) {
	a := NewAdmission(1, nil)
	a.Release()
	assert.Equal(t, int64(0), a.Active())
	require.NoError(t, a.TryAcquire())
}
