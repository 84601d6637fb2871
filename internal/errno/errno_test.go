package errno

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	missing := errors.Annotate(ErrMissingRun.GenWithStackByArgs(2, 1), "merge stage")
	require.True(t, IsRetryable(missing))
	require.False(t, IsUsage(missing))

	write := errors.Trace(ErrStorageWrite.GenWithStackByArgs("run-1", "disk full"))
	require.False(t, IsRetryable(write))
	require.True(t, ErrStorageWrite.Equal(write))

	require.True(t, IsUsage(ErrUsage.GenWithStackByArgs("missing arguments")))
	require.True(t, IsUsage(ErrOutputExists.GenWithStackByArgs("/tmp/out")))
	require.False(t, IsUsage(errors.New("boom")))
}

func TestMessages(t *testing.T) {
	err := ErrParse.GenWithStackByArgs("abc", "in.txt:4")
	require.Contains(t, err.Error(), `malformed record "abc" at in.txt:4`)
	require.Contains(t, err.Error(), "Sort:Source:ErrParse")

	err = ErrStorageWrite.GenWithStackByArgs("/work/p0/r1.run", "no space left on device")
	require.Contains(t, err.Error(), "storage write failed for /work/p0/r1.run: no space left on device")
}

func TestValidationErrors(t *testing.T) {
	err := ErrNotSorted.GenWithStackByArgs(3, 9, 4)
	require.Contains(t, err.Error(), "output is not sorted at index 3: 9 then 4")
	require.False(t, IsUsage(err))
	require.False(t, IsRetryable(err))
	require.True(t, ErrValueMismatch.Equal(errors.Trace(ErrValueMismatch.GenWithStackByArgs("2 values missing"))))
}
