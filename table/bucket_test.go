package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablestore/config"
)

func TestNewBucketAssignerUsesPrimaryKeyMinusPartitionKeyByDefault(t *testing.T) {
	a, err := NewBucketAssigner(4, []string{"id", "region", "amount"}, nil, []string{"region"}, []string{"region", "id"})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, a.fieldPositions, "bucket key falls back to primaryKeys minus partitionKeys, i.e. just id")
}

func TestNewBucketAssignerExplicitBucketKeyWins(t *testing.T) {
	a, err := NewBucketAssigner(4, []string{"id", "region", "amount"}, []string{"amount"}, []string{"region"}, []string{"region", "id"})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, a.fieldPositions)
}

func TestNewBucketAssignerFallsBackToAllFieldsWithNoKeys(t *testing.T) {
	a, err := NewBucketAssigner(4, []string{"id", "amount"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, a.fieldPositions)
}

func TestNewBucketAssignerUnknownFieldErrors(t *testing.T) {
	_, err := NewBucketAssigner(4, []string{"id"}, []string{"missing"}, nil, nil)
	assert.Error(t, err)
}

func TestBucketAssignerAssignIsDeterministicAndInRange(t *testing.T) {
	a, err := NewBucketAssigner(8, []string{"id"}, nil, nil, nil)
	require.NoError(t, err)

	b1 := a.Assign([]interface{}{int64(42)})
	b2 := a.Assign([]interface{}{int64(42)})
	assert.Equal(t, b1, b2)
	assert.True(t, b1 >= 0 && b1 < 8)
}

func TestBucketAssignerAssignVariesAcrossKeys(t *testing.T) {
	a, err := NewBucketAssigner(1024, []string{"id"}, nil, nil, nil)
	require.NoError(t, err)

	seen := map[int]bool{}
	for i := int64(0); i < 50; i++ {
		seen[a.Assign([]interface{}{i})] = true
	}
	assert.Greater(t, len(seen), 1, "distinct keys should usually land in distinct buckets")
}

func TestResolveBucketAssignerSplitsBucketKeyOption(t *testing.T) {
	opts := config.TableOptions{Bucket: 4, BucketKey: "amount"}
	a, err := resolveBucketAssigner(opts, []string{"id", "amount"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, a.fieldPositions)
}
