package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionSpecNoKeysIsEmpty(t *testing.T) {
	assert.Equal(t, "", PartitionSpec(nil, nil, "__null__"))
}

func TestPartitionSpecRendersKeyValuePairs(t *testing.T) {
	spec := PartitionSpec([]string{"order_date", "region"}, []interface{}{"2026-08-03", "us-east"}, "__null__")
	assert.Equal(t, "order_date=2026-08-03/region=us-east", spec)
}

func TestPartitionSpecSubstitutesDefaultForNull(t *testing.T) {
	spec := PartitionSpec([]string{"region"}, []interface{}{nil}, "__null__")
	assert.Equal(t, "region=__null__", spec)
}

func TestPartitionSpecSubstitutesDefaultForMissingValue(t *testing.T) {
	spec := PartitionSpec([]string{"region"}, nil, "__null__")
	assert.Equal(t, "region=__null__", spec)
}

func TestBucketPathWithoutPartition(t *testing.T) {
	assert.Equal(t, "root/bucket-3", BucketPath("root", "", 3))
}

func TestBucketPathWithPartition(t *testing.T) {
	assert.Equal(t, "root/region=us-east/bucket-3", BucketPath("root", "region=us-east", 3))
}
