package table

import (
	"fmt"
	"hash/crc32"

	"tablestore/config"
)

// BucketAssigner computes which bucket a row's record belongs in, the
// "bucketing" step of spec.md §2's write data-flow. It hashes the
// configured bucket-key fields (the primary key, minus the partition
// keys, when bucket-key is unset) with crc32 and reduces modulo the
// table's fixed bucket count — the same fixed-bucket-count model the
// original system uses, expressed with the standard library's checksum
// hash rather than inventing a bespoke one.
type BucketAssigner struct {
	bucketCount int
	fieldPositions []int
}

// NewBucketAssigner resolves bucketKeyFields (falling back to primaryKeys
// minus partitionKeys when empty, per spec.md §6 bucket-key) into
// positions within the table's value row and pairs them with the
// configured bucket count.
func NewBucketAssigner(bucketCount int, fieldNames []string, bucketKeyFields []string, partitionKeys []string, primaryKeys []string) (*BucketAssigner, error) {
	keys := bucketKeyFields
	if len(keys) == 0 {
		keys = subtract(primaryKeys, partitionKeys)
	}
	if len(keys) == 0 {
		keys = fieldNames
	}

	positions := make([]int, 0, len(keys))
	for _, k := range keys {
		pos := indexOf(fieldNames, k)
		if pos < 0 {
			return nil, fmt.Errorf("bucket-key field %q not found in row", k)
		}
		positions = append(positions, pos)
	}
	return &BucketAssigner{bucketCount: bucketCount, fieldPositions: positions}, nil
}

// Assign returns the bucket for one row's values.
func (b *BucketAssigner) Assign(values []interface{}) int {
	h := crc32.NewIEEE()
	for _, pos := range b.fieldPositions {
		if pos < len(values) {
			fmt.Fprintf(h, "%v|", values[pos])
		}
	}
	return int(h.Sum32() % uint32(b.bucketCount))
}

func subtract(a, b []string) []string {
	excl := map[string]bool{}
	for _, k := range b {
		excl[k] = true
	}
	var out []string
	for _, k := range a {
		if !excl[k] {
			out = append(out, k)
		}
	}
	return out
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

// resolveBucketAssigner is the config.TableOptions-driven constructor used
// by Table.
func resolveBucketAssigner(opts config.TableOptions, fieldNames, partitionKeys, primaryKeys []string) (*BucketAssigner, error) {
	var bucketKeys []string
	if opts.BucketKey != "" {
		bucketKeys = config.SplitCSV(opts.BucketKey)
	}
	return NewBucketAssigner(opts.Bucket, fieldNames, bucketKeys, partitionKeys, primaryKeys)
}
