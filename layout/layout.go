// Package layout names the on-disk directory conventions shared by the
// write path (mergetree), the scan planner, and expiration: one table root
// containing snapshot/, manifest/, schema/, and one <part-spec>/bucket-<n>/
// directory per (partition, bucket), as spec.md §6 lays out.
package layout

import (
	"fmt"
	"strings"
)

// PartitionSpec renders a partition value as its directory segment,
// "k1=v1/k2=v2/...", substituting defaultName for any NULL component.
func PartitionSpec(keys []string, values []interface{}, defaultName string) string {
	if len(keys) == 0 {
		return ""
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		v := valueString(values, i, defaultName)
		parts[i] = k + "=" + v
	}
	return strings.Join(parts, "/")
}

func valueString(values []interface{}, i int, defaultName string) string {
	if i >= len(values) || values[i] == nil {
		return defaultName
	}
	return fmt.Sprintf("%v", values[i])
}

// BucketPath returns the directory one bucket's data and changelog files
// live under, rooted at the table directory.
func BucketPath(tableRoot, partSpec string, bucket int) string {
	if partSpec == "" {
		return fmt.Sprintf("%s/bucket-%d", tableRoot, bucket)
	}
	return fmt.Sprintf("%s/%s/bucket-%d", tableRoot, partSpec, bucket)
}
