package scan

import "tablestore/manifest"

// GenerateSplits packs one (partition, bucket) group's live files into
// splits per spec.md §4.H:
//   - append-only (isPrimaryKey=false): greedy pack by accumulated
//     fileSize+openFileCost, targeting targetSize per split.
//   - merge-tree (isPrimaryKey=true): every file in the bucket forms
//     exactly one split, since correct merging requires seeing the whole
//     bucket's key range together.
func GenerateSplits(files []manifest.DataFileMeta, isPrimaryKey bool, targetSize, openFileCost int64) [][]manifest.DataFileMeta {
	if len(files) == 0 {
		return nil
	}
	if isPrimaryKey {
		return [][]manifest.DataFileMeta{files}
	}

	if targetSize <= 0 {
		targetSize = 128 << 20
	}
	var splits [][]manifest.DataFileMeta
	var current []manifest.DataFileMeta
	var currentSize int64
	for _, f := range files {
		weight := f.FileSize + openFileCost
		if len(current) > 0 && currentSize+weight > targetSize {
			splits = append(splits, current)
			current = nil
			currentSize = 0
		}
		current = append(current, f)
		currentSize += weight
	}
	if len(current) > 0 {
		splits = append(splits, current)
	}
	return splits
}
