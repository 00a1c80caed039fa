package parttable

import "regexp"

// regexpMustCompilePartitionLine compiles the pattern matching a partition
// dump line: "DEV : start=N, size=N, type=T".
func regexpMustCompilePartitionLine() *regexp.Regexp {
	return regexp.MustCompile(`^(\S+)\s*:\s*start=\s*(\d+),\s*size=\s*(\d+),\s*type=\s*(\S+)$`)
}
