// Package gff3 preprocesses GFF3 text into the form the CSI indexer
// requires: header lines passed through, an optional inline FASTA section
// dropped, and data lines stably sorted by (seqid, start, end) ahead of
// binning.
package gff3

import (
	"sort"
	"strconv"
	"strings"
)

// Preprocess reorders gff for CSI indexing: every `#`-prefixed header line
// is emitted first, in input order; a `##FASTA` line and everything after
// it are discarded; remaining non-blank lines are stably sorted by
// (field 1 lexicographically, field 4 as a signed integer, field 5 as a
// signed integer — unparsable field 4/5 values sort as 0) and emitted
// newline-terminated.
func Preprocess(gff string) string {
	var headers []string
	var records []string

	for _, line := range strings.Split(gff, "\n") {
		if strings.HasPrefix(line, "##FASTA") {
			break
		}
		if strings.HasPrefix(line, "#") {
			headers = append(headers, line)
		} else if line != "" {
			records = append(records, line)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return less(records[i], records[j])
	})

	var out strings.Builder
	for _, h := range headers {
		out.WriteString(h)
		out.WriteByte('\n')
	}
	for _, r := range records {
		out.WriteString(r)
		out.WriteByte('\n')
	}
	return out.String()
}

// less reports whether a sorts before b under (field1 lexicographic, field4
// numeric-or-0, field5 numeric-or-0).
func less(a, b string) bool {
	af := strings.Split(a, "\t")
	bf := strings.Split(b, "\t")

	a1, b1 := field(af, 0), field(bf, 0)
	if a1 != b1 {
		return a1 < b1
	}
	a4, b4 := numericField(af, 3), numericField(bf, 3)
	if a4 != b4 {
		return a4 < b4
	}
	a5, b5 := numericField(af, 4), numericField(bf, 4)
	return a5 < b5
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

func numericField(fields []string, i int) int64 {
	if i >= len(fields) {
		return 0
	}
	v, err := strconv.ParseInt(fields[i], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
