package domain

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffStat summarizes a unified diff's size.
type DiffStat struct {
	LinesAdded   int
	LinesRemoved int
}

// Stat reports how many lines the patch's unified-diff text adds and
// removes, counting lines that start with '+' or '-' other than the
// "+++"/"---" file headers. It never returns an error and does not check
// that the text is a well-formed diff; this is a display/sanity-check
// helper, not a diff parser.
func (p Patch) Stat() DiffStat {
	var stat DiffStat
	for _, line := range strings.Split(p.Diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---"):
			continue
		case strings.HasPrefix(line, "+"):
			stat.LinesAdded++
		case strings.HasPrefix(line, "-"):
			stat.LinesRemoved++
		}
	}
	return stat
}

// IsEmpty reports whether the patch touches no lines at all.
func (s DiffStat) IsEmpty() bool { return s.LinesAdded == 0 && s.LinesRemoved == 0 }

// SummarizeValidationChange produces a human-readable diff between two
// validation runs' captured output, for the NOTIFY agent's manual-
// intervention summary after a patch/validate loop exhausts its retries.
func SummarizeValidationChange(previous, latest Validation) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(previous.Stdout+previous.Stderr, latest.Stdout+latest.Stderr, false)
	return dmp.DiffPrettyText(diffs)
}
