package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPatchStatCountsAddedAndRemovedLines(t *testing.T) {
	patch := Patch{Diff: `--- a/main.go
+++ b/main.go
@@ -1,3 +1,3 @@
-func old() {}
+func new() {}
+func extra() {}
 func unchanged() {}
`}

	stat := patch.Stat()
	assert.Equal(t, 2, stat.LinesAdded)
	assert.Equal(t, 1, stat.LinesRemoved)
	assert.False(t, stat.IsEmpty())
}

func TestEmptyDiffIsEmptyStat(t *testing.T) {
	stat := Patch{Diff: ""}.Stat()
	assert.True(t, stat.IsEmpty())
}

func TestSummarizeValidationChangeHighlightsDifference(t *testing.T) {
	previous := Validation{Stdout: "BUILD FAILED: 3 errors"}
	latest := Validation{Stdout: "BUILD SUCCESSFUL"}

	summary := SummarizeValidationChange(previous, latest)
	assert.NotEmpty(t, summary)
}
