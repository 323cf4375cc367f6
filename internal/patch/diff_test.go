package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDiff = `--- a/auth.py
+++ b/auth.py
@@ -8,4 +8,4 @@
 def login(user, password):
     query = build_query(user)
-    db.execute(query + password)
+    db.execute(query, (password,))
     return True
`

func TestParse_SingleFile(t *testing.T) {
	files, data, err := Parse(sampleDiff)
	require.NoError(t, err)
	require.Len(t, files, 1)

	assert.Equal(t, "auth.py", files[0].Path)
	require.Len(t, files[0].Hunks, 1)
	h := files[0].Hunks[0]
	assert.Equal(t, 8, h.OldStart)
	assert.Equal(t, 4, h.OldLines)

	assert.Equal(t, []string{"auth.py"}, data.Files)
	assert.Equal(t, 1, data.LinesAdded)
	assert.Equal(t, 1, data.LinesRemoved)
}

func TestParse_MultiFileAndNewFile(t *testing.T) {
	diff := `--- a/x.go
+++ b/x.go
@@ -1,3 +1,3 @@
 package x

-var A = 1
+var A = 2
--- /dev/null
+++ b/y.go
@@ -0,0 +1,3 @@
+package x
+
+var B = 3
`
	files, data, err := Parse(diff)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "x.go", files[0].Path)
	assert.Equal(t, "y.go", files[1].Path)
	assert.True(t, files[1].IsNew)
	assert.Equal(t, []string{"x.go", "y.go"}, data.Files)
	assert.Equal(t, 4, data.LinesAdded)
}

func TestParse_RejectsCountMismatch(t *testing.T) {
	diff := `--- a/x.go
+++ b/x.go
@@ -1,5 +1,5 @@
 one line only
`
	_, _, err := Parse(diff)
	assert.Error(t, err)
}

func TestParse_RejectsEmpty(t *testing.T) {
	_, _, err := Parse("just prose, not a diff\n")
	assert.Error(t, err)
}

func TestApplyHunks_Basic(t *testing.T) {
	content := "a\nb\nc\nd\n"
	hunks := []Hunk{{
		OldStart: 2, OldLines: 2, NewStart: 2, NewLines: 2,
		Lines: []Line{
			{OpContext, "b"},
			{OpDelete, "c"},
			{OpAdd, "C"},
		},
	}}
	got, err := applyHunks(content, hunks)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nC\nd\n", got)
}

func TestApplyHunks_ContextMismatch(t *testing.T) {
	content := "a\nb\nc\n"
	hunks := []Hunk{{
		OldStart: 1, OldLines: 1, NewStart: 1, NewLines: 1,
		Lines: []Line{{OpDelete, "ZZZ"}, {OpAdd, "a2"}},
	}}
	_, err := applyHunks(content, hunks)
	assert.Error(t, err, "conflicting hunks must not apply")
}

func TestApplyHunks_InsertionIntoEmptyFile(t *testing.T) {
	hunks := []Hunk{{
		OldStart: 0, OldLines: 0, NewStart: 1, NewLines: 2,
		Lines: []Line{{OpAdd, "first"}, {OpAdd, "second"}},
	}}
	got, err := applyHunks("", hunks)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", got)
}

func TestApplyHunks_MultipleHunksInOrder(t *testing.T) {
	content := "1\n2\n3\n4\n5\n6\n"
	hunks := []Hunk{
		{OldStart: 1, OldLines: 1, NewStart: 1, NewLines: 1,
			Lines: []Line{{OpDelete, "1"}, {OpAdd, "one"}}},
		{OldStart: 5, OldLines: 1, NewStart: 5, NewLines: 1,
			Lines: []Line{{OpDelete, "5"}, {OpAdd, "five"}}},
	}
	got, err := applyHunks(content, hunks)
	require.NoError(t, err)
	assert.Equal(t, "one\n2\n3\n4\nfive\n6\n", got)
}
