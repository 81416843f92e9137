package interval

import (
	"os"
	"path/filepath"
	"testing"

	"crabdb/pkg/dberr"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func tempIntervalPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ranges.crabdb")
}

func TestInsert_RejectsInvertedRange(t *testing.T) {
	path := tempIntervalPath(t)
	s, err := Create(path)
	require.NoError(t, err)

	err = s.Insert(Interval{Start: 10, End: 5})
	require.Error(t, err)
	require.Equal(t, dberr.InvalidParam, dberr.KindOf(err))
}

func TestFind_HalfOpenOverlap(t *testing.T) {
	path := tempIntervalPath(t)
	s, err := Create(path)
	require.NoError(t, err)

	require.NoError(t, s.Insert(Interval{Start: 0, End: 10}))
	require.NoError(t, s.Insert(Interval{Start: 10, End: 20})) // touches but does not overlap the query [8,10)
	require.NoError(t, s.Insert(Interval{Start: 5, End: 15}))

	results, total, err := s.Find(Interval{Start: 8, End: 10}, 10)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.ElementsMatch(t, []Interval{{Start: 0, End: 10}, {Start: 5, End: 15}}, results)
}

func TestFind_TruncatesAtMaxResultsButReportsTotal(t *testing.T) {
	path := tempIntervalPath(t)
	s, err := Create(path)
	require.NoError(t, err)
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, s.Insert(Interval{Start: i, End: i + 100}))
	}

	results, total, err := s.Find(Interval{Start: 4, End: 5}, 2)
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, results, 2)
}

func TestFind_NoOverlapIsNotFound(t *testing.T) {
	path := tempIntervalPath(t)
	s, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, s.Insert(Interval{Start: 0, End: 5}))

	_, _, err = s.Find(Interval{Start: 10, End: 20}, 10)
	require.Error(t, err)
	require.Equal(t, dberr.NotFound, dberr.KindOf(err))
}

func TestUpdate_ReplacesExactMatch(t *testing.T) {
	path := tempIntervalPath(t)
	s, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, s.Insert(Interval{Start: 1, End: 2}))

	require.NoError(t, s.Update(Interval{Start: 1, End: 2}, Interval{Start: 100, End: 200}))

	_, total, err := s.Find(Interval{Start: 1, End: 2}, 10)
	require.Equal(t, dberr.NotFound, dberr.KindOf(err))
	require.Equal(t, 0, total)

	results, total, err := s.Find(Interval{Start: 150, End: 160}, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, Interval{Start: 100, End: 200}, results[0])
}

func TestUpdate_NoMatchIsNotFound(t *testing.T) {
	path := tempIntervalPath(t)
	s, err := Create(path)
	require.NoError(t, err)

	err = s.Update(Interval{Start: 1, End: 2}, Interval{Start: 3, End: 4})
	require.Error(t, err)
	require.Equal(t, dberr.NotFound, dberr.KindOf(err))
}

func TestRemove_DeletesFirstMatch(t *testing.T) {
	path := tempIntervalPath(t)
	s, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, s.Insert(Interval{Start: 1, End: 2}))
	require.NoError(t, s.Insert(Interval{Start: 3, End: 4}))

	require.NoError(t, s.Remove(Interval{Start: 1, End: 2}))

	n, err := s.Count()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSize_GrowsAfterInsert(t *testing.T) {
	path := tempIntervalPath(t)
	s, err := Create(path)
	require.NoError(t, err)

	before, err := s.Size()
	require.NoError(t, err)
	require.Zero(t, before)

	require.NoError(t, s.Insert(Interval{Start: 1, End: 2}))

	after, err := s.Size()
	require.NoError(t, err)
	require.Greater(t, after, before)
}

func TestVerifyIntegrity_DetectsTamperedHash(t *testing.T) {
	path := tempIntervalPath(t)
	s, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, s.Insert(Interval{Start: 1, End: 2}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(string(data[:len(data)-2]) + "0\n")
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	err = s.VerifyIntegrity()
	require.Error(t, err)
	require.Equal(t, dberr.Corrupted, dberr.KindOf(err))
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	srcPath := tempIntervalPath(t)
	s, err := Create(srcPath)
	require.NoError(t, err)
	require.NoError(t, s.Insert(Interval{Start: 1, End: 9}))

	backupPath := filepath.Join(filepath.Dir(srcPath), "backup.crabdb")
	require.NoError(t, s.Backup(backupPath))

	restorePath := filepath.Join(filepath.Dir(srcPath), "restored.crabdb")
	require.NoError(t, Restore(backupPath, restorePath))

	restored, err := Open(restorePath)
	require.NoError(t, err)
	n, err := restored.Count()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestProperty_OverlapQueryMatchesHalfOpenDefinition(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		path := tempIntervalPath(t)
		s, err := Create(path)
		if err != nil {
			rt.Fatalf("Create failed: %v", err)
		}

		n := rapid.IntRange(0, 15).Draw(rt, "n")
		var want []Interval
		for i := 0; i < n; i++ {
			start := rapid.Uint64Range(0, 100).Draw(rt, "start")
			length := rapid.Uint64Range(1, 20).Draw(rt, "length")
			iv := Interval{Start: start, End: start + length}
			if err := s.Insert(iv); err != nil {
				rt.Fatalf("Insert failed: %v", err)
			}
			want = append(want, iv)
		}

		qStart := rapid.Uint64Range(0, 100).Draw(rt, "qstart")
		qLen := rapid.Uint64Range(1, 20).Draw(rt, "qlen")
		query := Interval{Start: qStart, End: qStart + qLen}

		var expected []Interval
		for _, iv := range want {
			if iv.Start < query.End && query.Start < iv.End {
				expected = append(expected, iv)
			}
		}

		results, total, err := s.Find(query, len(want)+1)
		if len(expected) == 0 {
			if dberr.KindOf(err) != dberr.NotFound {
				rt.Fatalf("expected NotFound for no overlaps, got %v", err)
			}
			return
		}
		if err != nil {
			rt.Fatalf("Find failed: %v", err)
		}
		if total != len(expected) {
			rt.Fatalf("total = %d, want %d", total, len(expected))
		}
		if len(results) != len(expected) {
			rt.Fatalf("results = %d, want %d", len(results), len(expected))
		}
	})
}

func TestProperty_InsertThenFindSelf(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		path := tempIntervalPath(t)
		s, err := Create(path)
		if err != nil {
			rt.Fatalf("Create failed: %v", err)
		}

		start := rapid.Uint64Range(0, 1000).Draw(rt, "start")
		length := rapid.Uint64Range(1, 50).Draw(rt, "length")
		iv := Interval{Start: start, End: start + length}

		if err := s.Insert(iv); err != nil {
			rt.Fatalf("Insert failed: %v", err)
		}

		results, total, err := s.Find(iv, 10)
		if err != nil {
			rt.Fatalf("Find failed: %v", err)
		}
		if total < 1 {
			rt.Fatalf("inserted interval did not overlap itself")
		}
		found := false
		for _, r := range results {
			if r == iv {
				found = true
			}
		}
		if !found {
			rt.Fatalf("Find did not return the inserted interval %v among %v", iv, results)
		}
	})
}
