package partition

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/crawltab/pkg/types"
)

func makePaths(n int) []string {
	paths := make([]string, n)
	for i := range paths {
		paths[i] = fmt.Sprintf("/data/sub-%03d", i)
	}
	return paths
}

func TestPartitionRoundRobin(t *testing.T) {
	paths := []string{"a", "b", "c", "d", "e"}

	got, err := Partition(paths, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "e"}, got)

	got, err = Partition(paths, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d"}, got)
}

func TestPartitionBlock(t *testing.T) {
	paths := []string{"a", "b", "c", "d", "e"}

	got, err := Partition(paths, 0, 2, WithScheme(Block))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	got, err = Partition(paths, 1, 2, WithScheme(Block))
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, got)

	// min per worker starves trailing workers
	got, err = Partition(paths, 1, 3, WithScheme(Block), WithMinPerWorker(4))
	require.NoError(t, err)
	assert.Equal(t, []string{"e"}, got)

	got, err = Partition(paths, 2, 3, WithScheme(Block), WithMinPerWorker(4))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPartitionUnion(t *testing.T) {
	for _, scheme := range []Scheme{RoundRobin, Block} {
		for _, n := range []int{0, 1, 7, 100} {
			for _, w := range []int{1, 3, 8, 150} {
				t.Run(fmt.Sprintf("%s/n=%d/w=%d", scheme, n, w), func(t *testing.T) {
					paths := makePaths(n)
					seen := make(map[string]int, n)
					for id := 0; id < w; id++ {
						part, err := Partition(paths, id, w, WithScheme(scheme))
						require.NoError(t, err)
						for _, p := range part {
							seen[p]++
						}
					}
					assert.Len(t, seen, n)
					for p, count := range seen {
						assert.Equal(t, 1, count, p)
					}
				})
			}
		}
	}
}

func TestPartitionDeterministic(t *testing.T) {
	paths := makePaths(31)
	a, err := Partition(paths, 2, 4)
	require.NoError(t, err)
	b, err := Partition(paths, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPartitionInvalid(t *testing.T) {
	tests := []struct {
		name    string
		id, num int
	}{
		{"zero workers", 0, 0},
		{"negative workers", 0, -1},
		{"id too large", 2, 2},
		{"negative id", -1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Partition(makePaths(3), tt.id, tt.num)
			assert.ErrorIs(t, err, types.ErrConfiguration)
		})
	}

	_, err := Partition(makePaths(3), 0, 1, WithScheme("hash"))
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestParseScheme(t *testing.T) {
	s, err := ParseScheme("")
	require.NoError(t, err)
	assert.Equal(t, RoundRobin, s)

	s, err = ParseScheme("Block")
	require.NoError(t, err)
	assert.Equal(t, Block, s)

	_, err = ParseScheme("random")
	assert.Error(t, err)
}
