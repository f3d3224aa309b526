package blockimgdiff

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"testing"
)

// copyRunner copies the file named by the second to last argument into the last one
type copyRunner struct {
	calls [][]string
	err   error
}

func (c *copyRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	c.calls = append(c.calls, append([]string{name}, args...))
	if c.err != nil {
		return nil, c.err
	}
	data, err := os.ReadFile(args[len(args)-2])
	if err != nil {
		return nil, err
	}
	return nil, os.WriteFile(args[len(args)-1], data, 0600)
}

func TestToolDiffer(t *testing.T) {
	tests := map[string]struct {
		style        Style
		expectedTool string
		expectedArgs int
	}{
		"bsdiff": {
			style:        StyleBsdiff,
			expectedTool: "bsdiff",
			expectedArgs: 4,
		},
		"imgdiff on zip": {
			style:        StyleImgdiff,
			expectedTool: "imgdiff",
			expectedArgs: 5,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			runner := &copyRunner{}
			differ := ToolDiffer{Runner: runner, TempDir: t.TempDir()}
			patch, err := differ.Diff(context.Background(), tc.style, []byte("source"), []byte("target"))
			require.NoError(t, err)
			assert.Equal(t, []byte("target"), patch)
			require.Len(t, runner.calls, 1)
			assert.Equal(t, tc.expectedTool, runner.calls[0][0])
			assert.Len(t, runner.calls[0], tc.expectedArgs)
		})
	}
}

func TestToolDifferFailure(t *testing.T) {
	failure := errors.New("exit status 1")
	differ := ToolDiffer{Runner: &copyRunner{err: failure}, TempDir: t.TempDir()}
	_, err := differ.Diff(context.Background(), StyleBsdiff, []byte("a"), []byte("b"))
	assert.ErrorIs(t, err, failure)

	_, err = differ.Diff(context.Background(), StyleMove, []byte("a"), []byte("b"))
	assert.Error(t, err)
}

func TestComputePatchesNeedsDiffer(t *testing.T) {
	src := image(t, "system", "/system/a 0-1\n", 1)
	tgt := image(t, "system", "/system/a 0-1\n", 2)
	b := New(src, tgt, nil, Options{})
	transfers, err := b.FindTransfers()
	require.NoError(t, err)
	assert.Error(t, ComputePatches(context.Background(), src, tgt, transfers, nil, 1))
}
