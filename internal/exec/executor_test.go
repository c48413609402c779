package exec

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edirooss/npshelld/internal/pipealloc"
	"github.com/edirooss/npshelld/internal/shell"
)

func newTestExecutor() *Executor {
	return New(zap.NewNop(), pipealloc.NewAllocator())
}

func awaitAll(t *testing.T, handles []*Handle) {
	t.Helper()
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("handle %d did not complete in time", h.ID)
		}
	}
}

func TestExecutorSingleStage(t *testing.T) {
	e := newTestExecutor()
	in := strings.NewReader("hello\n")
	var out bytes.Buffer

	handles, err := e.Run([]shell.Stage{{Argv: []string{"cat"}}}, in, &out, &out, false, nil, "/usr/bin")
	require.NoError(t, err)
	require.Len(t, handles, 1)
	awaitAll(t, handles)

	assert.Equal(t, "hello\n", out.String())
}

func TestExecutorMultiStagePipeline(t *testing.T) {
	e := newTestExecutor()
	in := strings.NewReader("a\nb\nc\n")
	var out bytes.Buffer

	stages := []shell.Stage{
		{Argv: []string{"cat"}},
		{Argv: []string{"wc", "-l"}},
	}
	handles, err := e.Run(stages, in, &out, &out, false, nil, "/usr/bin")
	require.NoError(t, err)
	require.Len(t, handles, 2)
	awaitAll(t, handles)

	assert.Equal(t, "3", strings.TrimSpace(out.String()))
}

func TestExecutorUnknownCommand(t *testing.T) {
	e := newTestExecutor()
	var out bytes.Buffer

	handles, err := e.Run([]shell.Stage{{Argv: []string{"doesnotexist12345"}}}, strings.NewReader(""), &out, &out, true, nil, "/usr/bin")
	require.NoError(t, err)
	require.Len(t, handles, 1)
	awaitAll(t, handles)

	assert.Equal(t, "Unknown command: [doesnotexist12345].\n", out.String())
	assert.Equal(t, 0, handles[0].Pid)
}

func TestExecutorDupStderr(t *testing.T) {
	e := newTestExecutor()
	var out, errOut bytes.Buffer

	handles, err := e.Run([]shell.Stage{{Argv: []string{"bogus-prog"}}}, strings.NewReader(""), &out, &errOut, true, nil, "/usr/bin")
	require.NoError(t, err)
	awaitAll(t, handles)
	assert.Contains(t, out.String(), "Unknown command: [bogus-prog].")
	assert.Empty(t, errOut.String())
}
