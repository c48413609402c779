package shell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrdinaryPipeline(t *testing.T) {
	p, err := Parse("cat | number")
	require.NoError(t, err)
	require.Len(t, p.Stages, 2)
	assert.Equal(t, []string{"cat"}, p.Stages[0].Argv)
	assert.Equal(t, []string{"number"}, p.Stages[1].Argv)
	assert.Equal(t, Ordinary, p.Disposition.Kind)
	assert.Equal(t, NoSource, p.Source.Kind)
}

func TestParseNumberedOut(t *testing.T) {
	p, err := Parse("echo ping |1")
	require.NoError(t, err)
	require.Len(t, p.Stages, 1)
	assert.Equal(t, NumberedOut, p.Disposition.Kind)
	assert.Equal(t, 1, p.Disposition.N)
}

func TestParseNumberedOutErr(t *testing.T) {
	p, err := Parse("make !3")
	require.NoError(t, err)
	assert.Equal(t, NumberedOutErr, p.Disposition.Kind)
	assert.Equal(t, 3, p.Disposition.N)
}

func TestParseUserOut(t *testing.T) {
	p, err := Parse("echo hi >2")
	require.NoError(t, err)
	assert.Equal(t, UserOut, p.Disposition.Kind)
	assert.Equal(t, 1, p.Disposition.N) // 0-indexed user id
}

func TestParseUserIn(t *testing.T) {
	p, err := Parse("cat <1")
	require.NoError(t, err)
	assert.Equal(t, UserIn, p.Source.Kind)
	assert.Equal(t, 0, p.Source.I)
}

func TestParseToFile(t *testing.T) {
	p, err := Parse("ls -l > out.txt")
	require.NoError(t, err)
	assert.Equal(t, ToFile, p.Disposition.Kind)
	assert.Equal(t, "out.txt", p.Disposition.Path)
}

func TestParseMultiStagePipe(t *testing.T) {
	p, err := Parse("cat foo | grep bar | wc -l")
	require.NoError(t, err)
	require.Len(t, p.Stages, 3)
	assert.Equal(t, []string{"wc", "-l"}, p.Stages[2].Argv)
}

func TestParseInvalidOffsetZero(t *testing.T) {
	_, err := Parse("echo hi |0")
	require.Error(t, err)
}

func TestParseMissingFilename(t *testing.T) {
	_, err := Parse("ls >")
	require.Error(t, err)
}

func TestParseEmptyLine(t *testing.T) {
	_, err := Parse("")
	require.Error(t, err)
}

func TestParseEmptyStage(t *testing.T) {
	_, err := Parse("cat | | wc")
	require.Error(t, err)
}

func TestParseTrailingTokensAfterDisposition(t *testing.T) {
	_, err := Parse("echo hi |1 extra")
	require.Error(t, err)
}
