package session

import (
	"bufio"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edirooss/npshelld/internal/userpipe"
)

func TestSetenvAndPrintenv(t *testing.T) {
	matrix := userpipe.NewMatrix()
	dir := newFakeDirectory()
	s, peer := newTestSession(t, 0, "127.0.0.1/1", matrix, dir)
	defer peer.Close()
	defer s.Close()

	require.False(t, s.Dispatch("setenv FOO bar"))
	assert.Equal(t, "bar", s.Env["FOO"])

	require.False(t, s.Dispatch("printenv FOO"))

	r := bufio.NewReader(peer)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "bar\n", line)
}

func TestPrintenvUnsetKeyIsSilent(t *testing.T) {
	matrix := userpipe.NewMatrix()
	dir := newFakeDirectory()
	s, peer := newTestSession(t, 0, "127.0.0.1/1", matrix, dir)
	defer peer.Close()
	defer s.Close()

	require.False(t, s.Dispatch("printenv NOPE"))

	// Nothing should have been written; confirm by writing a sentinel
	// through the session afterwards and checking it arrives first.
	require.False(t, s.Dispatch("setenv X 1"))
	_ = s.Send("sentinel\n")

	r := bufio.NewReader(peer)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "sentinel\n", line)
}

func TestExitEndsSession(t *testing.T) {
	matrix := userpipe.NewMatrix()
	dir := newFakeDirectory()
	s, peer := newTestSession(t, 0, "127.0.0.1/1", matrix, dir)
	defer peer.Close()
	defer s.Close()

	assert.True(t, s.Dispatch("exit"))
}

func TestNameSuccessBroadcasts(t *testing.T) {
	matrix := userpipe.NewMatrix()
	dir := newFakeDirectory()
	s, peer := newTestSession(t, 0, "127.0.0.1/1", matrix, dir)
	defer peer.Close()
	defer s.Close()

	require.False(t, s.Dispatch("name alice"))
	assert.Equal(t, "alice", s.Nickname)
	assert.Equal(t, 1, dir.broadcastCount)

	r := bufio.NewReader(peer)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "*** User from 127.0.0.1/1 is named 'alice'. ***\n", line)
}

func TestNameDuplicateRejectedWithoutBroadcast(t *testing.T) {
	matrix := userpipe.NewMatrix()
	dir := newFakeDirectory()
	a, aPeer := newTestSession(t, 0, "127.0.0.1/1", matrix, dir)
	b, bPeer := newTestSession(t, 1, "127.0.0.1/2", matrix, dir)
	defer aPeer.Close()
	defer bPeer.Close()
	defer a.Close()
	defer b.Close()

	require.False(t, a.Dispatch("name alice"))
	_, err := bufio.NewReader(aPeer).ReadString('\n') // drain the successful-rename broadcast
	require.NoError(t, err)

	before := dir.broadcastCount
	require.False(t, b.Dispatch("name alice"))
	assert.Equal(t, before, dir.broadcastCount, "a duplicate name must not broadcast")
	assert.Equal(t, DefaultNickname, b.Nickname)

	r := bufio.NewReader(bPeer)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "*** User 'alice' already exists. ***\n", line)
}

func TestWhoListsLiveUsersAndMarksSelf(t *testing.T) {
	matrix := userpipe.NewMatrix()
	dir := newFakeDirectory()
	a, aPeer := newTestSession(t, 0, "127.0.0.1/1", matrix, dir)
	b, bPeer := newTestSession(t, 1, "127.0.0.1/2", matrix, dir)
	defer aPeer.Close()
	defer bPeer.Close()
	defer a.Close()
	defer b.Close()

	require.False(t, a.Dispatch("who"))

	r := bufio.NewReader(aPeer)
	header, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "<ID>\t<nickname>\t<IP/port>\t<indicate me>\n", header)

	row1, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "1\t(no name)\t127.0.0.1/1\t<-me\n", row1)

	row2, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "2\t(no name)\t127.0.0.1/2\n", row2)
}

func TestTellDeliversToRecipientOnly(t *testing.T) {
	matrix := userpipe.NewMatrix()
	dir := newFakeDirectory()
	a, aPeer := newTestSession(t, 0, "127.0.0.1/1", matrix, dir)
	b, bPeer := newTestSession(t, 1, "127.0.0.1/2", matrix, dir)
	defer aPeer.Close()
	defer bPeer.Close()
	defer a.Close()
	defer b.Close()

	require.False(t, a.Dispatch("tell 2 hi there bob"))
	assert.Equal(t, 0, dir.broadcastCount, "tell must not broadcast")

	r := bufio.NewReader(bPeer)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "*** (no name) told you ***: hi there bob\n", line)
}

func TestTellUnknownUser(t *testing.T) {
	matrix := userpipe.NewMatrix()
	dir := newFakeDirectory()
	a, aPeer := newTestSession(t, 0, "127.0.0.1/1", matrix, dir)
	defer aPeer.Close()
	defer a.Close()

	require.False(t, a.Dispatch("tell 5 anyone there?"))

	r := bufio.NewReader(aPeer)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "*** Error: user #5 does not exist yet. ***\n", line)
}

func TestYellBroadcastsToEveryone(t *testing.T) {
	matrix := userpipe.NewMatrix()
	dir := newFakeDirectory()
	a, aPeer := newTestSession(t, 0, "127.0.0.1/1", matrix, dir)
	b, bPeer := newTestSession(t, 1, "127.0.0.1/2", matrix, dir)
	defer aPeer.Close()
	defer bPeer.Close()
	defer a.Close()
	defer b.Close()

	require.False(t, a.Dispatch("yell dinner is ready"))

	for _, peer := range []struct {
		name string
		f    *bufio.Reader
	}{{"a", bufio.NewReader(aPeer)}, {"b", bufio.NewReader(bPeer)}} {
		line, err := peer.f.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "*** (no name) yelled ***: dinner is ready\n", line)
	}
}
