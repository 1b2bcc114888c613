package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
}

func waitRecorded(t *testing.T, j *Journal, want uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return j.Stats().Recorded == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestJournalRecordsEvents(t *testing.T) {
	j, err := New(t.TempDir(), fixedClock)
	require.NoError(t, err)

	j.RecordEvent("join", "garden", "", "alice.1")
	j.RecordEvent("publish", "garden", "chat", "alice.1")
	waitRecorded(t, j, 2)
	require.NoError(t, j.Close())

	file, err := os.Open(j.Stats().Path)
	require.NoError(t, err)
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(snappy.NewReader(file))
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, events, 2)
	require.Equal(t, "join", events[0].Kind)
	require.Equal(t, "garden", events[0].RoomID)
	require.Equal(t, "alice.1", events[0].PeerID)
	require.Empty(t, events[0].Topic)
	require.Equal(t, "publish", events[1].Kind)
	require.Equal(t, "chat", events[1].Topic)
	require.Equal(t, fixedClock().Format(time.RFC3339Nano), events[1].At)
}

func TestJournalDumpStreamsZstd(t *testing.T) {
	j, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer j.Close()

	j.RecordEvent("join", "demo", "", "bob.1")
	waitRecorded(t, j, 1)

	var artifact bytes.Buffer
	require.NoError(t, j.Dump(&artifact))

	decoder, err := zstd.NewReader(&artifact)
	require.NoError(t, err)
	defer decoder.Close()
	plain, err := io.ReadAll(decoder)
	require.NoError(t, err)
	require.Contains(t, string(plain), `"kind":"join"`)
	require.Contains(t, string(plain), `"room_id":"demo"`)
}

func TestJournalDumpAfterCloseFails(t *testing.T) {
	j, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close()) // idempotent

	require.Error(t, j.Dump(io.Discard))
}

func TestJournalNilReceiverIsSafe(t *testing.T) {
	var j *Journal
	j.RecordEvent("join", "demo", "", "bob.1")
	require.Zero(t, j.Stats().Recorded)
	require.NoError(t, j.Close())
	require.Error(t, j.Dump(io.Discard))
}
