// Package journal persists a compressed stream of routed signaling events so
// operators can inspect room activity after the fact. Recording is
// fire-and-forget: a full buffer drops events rather than slowing the router.
package journal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// eventBufferSize bounds how many events may be queued ahead of the disk
// writer before new events are dropped.
const eventBufferSize = 1024

// Event is one journalled routing occurrence.
type Event struct {
	At     string `json:"at"`
	Kind   string `json:"kind"`
	RoomID string `json:"room_id,omitempty"`
	Topic  string `json:"topic,omitempty"`
	PeerID string `json:"peer_id,omitempty"`
}

// Stats summarises journal health for the operational endpoints.
type Stats struct {
	Recorded uint64
	Dropped  uint64
	Path     string
}

// Journal appends events to a snappy-framed JSONL file, one file per process
// start. It satisfies the router's Recorder contract.
type Journal struct {
	now  func() time.Time
	path string

	mu     sync.Mutex
	file   *os.File
	stream *snappy.Writer

	queue    chan Event
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	recorded atomic.Uint64
	dropped  atomic.Uint64
}

// New opens a fresh journal file under dir and starts the disk writer.
func New(dir string, clock func() time.Time) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("events-%s.jsonl.sz", clock().UTC().Format("20060102T150405Z")))
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		now:    clock,
		path:   path,
		file:   file,
		stream: snappy.NewBufferedWriter(file),
		queue:  make(chan Event, eventBufferSize),
		quit:   make(chan struct{}),
	}
	j.wg.Add(1)
	go j.run()
	return j, nil
}

// RecordEvent queues one event without blocking. Overflow is counted, not
// reported to the caller.
func (j *Journal) RecordEvent(kind, roomID, topic, peerID string) {
	if j == nil {
		return
	}
	ev := Event{
		At:     j.now().UTC().Format(time.RFC3339Nano),
		Kind:   kind,
		RoomID: roomID,
		Topic:  topic,
		PeerID: peerID,
	}
	select {
	case j.queue <- ev:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) run() {
	defer j.wg.Done()
	for {
		select {
		case ev := <-j.queue:
			j.append(ev)
		case <-j.quit:
			for {
				select {
				case ev := <-j.queue:
					j.append(ev)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) append(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stream == nil {
		return
	}
	if _, err := j.stream.Write(line); err != nil {
		return
	}
	if _, err := j.stream.Write([]byte("\n")); err != nil {
		return
	}
	if err := j.stream.Flush(); err != nil {
		return
	}
	j.recorded.Add(1)
}

// Dump recompresses the journal written so far into a zstd artifact streamed
// to w. Recording pauses for the duration of the copy.
func (j *Journal) Dump(w io.Writer) error {
	if j == nil {
		return fmt.Errorf("journal not initialised")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stream == nil {
		return fmt.Errorf("journal closed")
	}
	if err := j.stream.Flush(); err != nil {
		return err
	}
	source, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer source.Close()

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := io.Copy(encoder, snappy.NewReader(source)); err != nil {
		encoder.Close()
		return err
	}
	return encoder.Close()
}

// Stats reports recorded and dropped counts plus the backing file path.
func (j *Journal) Stats() Stats {
	if j == nil {
		return Stats{}
	}
	return Stats{
		Recorded: j.recorded.Load(),
		Dropped:  j.dropped.Load(),
		Path:     j.path,
	}
}

// Close drains the queue, flushes the stream, and releases the file handle.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.stopOnce.Do(func() { close(j.quit) })
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stream == nil {
		return nil
	}
	var firstErr error
	if err := j.stream.Close(); err != nil {
		firstErr = err
	}
	if err := j.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	j.stream = nil
	j.file = nil
	return firstErr
}
