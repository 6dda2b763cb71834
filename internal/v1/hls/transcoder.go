// Package hls turns a broadcaster's audio chunk stream into a live HLS
// playlist served from memory.
//
// Chunks arriving through WriteChunk are accumulated into fixed-duration
// segments; the playlist keeps a sliding window of recent segments and
// advances EXT-X-MEDIA-SEQUENCE as old ones fall off.
package hls

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
)

// Defaults for the live window.
const (
	DefaultSegmentDuration = 2 * time.Second
	DefaultWindowSize      = 6
)

// ErrStreamNotFound is returned for writes to a room with no active stream.
var ErrStreamNotFound = errors.New("hls: stream not found")

// segment is one finished media segment.
type segment struct {
	Sequence  uint64
	Data      []byte
	Duration  float64
	CreatedAt time.Time
}

// Filename is the URI the segment is served under.
func (s *segment) Filename() string {
	return fmt.Sprintf("segment_%d.ts", s.Sequence)
}

// stream is the per-room segmenter state.
type stream struct {
	mu            sync.RWMutex
	segments      []*segment
	mediaSequence uint64
	nextSequence  uint64

	pending      bytes.Buffer
	pendingSince time.Time
	ended        bool
}

// Options tunes the segmenter.
type Options struct {
	SegmentDuration time.Duration
	WindowSize      int
	BasePath        string // URL prefix for PlaylistURL, default "/hls"
}

// Transcoder implements types.BroadcastTranscoder with in-memory streams.
type Transcoder struct {
	mu      sync.RWMutex
	streams map[types.RoomIDType]*stream
	opts    Options
}

// NewTranscoder creates a Transcoder.
func NewTranscoder(opts Options) *Transcoder {
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = DefaultSegmentDuration
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.BasePath == "" {
		opts.BasePath = "/hls"
	}
	return &Transcoder{
		streams: make(map[types.RoomIDType]*stream),
		opts:    opts,
	}
}

// Start opens a stream for a room. Starting an already-open stream resets it.
func (t *Transcoder) Start(roomID types.RoomIDType) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams[roomID] = &stream{}
	return nil
}

// Stop flushes the partial segment and marks the stream ended. The ended
// playlist stays serveable until the next Start replaces it, so players can
// drain their buffers.
func (t *Transcoder) Stop(roomID types.RoomIDType) error {
	t.mu.RLock()
	s, ok := t.streams[roomID]
	t.mu.RUnlock()
	if !ok {
		return ErrStreamNotFound
	}

	s.mu.Lock()
	if s.pending.Len() > 0 {
		s.cutLocked(time.Since(s.pendingSince), t.opts.WindowSize)
	}
	s.ended = true
	s.mu.Unlock()
	return nil
}

// WriteChunk appends broadcaster audio to the room's stream, cutting a
// segment whenever the accumulation window elapses.
func (t *Transcoder) WriteChunk(roomID types.RoomIDType, chunk []byte) error {
	t.mu.RLock()
	s, ok := t.streams[roomID]
	t.mu.RUnlock()
	if !ok {
		return ErrStreamNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrStreamNotFound
	}

	now := time.Now()
	if s.pending.Len() == 0 {
		s.pendingSince = now
	}
	s.pending.Write(chunk)

	if elapsed := now.Sub(s.pendingSince); elapsed >= t.opts.SegmentDuration {
		s.cutLocked(elapsed, t.opts.WindowSize)
	}
	return nil
}

// cutLocked finishes the pending segment and slides the window.
func (s *stream) cutLocked(elapsed time.Duration, window int) {
	data := make([]byte, s.pending.Len())
	copy(data, s.pending.Bytes())
	s.pending.Reset()

	s.segments = append(s.segments, &segment{
		Sequence:  s.nextSequence,
		Data:      data,
		Duration:  elapsed.Seconds(),
		CreatedAt: time.Now(),
	})
	s.nextSequence++

	if len(s.segments) > window {
		removed := len(s.segments) - window
		s.segments = s.segments[removed:]
		s.mediaSequence += uint64(removed)
	}
}

// PlaylistURL returns the public path of a room's playlist.
func (t *Transcoder) PlaylistURL(roomID types.RoomIDType) string {
	return fmt.Sprintf("%s/%s/playlist.m3u8", t.opts.BasePath, roomID)
}

// Active reports whether a room has a live, non-ended stream.
func (t *Transcoder) Active(roomID types.RoomIDType) bool {
	t.mu.RLock()
	s, ok := t.streams[roomID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.ended
}

// Playlist renders the live M3U8 playlist for a room.
func (t *Transcoder) Playlist(roomID types.RoomIDType) (string, bool) {
	t.mu.RLock()
	s, ok := t.streams[roomID]
	t.mu.RUnlock()
	if !ok {
		return "", false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	target := int(t.opts.SegmentDuration.Seconds() + 0.5)
	for _, seg := range s.segments {
		if int(seg.Duration+0.5) > target {
			target = int(seg.Duration + 0.5)
		}
	}

	buf := &bytes.Buffer{}
	buf.WriteString("#EXTM3U\n")
	fmt.Fprintf(buf, "#EXT-X-VERSION:%d\n", 3)
	fmt.Fprintf(buf, "#EXT-X-TARGETDURATION:%d\n", target)
	fmt.Fprintf(buf, "#EXT-X-MEDIA-SEQUENCE:%d\n", s.mediaSequence)

	for _, seg := range s.segments {
		fmt.Fprintf(buf, "#EXT-X-PROGRAM-DATE-TIME:%s\n",
			seg.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"))
		fmt.Fprintf(buf, "#EXTINF:%.3f,\n", seg.Duration)
		fmt.Fprintf(buf, "%s\n", seg.Filename())
	}

	if s.ended {
		buf.WriteString("#EXT-X-ENDLIST\n")
	}

	return buf.String(), true
}

// Segment returns the bytes of one segment by filename.
func (t *Transcoder) Segment(roomID types.RoomIDType, filename string) ([]byte, bool) {
	t.mu.RLock()
	s, ok := t.streams[roomID]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, seg := range s.segments {
		if seg.Filename() == filename {
			return seg.Data, true
		}
	}
	return nil, false
}
