package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultHaltThreshold is how long a read may block on a missing chunk
// before the halt notification fires.
const DefaultHaltThreshold = 500 * time.Millisecond

var ErrStreamClosed = errors.New("stream closed")

// ChunkError is delivered to readers blocked on a chunk whose fetch failed.
type ChunkError struct {
	Chunk int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d: %v", e.Chunk, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// ChunkSource is the owner of the chunk table a ChunkedStream reads from.
// The buffer and bit slices are shared: the stream only reads them (and
// sets requested bits) under its own lock, the source writes a buffer slot
// exactly once before notifying availability.
type ChunkSource interface {
	Size() int64
	Chunks() int
	Buffer() [][]byte
	RequestedChunks() []bool
	AvailableChunks() []bool

	// RequestChunk dispatches an out-of-band fetch for the given chunk. It
	// must not block the caller.
	RequestChunk(idx int)

	// ReadHalted and ReadResumed report a read blocked on a missing chunk
	// for longer than the halt threshold. They are invoked away from the
	// reader goroutine.
	ReadHalted(idx int, elapsed time.Duration)
	ReadResumed(idx int, elapsed time.Duration)
}

// ChunkedStream exposes a sparse, asynchronously filled chunk table as a
// seekable byte stream. Reads block until the chunk they need is available,
// triggering its fetch if nobody did yet.
type ChunkedStream struct {
	source ChunkSource

	haltThreshold time.Duration

	lock sync.Mutex
	cond *sync.Cond

	pos       int64
	closed    bool
	fatalErr  error
	chunkErrs []error
}

func NewChunkedStream(source ChunkSource) *ChunkedStream {
	s := &ChunkedStream{
		source:        source,
		haltThreshold: DefaultHaltThreshold,
		chunkErrs:     make([]error, source.Chunks()),
	}
	s.cond = sync.NewCond(&s.lock)
	return s
}

// waitChunk blocks until the given chunk is available, the stream is closed
// or an error is delivered for it. Called with the stream lock held.
func (s *ChunkedStream) waitChunk(idx int) error {
	if s.source.AvailableChunks()[idx] {
		return nil
	}

	if requested := s.source.RequestedChunks(); !requested[idx] && s.chunkErrs[idx] == nil {
		requested[idx] = true
		s.source.RequestChunk(idx)
	}

	start := time.Now()
	halted := false

	timer := time.AfterFunc(s.haltThreshold, func() {
		s.lock.Lock()
		defer s.lock.Unlock()

		if s.closed || s.fatalErr != nil || s.source.AvailableChunks()[idx] || s.chunkErrs[idx] != nil {
			return
		}

		halted = true
		s.source.ReadHalted(idx, time.Since(start))
	})
	defer timer.Stop()

	for !s.closed && s.fatalErr == nil && !s.source.AvailableChunks()[idx] && s.chunkErrs[idx] == nil {
		s.cond.Wait()
	}

	if s.closed {
		return ErrStreamClosed
	} else if s.fatalErr != nil {
		return s.fatalErr
	} else if err := s.chunkErrs[idx]; err != nil {
		return err
	}

	if halted {
		s.source.ReadResumed(idx, time.Since(start))
	}

	return nil
}

func (s *ChunkedStream) readAt(p []byte, pos int64) (n int, err error) {
	if s.closed {
		return 0, ErrStreamClosed
	} else if s.fatalErr != nil {
		return 0, s.fatalErr
	} else if pos < 0 {
		return 0, fmt.Errorf("invalid read position")
	} else if pos >= s.source.Size() {
		return 0, io.EOF
	}

	chunk, off := int(pos/ChunkSize), int(pos%ChunkSize)

	for len(p) > 0 {
		if chunk >= s.source.Chunks() {
			return n, io.EOF
		}

		if err = s.waitChunk(chunk); err != nil {
			return n, err
		}

		c := s.source.Buffer()[chunk][off:]
		if len(c) > len(p) {
			// the chunk is bigger than our output buffer, just copy everything and return
			n += copy(p, c[:len(p)])
			return n, nil
		}

		// the chunk is smaller than the available output buffer space, copy the chunk and advance
		n += copy(p, c)
		p = p[len(c):]

		chunk++
		off = 0
	}

	return n, nil
}

func (s *ChunkedStream) Read(p []byte) (n int, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	n, err = s.readAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *ChunkedStream) ReadAt(p []byte, pos int64) (n int, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.readAt(p, pos)
}

func (s *ChunkedStream) Seek(offset int64, whence int) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	size := s.source.Size()

	switch whence {
	case io.SeekCurrent:
		if s.pos+offset < 0 || s.pos+offset > size {
			return 0, fmt.Errorf("invalid seek position")
		}

		s.pos += offset
		return s.pos, nil
	case io.SeekStart:
		if offset < 0 || offset > size {
			return 0, fmt.Errorf("invalid seek position")
		}

		s.pos = offset
		return s.pos, nil
	case io.SeekEnd:
		if size+offset < 0 || size+offset > size {
			return 0, fmt.Errorf("invalid seek position")
		}

		s.pos = size + offset
		return s.pos, nil
	default:
		panic("unknown seek whence")
	}
}

func (s *ChunkedStream) Size() int64 {
	return s.source.Size()
}

// NotifyChunkAvailable marks a chunk's buffer slot as readable and wakes any
// reader blocked on it. The buffer slot must be written before calling. A
// notification arriving after close is discarded.
func (s *ChunkedStream) NotifyChunkAvailable(idx int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return
	}

	s.source.AvailableChunks()[idx] = true
	s.cond.Broadcast()
}

// NotifyChunkError delivers a fetch failure to readers blocked on the given
// chunk. The error sticks, later reads of the same chunk fail as well.
func (s *ChunkedStream) NotifyChunkError(idx int, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed || s.source.AvailableChunks()[idx] {
		return
	}

	s.chunkErrs[idx] = &ChunkError{Chunk: idx, Err: err}
	s.cond.Broadcast()
}

// Abort fails the whole stream, releasing all blocked readers with the
// given error. Used when continuing playback would be unsafe.
func (s *ChunkedStream) Abort(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed || s.fatalErr != nil {
		return
	}

	s.fatalErr = err
	s.cond.Broadcast()
}

func (s *ChunkedStream) Closed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.closed
}

// Close is idempotent. It releases blocked readers with ErrStreamClosed and
// turns any late chunk notification into a no-op.
func (s *ChunkedStream) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.cond.Broadcast()
	return nil
}
