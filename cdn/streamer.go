package cdn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	audiocdn "github.com/devgianlu/go-audiocdn"
	"github.com/devgianlu/go-audiocdn/audio"
)

// A HaltListener observes reads blocked on a chunk that is still being
// fetched. Notifications are dispatched on worker goroutines, never on the
// reader itself.
type HaltListener interface {
	StreamReadHalted(chunk int, elapsed time.Duration)
	StreamReadResumed(chunk int, elapsed time.Duration)
}

var contentRangeRegexp = regexp.MustCompile("^bytes (\\d+)-(\\d+)/(\\d+)$")

func parseContentRange(header string) (start int64, end int64, size int64, err error) {
	if len(header) == 0 {
		return 0, 0, 0, fmt.Errorf("missing Content-Range header")
	}

	match := contentRangeRegexp.FindStringSubmatch(header)
	if len(match) == 0 {
		return 0, 0, 0, fmt.Errorf("invalid content range header: %s", header)
	} else if start, err = strconv.ParseInt(match[1], 10, 0); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid content range start: %w", err)
	} else if end, err = strconv.ParseInt(match[2], 10, 0); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid content range end: %w", err)
	} else if size, err = strconv.ParseInt(match[3], 10, 0); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid content range size: %w", err)
	}

	return start, end, size, nil
}

// internalResponse is one ranged HTTP result, consumed immediately by the
// caller and not retained.
type internalResponse struct {
	body    []byte
	headers http.Header
}

// Streamer orchestrates one logical stream: it probes the object size,
// owns the chunk table and feeds fetched bytes through the decryptor into
// the buffer.
type Streamer struct {
	log    audiocdn.Logger
	client *http.Client
	submit func(task func())

	// background chunk fetches outlive the opening call
	ctx context.Context

	streamId     audiocdn.StreamId
	cdnUrl       *CdnUrl
	decryptor    audio.Decryptor
	haltListener HaltListener

	size   int64
	chunks int

	buffer    [][]byte
	requested []bool
	available []bool

	stream *audio.ChunkedStream
}

func newStreamer(ctx context.Context, log audiocdn.Logger, client *http.Client, submit func(task func()),
	streamId audiocdn.StreamId, cdnUrl *CdnUrl, decryptor audio.Decryptor, haltListener HaltListener) (*Streamer, error) {
	s := &Streamer{
		log:          log.WithField("stream", streamId.String()),
		client:       client,
		submit:       submit,
		ctx:          ctx,
		streamId:     streamId,
		cdnUrl:       cdnUrl,
		decryptor:    decryptor,
		haltListener: haltListener,
	}

	// request the first chunk, needed for the complete content length
	resp, err := s.request(ctx, 0, audio.ChunkSize-1)
	if err != nil {
		return nil, fmt.Errorf("failed requesting first chunk: %w", err)
	}

	_, _, s.size, err = parseContentRange(resp.headers.Get("Content-Range"))
	if err != nil {
		return nil, fmt.Errorf("invalid first chunk content range response: %w", err)
	}

	if s.size%audio.ChunkSize == 0 {
		s.chunks = int(s.size / audio.ChunkSize)
	} else {
		s.chunks = int(s.size/audio.ChunkSize) + 1
	}

	s.buffer = make([][]byte, s.chunks)
	s.requested = make([]bool, s.chunks)
	s.available = make([]bool, s.chunks)
	s.stream = audio.NewChunkedStream(s)

	// the probe already carries chunk 0, no need to fetch it again
	s.requested[0] = true
	s.writeChunk(0, resp.body)

	s.log.Debugf("fetched first chunk of %d, total size is %d bytes", s.chunks, s.size)
	return s, nil
}

// Stream returns the blocking reader for this streamer's chunk table.
func (s *Streamer) Stream() *audio.ChunkedStream {
	return s.stream
}

func (s *Streamer) Describe() string {
	return s.streamId.String()
}

func (s *Streamer) DecryptTimeMs() int64 {
	return s.decryptor.DecryptTimeMs()
}

func (s *Streamer) Size() int64 {
	return s.size
}

func (s *Streamer) Chunks() int {
	return s.chunks
}

func (s *Streamer) Buffer() [][]byte {
	return s.buffer
}

func (s *Streamer) RequestedChunks() []bool {
	return s.requested
}

func (s *Streamer) AvailableChunks() []bool {
	return s.available
}

func (s *Streamer) RequestChunk(idx int) {
	s.submit(func() {
		resp, err := s.request(s.ctx, int64(idx)*audio.ChunkSize, int64(idx+1)*audio.ChunkSize-1)
		if err != nil {
			s.log.WithError(err).Warnf("failed fetching chunk %d", idx)
			s.stream.NotifyChunkError(idx, err)
			return
		}

		s.writeChunk(idx, resp.body)
	})
}

func (s *Streamer) ReadHalted(idx int, elapsed time.Duration) {
	if s.haltListener == nil {
		return
	}

	s.submit(func() { s.haltListener.StreamReadHalted(idx, elapsed) })
}

func (s *Streamer) ReadResumed(idx int, elapsed time.Duration) {
	if s.haltListener == nil {
		return
	}

	s.submit(func() { s.haltListener.StreamReadResumed(idx, elapsed) })
}

// writeChunk decrypts a fetched chunk into its buffer slot and notifies the
// stream. Completions arriving after close are discarded.
func (s *Streamer) writeChunk(idx int, chunk []byte) {
	if s.stream.Closed() {
		return
	}

	decrypted, err := s.decryptor.DecryptChunk(idx, chunk)
	if err != nil {
		// the counter state cannot be trusted anymore, give up on the stream
		s.stream.Abort(err)
		return
	}

	s.buffer[idx] = decrypted
	s.stream.NotifyChunkAvailable(idx)

	s.log.Debugf("chunk %d/%d completed", idx+1, s.chunks)
}

func (s *Streamer) request(ctx context.Context, rangeStart, rangeEnd int64) (*internalResponse, error) {
	reqUrl, err := s.cdnUrl.Url(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqUrl, nil)
	if err != nil {
		return nil, fmt.Errorf("failed creating chunk request: %w", err)
	}

	req.Header.Set("User-Agent", audiocdn.UserAgent())
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rangeStart, rangeEnd))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed requesting range %d-%d: %w", rangeStart, rangeEnd, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("invalid chunk response status: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed reading chunk response body: %w", err)
	} else if len(body) == 0 {
		return nil, fmt.Errorf("empty chunk response body")
	}

	return &internalResponse{body: body, headers: resp.Header}, nil
}
