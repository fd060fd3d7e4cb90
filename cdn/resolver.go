package cdn

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	audiocdn "github.com/devgianlu/go-audiocdn"
	"github.com/devgianlu/go-audiocdn/audio"
	"golang.org/x/exp/rand"
	"google.golang.org/protobuf/encoding/protowire"
)

const defaultHeadFilesUrl = "https://heads-fa.spotify.com/head/{file_id}"

type ManagerOptions struct {
	Log audiocdn.Logger

	// Client is the HTTP client used for all calls. Defaults to a plain
	// http.Client.
	Client *http.Client

	// ResolveBaseUrl is the base URL of the storage-resolve endpoint.
	ResolveBaseUrl string

	// HeadFilesUrl is the head-object endpoint template, with {file_id}
	// replaced by the hex file id. Optional.
	HeadFilesUrl string

	// Submit dispatches a background task. Defaults to spawning a
	// goroutine per task.
	Submit func(task func())
}

// Manager resolves file ids to CDN URLs and opens chunked streams on them.
type Manager struct {
	log    audiocdn.Logger
	client *http.Client
	submit func(task func())

	resolveBaseUrl *url.URL
	headFilesUrl   string
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	baseUrl, err := url.Parse(opts.ResolveBaseUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid resolve base url: %w", err)
	}

	m := &Manager{
		log:            opts.Log,
		client:         opts.Client,
		submit:         opts.Submit,
		resolveBaseUrl: baseUrl,
		headFilesUrl:   opts.HeadFilesUrl,
	}

	if m.log == nil {
		m.log = &audiocdn.NullLogger{}
	}
	if m.client == nil {
		m.client = &http.Client{}
	}
	if m.submit == nil {
		m.submit = func(task func()) { go task() }
	}
	if len(m.headFilesUrl) == 0 {
		m.headFilesUrl = defaultHeadFilesUrl
	}

	return m, nil
}

// StreamFile opens a chunked stream over an encrypted CDN-hosted file.
func (m *Manager) StreamFile(ctx context.Context, fileId []byte, key []byte, rawUrl string, haltListener HaltListener) (*Streamer, error) {
	decryptor, err := audio.NewAesDecryptor(key)
	if err != nil {
		return nil, fmt.Errorf("failed initializing audio decryptor: %w", err)
	}

	return newStreamer(ctx, m.log, m.client, m.submit, audiocdn.FileStreamId(fileId),
		NewCdnUrl(m.log, m, fileId, rawUrl), decryptor, haltListener)
}

// StreamExternalEpisode opens a chunked stream over an unencrypted,
// externally hosted episode. The URL is never refreshed.
func (m *Manager) StreamExternalEpisode(ctx context.Context, episodeGid []byte, externalUrl string, haltListener HaltListener) (*Streamer, error) {
	return newStreamer(ctx, m.log, m.client, m.submit, audiocdn.EpisodeStreamId(episodeGid),
		NewCdnUrl(m.log, nil, nil, externalUrl), audio.NoopDecryptor{}, haltListener)
}

// ResolveAudioUrl performs the storage-resolve call for the given file and
// picks one of the returned CDN URLs at random.
func (m *Manager) ResolveAudioUrl(ctx context.Context, fileId []byte) (string, error) {
	reqUrl := m.resolveBaseUrl.JoinPath("storage-resolve", "files", "audio", "interactive", hex.EncodeToString(fileId))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqUrl.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed creating storage resolve request: %w", err)
	}

	req.Header.Set("User-Agent", audiocdn.UserAgent())

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed requesting storage resolve: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("invalid storage resolve response status: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed reading storage resolve response body: %w", err)
	} else if len(body) == 0 {
		return "", fmt.Errorf("empty storage resolve response body")
	}

	resolved, err := parseStorageResolveResponse(body)
	if err != nil {
		return "", fmt.Errorf("failed parsing storage resolve response: %w", err)
	}

	switch resolved.result {
	case storageResolveResultCdn:
		// continue below
	case storageResolveResultStorage:
		return "", fmt.Errorf("old storage not supported")
	case storageResolveResultRestricted:
		return "", fmt.Errorf("storage is restricted")
	default:
		return "", fmt.Errorf("unknown storage resolve result: %d", resolved.result)
	}

	if len(resolved.cdnUrls) == 0 {
		return "", fmt.Errorf("no cdn urls")
	}

	cdnUrl := resolved.cdnUrls[rand.Intn(len(resolved.cdnUrls))]
	m.log.Debugf("fetched cdn url for %s: %s", hex.EncodeToString(fileId), cdnUrl)
	return cdnUrl, nil
}

// GetHead fetches the head object for the given file, independent of the
// chunked stream path.
func (m *Manager) GetHead(ctx context.Context, fileId []byte) ([]byte, error) {
	reqUrl := strings.Replace(m.headFilesUrl, "{file_id}", hex.EncodeToString(fileId), 1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqUrl, nil)
	if err != nil {
		return nil, fmt.Errorf("failed creating head request: %w", err)
	}

	req.Header.Set("User-Agent", audiocdn.UserAgent())

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed requesting head object: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("invalid head response status: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed reading head response body: %w", err)
	} else if len(body) == 0 {
		return nil, fmt.Errorf("empty head response body")
	}

	return body, nil
}

const (
	storageResolveResultCdn        = 0
	storageResolveResultStorage    = 1
	storageResolveResultRestricted = 3
)

// storageResolveResponse mirrors the StorageResolveResponse protobuf
// message: result enum (1), repeated cdnurl (2), fileid (4).
type storageResolveResponse struct {
	result  int32
	cdnUrls []string
	fileId  []byte
}

func parseStorageResolveResponse(b []byte) (*storageResolveResponse, error) {
	var resp storageResolveResponse

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			val, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			resp.result = int32(val)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			resp.cdnUrls = append(resp.cdnUrls, string(val))
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			resp.fileId = val
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	return &resp, nil
}
