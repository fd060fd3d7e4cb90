package go_audiocdn

import (
	"encoding/hex"
	"fmt"
)

// StreamId identifies the remote object backing a stream: either a track
// audio file or an externally hosted podcast episode. Exactly one of the
// two variants is set.
type StreamId struct {
	fileId     []byte
	episodeGid []byte
}

func FileStreamId(fileId []byte) StreamId {
	if len(fileId) == 0 {
		panic("invalid file id")
	}

	return StreamId{fileId: fileId}
}

func EpisodeStreamId(gid []byte) StreamId {
	if len(gid) == 0 {
		panic("invalid episode gid")
	}

	return StreamId{episodeGid: gid}
}

func (id StreamId) IsEpisode() bool {
	return id.episodeGid != nil
}

func (id StreamId) FileId() []byte {
	return id.fileId
}

func (id StreamId) EpisodeGid() []byte {
	return id.episodeGid
}

func (id StreamId) String() string {
	if id.IsEpisode() {
		return fmt.Sprintf("episode_gid: %s", hex.EncodeToString(id.episodeGid))
	}

	return fmt.Sprintf("file_id: %s", hex.EncodeToString(id.fileId))
}
