package audio

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// ChunkSize is the fixed size of a download chunk in bytes, shared with any
// caching layer sitting on top of the chunked stream.
const ChunkSize = 128 * 1024

// decryptBlockSize is the size of the sub-blocks a chunk is decrypted in.
const decryptBlockSize = 4096

// counterStride is the amount of 16-byte cipher blocks the counter advances
// between consecutive sub-blocks. This matches how the original bytes were
// encrypted, it is not an optimization.
const counterStride = 0x100

// A Decryptor transforms raw chunk bytes into plaintext. Implementations
// must be safe for concurrent use, chunks are decrypted on worker
// goroutines in completion order.
type Decryptor interface {
	// DecryptChunk decrypts the given chunk. The chunk index determines the
	// cipher counter position inside the stream.
	DecryptChunk(chunkIdx int, buf []byte) ([]byte, error)

	// DecryptTimeMs returns the average decrypt duration in milliseconds
	// across all calls so far, or 0 if there were none.
	DecryptTimeMs() int64
}

// NoopDecryptor passes chunks through unchanged, used for external sources
// that are not encrypted.
type NoopDecryptor struct{}

func (NoopDecryptor) DecryptChunk(_ int, buf []byte) ([]byte, error) {
	return buf, nil
}

func (NoopDecryptor) DecryptTimeMs() int64 {
	return 0
}

var baseIv = []byte{0x72, 0xe0, 0x67, 0xfb, 0xdd, 0xcb, 0xcf, 0x77, 0xeb, 0xe8, 0xbc, 0x64, 0x3f, 0x63, 0x0d, 0x93}

// AesDecryptor decrypts chunks with AES-CTR. The counter for chunk i starts
// at the base IV plus ChunkSize*i/16 and the chunk is processed in
// decryptBlockSize sub-blocks, re-initializing the cipher stream and
// advancing the counter by counterStride after each one.
type AesDecryptor struct {
	block cipher.Block

	statsLock    sync.Mutex
	decryptCount int64
	decryptTotal time.Duration
}

func NewAesDecryptor(key []byte) (*AesDecryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed initializing aes cipher: %w", err)
	}

	return &AesDecryptor{block: block}, nil
}

func (d *AesDecryptor) DecryptChunk(chunkIdx int, buf []byte) ([]byte, error) {
	iv := new(big.Int).SetBytes(baseIv)
	iv.Add(iv, big.NewInt(int64(ChunkSize)*int64(chunkIdx)/aes.BlockSize))

	start := time.Now()

	out := make([]byte, 0, len(buf))
	counter := make([]byte, aes.BlockSize)
	for i := 0; i < len(buf); i += decryptBlockSize {
		count := min(decryptBlockSize, len(buf)-i)

		stream := cipher.NewCTR(d.block, iv.FillBytes(counter))

		before := len(out)
		out = append(out, buf[i:i+count]...)
		stream.XORKeyStream(out[before:], out[before:])
		if len(out)-before != count {
			return nil, fmt.Errorf("failed decrypting chunk %d: processed %d bytes, expected %d", chunkIdx, len(out)-before, count)
		}

		iv.Add(iv, big.NewInt(counterStride))
	}

	d.statsLock.Lock()
	d.decryptTotal += time.Since(start)
	d.decryptCount++
	d.statsLock.Unlock()

	return out, nil
}

func (d *AesDecryptor) DecryptTimeMs() int64 {
	d.statsLock.Lock()
	defer d.statsLock.Unlock()

	if d.decryptCount == 0 {
		return 0
	}

	return (d.decryptTotal / time.Duration(d.decryptCount)).Milliseconds()
}
