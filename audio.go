package go_audiocdn

import "io"

type SizedReadSeeker interface {
	io.ReadSeeker

	Size() int64
}
