// File: protocol/reader.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"errors"

	"github.com/momentics/asyncws/api"
	"github.com/momentics/asyncws/core/concurrency"
)

// frameReader buffers stream reads for the listen loop. Bytes in
// buf[r:w] have been read from the stream but not consumed.
type frameReader struct {
	stream api.Stream
	buf    []byte
	r, w   int
}

func (rd *frameReader) buffered() int { return rd.w - rd.r }

func (rd *frameReader) peek() []byte { return rd.buf[rd.r:rd.w] }

// take consumes up to n buffered bytes and returns them in place.
func (rd *frameReader) take(n int) []byte {
	if b := rd.buffered(); n > b {
		n = b
	}
	p := rd.buf[rd.r : rd.r+n]
	rd.r += n
	return p
}

func (rd *frameReader) discard(n int) {
	rd.r += n
}

// fill performs one stream read into the free tail of buf. It returns nil
// when at least one byte arrived.
func (rd *frameReader) fill() error {
	if rd.r == rd.w {
		rd.r, rd.w = 0, 0
	} else if rd.w == len(rd.buf) {
		rd.w = copy(rd.buf, rd.buf[rd.r:rd.w])
		rd.r = 0
	}
	n, err := rd.stream.Read(rd.buf[rd.w:])
	if n > 0 {
		rd.w += n
		return nil
	}
	if err == nil {
		return api.ErrWouldBlock
	}
	return err
}

// suspend turns a fill error into the action the caller should return.
func (rd *frameReader) suspend(err error) concurrency.Action {
	if errors.Is(err, api.ErrWouldBlock) {
		return concurrency.WaitRead(rd.stream)
	}
	return concurrency.Fail(api.TransportFailure(err))
}
