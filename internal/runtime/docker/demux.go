package docker

import (
	"bytes"
	"io"

	"github.com/docker/docker/pkg/stdcopy"
)

// demux splits Docker's multiplexed attach stream. Each frame carries an
// 8-byte header: byte 0 is the stream tag (1 stdout, 2 stderr), bytes 4-7
// the big-endian payload length. Frames are consumed until EOF and appended
// to the stream their tag names.
func demux(r io.Reader) (stdout, stderr []byte, err error) {
	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, r); err != nil && err != io.EOF {
		return outBuf.Bytes(), errBuf.Bytes(), err
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}
