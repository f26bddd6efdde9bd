package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/flashd/internal/protocol"
)

var ErrScratchCapacity = errors.New("session: invalid scratch capacity")

// Scratch is the download buffer. It is allocated once at startup and
// reused by every session.
type Scratch struct {
	buf  []byte
	size int
}

func NewScratch(capacity int) (*Scratch, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrScratchCapacity, capacity)
	}
	return &Scratch{buf: make([]byte, capacity)}, nil
}

func (s *Scratch) Cap() int {
	return len(s.buf)
}

// Size is the length of the last completed download.
func (s *Scratch) Size() int {
	return s.size
}

// Payload classifies the current buffer content against stagingPath.
func (s *Scratch) Payload(stagingPath string) protocol.Payload {
	return protocol.ClassifyPayload(s.buf[:s.size], stagingPath)
}

func (s *Scratch) reset() {
	s.size = 0
}

func (s *Scratch) setStaged(path string) {
	s.size = copy(s.buf, path)
}
