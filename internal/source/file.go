package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

const maxLine = 4 << 20

// FileSource replays a JSON-lines file as partition 0, one offset per line.
type FileSource struct {
	f    *os.File
	sc   *bufio.Scanner
	next int64

	mu        sync.Mutex
	committed map[int32]int64
}

func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	return &FileSource{f: f, sc: sc, committed: make(map[int32]int64)}, nil
}

func (s *FileSource) Next(ctx context.Context) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if !s.sc.Scan() {
		if err := s.sc.Err(); err != nil {
			return Message{}, fmt.Errorf("scan: %w", err)
		}
		return Message{}, io.EOF
	}
	off := s.next
	s.next++
	v := append([]byte(nil), s.sc.Bytes()...)
	return Message{Partition: 0, Offset: off, Value: v}, nil
}

func (s *FileSource) Commit(_ context.Context, positions map[int32]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, off := range positions {
		s.committed[p] = off
	}
	return nil
}

// Committed returns the last committed position per partition.
func (s *FileSource) Committed() map[int32]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32]int64, len(s.committed))
	for p, off := range s.committed {
		out[p] = off
	}
	return out
}

func (s *FileSource) Close() error { return s.f.Close() }
