// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"fmt"
	"io"
	"sync"
)

// StaticStream is a DeltaStream over a fixed list of fragments. It ends
// with Err when set, otherwise with io.EOF.
type StaticStream struct {
	Deltas []string
	Err    error

	mu     sync.Mutex
	next   int
	closed bool
}

var _ DeltaStream = (*StaticStream)(nil)

// NewStaticStream returns a stream yielding deltas then io.EOF.
func NewStaticStream(deltas ...string) *StaticStream {
	return &StaticStream{Deltas: deltas}
}

// Recv implements DeltaStream.
func (s *StaticStream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("%w: stream closed", ErrGenerationFailed)
	}
	if s.next < len(s.Deltas) {
		d := s.Deltas[s.next]
		s.next++
		return d, nil
	}
	if s.Err != nil {
		return "", s.Err
	}
	return "", io.EOF
}

// Close implements DeltaStream.
func (s *StaticStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (s *StaticStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
