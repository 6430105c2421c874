// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package toolproc runs external tool providers as subprocesses speaking a
// line-framed JSON protocol: the process announces its tool list as the
// first stdout line, then answers {id,name,arguments} requests with
// {id,content,isError} responses, one JSON object per line.
package toolproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/tombee/love-me/pkg/tools"
)

// announcement is the first line a provider process writes on startup.
type announcement struct {
	Tools []tools.Descriptor `json:"tools"`
}

type invokeRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type invokeResponse struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	IsError bool   `json:"isError"`
}

// maxLine bounds a single protocol line (16 MiB).
const maxLine = 16 << 20

// session speaks the wire protocol over an already-running process's
// pipes. It is transport-only; process lifecycle lives in Provider.
type session struct {
	stdin io.WriteCloser
	tools []tools.Descriptor

	mu      sync.Mutex
	pending map[string]chan invokeResponse
	dead    bool
	deadCh  chan struct{}
	err     error
}

// newSession reads the startup announcement and begins dispatching
// responses.
func newSession(stdin io.WriteCloser, stdout io.Reader) (*session, error) {
	r := bufio.NewReaderSize(stdout, 64*1024)

	line, err := readLine(r)
	if err != nil {
		return nil, fmt.Errorf("reading tool announcement: %w", err)
	}
	var ann announcement
	if err := json.Unmarshal(line, &ann); err != nil {
		return nil, fmt.Errorf("decoding tool announcement: %w", err)
	}

	s := &session{
		stdin:   stdin,
		tools:   ann.Tools,
		pending: make(map[string]chan invokeResponse),
		deadCh:  make(chan struct{}),
	}
	go s.readLoop(r)
	return s, nil
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxLine {
			return nil, fmt.Errorf("protocol line exceeds %d bytes", maxLine)
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

func (s *session) readLoop(r *bufio.Reader) {
	for {
		line, err := readLine(r)
		if err != nil {
			s.fail(fmt.Errorf("provider stream closed: %w", err))
			return
		}
		if len(line) == 0 {
			continue
		}

		var resp invokeResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			// Non-protocol chatter on stdout is ignored.
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[resp.ID]
		if ok {
			delete(s.pending, resp.ID)
		}
		s.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// fail marks the session dead and wakes every waiter.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	s.err = err
	s.pending = make(map[string]chan invokeResponse)
	s.mu.Unlock()
	close(s.deadCh)
}

// alive reports whether the session can still take requests.
func (s *session) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

func (s *session) invoke(ctx context.Context, req invokeRequest) (invokeResponse, error) {
	ch := make(chan invokeResponse, 1)

	s.mu.Lock()
	if s.dead {
		err := s.err
		s.mu.Unlock()
		return invokeResponse{}, err
	}
	s.pending[req.ID] = ch
	s.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		s.forget(req.ID)
		return invokeResponse{}, err
	}
	if _, err := s.stdin.Write(append(payload, '\n')); err != nil {
		s.forget(req.ID)
		s.fail(fmt.Errorf("writing to provider: %w", err))
		return invokeResponse{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-s.deadCh:
		return invokeResponse{}, s.err
	case <-ctx.Done():
		s.forget(req.ID)
		return invokeResponse{}, ctx.Err()
	}
}

func (s *session) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) close() {
	s.stdin.Close()
	s.fail(fmt.Errorf("session closed"))
}
