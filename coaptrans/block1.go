/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package coaptrans

import (
	"fmt"
	"net"
	"sync"

	"github.com/facebookincubator/iotcore/coapmsg"
)

// blockKey identifies one in-progress Block1 reassembly by the peer and
// token that originated it.
type blockKey struct {
	peer  string
	port  uint16
	token string
}

// BlockAssembler accumulates Block1 request payload chunks into a
// scratch buffer keyed by (peer, token), mirroring er-coap-block1.c.
// This is a SPEC_FULL addition: spec.md describes Block1/Block2 decode
// only; request-side reassembly is recovered from original_source.
type BlockAssembler struct {
	mu      sync.Mutex
	pending map[blockKey][]byte
	maxSize int
}

// NewBlockAssembler bounds total reassembled size to maxSize bytes
// (REST_MAX_CHUNK_SIZE in the reference).
func NewBlockAssembler(maxSize int) *BlockAssembler {
	return &BlockAssembler{pending: make(map[blockKey][]byte), maxSize: maxSize}
}

func keyFor(peer net.IP, port uint16, token []byte) blockKey {
	return blockKey{peer: peer.String(), port: port, token: string(token)}
}

// ErrChunkTooLarge is returned when an assembled Block1 transfer would
// exceed the configured maximum.
var ErrChunkTooLarge = fmt.Errorf("coaptrans: blockwise transfer exceeds REST_MAX_CHUNK_SIZE")

// Append adds one Block1 chunk. It returns the full reassembled payload
// and true once the final ("more=false") chunk arrives; otherwise it
// returns nil, false and the caller should ACK with 2.31 Continue.
func (a *BlockAssembler) Append(peer net.IP, port uint16, token []byte, block coapmsg.BlockOption, chunk []byte) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := keyFor(peer, port, token)
	buf := a.pending[k]
	end := int(block.Offset) + len(chunk)
	if end > a.maxSize {
		delete(a.pending, k)
		return nil, false, ErrChunkTooLarge
	}
	if len(buf) < end {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[block.Offset:end], chunk)
	a.pending[k] = buf

	if block.More {
		return nil, false, nil
	}
	delete(a.pending, k)
	return buf, true, nil
}

// Abandon discards any in-progress reassembly for (peer, token), e.g. on
// transaction timeout.
func (a *BlockAssembler) Abandon(peer net.IP, port uint16, token []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, keyFor(peer, port, token))
}
