// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package bufmgr

import (
	"github.com/eapache/queue"
)

// entryQueue is a FIFO of handle entries, oldest first. The zero value
// is an empty queue.
type entryQueue struct {
	q *queue.Queue
}

func (q *entryQueue) push(e entry) {
	if q.q == nil {
		q.q = queue.New()
	}
	q.q.Add(e)
}

func (q *entryQueue) size() int {
	if q.q == nil {
		return 0
	}
	return q.q.Length()
}

// peek returns the oldest entry. The queue must not be empty.
func (q *entryQueue) peek() entry {
	return q.q.Peek().(entry)
}

// pop removes the oldest entry. The queue must not be empty.
func (q *entryQueue) pop() entry {
	return q.q.Remove().(entry)
}

// drain removes all entries, calling fn for each, oldest first.
func (q *entryQueue) drain(fn func(entry)) {
	for q.size() > 0 {
		fn(q.pop())
	}
	q.q = nil
}
