// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reportingservice

// backlog is the FIFO of operations deferred while the Service waits for
// its Store load to complete. It models the facade's only asynchronous
// suspension point explicitly, rather than hiding it behind
// language-level async, so that shutdown-discards-backlog is a single
// assignment rather than a cancellation race.
type backlog struct {
	ops []func()
}

func (b *backlog) push(op func()) {
	b.ops = append(b.ops, op)
}

// drain runs every queued operation in FIFO order and empties the backlog.
// Operations appended by a running operation (there are none in this
// core, but the loop tolerates it) are run within the same drain.
func (b *backlog) drain() {
	for len(b.ops) > 0 {
		op := b.ops[0]
		b.ops = b.ops[1:]
		op()
	}
}

// discard empties the backlog without running anything, used on shutdown.
func (b *backlog) discard() {
	b.ops = nil
}
