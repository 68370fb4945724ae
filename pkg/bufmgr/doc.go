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

// Package bufmgr implements a user-space manager for GPU buffer objects.
//
// A Manager allocates kernel memory objects, assigns them GPU virtual
// addresses from a set of zones, sub-allocates small buffers from larger
// slabs, caches idle buffers for reuse, and defers closing buffers until
// the GPU is done with them. Buffers shared with other processes or
// devices are deduplicated so that a kernel object is never wrapped by
// more than one live Handle.
//
// Managers are usually obtained through a Registry which multiplexes a
// single Manager per device and policy.
package bufmgr
