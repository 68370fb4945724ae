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

package vma

import "fmt"

var (
	ErrFailedOption     = fmt.Errorf("vma: failed to apply option")
	ErrInvalidZone      = fmt.Errorf("vma: invalid zone")
	ErrInvalidAlignment = fmt.Errorf("vma: alignment is not a power of two")
	ErrInvalidSize      = fmt.Errorf("vma: invalid size")
	ErrNoSpace          = fmt.Errorf("vma: no space left in zone")
	ErrNotReserved      = fmt.Errorf("vma: range not reserved")
)
