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
	"fmt"

	"github.com/intel/gpu-bufmgr/pkg/kernel"
)

var (
	ErrFailedOption      = fmt.Errorf("bufmgr: failed to apply option")
	ErrInvalidArgument   = fmt.Errorf("bufmgr: invalid argument")
	ErrClosedHandle      = fmt.Errorf("bufmgr: operation on closed handle")
	ErrExported          = fmt.Errorf("bufmgr: operation not allowed on exported handle")
	ErrNotExportable     = fmt.Errorf("bufmgr: handle cannot be exported")
	ErrIdentityViolation = fmt.Errorf("bufmgr: multiple handles for kernel object")
	ErrPolicyMismatch    = fmt.Errorf("bufmgr: policy mismatch for device")
	ErrSlabBacking       = fmt.Errorf("bufmgr: failed to allocate slab backing")
	ErrBusy              = fmt.Errorf("bufmgr: handle is busy")
	ErrTimeout           = kernel.ErrTimeout
	ErrNoMemory          = kernel.ErrNoMemory
)
