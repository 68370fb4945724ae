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

package kernel

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	ErrNoMemory      = fmt.Errorf("kernel: out of memory")
	ErrTimeout       = fmt.Errorf("kernel: timed out")
	ErrInvalidObject = fmt.Errorf("kernel: invalid object")
	ErrDeviceLost    = fmt.Errorf("kernel: device lost")
	ErrUnsupported   = fmt.Errorf("kernel: operation not supported")
)

// IsTransient returns true for errors a call should be retried after.
func IsTransient(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}

// translate maps errno values to the corresponding kernel errors,
// keeping the original error in the chain.
func translate(op string, err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var kind error
	switch errno {
	case unix.ENOMEM, unix.ENOSPC:
		kind = ErrNoMemory
	case unix.ETIME, unix.ETIMEDOUT:
		kind = ErrTimeout
	case unix.ENOENT, unix.EINVAL, unix.EBADF:
		kind = ErrInvalidObject
	case unix.ENODEV, unix.EIO:
		kind = ErrDeviceLost
	case unix.ENOTTY, unix.EOPNOTSUPP:
		kind = ErrUnsupported
	default:
		return fmt.Errorf("%s: %w", op, err)
	}

	return fmt.Errorf("%w: %s: %w", kind, op, err)
}
