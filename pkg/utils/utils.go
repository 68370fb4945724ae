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

package utils

import (
	"fmt"
	"math/bits"
	"strings"
)

// ParseEnabled parses a boolean-like state (on/off, true/false, etc.).
func ParseEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "true", "yes", "enable", "enabled", "1":
		return true, nil
	case "off", "false", "no", "disable", "disabled", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid enabled/disabled state %q", value)
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// NextPowerOfTwo returns the smallest power of two >= v. For 0 it returns 1.
func NextPowerOfTwo(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len64(v-1)
}

// AlignUp rounds v up to a multiple of the power-of-two alignment a.
func AlignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// PrettySize returns a human readable representation of a byte count.
func PrettySize(size uint64) string {
	const (
		K = uint64(1) << 10
		M = uint64(1) << 20
		G = uint64(1) << 30
		T = uint64(1) << 40
	)

	units := []struct {
		size uint64
		unit string
	}{
		{T, "T"},
		{G, "G"},
		{M, "M"},
		{K, "k"},
	}

	for _, u := range units {
		if size >= u.size {
			if size%u.size == 0 {
				return fmt.Sprintf("%d%s", size/u.size, u.unit)
			}
			return fmt.Sprintf("%.2f%s", float64(size)/float64(u.size), u.unit)
		}
	}

	return fmt.Sprintf("%d", size)
}
