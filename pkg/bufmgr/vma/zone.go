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

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Zone identifies a range of the GPU virtual address space with its own
// allocation policy.
type Zone int

const (
	// ZoneShader holds shader kernels. It lives in the low 4 GiB so that
	// 32-bit offsets from the zone base can address any object in it.
	ZoneShader Zone = iota
	// ZoneBinder holds binding tables.
	ZoneBinder
	// ZoneSurface holds surface and sampler state.
	ZoneSurface
	// ZoneDynamic holds dynamic state.
	ZoneDynamic
	// ZoneOther is the generic zone for everything else.
	ZoneOther
	// ZoneBorderColor is a pseudo-zone with a single, fixed address.
	ZoneBorderColor

	// NumZones is the number of known zones.
	NumZones
)

const (
	PageSize = uint64(4096)

	KiB = uint64(1) << 10
	MiB = uint64(1) << 20
	GiB = uint64(1) << 30
)

// Default address space layout.
const (
	DefaultShaderStart  = PageSize // never hand out address 0
	DefaultShaderSize   = 4*GiB - PageSize
	DefaultBinderStart  = 4 * GiB
	DefaultBinderSize   = 1 * GiB
	DefaultSurfaceStart = 5 * GiB
	DefaultSurfaceSize  = 3 * GiB
	DefaultBorderColor  = 8 * GiB
	BorderColorSize     = 64 * KiB
	DefaultDynamicStart = DefaultBorderColor + BorderColorSize
	DefaultDynamicSize  = 4*GiB - BorderColorSize
	DefaultOtherStart   = 16 * GiB
	DefaultOtherSize    = (uint64(1) << 47) - DefaultOtherStart - 4*GiB
)

var (
	zoneToString = map[Zone]string{
		ZoneShader:      "shader",
		ZoneBinder:      "binder",
		ZoneSurface:     "surface",
		ZoneDynamic:     "dynamic",
		ZoneOther:       "other",
		ZoneBorderColor: "border-color",
	}
	stringToZone = map[string]Zone{
		"shader":       ZoneShader,
		"binder":       ZoneBinder,
		"surface":      ZoneSurface,
		"dynamic":      ZoneDynamic,
		"other":        ZoneOther,
		"border-color": ZoneBorderColor,
	}
)

// ParseZone parses the given string into a Zone.
func ParseZone(str string) (Zone, error) {
	if z, ok := stringToZone[strings.ToLower(str)]; ok {
		return z, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidZone, str)
}

// IsValid returns true if the zone is known.
func (z Zone) IsValid() bool {
	return z >= 0 && z < NumZones
}

// String returns the name of the zone.
func (z Zone) String() string {
	if s, ok := zoneToString[z]; ok {
		return s
	}
	return fmt.Sprintf("%%!(vma:Bad-Zone %d)", z)
}

// MarshalJSON is the json.Marshaller for Zone.
func (z Zone) MarshalJSON() ([]byte, error) {
	return json.Marshal(z.String())
}

// UnmarshalJSON is the json.Unmarshaller for Zone.
func (z *Zone) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidZone, string(data))
	}
	zone, err := ParseZone(str)
	if err != nil {
		return err
	}
	*z = zone
	return nil
}

// MarshalText is the encoding.TextMarshaler for Zone.
func (z Zone) MarshalText() ([]byte, error) {
	if !z.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidZone, z)
	}
	return []byte(z.String()), nil
}

// UnmarshalText is the encoding.TextUnmarshaler for Zone.
func (z *Zone) UnmarshalText(text []byte) error {
	zone, err := ParseZone(string(text))
	if err != nil {
		return err
	}
	*z = zone
	return nil
}
