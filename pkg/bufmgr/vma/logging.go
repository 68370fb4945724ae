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
	"fmt"

	logger "github.com/intel/gpu-bufmgr/pkg/log"
	"github.com/intel/gpu-bufmgr/pkg/utils"
)

var (
	log     = logger.Get("vma")
	details = logger.Get("vma-details")
)

// DumpState logs the usage of all zones.
func (a *Allocator) DumpState(context ...interface{}) {
	prefix := formatPrefix(context...)

	a.ForeachZone(func(u Usage) bool {
		log.Info("%s  zone %s [%#x, %#x): %s free of %s, %s in small blocks", prefix,
			u.Zone, u.Start, u.Start+u.Size, utils.PrettySize(u.Free),
			utils.PrettySize(u.Size), utils.PrettySize(u.Small))
		return ForeachMore
	})

	for id, addr := range a.fixed {
		log.Info("%s  fixed zone %s at %#x", prefix, id, addr)
	}

	if !details.DebugEnabled() {
		return
	}

	for _, z := range a.zones {
		if z == nil {
			continue
		}
		z.heap.ForeachHole(func(start, end uint64) bool {
			details.Debug("%s    %s hole [%#x, %#x) %s", prefix, z.id, start, end,
				utils.PrettySize(end-start))
			return ForeachMore
		})
	}
}

func formatPrefix(args ...interface{}) string {
	narg := len(args)
	if narg == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!vma:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
