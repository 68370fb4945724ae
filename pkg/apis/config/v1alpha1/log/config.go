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

package log

import (
	"github.com/intel/gpu-bufmgr/pkg/apis/config/v1alpha1/log/klogcontrol"
)

// Config provides runtime configuration for logging.
// +k8s:deepcopy-gen=true
type Config struct {
	// Debug lists debug specs, each a comma-separated list of [state:]source
	// entries. A state (on, off) applies to the following entries until the
	// next one. The source '*' or 'all' covers sources without an entry of
	// their own. Known sources include bufmgr, bufmgr-details, vma, kernel,
	// simdev, metrics and instrumentation.
	// +optional
	// +kubebuilder:example={"on:bufmgr,vma", "off:bufmgr-details"}
	Debug []string `json:"debug,omitempty"`
	// LogSource prefixes messages with the name of their logger source.
	// +optional
	LogSource bool `json:"source,omitempty"`
	// Klog sets klog backend flags.
	// +optional
	Klog klogcontrol.Config `json:"klog,omitempty"`
}
