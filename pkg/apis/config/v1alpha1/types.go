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

package v1alpha1

import (
	"fmt"
	"os"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/intel/gpu-bufmgr/pkg/apis/config/v1alpha1/bufmgr"
	"github.com/intel/gpu-bufmgr/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/intel/gpu-bufmgr/pkg/apis/config/v1alpha1/log"
)

const (
	// GroupVersion is the API group and version of our configuration.
	GroupVersion = "config.gpu-bufmgr.intel.com/v1alpha1"
	// BufferManagerKind is the kind of a buffer manager configuration.
	BufferManagerKind = "BufferManager"
)

// BufferManager represents the configuration of a buffer manager.
// +kubebuilder:object:root=true
type BufferManager struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec BufferManagerSpec `json:"spec"`
}

// BufferManagerSpec describes a buffer manager.
type BufferManagerSpec struct {
	bufmgr.Config `json:",inline"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// NewBufferManager returns a buffer manager configuration with defaults.
func NewBufferManager(name string) *BufferManager {
	return &BufferManager{
		TypeMeta: metav1.TypeMeta{
			APIVersion: GroupVersion,
			Kind:       BufferManagerKind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
		},
	}
}

// Parse parses a buffer manager configuration from YAML or JSON data.
// Unknown fields are rejected.
func Parse(data []byte) (*BufferManager, error) {
	cfg := &BufferManager{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if cfg.APIVersion == "" {
		cfg.APIVersion = GroupVersion
	}
	if cfg.Kind == "" {
		cfg.Kind = BufferManagerKind
	}
	if cfg.APIVersion != GroupVersion || cfg.Kind != BufferManagerKind {
		return nil, fmt.Errorf("unexpected configuration type %s, %s", cfg.APIVersion, cfg.Kind)
	}

	return cfg, nil
}

// Load loads a buffer manager configuration from a file.
func Load(file string) (*BufferManager, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	if cfg.Name == "" {
		cfg.Name = file
	}

	return cfg, nil
}

// Dump returns the configuration as YAML.
func (c *BufferManager) Dump() string {
	dump, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<failed to dump configuration: %v>", err)
	}
	return string(dump)
}
