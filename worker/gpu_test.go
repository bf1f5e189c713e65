// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/photon/raylet"
)

func TestGPU_RemapThroughOriginalSet(t *testing.T) {
	w := New(nil)

	assignment := map[string][]raylet.ResourceAssignment{
		"GPU": {{ID: 0, Fraction: 1}, {ID: 2, Fraction: 1}},
	}

	// With no baseline restriction, slot indexes pass through.
	w.originalGPUIDs = nil
	must.Eq(t, []int{0, 2}, w.assignedGPUIDs(assignment))

	// With CUDA_VISIBLE_DEVICES=4,5,6 recorded at start, assigned slots
	// remap into the user's original set.
	w.originalGPUIDs = []int{4, 5, 6}
	must.Eq(t, []int{4, 6}, w.assignedGPUIDs(assignment))

	// Slots outside the baseline are dropped rather than invented.
	w.originalGPUIDs = []int{9}
	must.Eq(t, []int{9}, w.assignedGPUIDs(map[string][]raylet.ResourceAssignment{
		"GPU": {{ID: 0, Fraction: 1}, {ID: 3, Fraction: 1}},
	}))
}

func TestCUDAVisibleDevices_Parse(t *testing.T) {
	t.Setenv(cudaVisibleDevicesEnv, "1, 3,5")
	must.Eq(t, []int{1, 3, 5}, cudaVisibleDevices())

	t.Setenv(cudaVisibleDevicesEnv, "")
	must.Eq(t, []int{}, cudaVisibleDevices())

	t.Setenv(cudaVisibleDevicesEnv, "not-a-gpu")
	must.Nil(t, cudaVisibleDevices())
}
