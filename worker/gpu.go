// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/photon/raylet"
)

// cudaVisibleDevicesEnv is read once at process start to record the user's
// baseline GPU set, then rewritten per task.
const cudaVisibleDevicesEnv = "CUDA_VISIBLE_DEVICES"

// cudaVisibleDevices parses the baseline GPU visibility list. Returns nil
// when the variable is unset, meaning every GPU on the node is visible.
func cudaVisibleDevices() []int {
	raw, ok := os.LookupEnv(cudaVisibleDevicesEnv)
	if !ok {
		return nil
	}
	if raw == "" {
		return []int{}
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			// A malformed entry means the variable is not ours to
			// interpret; treat as unset.
			return nil
		}
		out = append(out, id)
	}
	return out
}

// assignedGPUIDs extracts the GPU slots from a resource assignment and
// remaps them through the worker's original visibility list so the exposed
// ids stay within the user's original set.
func (w *Worker) assignedGPUIDs(resourceIDs map[string][]raylet.ResourceAssignment) []int {
	assigned := make([]int, 0, len(resourceIDs["GPU"]))
	for _, ra := range resourceIDs["GPU"] {
		assigned = append(assigned, ra.ID)
	}
	if w.originalGPUIDs == nil {
		return assigned
	}
	remapped := make([]int, 0, len(assigned))
	for _, id := range assigned {
		if id >= 0 && id < len(w.originalGPUIDs) {
			remapped = append(remapped, w.originalGPUIDs[id])
		}
	}
	return remapped
}

// setCUDAVisibleDevices rewrites the visibility variable for the task about
// to run.
func setCUDAVisibleDevices(ids []int) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	os.Setenv(cudaVisibleDevicesEnv, strings.Join(parts, ","))
}

// GetGPUIDs returns the GPU ids assigned to the currently executing task,
// remapped through the baseline visibility set.
func (w *Worker) GetGPUIDs() ([]int, error) {
	if err := w.checkConnected(); err != nil {
		return nil, err
	}
	if w.Mode() == ModeLocal {
		return nil, errNoResourceIDsInLocalMode
	}
	resourceIDs, err := w.raylet.ResourceIDs()
	if err != nil {
		return nil, err
	}
	return w.assignedGPUIDs(resourceIDs), nil
}

// GetResourceIDs returns every resource assigned to the currently executing
// task: resource name to (slot id, fraction) pairs.
func (w *Worker) GetResourceIDs() (map[string][]raylet.ResourceAssignment, error) {
	if err := w.checkConnected(); err != nil {
		return nil, err
	}
	if w.Mode() == ModeLocal {
		return nil, errNoResourceIDsInLocalMode
	}
	return w.raylet.ResourceIDs()
}

// GetWebUIURL returns the cluster's web UI address recorded in the control
// plane.
func (w *Worker) GetWebUIURL() (string, error) {
	if err := w.checkConnected(); err != nil {
		return "", err
	}
	if w.Mode() == ModeLocal {
		return "", errNoResourceIDsInLocalMode
	}
	fields, err := w.cp.HashGetAll([]byte("webui"))
	if err != nil {
		return "", err
	}
	return string(fields["url"]), nil
}
