// Package policy turns a container descriptor into a HookPlan: the
// environment overlay, mount descriptors and path redirects that the
// interception pipeline and the launcher enforce for that container.
package policy

import (
	"maps"
	"slices"
	"sort"
)

// Environment variable names in the overlay.
const (
	EnvContainerRoot = "CONTAINER_ROOT"
	EnvAppData       = "APPDATA"
	EnvLocalAppData  = "LOCALAPPDATA"
	EnvProgramFiles  = "PROGRAMFILES"
	EnvTemp          = "TEMP"
	EnvTmp           = "TMP"
)

// Default locations of the virtualized roots, relative to the container root.
const (
	DefaultProgramFiles = "rootfs/ProgramFiles"
	DefaultAppData      = "user/AppData/Roaming"
	DefaultLocalAppData = "user/LocalAppData"
	DefaultTemp         = "temp"
)

// PathLayout is the resolved set of virtualized roots for one container.
type PathLayout struct {
	ProgramFiles string `json:"program_files"`
	AppData      string `json:"appdata"`
	LocalAppData string `json:"local_appdata"`
	Temp         string `json:"temp"`
}

// Dirs returns the four roots in creation order.
func (l PathLayout) Dirs() []string {
	return []string{l.ProgramFiles, l.AppData, l.LocalAppData, l.Temp}
}

// PathRedirect rewrites paths under Original to the same relative path
// under Redirected.
type PathRedirect struct {
	Original   string `json:"original"`
	Redirected string `json:"redirected"`
}

// MountPlan names a virtualized root by its environment alias.
type MountPlan struct {
	Alias    string `json:"alias"`
	HostPath string `json:"host_path"`
}

// HookPlan is the immutable policy for one container. Share it by value
// and use Clone before handing it to code that may mutate it.
type HookPlan struct {
	ContainerID string            `json:"container_id"`
	Root        string            `json:"root"`
	Layout      PathLayout        `json:"layout"`
	Env         map[string]string `json:"env"`
	Mounts      []MountPlan       `json:"mounts"`
	Redirects   []PathRedirect    `json:"redirects"`
}

// Clone returns a deep copy of p.
func (p HookPlan) Clone() HookPlan {
	out := p
	out.Env = maps.Clone(p.Env)
	out.Mounts = slices.Clone(p.Mounts)
	out.Redirects = slices.Clone(p.Redirects)
	return out
}

// EnvKeys returns the overlay keys, sorted.
func (p HookPlan) EnvKeys() []string {
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
