// Package policy computes the process-level capability grants a sandbox
// worker is launched with: deduplicated, deterministically ordered read-only
// and read-write path sets, a network allow list, and the V8 memory ceiling,
// rendered as deno CLI arguments.
package policy

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// PackageDownloadHosts is the baseline network allow list: the registry
// endpoints the worker contacts to download Python packages. It is granted
// whenever any network capability is enabled.
var PackageDownloadHosts = []string{
	"cdn.jsdelivr.net:443",
	"pypi.org:443",
	"files.pythonhosted.org:443",
}

// Spec is the input to a policy build: the session's mount table (staging
// directory included), its writable directories, and the caller's network
// and memory choices. Build is pure; repeated builds over an equal Spec
// produce identical policies.
type Spec struct {
	// Mounts maps logical mount names to host absolute paths. Every mount is
	// exposed read-only.
	Mounts map[string]string

	// StagingDir holds host-declared input files, exposed read-only.
	StagingDir string

	// OutputDir is the only user-visible writable path.
	OutputDir string

	// DenoCacheDir and PackageCacheDir are internal writable caches.
	DenoCacheDir    string
	PackageCacheDir string

	// AllowAllNet grants unrestricted network access. AllowHosts grants the
	// listed host:port pairs in addition to the package baseline. When both
	// are unset and AutoLoadPackages is false, network is fully denied.
	AllowAllNet bool
	AllowHosts  []string

	// AutoLoadPackages keeps the package baseline reachable so the worker
	// can resolve imports at run time.
	AutoLoadPackages bool

	// MemoryLimitMB caps the worker's V8 old-space heap.
	MemoryLimitMB int
}

// Policy is the derived capability set. Path slices are sorted and deduped;
// ReadOnly and ReadWrite are disjoint (a writable path is never also listed
// read-only; in particular the output directory never appears in ReadOnly).
type Policy struct {
	ReadOnly  []string
	ReadWrite []string

	// NetAll means unrestricted network. Otherwise NetHosts lists the
	// allowed host:port pairs; an empty list means network is denied.
	NetAll   bool
	NetHosts []string

	// DisableNet and DisableRuntimePackages are forwarded to the worker in
	// the configuration handshake.
	DisableNet             bool
	DisableRuntimePackages bool

	MemoryLimitMB int
}

// Build derives the capability policy from a spec.
func Build(s Spec) Policy {
	rw := cleanSorted(s.OutputDir, s.DenoCacheDir, s.PackageCacheDir)

	ro := make([]string, 0, len(s.Mounts)+1)
	for _, p := range s.Mounts {
		ro = append(ro, p)
	}
	ro = append(ro, s.StagingDir)
	readOnly := exclude(cleanSorted(ro...), rw)

	p := Policy{
		ReadOnly:               readOnly,
		ReadWrite:              rw,
		DisableNet:             !s.AllowAllNet && len(s.AllowHosts) == 0 && !s.AutoLoadPackages,
		DisableRuntimePackages: !s.AutoLoadPackages,
		MemoryLimitMB:          s.MemoryLimitMB,
	}

	switch {
	case s.AllowAllNet:
		p.NetAll = true
	case len(s.AllowHosts) > 0:
		hosts := append([]string{}, PackageDownloadHosts...)
		hosts = append(hosts, s.AllowHosts...)
		p.NetHosts = dedupeSorted(hosts)
	case s.AutoLoadPackages:
		p.NetHosts = dedupeSorted(append([]string{}, PackageDownloadHosts...))
	}

	return p
}

// Args renders the policy as the deno argv used to launch the worker script.
// Read access is granted on the union of both path sets because deno's write
// permission does not imply read.
func (p Policy) Args(workerScript string) []string {
	read := dedupeSorted(append(append([]string{}, p.ReadOnly...), p.ReadWrite...))

	args := []string{"run"}
	args = append(args, "--allow-read="+strings.Join(read, ","))
	args = append(args, "--allow-write="+strings.Join(p.ReadWrite, ","))

	switch {
	case p.NetAll:
		args = append(args, "--allow-net")
	case len(p.NetHosts) > 0:
		args = append(args, "--allow-net="+strings.Join(p.NetHosts, ","))
	}

	args = append(args,
		fmt.Sprintf("--v8-flags=--max-old-space-size=%d", p.MemoryLimitMB),
		"--allow-env",
		workerScript,
	)
	return args
}

// cleanSorted normalizes, sorts, and dedupes paths, dropping empty entries.
func cleanSorted(paths ...string) []string {
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		cleaned = append(cleaned, filepath.Clean(p))
	}
	return dedupeSorted(cleaned)
}

func dedupeSorted(values []string) []string {
	sort.Strings(values)
	out := values[:0]
	var prev string
	for i, v := range values {
		if i > 0 && v == prev {
			continue
		}
		out = append(out, v)
		prev = v
	}
	return out
}

// exclude returns the members of a not present in b. Both inputs are sorted;
// the result preserves a's order.
func exclude(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, v := range b {
		drop[v] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, v := range a {
		if _, ok := drop[v]; ok {
			continue
		}
		out = append(out, v)
	}
	return out
}
