package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jkaninda/pybox"
	"github.com/jkaninda/pybox/internal/policy"
)

var (
	policyMounts    []string
	policyOutputDir string
	policyAllowNet  []string
	policyAutoLoad  bool
	policyMemoryMB  int
	policyWorker    string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show the capability grants a sandbox would launch with",
	Long: `Show the filesystem, network, and memory grants a sandbox built from these
flags would hand to deno, without launching anything.

Session directories are created at connect time, so they appear here as
<session> placeholders.

Examples:
  pybox policy
  pybox policy --mount data=./data --allow-net api.example.com:443
  pybox policy --auto-load-packages --memory-limit 1024`,
	RunE: runPolicy,
}

func init() {
	policyCmd.Flags().StringArrayVar(&policyMounts, "mount", nil, "read-only mount, name=path or a bare directory (repeatable)")
	policyCmd.Flags().StringVar(&policyOutputDir, "output-dir", "", "directory produced files are written to")
	policyCmd.Flags().StringArrayVar(&policyAllowNet, "allow-net", nil, "host:port to allow, or \"all\" (repeatable)")
	policyCmd.Flags().BoolVar(&policyAutoLoad, "auto-load-packages", false, "resolve missing imports at run time")
	policyCmd.Flags().IntVar(&policyMemoryMB, "memory-limit", pybox.DefaultMemoryLimitMB, "worker memory ceiling in MB")
	policyCmd.Flags().StringVar(&policyWorker, "worker-script", "<worker>", "worker script path shown in the argv")
}

func runPolicy(_ *cobra.Command, _ []string) error {
	named, dirs, err := parseMounts(policyMounts)
	if err != nil {
		return err
	}
	mounts := make(map[string]string, len(named)+len(dirs))
	for name, path := range named {
		if name == "files" {
			return fmt.Errorf("mount name %q is reserved for the staging directory", name)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("resolving mount %q: %w", name, err)
		}
		mounts[name] = abs
	}
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("resolving mount dir %q: %w", dir, err)
		}
		name := filepath.Base(abs)
		if name == "files" {
			return fmt.Errorf("mount name %q is reserved for the staging directory", name)
		}
		if _, dup := mounts[name]; dup {
			return fmt.Errorf("mount %q declared twice", name)
		}
		mounts[name] = abs
	}

	outputDir := "<session>/output"
	if policyOutputDir != "" {
		if outputDir, err = filepath.Abs(policyOutputDir); err != nil {
			return fmt.Errorf("resolving output dir: %w", err)
		}
	}

	denoCache := "<cache>/pybox/deno_core"
	if userCache, err := os.UserCacheDir(); err == nil {
		denoCache = filepath.Join(userCache, "pybox", "deno_core")
	}

	allowAll := false
	var hosts []string
	for _, h := range policyAllowNet {
		if h == "all" {
			allowAll = true
			continue
		}
		hosts = append(hosts, h)
	}

	pol := policy.Build(policy.Spec{
		Mounts:           mounts,
		StagingDir:       "<session>/files",
		OutputDir:        outputDir,
		DenoCacheDir:     denoCache,
		PackageCacheDir:  "<session>/package_cache",
		AllowAllNet:      allowAll,
		AllowHosts:       hosts,
		AutoLoadPackages: policyAutoLoad,
		MemoryLimitMB:    policyMemoryMB,
	})

	fmt.Println("Read-only paths:")
	for _, p := range pol.ReadOnly {
		fmt.Printf("  %s\n", p)
	}
	fmt.Println("Read-write paths:")
	for _, p := range pol.ReadWrite {
		fmt.Printf("  %s\n", p)
	}

	switch {
	case pol.NetAll:
		fmt.Println("Network: all hosts")
	case len(pol.NetHosts) > 0:
		fmt.Println("Network:")
		for _, h := range pol.NetHosts {
			fmt.Printf("  %s\n", h)
		}
	default:
		fmt.Println("Network: denied")
	}

	if pol.DisableRuntimePackages {
		fmt.Println("Runtime packages: disabled")
	} else {
		fmt.Println("Runtime packages: enabled")
	}
	fmt.Printf("Memory limit: %d MB\n", pol.MemoryLimitMB)

	fmt.Println("deno argv:")
	for _, a := range pol.Args(policyWorker) {
		fmt.Printf("  %s\n", a)
	}
	return nil
}
