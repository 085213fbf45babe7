package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/xyproto/env/v2"

	"sysbuilder/internal/builderr"
	"sysbuilder/internal/engine"
)

// sdkLayout resolves the on-disk locations relative to an
// SDK root: the board/config directory, its config.json, and its three
// fixed ELF inputs.
type sdkLayout struct {
	Root       string
	BoardDir   string
	ConfigDir  string
	ConfigJSON string
	LoaderELF  string
	KernelELF  string
	MonitorELF string
}

// resolveSDKRoot looks up the SDK root directory: SEL4CP_SDK wins when
// set, otherwise the SDK root is taken to be the parent of the directory
// holding the running executable.
func resolveSDKRoot() (string, error) {
	if root := env.Str("SEL4CP_SDK", ""); root != "" {
		return root, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", builderr.Wrap(builderr.Resource, err, "SEL4CP_SDK is not set and the executable's own location could not be determined")
	}
	return filepath.Dir(filepath.Dir(exe)), nil
}

// resolveLayout validates board against the SDK's own board directory and
// config against that board's own subdirectories (excluding "example",
// which holds a template rather than a buildable configuration), and
// returns the fixed paths underneath.
func resolveLayout(fs afero.Fs, sdkRoot, board, config string) (sdkLayout, error) {
	boardsDir := filepath.Join(sdkRoot, "board")
	if ok, err := afero.DirExists(fs, boardsDir); err != nil || !ok {
		return sdkLayout{}, builderr.Raw(builderr.Resource, "SDK at %s has no board directory", sdkRoot)
	}

	boardDir := filepath.Join(boardsDir, board)
	boards, err := listSubdirs(fs, boardsDir)
	if err != nil {
		return sdkLayout{}, err
	}
	if !contains(boards, board) {
		return sdkLayout{}, builderr.Raw(builderr.Resource, "unknown board '%s', available boards: %v", board, boards)
	}

	configs, err := listSubdirs(fs, boardDir)
	if err != nil {
		return sdkLayout{}, err
	}
	var available []string
	for _, c := range configs {
		if c != "example" {
			available = append(available, c)
		}
	}
	if !contains(available, config) {
		return sdkLayout{}, builderr.Raw(builderr.Resource, "unknown config '%s' for board '%s', available configs: %v", config, board, available)
	}

	configDir := filepath.Join(boardDir, config)
	elfDir := filepath.Join(configDir, "elf")
	return sdkLayout{
		Root:       sdkRoot,
		BoardDir:   boardDir,
		ConfigDir:  configDir,
		ConfigJSON: filepath.Join(configDir, "config.json"),
		LoaderELF:  filepath.Join(elfDir, "loader.elf"),
		KernelELF:  filepath.Join(elfDir, "sel4.elf"),
		MonitorELF: filepath.Join(elfDir, "monitor.elf"),
	}, nil
}

func listSubdirs(fs afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, builderr.Wrap(builderr.Resource, err, "reading directory %s", dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func contains(xs []string, x string) bool {
	for _, s := range xs {
		if s == x {
			return true
		}
	}
	return false
}

// loadConfig decodes config.json into the immutable kernel configuration.
func loadConfig(fs afero.Fs, path string) (engine.Config, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return engine.Config{}, builderr.Wrap(builderr.Resource, err, "reading config %s", path)
	}
	var rc engine.RawConfig
	if err := json.Unmarshal(raw, &rc); err != nil {
		return engine.Config{}, builderr.Wrap(builderr.Parse, err, "parsing config %s", path)
	}
	cfg, err := rc.Resolve()
	if err != nil {
		return engine.Config{}, builderr.Wrap(builderr.Semantic, err, "config %s", path)
	}
	return cfg, nil
}
