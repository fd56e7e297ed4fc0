package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"github.com/zfett/vpipe/internal/pipeline/controller"
)

// ProfilePattern matches profile files below the profile directory
const ProfilePattern = "**/*.{yaml,yml,toml}"

// Profile is a named set of display path configurations
type Profile struct {
	Name string `yaml:"name" toml:"name"`
	// Start lists commands run after Init, e.g. [trigger, display]
	Start     []string            `yaml:"start" toml:"start"`
	Pipelines []controller.Config `yaml:"pipelines" toml:"pipelines"`

	// File is the path the profile was read from, relative to the directory
	File string `yaml:"-" toml:"-"`
}

// Commands parses Start
func (p Profile) Commands() ([]controller.Command, error) {
	cmds := make([]controller.Command, 0, len(p.Start))
	for _, s := range p.Start {
		cmd, err := controller.ParseCommand(s)
		if err != nil {
			return nil, err
		}
		if cmd == controller.CmdInit || cmd == controller.CmdDeinit {
			return nil, fmt.Errorf("%s cannot be a start command", cmd)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// LoadProfiles reads every profile below dir
func LoadProfiles(dir string) ([]Profile, error) {
	return LoadProfilesFS(os.DirFS(dir))
}

// LoadProfilesFS reads every profile in fsys. Profiles are validated and no
// display path may appear twice across them.
func LoadProfilesFS(fsys fs.FS) ([]Profile, error) {
	files, err := doublestar.Glob(fsys, ProfilePattern)
	if err != nil {
		return nil, fmt.Errorf("find profiles: %w", err)
	}
	slices.Sort(files)

	var (
		profiles []Profile
		errs     []error
		owner    = make(map[int]string)
	)
	for _, file := range files {
		p, err := readProfile(fsys, file)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", file, err))
			continue
		}
		for _, cfg := range p.Pipelines {
			if prev, ok := owner[cfg.Path]; ok {
				errs = append(errs, fmt.Errorf("%s: path %d already configured by %s", file, cfg.Path, prev))
				continue
			}
			owner[cfg.Path] = file
		}
		profiles = append(profiles, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return profiles, nil
}

func readProfile(fsys fs.FS, file string) (Profile, error) {
	data, err := fs.ReadFile(fsys, file)
	if err != nil {
		return Profile{}, err
	}

	var p Profile
	switch path.Ext(file) {
	case ".toml":
		err = toml.Unmarshal(data, &p)
	default:
		err = yaml.Unmarshal(data, &p)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("decode: %w", err)
	}

	p.File = file
	if p.Name == "" {
		p.Name = file
	}
	if len(p.Pipelines) == 0 {
		return Profile{}, errors.New("no pipelines")
	}
	if _, err := p.Commands(); err != nil {
		return Profile{}, err
	}
	for i, cfg := range p.Pipelines {
		if err := cfg.Validate(); err != nil {
			return Profile{}, fmt.Errorf("pipeline %d: %w", i, err)
		}
	}
	return p, nil
}

// ReadProfile reads and validates a single profile file
func ReadProfile(file string) (Profile, error) {
	dir, base := path.Split(filepath.ToSlash(file))
	if dir == "" {
		dir = "."
	}
	return readProfile(os.DirFS(filepath.FromSlash(dir)), base)
}
