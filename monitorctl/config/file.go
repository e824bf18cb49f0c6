// Copyright 2026 The gVisor Authors.
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

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/objsync/monitorctl/flag"
)

// setting is one flag value read from a config file.
type setting struct {
	name  string
	value string
}

// LoadFile applies the flags set in the config file at path to c. Keys are
// flag names. Flags given on the command line take precedence over the file.
//
// Files ending in .yaml or .yml are YAML, others TOML. Example:
//
//	inflation-policy = "wait"
//	spin-retries = 200
//	suspend-timeout = "100ms"
func (c *Config) LoadFile(flagSet *flag.FlagSet, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	load := c.Load
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		load = c.LoadYAML
	}
	if err := load(flagSet, f); err != nil {
		return fmt.Errorf("config file %q: %w", path, err)
	}
	return nil
}

// Load applies the flags set in TOML read from r.
func (c *Config) Load(flagSet *flag.FlagSet, r io.Reader) error {
	values := make(map[string]any)
	md, err := toml.NewDecoder(r).Decode(&values)
	if err != nil {
		return err
	}

	var settings []setting
	for _, key := range md.Keys() {
		if len(key) != 1 {
			continue
		}
		name := key[0]
		switch v := values[name].(type) {
		case string:
			settings = append(settings, setting{name, v})
		case bool, int64, float64:
			settings = append(settings, setting{name, fmt.Sprint(v)})
		default:
			return fmt.Errorf("flag %q: unsupported value of type %s", name, md.Type(name))
		}
	}
	return c.apply(flagSet, settings)
}

// LoadYAML applies the flags set in the YAML mapping read from r.
func (c *Config) LoadYAML(flagSet *flag.FlagSet, r io.Reader) error {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: config must be a mapping of flag names to values", doc.Line)
	}
	m := doc.Content[0]
	var settings []setting
	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], m.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: flag %q: value must be a scalar", v.Line, k.Value)
		}
		settings = append(settings, setting{k.Value, v.Value})
	}
	return c.apply(flagSet, settings)
}

// apply overrides c with settings, in file order, skipping flags set on the
// command line.
func (c *Config) apply(flagSet *flag.FlagSet, settings []setting) error {
	visited := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})
	for _, s := range settings {
		if visited[s.name] {
			continue
		}
		if err := c.Override(flagSet, s.name, s.value); err != nil {
			return err
		}
	}
	return nil
}
