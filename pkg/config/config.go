// Copyright 2017 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config loads strict JSON or YAML configuration files.
// Unknown fields are rejected so that typos do not silently fall back to defaults.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/powerfuzz/powerfuzz/pkg/osutil"
	"sigs.k8s.io/yaml"
)

func LoadFile(filename string, cfg interface{}) error {
	if filename == "" {
		return fmt.Errorf("no config file specified")
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return LoadYAML(data, cfg)
	}
	return LoadData(data, cfg)
}

var commentRe = regexp.MustCompile(`(^|\n)\s*#[^\n]*`)

// LoadData parses JSON config data. Lines starting with # are comments.
func LoadData(data []byte, cfg interface{}) error {
	data = commentRe.ReplaceAll(data, nil)
	return decodeStrict(data, cfg)
}

// LoadYAML converts YAML config data to JSON and decodes it with the same strictness as LoadData.
func LoadYAML(data []byte, cfg interface{}) error {
	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return decodeStrict(jsonData, cfg)
}

func decodeStrict(data []byte, cfg interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func SaveFile(filename string, cfg interface{}) error {
	data, err := SaveData(cfg)
	if err != nil {
		return err
	}
	return osutil.WriteFile(filename, data)
}

func SaveData(cfg interface{}) ([]byte, error) {
	return json.MarshalIndent(cfg, "", "\t")
}

// MergeJSONData overlays right on top of left. Nested objects are merged recursively,
// all other values in right replace those in left.
func MergeJSONData(left, right []byte) ([]byte, error) {
	vLeft := map[string]interface{}{}
	if err := json.Unmarshal(left, &vLeft); err != nil {
		return nil, fmt.Errorf("left config: %w", err)
	}
	if len(right) > 0 {
		vRight := map[string]interface{}{}
		if err := json.Unmarshal(right, &vRight); err != nil {
			return nil, fmt.Errorf("right config: %w", err)
		}
		mergeRecursive(vLeft, vRight)
	}
	return json.Marshal(vLeft)
}

func mergeRecursive(left, right map[string]interface{}) {
	for key, rv := range right {
		lm, lok := left[key].(map[string]interface{})
		rm, rok := rv.(map[string]interface{})
		if lok && rok {
			mergeRecursive(lm, rm)
			continue
		}
		left[key] = rv
	}
}
