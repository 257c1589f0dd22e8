package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

// SaveTarget rewrites the target section of the configuration file in place,
// leaving every other section untouched. The file is replaced atomically so a
// watching daemon never observes a partial write.
func SaveTarget(configPath string, target TargetConfig) error {
	if err := ValidateTarget(target); err != nil {
		return err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "failed to read config file").
			WithContext("path", configPath).Build()
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "failed to parse config file").
			WithContext("path", configPath).Build()
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return ferrors.ConfigError("config file root must be a mapping").WithContext("path", configPath).Build()
	}

	var value yaml.Node
	if err := value.Encode(target); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "failed to encode target").Build()
	}
	setMappingValue(doc.Content[0], "target", &value)

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "failed to marshal config").Build()
	}
	return writeFileAtomic(configPath, out)
}

func setMappingValue(mapping *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = value
			return
		}
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
}

func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0o600)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".privd-config-*")
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "failed to create temp config").Build()
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return ferrors.WrapError(err, ferrors.CategoryConfig, "failed to write temp config").Build()
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return ferrors.WrapError(err, ferrors.CategoryConfig, "failed to chmod temp config").Build()
	}
	if err := tmp.Close(); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "failed to close temp config").Build()
	}
	if err := os.Rename(tmpName, path); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "failed to replace config file").
			WithContext("path", path).Build()
	}
	return nil
}
