package store

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/llmariner/model-registry/registry/internal/errdefs"
	"github.com/llmariner/model-registry/registry/internal/modelkey"
	"github.com/llmariner/model-registry/registry/internal/models"
	"github.com/llmariner/model-registry/registry/internal/registry"
	"gopkg.in/yaml.v3"
)

const (
	// Version is the schema version written to the registry file.
	Version = "3.0.0"

	metadataKey = "__metadata__"

	preamble = `# This file describes the alternative machine learning models
# available to the model registry.
#
# Each entry is keyed by "<base>/<type>/<name>" and carries at
# least the path of the model and its format.
`
)

// Metadata is the metadata block of the registry file.
type Metadata struct {
	Version string `yaml:"version"`
}

// File is the decoded content of a registry file.
type File struct {
	Metadata Metadata
	Entries  []registry.Entry
}

// Load reads the registry file at path. A missing file yields an empty File
// with the current version.
func Load(path string) (*File, error) {
	f := &File{Metadata: Metadata{Version: Version}}
	if path == "" {
		return f, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("store: read: %s", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("store: unmarshal: %s", err)
	}
	if len(doc.Content) == 0 {
		return f, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("store: %s: top level must be a mapping", path)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		k, v := root.Content[i], root.Content[i+1]
		if k.Value == metadataKey {
			if err := v.Decode(&f.Metadata); err != nil {
				return nil, fmt.Errorf("store: metadata: %s", err)
			}
			continue
		}
		key, err := modelkey.Parse(k.Value)
		if err != nil {
			return nil, fmt.Errorf("store: line %d: %w", k.Line, err)
		}
		var cfg models.Config
		if err := v.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("store: %s: %s", key, err)
		}
		f.Entries = append(f.Entries, registry.Entry{Key: key, Config: &cfg})
	}
	return f, nil
}

// Flush writes the config-durable entries to path. The file is written to a
// temporary file in the same directory and renamed over path, so the live file
// is never partially overwritten.
func Flush(path string, meta Metadata, entries []registry.Entry) error {
	if path == "" {
		return errdefs.ErrNoConfigPath
	}
	b, err := encode(meta, entries)
	if err != nil {
		return fmt.Errorf("%w: %s", errdefs.ErrPersistenceWriteFailed, err)
	}
	if err := writeAtomic(path, b); err != nil {
		return fmt.Errorf("%w: %s", errdefs.ErrPersistenceWriteFailed, err)
	}
	return nil
}

func encode(meta Metadata, entries []registry.Entry) ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}

	add := func(key string, v any) error {
		var n yaml.Node
		if err := n.Encode(v); err != nil {
			return err
		}
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, &n)
		return nil
	}

	if err := add(metadataKey, meta); err != nil {
		return nil, err
	}
	for _, e := range entries {
		c, err := models.ClassFor(e.Key.Base, e.Key.Type)
		if err != nil {
			return nil, err
		}
		if !c.SaveToConfig {
			continue
		}
		if err := add(e.Key.String(), e.Config); err != nil {
			return nil, fmt.Errorf("%s: %s", e.Key, err)
		}
	}

	var buf bytes.Buffer
	buf.WriteString(preamble)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	committed = true
	return nil
}
