package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

//go:embed domains/*.yaml
var builtinFS embed.FS

// ErrUnknownDomain is returned by Builtin for a name with no embedded bundle.
var ErrUnknownDomain = errors.New("config: unknown domain")

// LoadFile reads a domain bundle. The format follows the extension:
// .yaml/.yml, .toml or .json; anything else is sniffed from the content.
func LoadFile(p string) (Domain, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return Domain{}, fmt.Errorf("read domain config: %w", err)
	}
	return Parse(data, filepath.Ext(p))
}

// Parse decodes a bundle and fills defaults. ext is a format hint such as
// ".toml"; empty means detect.
func Parse(data []byte, ext string) (Domain, error) {
	var d Domain
	switch format(data, ext) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&d); err != nil {
			return Domain{}, fmt.Errorf("parse domain json: %w", err)
		}
	case "toml":
		md, err := toml.Decode(string(data), &d)
		if err != nil {
			return Domain{}, fmt.Errorf("parse domain toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Domain{}, fmt.Errorf("parse domain toml: unknown keys %v", undecoded)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&d); err != nil {
			return Domain{}, fmt.Errorf("parse domain yaml: %w", err)
		}
	}
	return d.WithDefaults(), nil
}

func format(data []byte, ext string) string {
	switch strings.ToLower(ext) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	case ".yaml", ".yml":
		return "yaml"
	}
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("{")) {
		return "json"
	}
	return "yaml"
}

// Builtin returns an embedded domain bundle by name.
func Builtin(name string) (Domain, error) {
	data, err := builtinFS.ReadFile(path.Join("domains", name+".yaml"))
	if err != nil {
		return Domain{}, fmt.Errorf("%w: %s (available: %s)", ErrUnknownDomain, name, strings.Join(BuiltinNames(), ", "))
	}
	return Parse(data, ".yaml")
}

// BuiltinNames lists the embedded domains.
func BuiltinNames() []string {
	entries, _ := fs.ReadDir(builtinFS, "domains")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// Resolve accepts either a built-in domain name or a path to a bundle file.
func Resolve(ref string) (Domain, error) {
	if ref == "" {
		ref = "general"
	}
	if _, err := os.Stat(ref); err == nil {
		return LoadFile(ref)
	}
	return Builtin(ref)
}
