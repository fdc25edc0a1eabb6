package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/flemzord/snaphost/internal/security"
)

// LoadedSnap is a SnapConfig with its files read.
type LoadedSnap struct {
	ID                 string
	Version            string
	SourceCode         string
	InitialPermissions map[string]json.RawMessage
	Signature          string
	Disabled           bool
}

// LoadSnap reads the snap's source and permissions. Relative paths are
// resolved against baseDir.
func LoadSnap(s SnapConfig, baseDir string) (LoadedSnap, error) {
	source, err := readFile(s.Source, baseDir)
	if err != nil {
		return LoadedSnap{}, fmt.Errorf("config: snap %s: %w", s.ID, err)
	}

	var perms map[string]json.RawMessage
	if s.PermissionsFile != "" {
		data, err := readFile(s.PermissionsFile, baseDir)
		if err != nil {
			return LoadedSnap{}, fmt.Errorf("config: snap %s: %w", s.ID, err)
		}
		perms, err = ParsePermissions([]byte(data))
		if err != nil {
			return LoadedSnap{}, fmt.Errorf("config: snap %s: %s: %w", s.ID, s.PermissionsFile, err)
		}
	} else {
		perms = make(map[string]json.RawMessage, len(s.InitialPermissions))
		for target, v := range s.InitialPermissions {
			raw, err := json.Marshal(v)
			if err != nil {
				return LoadedSnap{}, fmt.Errorf("config: snap %s: permission %s: %w", s.ID, target, err)
			}
			perms[target] = raw
		}
	}

	return LoadedSnap{
		ID:                 s.ID,
		Version:            s.Version,
		SourceCode:         source,
		InitialPermissions: perms,
		Signature:          s.Signature,
		Disabled:           s.Disabled,
	}, nil
}

// ParsePermissions decodes a permission map written as JSON with comments
// and trailing commas.
func ParsePermissions(data []byte) (map[string]json.RawMessage, error) {
	var perms map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &perms); err != nil {
		return nil, fmt.Errorf("parsing permissions: %w", err)
	}
	if perms == nil {
		return nil, fmt.Errorf("parsing permissions: expected an object")
	}
	return perms, nil
}

func readFile(path, baseDir string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	if err := security.ValidatePath(path); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
