package config

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Input limits for every document the bridge reads at startup.
const (
	MaxDocumentSize = 4 << 20 // config, tenant list and rule files
	maxJSONDepth    = 64
	maxEnvVarLen    = 8192
	maxPathLen      = 4096
)

var documentExtensions = []string{".json", ".yaml", ".yml"}

// ReadDocument reads a JSON or YAML document from path. The file must be a
// regular file no larger than MaxDocumentSize with a .json, .yaml or .yml
// extension.
func ReadDocument(path string) ([]byte, error) {
	if path == "" {
		return nil, stderrors.New("empty path")
	}
	if len(path) > maxPathLen {
		return nil, fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	}
	if ext := strings.ToLower(filepath.Ext(path)); !slices.Contains(documentExtensions, ext) {
		return nil, fmt.Errorf("%s: only .json, .yaml and .yml documents are read", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, MaxDocumentSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDocumentSize {
		return nil, fmt.Errorf("%s: exceeds the %d byte limit", path, MaxDocumentSize)
	}
	return data, nil
}

// readConfigFile is ReadDocument plus a refusal of parent references, since
// the config path usually comes from a flag or the environment.
func readConfigFile(path string) ([]byte, error) {
	if slices.Contains(strings.Split(filepath.ToSlash(path), "/"), "..") {
		return nil, fmt.Errorf("path traversal not allowed: %s", path)
	}
	return ReadDocument(path)
}

func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("%s: value of %d bytes exceeds %d", key, len(value), maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%s: null byte in value", key)
	}
	return nil
}

// validateJSONDepth bounds object and array nesting before the document
// reaches the decoder.
func validateJSONDepth(data []byte) error {
	var (
		depth    int
		inString bool
		escaped  bool
	)
	for _, b := range data {
		switch {
		case escaped:
			escaped = false
		case inString:
			switch b {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
		case b == '"':
			inString = true
		case b == '{' || b == '[':
			if depth++; depth > maxJSONDepth {
				return fmt.Errorf("JSON nesting deeper than %d", maxJSONDepth)
			}
		case b == '}' || b == ']':
			if depth--; depth < 0 {
				return stderrors.New("malformed JSON: unbalanced brackets")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("malformed JSON: %d unclosed brackets", depth)
	}
	return nil
}
