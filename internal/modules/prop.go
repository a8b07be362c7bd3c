package modules

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// ParseProp reads key=value lines. Blank lines, comments and lines without '=' are skipped.
// Later keys override earlier ones.
func ParseProp(r io.Reader) (map[string]string, error) {
	prop := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		prop[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return prop, scanner.Err()
}

// ZipProp extracts module.prop from a module archive held in memory.
func ZipProp(archive []byte) (map[string]string, error) {
	r, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("not a module archive: %w", err)
	}

	for _, f := range r.File {
		if f.Name != domain.PropFile {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return ParseProp(rc)
	}
	return nil, fmt.Errorf("archive has no %s", domain.PropFile)
}

// applyProp copies the known module.prop keys onto m.
func applyProp(m *domain.Module, prop map[string]string) {
	m.Name = prop["name"]
	m.Author = prop["author"]
	m.Description = prop["description"]
	m.Version = prop["version"]
	m.UpdateJSON = prop["updateJson"]
	if code, err := strconv.Atoi(prop["versionCode"]); err == nil {
		m.VersionCode = code
	}
	if m.Name == "" {
		m.Name = m.ID
	}
}
