package registry

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/portal-engine/internal/postprocess"
)

const (
	LabelMapFile   = "label_map.pbtxt"
	DescriptorFile = "portal.yaml"
)

// ParseLabelMap reads a pbtxt label map: every "id:" line is followed by a
// "name:" line.
func ParseLabelMap(r io.Reader) (postprocess.Labels, error) {
	labels := postprocess.Labels{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "id") || !strings.Contains(line, ":") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(line[strings.LastIndexByte(line, ':')+1:]))
		if err != nil {
			return nil, fmt.Errorf("label map id %q: %w", line, err)
		}
		if !sc.Scan() {
			return nil, fmt.Errorf("label map id %d has no name", id)
		}
		next := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(next, "name") {
			return nil, fmt.Errorf("label map id %d is followed by %q", id, next)
		}
		name := strings.TrimSpace(next[strings.IndexByte(next, ':')+1:])
		labels[id] = strings.Trim(name, `'"`)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}

// LoadLabelMap reads the label map of a model directory.
func LoadLabelMap(dir string) (postprocess.Labels, error) {
	f, err := os.Open(filepath.Join(dir, LabelMapFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseLabelMap(f)
}

// Descriptor is the optional portal.yaml of a model directory.
type Descriptor struct {
	Type   string `yaml:"type"`
	Height int    `yaml:"height"`
	Width  int    `yaml:"width"`
	Runner string `yaml:"runner"`
}

// LoadDescriptor reads portal.yaml from dir. A missing file yields a zero
// descriptor and no error.
func LoadDescriptor(dir string) (Descriptor, error) {
	var d Descriptor
	raw, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return d, err
	}
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("parse %s: %w", DescriptorFile, err)
	}
	return d, nil
}
