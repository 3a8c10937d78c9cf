// Package bundle loads entity, rule and workflow definitions from YAML or
// CUE files and applies them in dependency order.
package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/recordflow/internal/model"
)

// EntitySpec is an entity definition in a bundle.
type EntitySpec struct {
	model.EntityDefinition `yaml:",inline"`
	Publish                bool `json:"publish,omitempty" yaml:"publish,omitempty"`
}

// WorkflowSpec is a workflow definition in a bundle. A transition's
// guard_rule_id may name a rule of the same bundle.
type WorkflowSpec struct {
	model.WorkflowDefinition `yaml:",inline"`
	Publish                  bool `json:"publish,omitempty" yaml:"publish,omitempty"`
}

// Bundle is a set of definitions applied together.
type Bundle struct {
	Entities  []EntitySpec   `json:"entities,omitempty" yaml:"entities,omitempty"`
	Rules     []model.Rule   `json:"rules,omitempty" yaml:"rules,omitempty"`
	Workflows []WorkflowSpec `json:"workflows,omitempty" yaml:"workflows,omitempty"`
}

// Merge appends the definitions of o.
func (b *Bundle) Merge(o Bundle) {
	b.Entities = append(b.Entities, o.Entities...)
	b.Rules = append(b.Rules, o.Rules...)
	b.Workflows = append(b.Workflows, o.Workflows...)
}

// Empty reports whether the bundle defines nothing.
func (b *Bundle) Empty() bool {
	return len(b.Entities) == 0 && len(b.Rules) == 0 && len(b.Workflows) == 0
}

// LoadError is a bundle file that could not be read or decoded.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load error codes.
const (
	ErrCodeNotFound     = "not_found"
	ErrCodeNoFiles      = "no_files"
	ErrCodeDecodeFailed = "decode_failed"
)

var exts = []string{".yaml", ".yml", ".cue"}

// FindFiles returns the bundle files under path in lexical order. A path
// naming a file is returned as is.
func FindFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && slices.Contains(exts, strings.ToLower(filepath.Ext(p))) {
			files = append(files, p)
		}
		return nil
	})
	slices.Sort(files)
	return files, err
}

// Load reads every bundle file under path. Decoding stops at the first bad
// file.
func Load(path string) (*Bundle, int, error) {
	files, err := FindFiles(path)
	if err != nil {
		return nil, 0, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("bundle path: %v", err)}
	}
	if len(files) == 0 {
		return nil, 0, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no .yaml or .cue files found in %s", path)}
	}
	out := &Bundle{}
	for _, f := range files {
		b, err := loadFile(f)
		if err != nil {
			return nil, len(files), err
		}
		out.Merge(b)
	}
	return out, len(files), nil
}

func loadFile(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, &LoadError{Code: ErrCodeNotFound, Message: err.Error()}
	}
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		return decodeCUE(path, data)
	}
	return decodeYAML(path, data)
}

func decodeYAML(path string, data []byte) (Bundle, error) {
	var b Bundle
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return Bundle{}, &LoadError{Code: ErrCodeDecodeFailed, Message: fmt.Sprintf("%s: %v", path, err)}
	}
	return b, nil
}

func decodeCUE(path string, data []byte) (Bundle, error) {
	v := cuecontext.New().CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return Bundle{}, cueLoadError(err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Bundle{}, cueLoadError(err)
	}
	var b Bundle
	if err := v.Decode(&b); err != nil {
		return Bundle{}, cueLoadError(err)
	}
	return b, nil
}

func cueLoadError(err error) *LoadError {
	le := &LoadError{Code: ErrCodeDecodeFailed, Message: cueerrors.Details(err, nil)}
	if pos := cueerrors.Positions(err); len(pos) > 0 {
		le.Pos = pos[0]
		le.Message = strings.TrimSpace(err.Error())
	}
	return le
}
