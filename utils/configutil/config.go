// Package configutil loads YAML configuration files into typed structs,
// following an "extends" chain of base files before the requested file
// is applied on top, and validating the merged result exactly once.
// Grounded on kraken's utils/configutil (its source was not part of the
// retrieval pack, but its test suite was, and that suite is this
// package's contract).
package configutil

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/imdario/mergo"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// ErrCycleRef is returned when a chain of "extends" references forms a
// cycle.
var ErrCycleRef = fmt.Errorf("cyclic reference in configuration extends detected")

// ValidationError wraps the field-level errors validator.v2 produces
// for a config struct's `validate` tags.
type ValidationError struct {
	errs validator.ErrorMap
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s", e.errs.Error())
}

// ErrForField returns the validation errors recorded against field, if
// any.
func (e ValidationError) ErrForField(field string) validator.ErrorArray {
	return e.errs[field]
}

type extendsDoc struct {
	Extends string `yaml:"extends"`
}

// resolveExtends walks fpath's "extends" chain via lookup (which maps a
// filename to the file it extends, or "" if there is none), returning
// the chain ordered from the ultimate base file to fpath itself.
// lookup's second argument pattern mirrors os.ReadFile so tests can
// stub it.
func resolveExtends(fpath string, lookup func(filename string) (string, error)) ([]string, error) {
	seen := map[string]bool{fpath: true}
	chain := []string{fpath}
	cur := fpath
	for {
		parent, err := lookup(cur)
		if err != nil {
			return nil, err
		}
		if parent == "" {
			break
		}
		if !filepath.IsAbs(parent) {
			parent = filepath.Join(filepath.Dir(cur), parent)
		}
		if seen[parent] {
			return nil, ErrCycleRef
		}
		seen[parent] = true
		chain = append(chain, parent)
		cur = parent
	}
	// Reverse so the base file comes first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func extendsOf(fpath string) (string, error) {
	b, err := os.ReadFile(fpath)
	if err != nil {
		return "", err
	}
	var d extendsDoc
	if err := yaml.Unmarshal(b, &d); err != nil {
		return "", fmt.Errorf("parse %s: %w", fpath, err)
	}
	return d.Extends, nil
}

// loadFiles merges each file in filenames into dest in order, each one
// overriding fields the previous files set, without validating the
// intermediate results.
func loadFiles(dest interface{}, filenames []string) error {
	for _, fname := range filenames {
		b, err := os.ReadFile(fname)
		if err != nil {
			return fmt.Errorf("read %s: %w", fname, err)
		}
		if err := yaml.Unmarshal(b, dest); err != nil {
			return fmt.Errorf("parse %s: %w", fname, err)
		}
	}
	return nil
}

// Load reads filename into dest, first resolving its "extends" chain
// and unmarshalling each file in turn into dest (base files first), so
// fields a later YAML document does not mention keep the earlier
// document's values, then validates the merged result's `validate` struct tags exactly
// once. An empty filename is a no-op, leaving dest as its zero value.
func Load(filename string, dest interface{}) error {
	if filename == "" {
		return nil
	}
	if _, err := os.Stat(filename); err != nil {
		return fmt.Errorf("stat %s: %w", filename, err)
	}

	chain, err := resolveExtends(filename, extendsOf)
	if err != nil {
		return err
	}

	if err := loadFiles(dest, chain); err != nil {
		return err
	}

	if err := validator.Validate(dest); err != nil {
		verrs, ok := err.(validator.ErrorMap)
		if !ok {
			return err
		}
		return ValidationError{errs: verrs}
	}
	return nil
}

// Merge reads filename's "extends" chain and merges it on top of dest
// in-place, without re-validating - used to layer a secrets file onto
// an already-loaded and validated config.
func Merge(filename string, dest interface{}) error {
	if filename == "" {
		return nil
	}
	chain, err := resolveExtends(filename, extendsOf)
	if err != nil {
		return err
	}
	for _, fname := range chain {
		b, err := os.ReadFile(fname)
		if err != nil {
			return fmt.Errorf("read %s: %w", fname, err)
		}
		overlay := zeroOf(dest)
		if err := yaml.Unmarshal(b, overlay); err != nil {
			return fmt.Errorf("parse %s: %w", fname, err)
		}
		if err := mergo.Merge(dest, overlay, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge %s: %w", fname, err)
		}
	}
	return nil
}

// zeroOf allocates a new zero value of the same pointee type as
// dest, which must itself be a pointer (as every config destination
// passed to Load/Merge is).
func zeroOf(dest interface{}) interface{} {
	t := reflect.TypeOf(dest).Elem()
	return reflect.New(t).Interface()
}
