package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ManifestEngine is an Engine over a JSON jobs manifest: a tree of attribute
// sets with derivation leaves. Functions are encoded as
//
//	{"__functionArgs": {"arg": hasDefault, ...}, "__body": ...}
//
// and are applied by checking the auto-arguments cover every argument
// without a default.
type ManifestEngine struct {
	root     interface{}
	autoArgs map[string]string
}

func NewManifestEngine(path string, autoArgs map[string]string) (*ManifestEngine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest %q: %w", path, err)
	}
	var root interface{}
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("error parsing manifest %q: %w", path, err)
	}
	return &ManifestEngine{root: root, autoArgs: autoArgs}, nil
}

func (e *ManifestEngine) Eval(ctx context.Context, attrPath string) (interface{}, error) {
	v, err := e.autoCall(e.root)
	if err != nil {
		return nil, err
	}
	if attrPath != "" {
		for _, name := range strings.Split(attrPath, ".") {
			attrs, ok := v.(map[string]interface{})
			if !ok {
				return nil, NewError("attribute '%s' not found", attrPath)
			}
			child, ok := attrs[name]
			if !ok {
				return nil, NewError("attribute '%s' not found", attrPath)
			}
			v, err = e.autoCall(child)
			if err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

// autoCall applies a function value with the auto-arguments.
func (e *ManifestEngine) autoCall(v interface{}) (interface{}, error) {
	attrs, ok := v.(map[string]interface{})
	if !ok {
		return v, nil
	}
	args, ok := attrs["__functionArgs"].(map[string]interface{})
	if !ok {
		return v, nil
	}
	for name, hasDefault := range args {
		if hasDefault == true {
			continue
		}
		if _, ok := e.autoArgs[name]; !ok {
			return nil, NewError("cannot evaluate a function that has an argument without a value ('%s')", name)
		}
	}
	return attrs["__body"], nil
}
