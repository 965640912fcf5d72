package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/bizsync/internal/conflict"
)

// ErrNoRules is returned when a policy declares no rules.
var ErrNoRules = errors.New("policy declares no rules")

// Policy is a compiled rule set in evaluation order.
type Policy struct {
	Rules []conflict.Rule
	Files int
}

// Resolver builds a resolver running this policy.
func (p *Policy) Resolver(opts ...conflict.Option) (*conflict.Resolver, error) {
	return conflict.NewResolver(append([]conflict.Option{conflict.WithRules(p.Rules...)}, opts...)...)
}

// Load compiles every .cue file in dir. All rule errors are collected.
func Load(dir string) (*Policy, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("policy directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("policy directory: not a directory: %s", dir)
	}
	files, err := findCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scan policy directory: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("load policy: no CUE instances loaded")
	}
	if err := instances[0].Err; err != nil {
		return nil, fmt.Errorf("load policy: %w", formatCUEError("", err))
	}
	value := ctx.BuildInstance(instances[0])

	p, err := compile(value)
	if err != nil {
		return nil, err
	}
	p.Files = len(files)
	return p, nil
}

// LoadString compiles policy source held in memory. name is used in error
// positions.
func LoadString(name, src string) (*Policy, error) {
	value := cuecontext.New().CompileString(src, cue.Filename(name))
	p, err := compile(value)
	if err != nil {
		return nil, err
	}
	p.Files = 1
	return p, nil
}

func compile(value cue.Value) (*Policy, error) {
	if err := value.Err(); err != nil {
		return nil, formatCUEError("", err)
	}
	rulesVal := value.LookupPath(cue.ParsePath("rule"))
	if !rulesVal.Exists() {
		return nil, ErrNoRules
	}
	iter, err := rulesVal.Fields()
	if err != nil {
		return nil, formatCUEError("", err)
	}

	var (
		rules []conflict.Rule
		errs  []error
	)
	for iter.Next() {
		rule, err := CompileRule(iter.Value())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rules = append(rules, rule)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(rules) == 0 {
		return nil, ErrNoRules
	}

	sorted, err := conflict.SortRules(rules)
	if err != nil {
		return nil, err
	}
	return &Policy{Rules: sorted}, nil
}

func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
