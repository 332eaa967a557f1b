package engine

import (
	"context"
	"fmt"

	"github.com/caffeineduck/jshost/module"
	"github.com/dop251/goja"
)

// EvaluateModule parses source as an ES module named name, links its
// imports through the context's loader, evaluates it and returns its
// default export. Names ending in .ts, .tsx or .jsx are transpiled first;
// .json and .yaml names are evaluated as data modules.
func (c *Context) EvaluateModule(ctx context.Context, source, name string, opts ...EvalOption) (*Value, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	var cfg evalConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}
	defer c.within(ctx)()

	key := module.KeyFor("", name)
	if _, ok := c.resolver.Lookup(key); ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleAlreadyEvaluated, key)
	}

	rec, err := c.resolver.Add(ctx, key, sourceFor(name, source))
	if err != nil {
		c.resolver.Forget(key)
		return nil, c.translate(ctx, err)
	}
	if err := c.resolver.Link(ctx, rec); err != nil {
		c.resolver.Forget(key)
		return nil, c.translate(ctx, err)
	}

	var result goja.Value
	err = c.guard(ctx, func() error {
		ns, err := c.evaluate(rec)
		if err != nil {
			return err
		}
		result = ns
		if !cfg.namespace {
			result = defaultExport(ns)
		}
		if cfg.await {
			result, err = c.settle(ctx, result)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.pin(result), nil
}

func sourceFor(name, text string) module.Source {
	var src module.Source
	switch module.KindForPath(name) {
	case module.KindBytes:
		src = module.Bytes([]byte(text))
	case module.KindJSON:
		src = module.JSON(text)
	case module.KindYAML:
		src = module.YAML(text)
	default:
		src = module.Script(text)
	}
	src.Name = name
	return src
}
