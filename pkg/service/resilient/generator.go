package resilient

import (
	"context"

	"github.com/memgate/memgate/pkg/adapter/memengine"
	"github.com/memgate/memgate/pkg/service/repair"
	"github.com/memgate/memgate/pkg/utils/logging"
)

// repairGenerator decorates a Generator so its textual output is repaired
// before the engine's own deserialization sees it. The wrapped generator is
// never mutated.
type repairGenerator struct {
	inner memengine.Generator
}

// WrapGenerator returns a Generator whose output always parses as JSON.
// Generation errors degrade to the canonical empty payload rather than
// propagating into the engine's parse path.
func WrapGenerator(inner memengine.Generator) memengine.Generator {
	return &repairGenerator{inner: inner}
}

func (g *repairGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := g.inner.Generate(ctx, prompt)
	if err != nil {
		logging.From(ctx).Error("generation failed, substituting empty payload",
			"error", err.Error())
		return repair.CanonicalEmpty, nil
	}

	fixed := repair.Repair(out)
	if fixed != out {
		logging.From(ctx).Debug("repaired generator output",
			"raw_len", len(out), "fixed_len", len(fixed))
	}
	return fixed, nil
}
