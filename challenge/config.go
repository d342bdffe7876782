// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package challenge

import (
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
)

// MaxSteps bounds the instruction count an execution challenge may dispute.
const MaxSteps uint64 = 1 << 43

type Config struct {
	// MaxBisectionDegree is how many parts a disputed range is cut into per move.
	MaxBisectionDegree uint64 `koanf:"max-bisection-degree"`
}

var DefaultConfig = Config{
	MaxBisectionDegree: 2,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Uint64(prefix+".max-bisection-degree", DefaultConfig.MaxBisectionDegree, "number of segments a bisection splits the disputed range into")
}

func (c *Config) Validate() error {
	if c.MaxBisectionDegree < 2 {
		return errors.Errorf("max-bisection-degree must be at least 2, got %d", c.MaxBisectionDegree)
	}
	return nil
}
