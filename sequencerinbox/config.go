// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package sequencerinbox

import (
	"errors"

	flag "github.com/spf13/pflag"

	"github.com/offchainlabs/rollup-settlement/arbcompress"
)

// MaxTimeVariation bounds how far a batch's claimed base ledger time may drift from the time it
// is posted. The delay values also define the force inclusion window.
type MaxTimeVariation struct {
	DelayBlocks   uint64 `koanf:"delay-blocks"`
	FutureBlocks  uint64 `koanf:"future-blocks"`
	DelaySeconds  uint64 `koanf:"delay-seconds"`
	FutureSeconds uint64 `koanf:"future-seconds"`
}

var DefaultMaxTimeVariation = MaxTimeVariation{
	DelayBlocks:   60 * 60 * 24 / 15,
	FutureBlocks:  12,
	DelaySeconds:  60 * 60 * 24,
	FutureSeconds: 60 * 60,
}

func MaxTimeVariationAddOptions(prefix string, f *flag.FlagSet) {
	f.Uint64(prefix+".delay-blocks", DefaultMaxTimeVariation.DelayBlocks, "blocks before a delayed message may be force included")
	f.Uint64(prefix+".future-blocks", DefaultMaxTimeVariation.FutureBlocks, "blocks a batch may claim ahead of the base ledger")
	f.Uint64(prefix+".delay-seconds", DefaultMaxTimeVariation.DelaySeconds, "seconds before a delayed message may be force included")
	f.Uint64(prefix+".future-seconds", DefaultMaxTimeVariation.FutureSeconds, "seconds a batch may claim ahead of the base ledger")
}

type Config struct {
	MaxTimeVariation MaxTimeVariation   `koanf:"max-time-variation"`
	MaxDataSize      uint64             `koanf:"max-data-size"`
	BatchBuilder     BatchBuilderConfig `koanf:"batch-builder"`
}

var DefaultConfig = Config{
	MaxTimeVariation: DefaultMaxTimeVariation,
	MaxDataSize:      117964,
	BatchBuilder:     DefaultBatchBuilderConfig,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	MaxTimeVariationAddOptions(prefix+".max-time-variation", f)
	f.Uint64(prefix+".max-data-size", DefaultConfig.MaxDataSize, "maximum size of a batch including its header")
	BatchBuilderConfigAddOptions(prefix+".batch-builder", f)
}

func (c *Config) Validate() error {
	if c.MaxDataSize <= HeaderLength {
		return errors.New("max-data-size must exceed the batch header length")
	}
	return c.BatchBuilder.Validate()
}

type BatchBuilderConfig struct {
	MaxBatchSize     int `koanf:"max-size"`
	CompressionLevel int `koanf:"compression-level"`
}

var DefaultBatchBuilderConfig = BatchBuilderConfig{
	MaxBatchSize:     100000,
	CompressionLevel: arbcompress.LEVEL_WELL,
}

func BatchBuilderConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Int(prefix+".max-size", DefaultBatchBuilderConfig.MaxBatchSize, "maximum batch size")
	f.Int(prefix+".compression-level", DefaultBatchBuilderConfig.CompressionLevel, "batch compression level")
}

func (c *BatchBuilderConfig) Validate() error {
	if c.MaxBatchSize <= HeaderLength {
		return errors.New("batch-builder.max-size too small")
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > arbcompress.LEVEL_WELL {
		return errors.New("batch-builder.compression-level out of range")
	}
	return nil
}
