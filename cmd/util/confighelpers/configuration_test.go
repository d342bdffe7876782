// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package confighelpers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

type innerConfig struct {
	Blocks  uint64        `koanf:"blocks"`
	Timeout time.Duration `koanf:"timeout"`
}

type testConfig struct {
	Name  string      `koanf:"name"`
	Inner innerConfig `koanf:"inner"`
	Conf  struct {
		EnvPrefix string   `koanf:"env-prefix"`
		File      []string `koanf:"file"`
		String    string   `koanf:"string"`
	} `koanf:"conf"`
}

func testFlags() *flag.FlagSet {
	f := flag.NewFlagSet("test", flag.ContinueOnError)
	f.String("name", "default", "")
	f.Uint64("inner.blocks", 10, "")
	f.Duration("inner.timeout", time.Second, "")
	f.String("conf.env-prefix", "", "")
	f.StringSlice("conf.file", nil, "")
	f.String("conf.string", "", "")
	return f
}

func parse(t *testing.T, args ...string) (*testConfig, error) {
	t.Helper()
	k, err := BeginCommonParse(testFlags(), args)
	if err != nil {
		return nil, err
	}
	var config testConfig
	if err := EndCommonParse(k, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func TestDefaultsAndFlags(t *testing.T) {
	config, err := parse(t)
	require.NoError(t, err)
	require.Equal(t, "default", config.Name)
	require.Equal(t, uint64(10), config.Inner.Blocks)

	config, err = parse(t, "--name", "sim", "--inner.timeout", "3s")
	require.NoError(t, err)
	require.Equal(t, "sim", config.Name)
	require.Equal(t, 3*time.Second, config.Inner.Timeout)

	_, err = parse(t, "positional")
	require.Error(t, err)
}

func TestFileAndStringOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"from-file","inner":{"blocks":7}}`), 0o600))

	config, err := parse(t, "--conf.file", path)
	require.NoError(t, err)
	require.Equal(t, "from-file", config.Name)
	require.Equal(t, uint64(7), config.Inner.Blocks)

	// explicit flags win over the file
	config, err = parse(t, "--conf.file", path, "--inner.blocks", "9")
	require.NoError(t, err)
	require.Equal(t, uint64(9), config.Inner.Blocks)

	config, err = parse(t, "--conf.string", `{"inner":{"timeout":"5m"}}`)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, config.Inner.Timeout)

	_, err = parse(t, "--conf.string", `{"unknown":1}`)
	require.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SIM_INNER_BLOCKS", "42")
	config, err := parse(t, "--conf.env-prefix", "SIM")
	require.NoError(t, err)
	require.Equal(t, uint64(42), config.Inner.Blocks)
}
