package config

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOwnCallbackURL(t *testing.T) {
	cli := Cli{CallbackAddress: "0.0.0.0:9090"}
	require.Equal(t, "http://127.0.0.1:9090/callback", cli.OwnCallbackURL())

	cli = Cli{CallbackAddress: "1.1.1.1:50"}
	require.Equal(t, "http://1.1.1.1:50/callback", cli.OwnCallbackURL())

	cli = Cli{CallbackAddress: ":9090"}
	require.Equal(t, "http://127.0.0.1:9090/callback", cli.OwnCallbackURL())
}

func TestAddrFlag(t *testing.T) {
	fs := flag.NewFlagSet("cli-test", flag.ContinueOnError)
	var addr string
	AddrFlag(fs, &addr, "addr", "0.0.0.0:5000", "")
	err := fs.Parse([]string{
		"-addr=0.0.0.0:1935",
	})
	require.NoError(t, err)
	require.Equal(t, addr, "0.0.0.0:1935")

	fs2 := flag.NewFlagSet("cli-test", flag.ContinueOnError)
	AddrFlag(fs2, &addr, "addr", "0.0.0.0:5000", "")
	err2 := fs2.Parse([]string{
		"-addr=nope",
	})
	require.Error(t, err2)
}

func TestCommaSlice(t *testing.T) {
	fs := flag.NewFlagSet("cli-test", flag.PanicOnError)
	var single, multi, keepDefault, setEmpty []string
	CommaSliceFlag(fs, &single, "single", []string{}, "")
	CommaSliceFlag(fs, &multi, "multi", []string{}, "")
	CommaSliceFlag(fs, &keepDefault, "default", []string{"one", "two", "three"}, "")
	CommaSliceFlag(fs, &setEmpty, "empty", []string{"foo"}, "")
	err := fs.Parse([]string{
		"-single=one",
		"-multi=one,two,three",
		"-empty=",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"one"}, single)
	require.Equal(t, []string{"one", "two", "three"}, multi)
	require.Equal(t, []string{"one", "two", "three"}, keepDefault)
	require.Equal(t, []string{}, setEmpty)
}

func TestURLVarFlag(t *testing.T) {
	fs := flag.NewFlagSet("cli-test", flag.ContinueOnError)
	cli := Cli{}
	URLVarFlag(fs, &cli.StorageEndpoint, "storage-endpoint", "http://127.0.0.1:9000", "")
	require.NoError(t, fs.Parse([]string{"-storage-endpoint=https://minio.internal:9000"}))
	require.Equal(t, "https://minio.internal:9000", cli.StorageEndpoint.String())

	fs2 := flag.NewFlagSet("cli-test", flag.ContinueOnError)
	URLVarFlag(fs2, &cli.ASRAsyncURL, "asr-async-url", "", "")
	require.NoError(t, fs2.Parse(nil))
	require.Nil(t, cli.ASRAsyncURL)
}

func TestTUSThreshold(t *testing.T) {
	cli := Cli{TUSThresholdMiB: 50}
	require.Equal(t, int64(52428800), cli.TUSThresholdBytes())
}
