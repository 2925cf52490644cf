package config

import (
	"flag"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

type Cli struct {
	HTTPAddress     string
	CallbackAddress string
	PromPort        int
	APIToken        string

	DatabaseURL   string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StorageEndpoint       *url.URL
	StoragePublicEndpoint *url.URL
	StorageBucket         string
	StorageAccessKey      string
	StorageSecretKey      string
	StorageRegion         string
	PresignTTL            time.Duration

	ASRMode         string
	ASRSyncURL      *url.URL
	ASRAsyncURL     *url.URL
	ASRLanguage     string
	ASRModel        string
	TUSThresholdMiB int64

	CallbackPublicIP string

	CapcutURL      *url.URL
	CapcutAPIKey   string
	JianyingURL    *url.URL
	JianyingAPIKey string

	MaxConcurrentJobs         int
	TaskTimeout               time.Duration
	WorkDir                   string
	DefaultResourcesDir       string
	YtDlpPath                 string
	DownloadQuality           string
	RecoverableDownloadErrors []string
}

// OwnCallbackURL returns the callback endpoint as reachable from this host,
// used when no public IP is configured or detectable.
func (cli *Cli) OwnCallbackURL() string {
	host, port, err := net.SplitHostPort(cli.CallbackAddress)
	if err != nil {
		return fmt.Sprintf("http://%s/callback", cli.CallbackAddress)
	}
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s/callback", net.JoinHostPort(host, port))
}

// CallbackPort returns the port part of CallbackAddress.
func (cli *Cli) CallbackPort() string {
	_, port, err := net.SplitHostPort(cli.CallbackAddress)
	if err != nil {
		return ""
	}
	return port
}

// TUSThresholdBytes is the audio size above which the resumable upload path
// is taken instead of the synchronous one.
func (cli *Cli) TUSThresholdBytes() int64 {
	return cli.TUSThresholdMiB << 20
}

// HasTUS reports whether the resumable ASR path is configured at all.
func (cli *Cli) HasTUS() bool {
	return cli.ASRAsyncURL != nil && cli.RedisAddr != ""
}

func parseURL(s string, dest **url.URL) error {
	if s == "" {
		*dest = nil
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if _, err = url.ParseQuery(u.RawQuery); err != nil {
		return err
	}
	*dest = u
	return nil
}

func URLVarFlag(fs *flag.FlagSet, dest **url.URL, name, value, usage string) {
	if err := parseURL(value, dest); err != nil {
		panic(err)
	}
	fs.Func(name, usage, func(s string) error {
		return parseURL(s, dest)
	})
}

func AddrFlag(fs *flag.FlagSet, dest *string, name, value, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return err
		}
		*dest = s
		return nil
	})
}

func CommaSliceFlag(fs *flag.FlagSet, dest *[]string, name string, value []string, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		if s == "" {
			*dest = []string{}
			return nil
		}
		*dest = strings.Split(s, ",")
		return nil
	})
}
