package cmd

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"github.com/substack2md/substack2md/lib"
)

var (
	proxyURL      string
	verbose       bool
	ratePerSecond int

	rootCmd = &cobra.Command{
		Use:   "substack2md",
		Short: "Substack to Markdown converter",
		Long: `substack2md logs into Substack with a controlled browser, fetches a
publication's posts (free or subscriber-only), and saves each one as
Markdown plus a static HTML page, with a browsable index per author.`,
		SilenceUsage: true,
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "x", "", "Specify the proxy url for plain HTTP fetches")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().IntVarP(&ratePerSecond, "rate", "r", lib.DefaultRatePerSecond, "Specify the rate of requests per second")
}

// newFetcher builds the HTTP fetcher from the persistent flags.
func newFetcher(userAgent string) (*lib.Fetcher, error) {
	opts := []lib.FetcherOption{
		lib.WithRatePerSecond(ratePerSecond),
		lib.WithUserAgent(userAgent),
	}
	if proxyURL != "" {
		parsed, err := parseURL(proxyURL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, lib.WithProxyURL(parsed))
	}
	return lib.NewFetcher(opts...), nil
}

func parseURL(toTest string) (*url.URL, error) {
	if _, err := url.ParseRequestURI(toTest); err != nil {
		return nil, err
	}
	u, err := url.Parse(toTest)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: missing scheme or host", toTest)
	}
	return u, nil
}
