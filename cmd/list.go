package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/substack2md/substack2md/lib"
)

// listCmd represents the list command
var (
	listURL    string
	listNumber int

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List the post URLs of a publication without scraping",
		RunE: func(cmd *cobra.Command, args []string) error {
			fetcher, err := newFetcher("")
			if err != nil {
				return err
			}
			urls, err := lib.NewEnumerator(fetcher).ListPosts(context.Background(), listURL, listNumber)
			if err != nil {
				return err
			}
			if verbose {
				log.Printf("Found %d post(s)", len(urls))
			}
			for _, u := range urls {
				fmt.Println(u)
			}
			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVarP(&listURL, "url", "u", "", "The base URL of the Substack publication")
	listCmd.Flags().IntVarP(&listNumber, "number", "n", 0, "Limit the number of listed posts (0 = all)")
	listCmd.MarkFlagRequired("url")
}
