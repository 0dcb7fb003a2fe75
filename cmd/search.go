package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/careprice-cli/internal/search"
)

var (
	searchZip    string
	searchDRG    string
	searchRadius float64
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Rank providers by distance from a postal code",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		radius := searchRadius
		if radius == 0 {
			radius = cfg.Search.DefaultRadiusKM
		}

		engine := search.New(st, newResolver(), nil)
		resp, err := engine.Search(ctx, search.Query{
			Zip:      searchZip,
			DRG:      searchDRG,
			RadiusKM: radius,
		})
		if err != nil {
			return eris.Wrap(err, "search")
		}

		out, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return eris.Wrap(err, "marshal results")
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchZip, "zip", "", "origin postal code (required)")
	searchCmd.Flags().StringVar(&searchDRG, "drg", "", "DRG code or description substring filter")
	searchCmd.Flags().Float64Var(&searchRadius, "radius", 0, "radius in kilometers (default from config)")
	_ = searchCmd.MarkFlagRequired("zip")
	rootCmd.AddCommand(searchCmd)
}
