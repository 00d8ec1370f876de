package main

import (
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/harrylevesque/qrdrop/internal/config"
	"github.com/harrylevesque/qrdrop/internal/framer"
	"github.com/harrylevesque/qrdrop/internal/optical"
)

var probeFlags struct {
	size int64
	name string
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Print QR capacity and the safe payload per frame",
	Long: `'probe' measures the longest frame text a single QR code holds at each error
correction level and derives the largest --max-payload that keeps a frame for
a file of --size bytes named --name within that capacity, leaving a margin.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Close()
		printProbe(os.Stdout, cfg, probeFlags.name, probeFlags.size)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().Int64Var(&probeFlags.size, "size", 1<<20, "File size to plan for")
	probeCmd.Flags().StringVar(&probeFlags.name, "name", "file.bin", "File name to plan for")
	probeCmd.Flags().Int("shard-size", framer.DefaultShardSize, "Bytes per shard")
	probeCmd.Flags().Int("redundancy", framer.DefaultRedundancy, "Duplicate shards appended")
}

func printProbe(w io.Writer, cfg *config.Config, name string, size int64) {
	env := framer.EnvelopeFor(name, size, cfg.FramerSettings())
	rows := [][]string{}
	for _, level := range []qrcode.RecoveryLevel{qrcode.Low, qrcode.Medium, qrcode.High, qrcode.Highest} {
		capacity := optical.ProbeCapacity(level, 1, 3000)
		budget := "-"
		if b, err := framer.PayloadBudget(capacity, env, framer.DefaultMargin); err == nil {
			budget = strconv.Itoa(b)
		}
		rows = append(rows, []string{optical.LevelName(level), strconv.Itoa(capacity), budget})
	}

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"LEVEL", "CAPACITY", "MAX PAYLOAD"})
	table.AppendBulk(rows)
	table.Render()
}
