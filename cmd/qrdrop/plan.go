package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/harrylevesque/qrdrop/internal/files"
	"github.com/harrylevesque/qrdrop/internal/framer"
)

var planCmd = &cobra.Command{
	Use:   "plan <file>",
	Short: "Show how a file would be split into frames",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Close()

		data, name, err := files.ReadFile(args[0])
		if err != nil {
			return err
		}
		plan, err := framer.Split(data, name, cfg.FramerSettings())
		if err != nil {
			return err
		}
		printPlan(os.Stdout, plan)

		longest := ""
		for _, text := range plan.Texts() {
			if len(text) > len(longest) {
				longest = text
			}
		}
		fmt.Printf("\nlongest frame: %d characters, fits one QR code at level %s: %v\n",
			len(longest), cfg.Display.QRLevel, cfg.Encoder().Fits(longest))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
	addFramerFlags(planCmd)
	planCmd.Flags().String("qr-level", "medium", "QR error correction (low|medium|high|highest)")
}

func printPlan(w io.Writer, plan *framer.Plan) {
	fmt.Fprintf(w, "file %s, %d bytes, blake2b-256 %s\n", plan.FileName, plan.OriginalSize, plan.Digest)
	fmt.Fprintf(w, "K=%d N=%d shard size %d, max payload %d, %d frames\n\n",
		plan.K, plan.N, plan.ShardSize, plan.MaxPayload, len(plan.Frames))

	sizes := make([]int, plan.N)
	for _, f := range plan.Frames {
		raw, err := f.Bytes()
		if err == nil {
			sizes[f.ShardIndex] += len(raw)
		}
	}
	rows := make([][]string, 0, plan.N)
	for i, subs := range plan.SubCounts() {
		copyOf := ""
		if i >= plan.K {
			copyOf = strconv.Itoa(i % plan.K)
		}
		rows = append(rows, []string{strconv.Itoa(i), copyOf, strconv.Itoa(sizes[i]), strconv.Itoa(subs)})
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
	table.SetHeader([]string{"SHARD", "COPY OF", "BYTES", "FRAMES"})
	table.AppendBulk(rows)
	table.Render()
}
