package cmd

import (
	"errors"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-pdf/mailapi"
	"github.com/dhcgn/mail-to-pdf/writer"
)

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List output formats and whether they can be written on this host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		helper, err := cmd.Flags().GetString("pst-helper")
		if err != nil {
			return err
		}
		host, err := cmd.Flags().GetString("imap-host")
		if err != nil {
			return err
		}

		w := writer.New(writer.Options{
			MailAPI: mailapi.Detect(mailapi.DetectOptions{HelperPath: helper}),
			IMAP:    writer.IMAPOptions{Host: host},
		})
		return pterm.DefaultTable.WithHasHeader().WithData(formatTable(w)).Render()
	},
}

func formatTable(w *writer.Writer) pterm.TableData {
	data := pterm.TableData{{"Format", "Available", "Note"}}
	for _, f := range writer.AllFormats {
		err := w.Available(f)
		var unavailable *writer.UnavailableError
		switch {
		case err == nil:
			data = append(data, []string{string(f), "yes", ""})
		case errors.As(err, &unavailable):
			data = append(data, []string{string(f), "no", unavailable.Reason})
		default:
			data = append(data, []string{string(f), "no", err.Error()})
		}
	}
	return data
}

func init() {
	formatsCmd.Flags().String("pst-helper", "", "Path to the PST helper executable (Windows only)")
	formatsCmd.Flags().String("imap-host", "", "IMAP server hostname")
	rootCmd.AddCommand(formatsCmd)
}
