package cmd

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/kilnfi/go-ledger-kiln/pkg/ledger"
	"github.com/spf13/cobra"
)

func init() {
	replayCmd.Flags().StringVarP(&single, "singleCommand", "s", "", "Single command to replay")
	replayCmd.Flags().BoolVarP(&ignoreOutput, "ignoreOutput", "i", false, "Skip validation of responses from the device")
	replayCmd.Flags().StringVarP(&logFile, "logfile", "f", "", "File containing the exchanges to replay, as written by --record")
	rootCmd.AddCommand(replayCmd)
}

var (
	ignoreOutput bool
	single       string
	logFile      string
)

var replayCmd = &cobra.Command{
	Use:   "replay {flags}",
	Short: "Replay recorded APDUs to the device",
	Long: `Replay a single hex encoded APDU or the exchanges of a file written with --record
against the device, checking the responses unless told otherwise`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if single == "" && logFile == "" {
			return errors.New("Must provide a single command with 'singleCommand' flag or a logfile with '-f'")
		}

		var rec ledger.Record
		if single != "" {
			rec.Exchanges = []ledger.LogMsg{{Command: single}}
		} else {
			data, err := os.ReadFile(logFile)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
		}
		if ignoreOutput {
			for i := range rec.Exchanges {
				rec.Exchanges[i].Response = ""
			}
		}

		s, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()
		if err := ledger.Replay(cmd.Context(), s.transport, rec); err != nil {
			return err
		}
		log.Info("Replayed exchanges", "count", len(rec.Exchanges))
		return nil
	},
}
