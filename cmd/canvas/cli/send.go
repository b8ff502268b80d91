package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/canvas/internal/dispatch"
	"github.com/spf13/cobra"
)

var sendImages []string

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send one message in a fresh session and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		obs := newObserver()
		defer obs.Close()

		r, err := start(obs)
		if err != nil {
			return err
		}
		defer r.Close()
		defer r.Store.Close()

		ctx := cmd.Context()
		sessionID := ""
		for _, path := range sendImages {
			up, err := uploadFile(ctx, r, sessionID, path, "")
			if err != nil {
				return err
			}
			sessionID = up.SessionID
		}

		res, err := r.Send(ctx, sessionID, strings.Join(args, " "))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"session_id": res.SessionID,
				"intent":     res.Intent,
				"response":   dispatch.Encode(res.Response),
				"stats":      res.Stats,
			})
		}
		fmt.Fprintln(out, Render(res))
		return nil
	},
}

func init() {
	sendCmd.Flags().StringArrayVar(&sendImages, "image", nil, "Upload a local image before sending (repeatable)")
}
