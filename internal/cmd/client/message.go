package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewMessageCommand constructs the `message` command group.
func NewMessageCommand(baseURL BaseURLFunc) *cobra.Command {
	messageCmd := &cobra.Command{Use: "message", Short: "Message operations"}
	messageCmd.AddCommand(newMessageSendCommand(baseURL))
	return messageCmd
}

// newMessageSendCommand constructs the `message send` subcommand.
func newMessageSendCommand(baseURL BaseURLFunc) *cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message into a conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conv, _ := cmd.Flags().GetString("conv")
			sender, _ := cmd.Flags().GetString("sender")
			clientMsgID, _ := cmd.Flags().GetString("client-msg-id")
			targets, _ := cmd.Flags().GetStringArray("target")
			data, _ := cmd.Flags().GetString("data")

			if conv == "" || sender == "" {
				return fmt.Errorf("conv and sender are required")
			}
			if len(targets) == 0 {
				return fmt.Errorf("at least one --target is required")
			}
			if clientMsgID == "" {
				clientMsgID = uuid.NewString()
			}
			payload := json.RawMessage(data)
			if !json.Valid(payload) {
				// Treat non-JSON data as a plain text payload.
				b, err := json.Marshal(data)
				if err != nil {
					return err
				}
				payload = b
			}

			body, err := json.Marshal(map[string]any{
				"conv_id":       conv,
				"sender":        sender,
				"client_msg_id": clientMsgID,
				"targets":       targets,
				"payload":       payload,
			})
			if err != nil {
				return err
			}

			url := strings.TrimRight(baseURL(), "/") + "/v1/messages/send"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode >= 300 {
				msg, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("http error: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
			}

			var out struct {
				Seq       int64 `json:"seq"`
				Duplicate bool  `json:"duplicate"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				ClientMsgID string `json:"client_msg_id"`
				Seq         int64  `json:"seq"`
				Duplicate   bool   `json:"duplicate"`
			}{ClientMsgID: clientMsgID, Seq: out.Seq, Duplicate: out.Duplicate})
		},
	}
	sendCmd.Flags().StringP("conv", "c", "", "Conversation ID")
	sendCmd.Flags().String("sender", "", "Sending user ID")
	sendCmd.Flags().String("client-msg-id", "", "Client message ID (generated when empty)")
	sendCmd.Flags().StringArray("target", []string{}, "Target user ID (repeat)")
	sendCmd.Flags().String("data", "", "Payload: JSON value, or plain text")
	return sendCmd
}
