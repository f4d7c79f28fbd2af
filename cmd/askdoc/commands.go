package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/askdoc/askdoc/internal/config"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a document for question answering",
	Long: `Ingest a document for question answering.

Examples:
  askdoc ingest --text "Meeting notes from Tuesday..." --id notes-2026-08
  askdoc ingest --file ./handbook.pdf
  askdoc ingest --file ./report.html --owner alice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		id, _ := cmd.Flags().GetString("id")
		owner, _ := cmd.Flags().GetString("owner")
		wait, _ := cmd.Flags().GetBool("wait")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}

		req := map[string]any{"id": id, "owner": owner}
		switch {
		case text != "":
			req["content"] = text
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			contentType, encoding := fileContentType(file)
			req["content_type"] = contentType
			if encoding == "base64" {
				req["content"] = base64.StdEncoding.EncodeToString(data)
				req["encoding"] = encoding
			} else {
				req["content"] = string(data)
			}
			if id == "" {
				req["id"] = filepath.Base(file)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/documents", req)
		if err != nil {
			return err
		}

		var accepted struct {
			ID      string `json:"id"`
			Version int64  `json:"version"`
			Status  string `json:"status"`
		}
		if err := decodeJSON(resp, &accepted); err != nil {
			return err
		}

		printSuccess("Accepted document %s version %d", accepted.ID, accepted.Version)
		if !wait {
			return nil
		}
		return waitForDocument(client, accepted.ID, accepted.Version)
	},
}

// fileContentType maps a filename to the upload content type; binary formats
// travel base64-encoded.
func fileContentType(name string) (contentType, encoding string) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf", "base64"
	case ".html", ".htm":
		return "text/html", ""
	case ".md", ".markdown":
		return "text/markdown", ""
	default:
		return "text/plain", ""
	}
}

func waitForDocument(client *apiClient, id string, version int64) error {
	for {
		time.Sleep(500 * time.Millisecond)

		resp, err := client.get("/documents/" + id)
		if err != nil {
			return err
		}
		var status struct {
			Status       string `json:"status"`
			ReadyVersion int64  `json:"ready_version"`
			FailureCause string `json:"failure_cause"`
		}
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		switch status.Status {
		case "ready":
			if status.ReadyVersion >= version {
				printSuccess("Document %s is ready (version %d)", id, status.ReadyVersion)
				return nil
			}
		case "failed":
			printError("Ingestion failed: %s", status.FailureCause)
			return fmt.Errorf("ingestion of %s failed", id)
		}
	}
}

// --- status ---

var docStatusCmd = &cobra.Command{
	Use:   "status <document-id>",
	Short: "Show a document's ingestion status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/documents/" + args[0])
		if err != nil {
			return err
		}
		var status struct {
			ID           string `json:"id"`
			Status       string `json:"status"`
			Version      int64  `json:"version"`
			ReadyVersion int64  `json:"ready_version"`
			FailureCause string `json:"failure_cause"`
		}
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		printStatus("Document", "%s", status.ID)
		printStatus("Status", "%s", status.Status)
		printStatus("Version", "%d", status.Version)
		printStatus("Ready version", "%d", status.ReadyVersion)
		if status.FailureCause != "" {
			printStatus("Failure", "%s", status.FailureCause)
		}
		return nil
	},
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about ingested documents",
	Long: `Ask a question about ingested documents.

Starts a new conversation unless --conversation names an existing one; the
conversation id is printed so follow-up questions can continue it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		convID, _ := cmd.Flags().GetString("conversation")
		owner, _ := cmd.Flags().GetString("owner")
		docs, _ := cmd.Flags().GetStringSlice("doc")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if convID == "" {
			resp, err := client.post("/conversations", map[string]any{
				"owner":        owner,
				"document_ids": docs,
			})
			if err != nil {
				return err
			}
			var conv struct {
				ID string `json:"ID"`
			}
			if err := decodeJSON(resp, &conv); err != nil {
				return err
			}
			convID = conv.ID
			printStatus("Conversation", "%s", convID)
		}

		resp, err := client.post("/conversations/"+convID+"/turns", map[string]string{
			"owner": owner,
			"text":  question,
		})
		if err != nil {
			return err
		}
		var reply struct {
			Turn struct {
				Content   string   `json:"Content"`
				Citations []string `json:"Citations"`
			} `json:"turn"`
		}
		if err := decodeJSON(resp, &reply); err != nil {
			return err
		}

		fmt.Println(reply.Turn.Content)
		if len(reply.Turn.Citations) > 0 {
			printStatus("Citations", "%s", strings.Join(reply.Turn.Citations, ", "))
		}
		return nil
	},
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export <conversation-id>",
	Short: "Export a conversation as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/conversations/" + args[0] + "/export?owner=" + owner)
		if err != nil {
			return err
		}
		var exported any
		if err := decodeJSON(resp, &exported); err != nil {
			return err
		}

		writer := os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}

		enc := json.NewEncoder(writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(exported); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Conversation exported to %s", output)
		}
		return nil
	},
}

// --- archive ---

var archiveCmd = &cobra.Command{
	Use:   "archive <conversation-id>",
	Short: "Archive a conversation (read-only from then on)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/conversations/"+args[0]+"/archive", map[string]string{"owner": owner})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Archived conversation %s", args[0])
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, kv := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, kv.Key), kv.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest (.pdf, .html, .md, or plain text)")
	ingestCmd.Flags().String("id", "", "document id (re-using an id creates a new version)")
	ingestCmd.Flags().String("owner", "", "owner of the document")
	ingestCmd.Flags().Bool("wait", false, "wait for ingestion to finish")

	askCmd.Flags().String("conversation", "", "conversation id to continue")
	askCmd.Flags().String("owner", "", "owner of the conversation")
	askCmd.Flags().StringSlice("doc", nil, "document ids to scope a new conversation to")

	exportCmd.Flags().String("owner", "", "owner of the conversation")
	exportCmd.Flags().String("output", "", "output file path (default: stdout)")

	archiveCmd.Flags().String("owner", "", "owner of the conversation")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
