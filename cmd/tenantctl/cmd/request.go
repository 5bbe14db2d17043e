package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/Dicklesworthstone/tenantctl/internal/api"
	"github.com/spf13/cobra"
)

var requestCmd = &cobra.Command{
	Use:   "request <method> <path>",
	Short: "Send an authenticated request to the API",
	Long: `Sends a request through the session pipeline: it carries the access
token and, on tenant-scoped paths, the active organization. An expired
access token is renewed and the request replayed once.

The response body is printed as received. A non-2xx status makes the
command fail after printing the body.

Examples:
  tenantctl request GET /projects/
  tenantctl request POST /projects/ --data '{"name":"Apollo"}'
  tenantctl request PATCH /auth/profile/ --data @profile.json`,
	Args: cobra.ExactArgs(2),
	RunE: runRequest,
}

func init() {
	rootCmd.AddCommand(requestCmd)
	requestCmd.Flags().StringP("data", "d", "", "JSON request body, or @file to read it from a file")
	requestCmd.Flags().BoolP("include", "i", false, "print the response status line")
}

func runRequest(cmd *cobra.Command, args []string) error {
	method := strings.ToUpper(args[0])
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead, http.MethodOptions:
	default:
		return fmt.Errorf("unsupported method %q", args[0])
	}
	path := args[1]
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var body any
	data, _ := cmd.Flags().GetString("data")
	if data != "" {
		raw, err := requestBody(data)
		if err != nil {
			return err
		}
		body = raw
	}

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	resp, err := c.API().DoRaw(cmd.Context(), method, path, body)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if include, _ := cmd.Flags().GetBool("include"); include {
		fmt.Fprintf(out, "%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if err := writeBody(out, resp.Body); err != nil {
		return err
	}
	return api.Error(resp)
}

// requestBody returns the flag value, or the named file's contents for
// @file, checked to be JSON.
func requestBody(data string) (json.RawMessage, error) {
	raw := []byte(data)
	if name, ok := strings.CutPrefix(data, "@"); ok {
		b, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// writeBody prints a JSON body indented, anything else verbatim.
func writeBody(w io.Writer, body []byte) error {
	if len(body) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if json.Indent(&buf, body, "", "  ") == nil {
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if body[len(body)-1] != '\n' {
		_, err := io.WriteString(w, "\n")
		return err
	}
	return nil
}
