package commands

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/caresync/internal/app"
	"github.com/tildaslashalef/caresync/internal/gateway"
	"github.com/tildaslashalef/caresync/internal/utils"
)

// RequestCommand returns the CLI command that sends one request through
// the offline-aware gateway
func RequestCommand() *cli.Command {
	return &cli.Command{
		Name:      "request",
		Aliases:   []string{"req"},
		Usage:     "Send a request through the offline-aware gateway",
		ArgsUsage: "<METHOD> <path>",
		Description: "Reads are served from the response cache when the server is unreachable. " +
			"Writes made offline are queued and replayed on the next sync pass.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Usage:   "JSON body, or @file to read it from a file",
			},
			&cli.StringSliceFlag{
				Name:    "header",
				Aliases: []string{"H"},
				Usage:   "Extra header as 'Name: value'",
			},
			&cli.StringSliceFlag{
				Name:  "query",
				Usage: "Query parameter as key=value",
			},
			&cli.BoolFlag{
				Name:  "offline",
				Usage: "Queue the write when the server cannot be reached",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  "raw",
				Usage: "Queue offline writes as raw pending requests instead of sync operations",
			},
			&cli.BoolFlag{
				Name:  "no-cache",
				Usage: "Bypass the response cache",
			},
			&cli.StringFlag{
				Name:  "resource-type",
				Usage: "Resource type recorded on a queued write",
			},
			&cli.StringFlag{
				Name:  "resource-id",
				Usage: "Resource id recorded on a queued write",
			},
		},
		Action: requestAction,
	}
}

func requestAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	if c.NArg() < 2 {
		return fmt.Errorf("usage: request <METHOD> <path>")
	}
	method := strings.ToUpper(c.Args().Get(0))
	path := c.Args().Get(1)

	opts, err := requestOptions(c.StringSlice("header"), c.StringSlice("query"))
	if err != nil {
		return err
	}
	opts.OfflineSupport = c.Bool("offline")
	opts.RawQueue = c.Bool("raw")
	opts.NoCache = c.Bool("no-cache")
	opts.ResourceType = c.String("resource-type")
	opts.ResourceID = c.String("resource-id")

	var body any
	if raw, err := readBody(c.String("data")); err != nil {
		return err
	} else if raw != nil {
		body = raw
	}

	application.Monitor.Check(c.Context)
	res := application.Gateway.Request(c.Context, method, path, body, opts)
	printGatewayResult(res)

	if !res.OK() && res.Status != gateway.StatusQueued {
		return fmt.Errorf("request failed with status %d", res.Status)
	}
	return nil
}

// requestOptions parses repeated header and query flags
func requestOptions(headers, query []string) (*gateway.RequestOptions, error) {
	opts := &gateway.RequestOptions{}

	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Name: value'", h)
		}
		if opts.Headers == nil {
			opts.Headers = make(map[string]string)
		}
		opts.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	for _, q := range query {
		k, v, ok := strings.Cut(q, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid query parameter %q, expected key=value", q)
		}
		if opts.Query == nil {
			opts.Query = url.Values{}
		}
		opts.Query.Add(k, v)
	}

	return opts, nil
}

// readBody returns the --data value as raw JSON. "@path" reads a file.
func readBody(data string) (json.RawMessage, error) {
	if data == "" {
		return nil, nil
	}
	raw := []byte(data)
	if strings.HasPrefix(data, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(data, "@"))
		if err != nil {
			return nil, fmt.Errorf("reading body file: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func printGatewayResult(res *gateway.Result) {
	switch {
	case res.QueuedID != "":
		utils.PrintWarning(fmt.Sprintf("Server unreachable, queued as %s (%s)", res.QueuedID, res.Error))
		return
	case res.Cached && res.Offline:
		utils.PrintWarning("Offline, showing cached response")
	case res.Cached:
		utils.PrintInfo("Served from cache")
	case res.Error != "":
		utils.PrintError(fmt.Sprintf("%d %s", res.Status, res.Error))
	default:
		utils.PrintSuccess(fmt.Sprintf("%d", res.Status))
	}

	if len(res.Data) > 0 {
		fmt.Println(utils.PrettyJSON(res.Data))
	}
}
