package commands

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/caresync/internal/app"
	"github.com/tildaslashalef/caresync/internal/conflict"
	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/queue"
	syncsvc "github.com/tildaslashalef/caresync/internal/sync"
	"github.com/tildaslashalef/caresync/internal/ulid"
	"github.com/tildaslashalef/caresync/internal/utils"
)

// QueueCommand returns the CLI command for inspecting and managing the
// sync queue
func QueueCommand() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "Inspect and manage queued offline writes",
		Subcommands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Show queue counts and the latest sync passes",
				Action: queueStatusAction,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "history",
						Usage: "Number of past sync passes to show",
						Value: 5,
					},
				},
			},
			{
				Name:  "list",
				Usage: "List queued operations",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "status",
						Aliases: []string{"s"},
						Usage:   "Only show operations in these statuses (pending, processing, completed, error, conflict)",
					},
				},
				Action: queueListAction,
			},
			{
				Name:      "show",
				Usage:     "Show one operation including its conflict snapshot",
				ArgsUsage: "<id>",
				Action:    queueShowAction,
			},
			{
				Name:      "delete",
				Usage:     "Delete one operation",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Also delete writes that have not been synced",
					},
				},
				Action: queueDeleteAction,
			},
			{
				Name:  "clear",
				Usage: "Delete every queued operation",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "Do not ask for confirmation",
					},
				},
				Action: queueClearAction,
			},
			{
				Name:   "retry",
				Usage:  "Return failed operations to pending and run a pass",
				Action: queueRetryAction,
			},
			{
				Name:   "cleanup",
				Usage:  "Delete completed operations",
				Action: queueCleanupAction,
			},
			{
				Name:      "resolve",
				Usage:     "Resolve a parked conflict with an explicit strategy",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "strategy",
						Usage:    "CLIENT_WINS, SERVER_WINS, MERGE or LAST_WRITE_WINS",
						Required: true,
					},
				},
				Action: queueResolveAction,
			},
		},
		Action: queueStatusAction,
	}
}

func queueStatusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	counts, err := application.Sync.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading queue stats: %w", err)
	}

	utils.PrintHeading("Sync queue")
	online := "offline"
	if application.Monitor.IsOnline() {
		online = "online"
	}
	utils.PrintKeyValueWithColor("Network", online, utils.StatusColors(online))
	utils.PrintKeyValue("Server", application.Config.Server.URL)
	for _, st := range []queue.Status{
		queue.StatusPending,
		queue.StatusProcessing,
		queue.StatusError,
		queue.StatusConflict,
		queue.StatusCompleted,
	} {
		utils.PrintKeyValueWithColor(capitalize(string(st)), strconv.Itoa(counts[st]), utils.StatusColors(string(st)))
	}

	if reqs, err := application.Pending.List(ctx); err != nil {
		loggy.Warn("Failed to list pending requests", "error", err)
	} else if len(reqs) > 0 {
		fmt.Println()
		utils.PrintTreeList(fmt.Sprintf("Raw pending requests (%d)", len(reqs)), pendingItems(reqs, time.Now()))
	}

	limit := c.Int("history")
	if limit <= 0 {
		return nil
	}
	logs, err := application.Sync.SyncLogs(ctx, limit)
	if err != nil {
		return fmt.Errorf("reading sync history: %w", err)
	}
	if len(logs) == 0 {
		return nil
	}

	fmt.Println()
	now := time.Now()
	rows := make([][]string, 0, len(logs))
	for _, l := range logs {
		result := "ok"
		if !l.Success {
			result = "failed"
		}
		rows = append(rows, []string{
			utils.FormatAge(l.CompletedAt, now),
			string(l.SyncType),
			utils.ColorStatus(result),
			strconv.Itoa(l.ItemsSynced),
			strconv.Itoa(l.ItemsFailed),
			strconv.Itoa(l.Conflicts),
			utils.Truncate(l.ErrorMessage, 40),
		})
	}
	opts := utils.DefaultTableOptions()
	opts.Title = "Recent sync passes"
	utils.PrintTable([]string{"When", "Trigger", "Result", "Synced", "Failed", "Conflicts", "Error"}, rows, opts)
	return nil
}

func queueListAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	var statuses []queue.Status
	for _, raw := range c.StringSlice("status") {
		for _, part := range strings.Split(raw, ",") {
			st, err := queue.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				return err
			}
			statuses = append(statuses, st)
		}
	}

	ops, err := application.Sync.List(c.Context, statuses...)
	if err != nil {
		return fmt.Errorf("listing operations: %w", err)
	}

	utils.PrintTable(
		[]string{"ID", "Method", "URL", "Status", "Retries", "Resource", "Queued", "Error"},
		operationRows(ops, time.Now()),
		utils.TableOptions{Title: fmt.Sprintf("Queued operations (%d)", len(ops))},
	)
	return nil
}

// operationRows flattens operations for PrintTable
func pendingItems(reqs []*queue.PendingRequest, now time.Time) []string {
	items := make([]string, 0, len(reqs))
	for _, r := range reqs {
		item := fmt.Sprintf("%s %s (%s, %d attempt(s))", r.Method, r.URL, utils.FormatAge(r.Timestamp, now), r.Attempts)
		if body := utils.CompactJSON(r.Body); body != "" {
			item += " " + utils.Truncate(body, 40)
		}
		items = append(items, item)
	}
	return items
}

func operationRows(ops []*queue.Operation, now time.Time) [][]string {
	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		resource := op.ResourceType
		if op.ResourceID != "" {
			resource += "/" + op.ResourceID
		}
		errMsg := op.ErrorMessage
		if op.Status == queue.StatusConflict && op.ConflictType != "" {
			errMsg = string(op.ConflictType) + ": " + errMsg
		}
		rows = append(rows, []string{
			op.ID,
			op.Method,
			utils.Truncate(op.URL, 40),
			utils.ColorStatus(string(op.Status)),
			strconv.Itoa(op.Retries),
			resource,
			utils.FormatAge(op.Timestamp, now),
			utils.Truncate(errMsg, 40),
		})
	}
	return rows
}

func queueShowAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	id, err := operationArg(c)
	if err != nil {
		return err
	}

	op, err := application.Sync.Get(c.Context, id)
	if err != nil {
		return err
	}

	utils.PrintHeading("Operation " + op.ID)
	utils.PrintKeyValue("Request", op.Method+" "+op.URL)
	utils.PrintKeyValueWithColor("Status", string(op.Status), utils.StatusColors(string(op.Status)))
	utils.PrintKeyValue("Retries", strconv.Itoa(op.Retries))
	utils.PrintKeyValue("Queued at", op.Timestamp.Format(time.RFC3339))
	if op.ResourceType != "" {
		utils.PrintKeyValue("Resource", op.ResourceType+" "+op.ResourceID)
	}
	if op.ErrorMessage != "" {
		utils.PrintKeyValueWithColor("Error", op.ErrorMessage, utils.Theme.Error)
	}
	if len(op.Body) > 0 {
		fmt.Println()
		utils.PrintKeyValue("Body", "")
		fmt.Println(utils.PrettyJSON(op.Body))
	}

	if op.ConflictData != nil {
		fmt.Println()
		utils.PrintHeading("Conflict")
		utils.PrintKeyValue("Type", string(op.ConflictType))
		if op.ResolutionStrategy != "" {
			utils.PrintKeyValue("Strategy", string(op.ResolutionStrategy))
		}
		if op.ResolvedAt != nil {
			utils.PrintKeyValue("Resolved at", op.ResolvedAt.Format(time.RFC3339))
		}
		utils.PrintKeyValue("Client timestamp", op.ConflictData.ClientTimestamp.Format(time.RFC3339))
		utils.PrintKeyValue("Server timestamp", op.ConflictData.ServerTimestamp.Format(time.RFC3339))
		utils.PrintTable([]string{"Field", "Client", "Server"}, diffRows(op.ConflictData), utils.TableOptions{Title: "Field differences"})
	}
	return nil
}

// diffRows lists the fields where the two snapshots disagree
func diffRows(d *conflict.Data) [][]string {
	seen := make(map[string]struct{})
	var keys []string
	for _, m := range []map[string]any{d.ClientData, d.ServerData} {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)

	var rows [][]string
	for _, k := range keys {
		cv, cok := d.ClientData[k]
		sv, sok := d.ServerData[k]
		cs, ss := render(cv, cok), render(sv, sok)
		if cs == ss {
			continue
		}
		rows = append(rows, []string{k, utils.Truncate(cs, 30), utils.Truncate(ss, 30)})
	}
	return rows
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func render(v any, ok bool) string {
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%v", v)
}

// operationArg returns the first argument when it is a well-formed
// operation id
func operationArg(c *cli.Context) (string, error) {
	id := c.Args().First()
	if id == "" {
		return "", fmt.Errorf("operation id is required")
	}
	if !ulid.Validate(id, ulid.PrefixOperation) {
		return "", fmt.Errorf("invalid operation id %q", id)
	}
	return id, nil
}

func queueDeleteAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	id, err := operationArg(c)
	if err != nil {
		return err
	}

	op, err := application.Sync.Get(c.Context, id)
	if err != nil {
		return err
	}
	if !op.Status.Terminal() && !c.Bool("force") {
		utils.PrintWarning(fmt.Sprintf("%s is %s and has not reached the server. Re-run with --force to discard it.", id, op.Status))
		return nil
	}

	if err := application.Sync.Delete(c.Context, id); err != nil {
		return err
	}
	utils.PrintSuccess("Deleted " + id)
	return nil
}

func queueClearAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if !c.Bool("yes") {
		utils.PrintWarning("This deletes every queued write, including ones not yet sent. Re-run with --yes to confirm.")
		return nil
	}

	n, err := application.Sync.Clear(c.Context)
	if err != nil {
		return fmt.Errorf("clearing queue: %w", err)
	}
	utils.PrintSuccess(fmt.Sprintf("Deleted %d operation(s)", n))
	return nil
}

func queueRetryAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	application.Monitor.Check(c.Context)

	result, err := application.Sync.RetryFailedOperations(c.Context)
	if err != nil {
		return syncError(err)
	}
	printSyncResult(result)
	return nil
}

func queueCleanupAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	n, err := application.Sync.CleanupCompletedOperations(c.Context)
	if err != nil {
		return fmt.Errorf("cleaning up: %w", err)
	}
	utils.PrintSuccess(fmt.Sprintf("Deleted %d completed operation(s)", n))
	return nil
}

func queueResolveAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	id, err := operationArg(c)
	if err != nil {
		return err
	}

	strategy, err := conflict.ParseStrategy(c.String("strategy"))
	if err != nil {
		return err
	}
	if strategy == conflict.Manual {
		return fmt.Errorf("choose a concrete strategy: %w", conflict.ErrManualResolution)
	}

	res, err := application.Sync.ResolveConflict(c.Context, id, strategy)
	if err != nil {
		if res != nil && res.Error != "" {
			utils.PrintError(res.Error)
		}
		return err
	}

	msg := fmt.Sprintf("Resolved %s with %s", id, res.Strategy)
	if res.Applied != "" && res.Applied != res.Strategy {
		msg += fmt.Sprintf(" (applied %s)", res.Applied)
	}
	utils.PrintSuccess(msg)
	return nil
}

// syncError turns processor guard errors into friendlier messages
func syncError(err error) error {
	switch {
	case errors.Is(err, syncsvc.ErrOffline):
		utils.PrintWarning("The server is unreachable; queued writes stay pending until it is back.")
	case errors.Is(err, syncsvc.ErrSyncInProgress):
		utils.PrintWarning("Another sync pass is already running.")
	}
	return err
}

func printSyncResult(r *syncsvc.SyncResult) {
	if r == nil {
		return
	}
	utils.PrintHeading(fmt.Sprintf("Sync pass (%s) finished in %s", r.Type, utils.FormatDuration(r.Duration)))
	utils.PrintKeyValue("Processed", strconv.Itoa(r.Processed))
	utils.PrintKeyValueWithColor("Completed", strconv.Itoa(r.Completed), utils.Theme.Success)
	if r.Failed > 0 {
		utils.PrintKeyValueWithColor("Failed", strconv.Itoa(r.Failed), utils.Theme.Error)
	}
	if r.Conflicts > 0 {
		utils.PrintKeyValueWithColor("Conflicts", fmt.Sprintf("%d (%d resolved)", r.Conflicts, r.Resolved), utils.StatusColors("conflict"))
	}
	if r.Requeued > 0 {
		utils.PrintKeyValue("Requeued", strconv.Itoa(r.Requeued))
	}
	if r.LastError != "" {
		utils.PrintKeyValueWithColor("Last error", r.LastError, utils.Theme.Error)
	}
}
