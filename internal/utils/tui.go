package utils

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/list"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Gruvbox-inspired palette, only used within this file
var (
	gruvboxFgDark  = text.Colors{text.FgHiBlack}
	gruvboxFgLight = text.Colors{text.FgWhite}
	gruvboxRed     = text.Colors{text.FgRed}
	gruvboxGreen   = text.Colors{text.FgGreen}
	gruvboxYellow  = text.Colors{text.FgYellow}
	gruvboxBlue    = text.Colors{text.FgBlue}
	gruvboxPurple  = text.Colors{text.FgMagenta}
	gruvboxAqua    = text.Colors{text.FgCyan}

	gruvboxBlueBright   = text.Colors{text.FgHiBlue}
	gruvboxPurpleBright = text.Colors{text.FgHiMagenta}
	gruvboxAquaBright   = text.Colors{text.FgHiCyan}

	gruvboxBold = text.Colors{text.Bold}
)

// Theme - exported theme colors for consistent UI
var Theme = struct {
	Success   text.Colors
	Info      text.Colors
	Warning   text.Colors
	Error     text.Colors
	Heading   text.Colors
	Subtle    text.Colors
	Important text.Colors
	Accent    text.Colors

	Title       text.Colors
	TableHeader text.Colors
	TableBorder text.Colors
	TableRow    text.Colors
	TableAltRow text.Colors
}{
	Success:   gruvboxGreen,
	Info:      gruvboxBlue,
	Warning:   gruvboxYellow,
	Error:     gruvboxRed,
	Heading:   append(gruvboxAquaBright, text.Bold),
	Subtle:    gruvboxFgDark,
	Important: append(gruvboxPurpleBright, text.Bold),
	Accent:    gruvboxAqua,

	Title:       append(gruvboxAquaBright, text.Bold),
	TableHeader: append(gruvboxBlueBright, text.Bold),
	TableBorder: gruvboxBlue,
	TableRow:    gruvboxFgLight,
	TableAltRow: text.Colors{text.FgWhite, text.Faint},
}

// PrintHeading prints a formatted heading
func PrintHeading(title string) {
	fmt.Println(Theme.Heading.Sprint(title))
}

// PrintSuccess prints a success message
func PrintSuccess(message string) {
	fmt.Println(Theme.Success.Sprint("✓ ") + message)
}

// PrintInfo prints an info message
func PrintInfo(message string) {
	fmt.Println(Theme.Info.Sprint("ℹ ") + message)
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	fmt.Println(Theme.Warning.Sprint("⚠ ") + message)
}

// PrintError prints an error message
func PrintError(message string) {
	fmt.Println(Theme.Error.Sprint("✗ ") + message)
}

// PrintKeyValue prints a key-value pair
func PrintKeyValue(key, value string) {
	fmt.Printf("%s: %s\n", gruvboxBold.Sprint(key), value)
}

// PrintKeyValueWithColor prints a key-value pair with colored value
func PrintKeyValueWithColor(key string, value string, colors text.Colors) {
	fmt.Printf("%s: %s\n", gruvboxBold.Sprint(key), colors.Sprint(value))
}

// StatusColors picks the color for a queue status or event name
func StatusColors(status string) text.Colors {
	switch strings.ToLower(status) {
	case "completed", "online", "conflict-resolved", "sync-finished":
		return Theme.Success
	case "pending", "queued":
		return Theme.Info
	case "processing":
		return Theme.Accent
	case "conflict", "conflict-detected":
		return append(text.Colors{}, gruvboxPurple...)
	case "error", "failed", "offline":
		return Theme.Error
	default:
		return Theme.Subtle
	}
}

// ColorStatus renders status in its color
func ColorStatus(status string) string {
	return StatusColors(status).Sprint(status)
}

// TableOptions defines options for table creation
type TableOptions struct {
	Title string
	Style table.Style
	// Plain drops colors, for piping and tests
	Plain bool
}

// DefaultTableOptions returns default table options with Gruvbox theme
func DefaultTableOptions() TableOptions {
	return TableOptions{
		Title: "CareSync",
		Style: table.StyleDouble,
	}
}

// CreateTable creates a new table with default styling
func CreateTable(options ...TableOptions) table.Writer {
	t := table.NewWriter()

	opts := DefaultTableOptions()
	if len(options) > 0 {
		opts = options[0]
	}
	if opts.Title != "" {
		t.SetTitle(opts.Title)
	}

	style := opts.Style
	if style.Name == "" {
		style = table.StyleDouble
	}
	if opts.Plain {
		style.Color = table.ColorOptions{}
		style.Title.Colors = nil
	} else {
		style.Color.Header = Theme.TableHeader
		style.Color.Border = Theme.TableBorder
		style.Color.Row = Theme.TableRow
		style.Color.RowAlternate = Theme.TableAltRow
		style.Title.Colors = Theme.Title
	}
	style.Title.Align = text.AlignCenter
	style.Options.DrawBorder = true
	style.Options.SeparateColumns = true
	style.Options.SeparateHeader = true
	style.Options.SeparateRows = false
	style.Box.PaddingLeft = " "
	style.Box.PaddingRight = " "

	t.SetStyle(style)
	return t
}

// RenderTable renders headers and rows to a string
func RenderTable(headers []string, rows [][]string, options ...TableOptions) string {
	t := CreateTable(options...)

	headerRow := table.Row{}
	for _, header := range headers {
		headerRow = append(headerRow, header)
	}
	t.AppendHeader(headerRow)

	for _, row := range rows {
		tableRow := table.Row{}
		for _, cell := range row {
			tableRow = append(tableRow, cell)
		}
		t.AppendRow(tableRow)
	}

	configs := make([]table.ColumnConfig, 0, len(headers))
	for i := range headers {
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       text.AlignLeft,
			AlignHeader: text.AlignCenter,
		})
	}
	t.SetColumnConfigs(configs)

	return t.Render()
}

// PrintTable prints a table with headers and rows
func PrintTable(headers []string, rows [][]string, options ...TableOptions) {
	fmt.Fprintln(os.Stdout, RenderTable(headers, rows, options...))
	if len(rows) == 0 {
		fmt.Println(Theme.Subtle.Sprint("No records found."))
	}
}

// PrintTreeList prints a tree-like list with parent-child relationships
func PrintTreeList(title string, items []string) {
	l := list.NewWriter()
	l.SetStyle(list.StyleConnectedRounded)
	l.AppendItem(title)
	l.Indent()
	for _, item := range items {
		l.AppendItem(item)
	}
	l.UnIndent()
	fmt.Println(l.Render())
}
