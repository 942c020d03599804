// Package watch implements the terminal watch mode: an initial listing
// of attached devices followed by a live connect/disconnect feed.
package watch

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/paularlott/cli"
	"golang.org/x/term"

	"github.com/martinsuchenak/usbtrackd/internal/diff"
	"github.com/martinsuchenak/usbtrackd/internal/inventory"
	"github.com/martinsuchenak/usbtrackd/internal/model"
)

type styles struct {
	banner     lipgloss.Style
	connect    lipgloss.Style
	disconnect lipgloss.Style
	dim        lipgloss.Style
	tag        lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{banner: plain, connect: plain, disconnect: plain, dim: plain, tag: plain}
	}
	return styles{
		banner:     lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true),
		connect:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		disconnect: lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		dim:        lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		tag:        lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	}
}

// Command returns the watch subcommand.
func Command(version string) *cli.Command {
	return &cli.Command{
		Name:        "watch",
		Usage:       "Watch device changes in the terminal",
		Description: "Print currently attached devices and a live feed of connects and disconnects",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:         "interval",
				Usage:        "Poll interval (e.g. 500ms)",
				DefaultValue: "500ms",
			},
			&cli.BoolFlag{
				Name:  "no-color",
				Usage: "Disable colored output",
			},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			interval, err := time.ParseDuration(cmd.GetString("interval"))
			if err != nil || interval <= 0 {
				interval = 500 * time.Millisecond
			}

			color := !cmd.GetBool("no-color") && term.IsTerminal(int(os.Stdout.Fd()))
			return run(ctx, version, interval, newStyles(color))
		},
	}
}

func run(ctx context.Context, version string, interval time.Duration, st styles) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	src := inventory.NewSysfsSource()
	prev, err := src.Query(ctx)
	if err != nil {
		return fmt.Errorf("querying devices: %w", err)
	}

	printBanner(version, st)
	printListing(prev, st)
	fmt.Println(st.dim.Render("Watching for changes... (Ctrl+C to quit)"))
	fmt.Println(st.dim.Render(strings.Repeat("─", 60)))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case <-ticker.C:
			current, err := src.Query(ctx)
			if err != nil {
				continue
			}
			for _, e := range diff.Events(prev, current, time.Now()) {
				printEvent(e, st)
			}
			prev = current
		}
	}
}

func printBanner(version string, st styles) {
	title := "usbtrackd v" + version
	width := 39
	fmt.Println(st.banner.Render("╔" + strings.Repeat("═", width) + "╗"))
	fmt.Println(st.banner.Render("║" + center(title, width) + "║"))
	fmt.Println(st.banner.Render("╚" + strings.Repeat("═", width) + "╝"))
	fmt.Println()
}

func printListing(devices map[string]model.DeviceRecord, st styles) {
	fmt.Printf("%s %d devices currently connected:\n\n",
		st.connect.Render("*"), len(devices))

	sorted := make([]model.DeviceRecord, 0, len(devices))
	for _, rec := range devices {
		sorted = append(sorted, rec)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].DisplayName()) < strings.ToLower(sorted[j].DisplayName())
	})

	for _, rec := range sorted {
		tag := ""
		if vp := rec.VIDPID(); vp != "" {
			tag = st.tag.Render(" [" + vp + "]")
		}
		mfr := ""
		if rec.Manufacturer != "" {
			mfr = st.dim.Render(" (" + rec.Manufacturer + ")")
		}
		fmt.Printf("  %s %s %s%s%s\n",
			st.dim.Render("|"), st.dim.Render(rec.Class), rec.DisplayName(), tag, mfr)
	}
	fmt.Println()
}

func printEvent(e model.DeviceEvent, st styles) {
	ts := st.dim.Render("[" + e.Timestamp.Format("15:04:05") + "]")
	tag := ""
	if e.VIDPID != "" {
		tag = st.tag.Render(" [" + e.VIDPID + "]")
	}

	switch e.Kind {
	case model.EventConnect:
		fmt.Printf("%s %s %s%s\n", ts, st.connect.Render("▲ CONNECT   "), st.connect.Render(e.Name), tag)
	case model.EventDisconnect:
		fmt.Printf("%s %s %s%s\n", ts, st.disconnect.Render("▼ DISCONNECT"), st.disconnect.Render(e.Name), tag)
	}
}

func center(s string, width int) string {
	if len(s) >= width {
		return s
	}
	left := (width - len(s)) / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", width-len(s)-left)
}
