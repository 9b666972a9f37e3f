package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hms/ems/internal/dashboard"
	"github.com/hms/ems/internal/domain/ems"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live dispatch board of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			token, _ := cmd.Flags().GetString("token")
			topics, _ := cmd.Flags().GetStringSlice("topics")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			return runWatch(ctx, watchOptions{URL: url, Token: token, Topics: topics}, cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().String("url", "http://localhost:8000", "Server base URL")
	cmd.Flags().String("token", os.Getenv("EMS_TOKEN"), "Bearer token (defaults to $EMS_TOKEN)")
	cmd.Flags().StringSlice("topics", []string{ems.TopicFleet}, "Push topics to follow")
	return cmd
}

type watchOptions struct {
	URL    string
	Token  string
	Topics []string
}

// runWatch keeps a board in sync with the server and prints it after every
// change until ctx is cancelled.
func runWatch(ctx context.Context, opts watchOptions, out io.Writer, logger zerolog.Logger) error {
	var clientOpts []dashboard.ClientOption
	if opts.Token != "" {
		clientOpts = append(clientOpts, dashboard.WithToken(opts.Token))
	}
	client := dashboard.NewClient(opts.URL, clientOpts...)
	board := dashboard.NewBoard()
	defer board.Close()

	stream := dashboard.NewStream(client.StreamURL(opts.Topics...), board, client, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- stream.Run(ctx)
	}()

	for {
		select {
		case <-board.Changes():
			printBoard(out, board)
		case err := <-errCh:
			return err
		}
	}
}

func printBoard(w io.Writer, b *dashboard.Board) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	alerts := b.NewAlerts()
	fmt.Fprintf(tw, "NEW ALERTS (%d)\n", len(alerts))
	for _, t := range alerts {
		fmt.Fprintf(tw, "  %s\t%s\t%.5f,%.5f\t%s\n", t.ID, t.CreatedAt.Format("15:04:05"), t.Latitude, t.Longitude, patientLabel(t))
	}

	trips := b.ActiveTrips()
	fmt.Fprintf(tw, "ACTIVE TRIPS (%d)\n", len(trips))
	for _, t := range trips {
		unit := "-"
		if t.AssignedAmbulanceID != nil {
			unit = *t.AssignedAmbulanceID
		}
		eta := "-"
		if t.ETAMinutes != nil {
			eta = fmt.Sprintf("%d min", *t.ETAMinutes)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, unit, eta, patientLabel(t))
	}

	vehicles := b.AvailableVehicles()
	names := make([]string, 0, len(vehicles))
	for _, v := range vehicles {
		names = append(names, v.Name)
	}
	fmt.Fprintf(tw, "AVAILABLE (%d)\t%s\n\n", len(vehicles), strings.Join(names, ", "))
}

func patientLabel(t *ems.Trip) string {
	if t.PatientName != nil {
		return *t.PatientName
	}
	return "unknown patient"
}
