package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ypcloud/uptimed/pkg/period"
	"github.com/ypcloud/uptimed/pkg/server"
	"github.com/ypcloud/uptimed/pkg/storage"
)

// statsTimeout bounds one operator query against the store
const statsTimeout = 30 * time.Second

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Query stored monitoring data",
}

func init() {
	statsCmd.AddCommand(statsSLACmd)
	statsCmd.AddCommand(statsStatusCmd)
	statsCmd.AddCommand(statsDowntimesCmd)
	statsCmd.AddCommand(statsHistoryCmd)

	statsSLACmd.Flags().String("range", "daily", "daily, weekly, monthly or yearly")
	statsSLACmd.Flags().String("category", "", "Filter by category")
	statsSLACmd.Flags().String("ns", "", "Filter by namespace")

	statsStatusCmd.Flags().String("category", "", "Filter by category")
	statsStatusCmd.Flags().String("ns", "", "Filter by namespace")

	statsDowntimesCmd.Flags().String("service", "", "Service description")
	statsDowntimesCmd.Flags().Duration("since", 24*time.Hour, "Look-back window")
	_ = statsDowntimesCmd.MarkFlagRequired("service")

	statsHistoryCmd.Flags().String("kind", "daily", "daily, weekly or monthly")
	statsHistoryCmd.Flags().String("service", "", "Service description")
	_ = statsHistoryCmd.MarkFlagRequired("service")
}

// withStore opens the environment's store for one read-only query
func withStore(fn func(ctx context.Context, store storage.Store) error) error {
	env, err := loadEnv()
	if err != nil {
		return err
	}
	store, err := server.OpenStore(env.Storage)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()

	queryErr := fn(ctx, store)
	if err := store.Close(ctx); err != nil && queryErr == nil {
		queryErr = err
	}
	return queryErr
}

var statsSLACmd = &cobra.Command{
	Use:   "sla",
	Short: "Live SLA per service over the last complete period",
	RunE: func(cmd *cobra.Command, args []string) error {
		rng, _ := cmd.Flags().GetString("range")
		category, _ := cmd.Flags().GetString("category")
		ns, _ := cmd.Flags().GetString("ns")

		start, duration, err := slaWindow(rng, time.Now())
		if err != nil {
			return err
		}

		return withStore(func(ctx context.Context, store storage.Store) error {
			records, err := store.Services(ctx, storage.Query{Category: category, NS: ns})
			if err != nil {
				return err
			}

			fmt.Printf("%s window starting %s\n\n", rng, fmtTime(start))
			fmt.Printf("%-8s %-10s %9s  %s\n", "STATUS", "CATEGORY", "SLA", "SERVICE")
			for _, rec := range records {
				sla, err := store.SLA(ctx, rec.ID, start, duration)
				if err != nil {
					return err
				}
				fmt.Printf("%-8s %-10s %8.3f%%  %s\n", rec.Status, rec.Category, sla, rec.Description)
			}
			return nil
		})
	},
}

var statsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Stored and public status per service",
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		ns, _ := cmd.Flags().GetString("ns")

		return withStore(func(ctx context.Context, store storage.Store) error {
			records, err := store.Services(ctx, storage.Query{Category: category, NS: ns})
			if err != nil {
				return err
			}

			fmt.Printf("%-8s %-8s %-12s %-10s %-16s %s\n",
				"STATUS", "PUBLIC", "KIND", "CATEGORY", "NS", "SERVICE")
			for _, rec := range records {
				public := "-"
				if rec.PublicStatus != nil {
					public = rec.PublicStatus.String()
				}
				fmt.Printf("%-8s %-8s %-12s %-10s %-16s %s\n",
					rec.Status, public, rec.Kind, rec.Category, rec.NS, rec.Description)
			}
			return nil
		})
	},
}

var statsDowntimesCmd = &cobra.Command{
	Use:   "downtimes",
	Short: "Downtime windows of one service",
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("service")
		since, _ := cmd.Flags().GetDuration("since")

		return withStore(func(ctx context.Context, store storage.Store) error {
			rec, err := findByDescription(ctx, store, desc)
			if err != nil {
				return err
			}

			start := time.Now().UTC().Add(-since).Unix()
			downs, err := store.Downtimes(ctx, rec.ID, start, int64(since/time.Second))
			if err != nil {
				return err
			}
			if len(downs) == 0 {
				fmt.Printf("no downtimes for %q in the last %s\n", desc, since)
				return nil
			}

			fmt.Printf("%-25s %-25s %-12s %s\n", "START", "END", "DURATION", "DETAILS")
			for _, d := range downs {
				end := "open"
				length := time.Now().UTC().Unix() - d.Start
				if !d.Open() {
					end = fmtTime(d.End)
					length = d.End - d.Start
				}
				details := ""
				for key, value := range d.Extra {
					details += fmt.Sprintf("%s=%s ", key, value)
				}
				fmt.Printf("%-25s %-25s %-12s %s\n",
					fmtTime(d.Start), end, time.Duration(length)*time.Second, details)
			}
			return nil
		})
	},
}

var statsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Consolidated SLA rows of one service",
	RunE: func(cmd *cobra.Command, args []string) error {
		kindName, _ := cmd.Flags().GetString("kind")
		desc, _ := cmd.Flags().GetString("service")

		kind := period.Kind(kindName)
		if !kind.Valid() {
			return fmt.Errorf("unknown kind %q", kindName)
		}

		return withStore(func(ctx context.Context, store storage.Store) error {
			rec, err := findByDescription(ctx, store, desc)
			if err != nil {
				return err
			}

			entries, err := store.SLAHistory(ctx, kind, rec.ID)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Printf("no %s history for %q yet\n", kind, desc)
				return nil
			}

			fmt.Printf("%-25s %9s\n", "PERIOD", "SLA")
			for _, entry := range entries {
				fmt.Printf("%-25s %8.3f%%\n", fmtTime(entry.Start), entry.SLA)
			}
			return nil
		})
	},
}

// findByDescription resolves a service record by its description
func findByDescription(ctx context.Context, store storage.Store, desc string) (*storage.ServiceRecord, error) {
	records, err := store.Services(ctx, storage.Query{})
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Description == desc {
			return &records[i], nil
		}
	}
	return nil, fmt.Errorf("no service with description %q", desc)
}

// slaWindow returns the start and length of the most recent complete
// period, or the year to date for the yearly range
func slaWindow(rng string, now time.Time) (int64, int64, error) {
	if rng == "yearly" {
		start := period.YearStart(now)
		duration := now.UTC().Unix() - start
		if duration < 1 {
			duration = 1
		}
		return start, duration, nil
	}

	kind := period.Kind(rng)
	if !kind.Valid() {
		return 0, 0, fmt.Errorf("unknown range %q", rng)
	}
	start := kind.Prev(kind.Anchor(now))
	return start, kind.Seconds(start), nil
}

func fmtTime(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
