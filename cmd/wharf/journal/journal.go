package journal

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jszwec/csvutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pgavlin/wharf/journal"
)

func Command() *cobra.Command {
	command := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and convert journal log files",
	}

	command.AddCommand(dumpCommand())
	command.AddCommand(statsCommand())
	command.AddCommand(exportCommand())

	return command
}

func openLog(path string) (*journal.LogFile, error) {
	log, err := journal.OpenLogFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return log, nil
}

func dumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump [path to journal]",
		Short: "Print every journal entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("expected exactly one argument")
			}
			log, err := openLog(args[0])
			if err != nil {
				return err
			}
			defer log.Close()

			out := logrus.New()
			out.SetOutput(cmd.OutOrStdout())
			out.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

			ctx := context.Background()
			for seq := 0; ; seq++ {
				e, err := log.Read(ctx)
				if err != nil {
					return err
				}
				if e == nil {
					return nil
				}
				out.WithFields(logrus.Fields{
					"seq":  seq,
					"type": e.Type().String(),
				}).Info(fmt.Sprintf("%+v", e))
			}
		},
	}
}

func statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [path to journal]",
		Short: "Summarize a journal in CSV format",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("expected exactly one argument")
			}
			log, err := openLog(args[0])
			if err != nil {
				return err
			}
			defer log.Close()

			counting := journal.NewCounting(nil)
			ctx := context.Background()
			for {
				e, err := log.Read(ctx)
				if err != nil {
					return err
				}
				if e == nil {
					break
				}
				if err := counting.Write(ctx, e); err != nil {
					return err
				}
			}

			return dumpStats(cmd.OutOrStdout(), counting.Stats())
		},
	}
}

func dumpStats(w io.Writer, stats map[journal.EntryType]journal.TypeStats) error {
	type row struct {
		Type  string `csv:"type"`
		Count uint64 `csv:"count"`
		Bytes uint64 `csv:"bytes"`
	}

	types := make([]journal.EntryType, 0, len(stats))
	for t := range stats {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	encoder := csvutil.NewEncoder(csvWriter)
	for _, t := range types {
		s := stats[t]
		if err := encoder.Encode(&row{Type: t.String(), Count: s.Count, Bytes: s.Bytes}); err != nil {
			return err
		}
	}
	return nil
}

func exportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export [source journal] [destination journal]",
		Short: "Re-encode a journal into a fresh log file",
		Long:  "Re-encode a journal into a fresh log file, validating every record along the way. A truncated source is an error.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return errors.New("expected exactly two arguments")
			}
			if _, err := os.Stat(args[1]); err == nil {
				return fmt.Errorf("destination %s already exists", args[1])
			}

			src, err := openLog(args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			dst, err := openLog(args[1])
			if err != nil {
				return err
			}
			defer dst.Close()

			ctx := context.Background()
			for {
				e, err := src.Read(ctx)
				if err != nil {
					return err
				}
				if e == nil {
					return dst.Sync()
				}
				if err := dst.Write(ctx, e); err != nil {
					return err
				}
			}
		},
	}
}
