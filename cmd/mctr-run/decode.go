package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smnsjas/go-mctr/internal/log"
	"github.com/smnsjas/go-mctr/packet"
	"github.com/smnsjas/go-mctr/pipe"
)

var decodeStrict bool

var decodeCmd = &cobra.Command{
	Use:   "decode [file]",
	Short: "Decode a captured event pipe stream",
	Long: `Decode reads raw event pipe packets from a file, or from stdin when no
file is given, and prints one line per event.

Malformed packets are reported and skipped unless --strict is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		logger, err := newLogger(log.DefaultConfig())
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		return decodeStream(in, cmd.OutOrStdout(), decodeStrict, logger)
	},
}

func init() {
	decodeCmd.Flags().BoolVar(&decodeStrict, "strict", false, "Fail on the first malformed packet")
}

// decodeStream prints every packet of src to out.
func decodeStream(src io.Reader, out io.Writer, strict bool, logger *zap.Logger) error {
	r := pipe.NewReader(src, pipe.WithLogger(logger))

	for {
		raw, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		ev, err := packet.Decode(raw)
		if err != nil {
			if strict {
				return fmt.Errorf("decode %q: %w", raw, err)
			}
			logger.Warn("skipping malformed packet", zap.String("packet", raw), zap.Error(err))
			fmt.Fprintf(out, "malformed %q: %v\n", raw, err)
			continue
		}
		fmt.Fprintln(out, describe(ev))
	}
}

func describe(ev packet.Event) string {
	switch ev := ev.(type) {
	case packet.StatusChange:
		return fmt.Sprintf("status %d %s", int(ev.State), ev.State)
	case packet.Error:
		return fmt.Sprintf("error severity=%d %s", ev.Severity, ev.Message)
	case packet.Notification:
		return fmt.Sprintf("notify %s %s severity=%d %s", ev.Time, ev.Source, ev.Severity, ev.Message)
	default:
		return fmt.Sprintf("%s ?", ev.Method())
	}
}
