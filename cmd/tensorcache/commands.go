package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	flag "github.com/spf13/pflag"

	"github.com/meigma/tensorcache/fingerprint"
	"github.com/meigma/tensorcache/store"
)

func keyCmd() *Command {
	fs := flag.NewFlagSet("key", flag.ContinueOnError)
	steps := fs.StringArrayP("step", "s", nil, "pipeline step `name`, in order (repeatable)")
	pipelineFile := fs.StringP("pipeline", "p", "", "JSON `file` holding the pipeline steps")
	asString := fs.Bool("string", false, "hash the item argument as a plain string, not JSON")
	split := fs.Bool("split", false, "print the item and pipeline digests separately")

	return &Command{
		Flags: fs,
		Usage: "key <item> [flags]",
		Short: "Print the cache key of an item under a pipeline",
		Long: `Print the cache key of an item under a pipeline.

The item is parsed as JSON unless --string is given. The pipeline is built from
--step names or read from --pipeline, a JSON array of {"name", "params"} steps.`,
		Exec: func(_ context.Context, env *Env, args []string) error {
			if len(args) != 1 {
				return errors.New("expected exactly one item argument")
			}
			var item any = args[0]
			if !*asString {
				if err := json.Unmarshal([]byte(args[0]), &item); err != nil {
					return fmt.Errorf("item is not JSON (use --string): %w", err)
				}
			}
			p, err := loadPipeline(*pipelineFile, *steps)
			if err != nil {
				return err
			}
			key, err := fingerprint.Compute(item, p)
			if err != nil {
				return err
			}
			if *split {
				fmt.Fprintln(env.Out, "item:    ", key.ItemDigest())
				fmt.Fprintln(env.Out, "pipeline:", key.PipelineDigest())
			}
			fmt.Fprintln(env.Out, key)
			return nil
		},
	}
}

func loadPipeline(path string, names []string) (*fingerprint.Pipeline, error) {
	if path != "" && len(names) > 0 {
		return nil, errors.New("--pipeline and --step are mutually exclusive")
	}
	if path == "" {
		steps := make([]fingerprint.Step, len(names))
		for i, name := range names {
			steps[i] = fingerprint.Step{Name: name}
		}
		return fingerprint.NewPipeline(steps...), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var steps []fingerprint.Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("parse pipeline %s: %w", path, err)
	}
	return fingerprint.NewPipeline(steps...), nil
}

func lsCmd() *Command {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	long := fs.BoolP("long", "l", false, "show fields and payload size")

	return &Command{
		Flags: fs,
		Usage: "ls [flags]",
		Short: "List committed entries",
		Exec: func(ctx context.Context, env *Env, args []string) error {
			if len(args) != 0 {
				return errors.New("ls takes no arguments")
			}
			s, err := env.OpenStore()
			if err != nil {
				return err
			}
			keys, err := s.Keys(ctx)
			if err != nil {
				return err
			}
			if !*long {
				for _, key := range keys {
					fmt.Fprintln(env.Out, key)
				}
				return nil
			}

			tw := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tFIELDS\tBYTES")
			for _, key := range keys {
				fields, err := s.Fields(key)
				if err != nil {
					return err
				}
				var size int64
				for _, field := range fields {
					rec, err := s.ReadRecord(key, field)
					if err != nil {
						env.Logger.Warn("unreadable record", "key", key.String(), "field", field, "error", err)
						continue
					}
					size += rec.Payload.Size
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\n", key, len(fields), size)
			}
			return tw.Flush()
		},
	}
}

func inspectCmd() *Command {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "inspect <key>",
		Short: "Print the metadata records of an entry",
		Exec: func(_ context.Context, env *Env, args []string) error {
			if len(args) != 1 {
				return errors.New("expected exactly one key")
			}
			key, err := fingerprint.ParseKey(args[0])
			if err != nil {
				return err
			}
			s, err := env.OpenStore()
			if err != nil {
				return err
			}
			sealed, err := s.Lookup(key)
			if err != nil {
				return err
			}
			fields, err := s.Fields(key)
			if err != nil {
				return err
			}
			if !sealed && len(fields) == 0 {
				return fmt.Errorf("no entry for %s", key)
			}

			fmt.Fprintln(env.Out, "key:   ", key)
			fmt.Fprintln(env.Out, "sealed:", sealed)
			for _, field := range fields {
				rec, err := s.ReadRecord(key, field)
				if err != nil {
					fmt.Fprintf(env.Out, "\n[%s]\nerror: %v\n", field, err)
					continue
				}
				data, err := rec.Encode()
				if err != nil {
					return err
				}
				fmt.Fprintf(env.Out, "\n[%s]\n%s\n", field, data)
			}
			return nil
		},
	}
}

func verifyCmd() *Command {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	purge := fs.Bool("purge", false, "purge entries that fail verification")

	return &Command{
		Flags: fs,
		Usage: "verify [key...] [flags]",
		Short: "Check payload sizes and digests of committed entries",
		Long: `Check payload sizes and digests of committed entries.

With no keys every committed entry is verified. Exits non-zero if any entry is
corrupt, even when --purge removed it.`,
		Exec: func(ctx context.Context, env *Env, args []string) error {
			s, err := env.OpenStore()
			if err != nil {
				return err
			}
			keys, err := keysOrAll(ctx, s, args)
			if err != nil {
				return err
			}

			var corrupt int
			for _, key := range keys {
				if err := ctx.Err(); err != nil {
					return err
				}
				verr := s.Verify(ctx, key)
				if verr == nil {
					fmt.Fprintln(env.Out, "ok     ", key)
					continue
				}
				if !errors.Is(verr, store.ErrCorrupt) {
					return verr
				}
				corrupt++
				fmt.Fprintf(env.Out, "corrupt %s: %v\n", key, verr)
				if *purge {
					if err := s.Purge(key); err != nil {
						return err
					}
					env.Logger.Info("purged corrupt entry", "key", key.String())
				}
			}
			if corrupt > 0 {
				return fmt.Errorf("%d of %d entries corrupt", corrupt, len(keys))
			}
			return nil
		},
	}
}

func purgeCmd() *Command {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	all := fs.Bool("all", false, "purge every committed entry")

	return &Command{
		Flags: fs,
		Usage: "purge <key...> | --all",
		Short: "Remove entries from the cache",
		Exec: func(ctx context.Context, env *Env, args []string) error {
			if *all == (len(args) > 0) {
				return errors.New("give either keys or --all")
			}
			s, err := env.OpenStore()
			if err != nil {
				return err
			}
			keys, err := keysOrAll(ctx, s, args)
			if err != nil {
				return err
			}
			for _, key := range keys {
				if err := s.Purge(key); err != nil {
					return err
				}
				env.Logger.Debug("purged", "key", key.String())
			}
			fmt.Fprintf(env.Out, "purged %d entries\n", len(keys))
			return nil
		},
	}
}

func keysOrAll(ctx context.Context, s *store.Store, args []string) ([]fingerprint.Key, error) {
	if len(args) == 0 {
		return s.Keys(ctx)
	}
	keys := make([]fingerprint.Key, len(args))
	for i, arg := range args {
		key, err := fingerprint.ParseKey(arg)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	return keys, nil
}
