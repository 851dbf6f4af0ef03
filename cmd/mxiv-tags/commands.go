package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/rvcalisto/mxiv-sub000/internal/library"
	"github.com/rvcalisto/mxiv-sub000/internal/tagdb"
)

const commandHelp = `  tag <path> <tag>...          add tags to a file
  untag <path> <tag>...        remove tags from a file
  get <path>                   print the tags of a file
  tags                         print every tag in use
  orphans [-delete]            list tagged files that no longer exist
  info                         print file and tag counts
  schema                       print the JSON schema of the tag file
  watch                        log changes made by other processes
  library add <path> [name]    add a folder or archive to the library
  library rm <path>...         remove library entries
  library ls                   list the library
  library orphans [-delete]    list library entries that no longer exist
`

var errUsage = errors.New("invalid usage")

type app struct {
	tags *tagdb.Storage
	lib  *library.Catalog
	out  io.Writer
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "tag", "untag":
		if len(args) < 2 {
			return fmt.Errorf("%w: %s <path> <tag>...", errUsage, cmd)
		}
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		tags := cleanTags(args[1:])
		var changed bool
		if cmd == "tag" {
			changed, err = a.tags.TagFile(path, tags...)
		} else {
			changed, err = a.tags.UntagFile(path, tags...)
		}
		if err != nil {
			return err
		}
		if !changed {
			slog.InfoContext(ctx, "Nothing to do", "path", path)
		}
		return nil
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("%w: get <path>", errUsage)
		}
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		tags, err := a.tags.GetTags(path)
		if err != nil {
			return err
		}
		return a.printLines(tags)
	case "tags":
		tags, err := a.tags.UniqueTags()
		if err != nil {
			return err
		}
		return a.printLines(tags)
	case "orphans":
		del, err := parseOrphans(cmd, args)
		if err != nil {
			return err
		}
		orphans, err := a.tags.ListOrphans(ctx, del)
		if err != nil {
			return err
		}
		return a.printLines(orphans)
	case "info":
		info, err := a.tags.Info()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(a.out, "%s\nfiles: %d\ntags:  %d\n", a.tags.Path(), info.Files, info.Tags)
		return err
	case "schema":
		data, err := tagdb.Schema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(a.out, "%s\n", data)
		return err
	case "watch":
		return a.watch(ctx)
	case "library":
		return a.runLibrary(ctx, args)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (a *app) runLibrary(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: library <add|rm|ls|orphans>", errUsage)
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "add":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("%w: library add <path> [name]", errUsage)
		}
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		e := library.Entry{Name: filepath.Base(path), Kind: kindOf(path)}
		if len(args) == 2 {
			e.Name = args[1]
		}
		changed, err := a.lib.Add(path, e)
		if err != nil {
			return err
		}
		if !changed {
			slog.InfoContext(ctx, "Already in library", "path", path)
		}
		return nil
	case "rm":
		if len(args) == 0 {
			return fmt.Errorf("%w: library rm <path>...", errUsage)
		}
		paths := make([]string, 0, len(args))
		for _, p := range args {
			abs, err := filepath.Abs(p)
			if err != nil {
				return err
			}
			paths = append(paths, abs)
		}
		n, err := a.lib.Remove(paths...)
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "Removed library entries", "count", n)
		return nil
	case "ls":
		items, err := a.lib.List()
		if err != nil {
			return err
		}
		for _, it := range items {
			if _, err := fmt.Fprintf(a.out, "%-7s %s\t%s\n", it.Kind, it.Name, it.Path); err != nil {
				return err
			}
		}
		return nil
	case "orphans":
		del, err := parseOrphans("library orphans", args)
		if err != nil {
			return err
		}
		orphans, err := a.lib.ListOrphans(ctx, del)
		if err != nil {
			return err
		}
		return a.printLines(orphans)
	default:
		return fmt.Errorf("%w: unknown library command %q", errUsage, cmd)
	}
}

// watch logs every change another process makes to either store until ctx
// is done.
func (a *app) watch(ctx context.Context) error {
	if err := a.tags.OnChange(ctx, func() {
		info, err := a.tags.Info()
		if err != nil {
			slog.WarnContext(ctx, "Failed to read tag database", "err", err)
			return
		}
		slog.InfoContext(ctx, "Tag database changed", "info", info)
	}); err != nil {
		return err
	}
	if err := a.lib.OnChange(ctx, func() {
		items, err := a.lib.List()
		if err != nil {
			slog.WarnContext(ctx, "Failed to read library", "err", err)
			return
		}
		slog.InfoContext(ctx, "Library changed", "entries", len(items))
	}); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Watching", "tags", a.tags.Path(), "library", a.lib.Path())
	<-ctx.Done()
	return ctx.Err()
}

func (a *app) printLines(lines []string) error {
	for _, l := range lines {
		if _, err := fmt.Fprintln(a.out, l); err != nil {
			return err
		}
	}
	return nil
}

func parseOrphans(name string, args []string) (bool, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	del := fs.Bool("delete", false, "Remove the orphaned entries")
	if err := fs.Parse(args); err != nil {
		return false, fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() != 0 {
		return false, fmt.Errorf("%w: unknown arguments: %v", errUsage, fs.Args())
	}
	return *del, nil
}

// cleanTags trims tags and drops empty ones.
func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func kindOf(path string) library.Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".cbz", ".rar", ".cbr", ".7z", ".cb7", ".tar", ".cbt":
		return library.KindArchive
	default:
		return library.KindFolder
	}
}
