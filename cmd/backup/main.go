package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"guardian/internal/config"
	"guardian/internal/repository"
	"guardian/internal/service"
)

const usage = `Guardian store backup

Usage:
  backup export [-output file]   Write the stored tree to a JSON file
  backup import -input file      Replace the stored tree from a JSON file

Flags:
  -output   Export destination (default backup_YYYYMMDD_HHMMSS.json)
  -input    Import source (required)
  -yes      Import without asking

Import only while the server is stopped; a running server keeps its own copy
of the tree and writes it back over the import.

The backend comes from the same settings as the server: PERSISTENCE (sql or
badger), DATABASE_TYPE, DB_PATH, DATABASE_URL and BADGER_DIR.
`

var errCancelled = errors.New("import cancelled")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1], os.Args[2:], os.Stdin, os.Stdout)
	switch {
	case errors.Is(err, errCancelled):
		fmt.Fprintln(os.Stdout, err)
	case errors.Is(err, flag.ErrHelp):
		fmt.Fprint(os.Stdout, usage)
	case err != nil:
		fmt.Fprintln(os.Stderr, "backup:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	output := fs.String("output", "", "export destination")
	input := fs.String("input", "", "import source")
	yes := fs.Bool("yes", false, "import without asking")

	switch command {
	case "export", "import":
	case "help", "-h", "--help":
		return flag.ErrHelp
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if command == "import" {
		if *input == "" {
			return errors.New("-input is required")
		}
		if _, err := os.Stat(*input); err != nil {
			return err
		}
		if !*yes && !confirm(in, out) {
			return errCancelled
		}
	}

	backups, closeFn, err := openBackups(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	if command == "export" {
		return export(ctx, logger, backups, *output)
	}
	logger.Info("importing tree", zap.String("path", *input))
	return backups.Import(ctx, *input)
}

func openBackups(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*service.BackupService, func(), error) {
	backend, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open persistence: %w", err)
	}
	if backend.Persister == nil {
		backend.Close()
		return nil, nil, errors.New("the memory backend has nothing to back up; set PERSISTENCE to sql or badger")
	}
	return service.NewBackupService(backend.Persister, backend.Name, logger), func() { backend.Close() }, nil
}

func export(ctx context.Context, logger *zap.Logger, backups *service.BackupService, path string) error {
	if path == "" {
		path = "backup_" + time.Now().Format("20060102_150405") + ".json"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := backups.Export(ctx, path); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	logger.Info("export complete", zap.String("path", path), zap.Int64("bytes", info.Size()))
	return nil
}

func confirm(in io.Reader, out io.Writer) bool {
	fmt.Fprint(out, "This replaces the whole stored tree. Type 'yes' to continue: ")
	line, _ := bufio.NewReader(in).ReadString('\n')
	return strings.TrimSpace(line) == "yes"
}
