// Package moduleimporter loads content module directories into the
// module registry from the command line.
package moduleimporter

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lorevault/lorevault/internal/platform/config"
	"github.com/lorevault/lorevault/internal/services/module/app"
	"github.com/lorevault/lorevault/internal/services/module/domain"
	"github.com/lorevault/lorevault/internal/services/module/eav"
	"github.com/lorevault/lorevault/internal/services/module/ingest"
	"github.com/lorevault/lorevault/internal/services/module/manifest"
	storagesqlite "github.com/lorevault/lorevault/internal/services/module/storage/sqlite"
	"github.com/lorevault/lorevault/internal/services/module/validate"
)

// Config holds configuration for the module importer.
type Config struct {
	Dir         string
	DBPath      string
	DryRun      bool
	SkipInvalid bool
	Reload      bool

	Engine app.Config
}

// envConfig carries the environment-driven defaults; flags override.
type envConfig struct {
	DBPath string `env:"LOREVAULT_MODULE_DB_PATH"`
}

// ParseConfig parses environment variables and CLI flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{
		DBPath: filepath.Join("data", "modules.db"),
	}

	var fromEnv envConfig
	if err := config.ParseEnv(&fromEnv); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(fromEnv.DBPath) != "" {
		cfg.DBPath = fromEnv.DBPath
	}
	if err := config.ParseEnv(&cfg.Engine); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.Dir, "dir", "", "module directory, or a directory of module directories")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "module registry database path")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "validate without writing to the database")
	fs.BoolVar(&cfg.SkipInvalid, "skip-invalid", false, "skip malformed content files instead of aborting")
	fs.BoolVar(&cfg.Reload, "reload", false, "reload modules that are already registered")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.Dir) == "" {
		return Config{}, errors.New("dir is required")
	}

	return cfg, nil
}

// Run executes the importer using the provided Config.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if out == nil {
		out = io.Discard
	}

	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return errors.New("dir is required")
	}

	roots, err := listModuleRoots(dir)
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		return fmt.Errorf("no module directories found under %s", dir)
	}

	if cfg.DryRun {
		for _, root := range roots {
			if err := dryRun(ctx, root, cfg.SkipInvalid, out); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintf(out, "validated %d module(s)\n", len(roots))
		return err
	}

	store, err := storagesqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open module store: %w", err)
	}
	defer store.Close()
	engine := app.New(store, nil, cfg.Engine)

	for _, root := range roots {
		if err := importOne(ctx, engine, root, cfg, out); err != nil {
			return fmt.Errorf("import %s: %w", root, err)
		}
	}
	_, err = fmt.Fprintf(out, "imported %d module(s) into %s\n", len(roots), cfg.DBPath)
	return err
}

// listModuleRoots treats dir itself as a module when it carries a
// manifest, otherwise each immediate subdirectory with a manifest is one
// module root.
func listModuleRoots(dir string) ([]string, error) {
	if _, err := os.Stat(filepath.Join(dir, manifest.FileName)); err == nil {
		return []string{dir}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var roots []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		root := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(root, manifest.FileName)); err == nil {
			roots = append(roots, root)
		}
	}
	sort.Strings(roots)
	return roots, nil
}

func importOne(ctx context.Context, engine *app.Engine, root string, cfg Config, out io.Writer) error {
	module, err := engine.LoadModule(ctx, root, app.LoadOptions{
		Validate:    true,
		SkipInvalid: cfg.SkipInvalid,
	})
	if errors.Is(err, domain.ErrModuleAlreadyExists) && cfg.Reload {
		m, err := manifest.Resolve(root)
		if err != nil {
			return err
		}
		result, err := engine.ReloadModule(ctx, m.ModuleID, root)
		if err != nil {
			return err
		}
		if !result.Changed {
			_, err = fmt.Fprintf(out, "module %s unchanged\n", m.ModuleID)
			return err
		}
		module = result.Module
	} else if err != nil {
		return err
	}

	status, err := engine.GetModuleStatus(ctx, module.ModuleID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "module %s v%s: %d entities, status %s\n",
		module.ModuleID, module.Version, status.EntityCount, module.ValidationStatus)
	return err
}

// dryRun walks the full read-side pipeline without touching a database:
// manifest, ingestion, flattening, and validation, with the registry-
// backed checks skipped.
func dryRun(ctx context.Context, root string, skipInvalid bool, out io.Writer) error {
	m, err := manifest.Resolve(root)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	loaded, err := ingest.LoadEntities(root, m, ingest.Options{SkipInvalid: skipInvalid})
	if err != nil {
		return err
	}
	for i := range loaded.Entities {
		if loaded.Entities[i].Properties, err = eav.Flatten(loaded.Entities[i].Data); err != nil {
			return fmt.Errorf("flatten entity %s: %w", loaded.Entities[i].EntityID, err)
		}
	}

	report := validate.Run(m, loaded.Entities, nil, nil, nil)
	report.Add(loaded.Issues...)

	_, err = fmt.Fprintf(out, "module %s v%s: %d entities, %d issue(s), status %s\n",
		m.ModuleID, m.Version, len(loaded.Entities), len(report.Issues), report.Status())
	return err
}
