package main

import (
	"context"
	"flag"
	"os"

	"github.com/lorevault/lorevault/internal/platform/config"
	"github.com/lorevault/lorevault/internal/platform/otel"
	moduleimporter "github.com/lorevault/lorevault/internal/tools/importer/module/v1"
)

func main() {
	ctx := context.Background()

	cfg, err := moduleimporter.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	shutdown, err := otel.Setup(ctx, "module-importer")
	if err != nil {
		config.Exitf("Error: %v", err)
	}
	defer func() { _ = shutdown(ctx) }()

	if err := moduleimporter.Run(ctx, cfg, os.Stdout); err != nil {
		config.Exitf("Error: %v", err)
	}
}
