package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"ask-dora/handler"
	"ask-dora/internal/app"
	"ask-dora/internal/config"
)

func main() {
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ask-dora: create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(config.NewViper())
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	// ---- Components ----
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to wire application", zap.Error(err))
	}

	// Warm the fixed phrases without holding up the first request.
	_ = a.Warm(ctx)

	// ---- Handler ----
	h, err := handler.NewHandler(a.Pipeline, logger)
	if err != nil {
		logger.Fatal("failed to create handler", zap.Error(err))
	}

	lambda.Start(h.Handle)
}
