// Command ask streams a single prompt to the configured model and prints the
// reply as it arrives. It is a quick way to check a model endpoint works.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/RichardoC/focus-fox/internal/config"
	"github.com/RichardoC/focus-fox/internal/llm"
	"github.com/RichardoC/focus-fox/internal/models"
	"go.uber.org/zap"
)

func main() {
	system := flag.String("system", "", "optional system prompt")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.Model.Name == "" {
		logger.Fatal("MODEL_NAME is not set")
	}

	prompt := strings.Join(flag.Args(), " ")
	if strings.TrimSpace(prompt) == "" {
		prompt = "What would be a good company name for a company that makes colorful socks?"
	}

	var turns []llm.Turn
	if *system != "" {
		turns = append(turns, llm.Turn{Role: models.RoleSystem, Content: *system})
	}
	turns = append(turns, llm.Turn{Role: models.RoleUser, Content: prompt})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := llm.New(nil, logger)
	stream, err := client.Stream(ctx, models.ModelConfig{
		ID:      cfg.Model.ID,
		APIKey:  cfg.Model.APIKey,
		Model:   cfg.Model.Name,
		BaseURL: cfg.Model.BaseURL,
	}, turns)
	if err != nil {
		logger.Fatal("failed to start completion", zap.Error(err))
	}
	defer stream.Close()

	for fragment, err := range stream.All() {
		if err != nil {
			logger.Fatal("failed to generate completion", zap.Error(err))
		}
		fmt.Print(fragment)
	}
	fmt.Println()
}
