// Package main provides the jimeng command line client.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jimengapi/jimeng-go/internal/api"
	"github.com/jimengapi/jimeng-go/internal/config"
	"github.com/jimengapi/jimeng-go/internal/jimeng"
	"github.com/jimengapi/jimeng-go/internal/storage"
)

const usage = `usage: jimeng <command> [flags]

commands:
  image     generate images from a text prompt
  compose   blend reference images under a prompt
  video     generate a video from a text prompt
  balance   print the credit balance of every configured session
  alive     check whether a configured session is still usable
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type stringList []string

func (l *stringList) String() string { return fmt.Sprint([]string(*l)) }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}
	command, args := args[0], args[1:]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := buildClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	switch command {
	case "image":
		return runImage(ctx, client, args)
	case "compose":
		return runCompose(ctx, client, args)
	case "video":
		return runVideo(ctx, client, args)
	case "balance":
		return runBalance(ctx, client)
	case "alive":
		return runAlive(ctx, client)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func buildClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*jimeng.Client, error) {
	gateway := api.NewClient(
		api.WithLogger(logger),
		api.WithRetry(cfg.MaxRetries, cfg.RetryDelay),
		api.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
	)

	var store storage.Storage
	if cfg.S3Enabled() {
		s3Store, err := storage.NewS3(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Prefix:          cfg.S3Prefix,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		store = s3Store
		logger.Info("S3 export configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
	} else {
		localStore, err := storage.NewLocal(cfg.OutputDir)
		if err != nil {
			return nil, fmt.Errorf("create local storage: %w", err)
		}
		store = localStore
	}

	return jimeng.New(
		jimeng.WithTokens(cfg.SessionIDs...),
		jimeng.WithGateway(gateway),
		jimeng.WithLogger(logger),
		jimeng.WithStorage(store),
		jimeng.WithPollSettings(cfg.PollInterval, cfg.PollTimeout, cfg.MaxPollCount, cfg.StableRounds),
	), nil
}

func runImage(ctx context.Context, client *jimeng.Client, args []string) error {
	fs := flag.NewFlagSet("image", flag.ContinueOnError)
	prompt := fs.String("prompt", "", "text prompt (required)")
	model := fs.String("model", "", "model alias, e.g. jimeng-4.0")
	ratio := fs.String("ratio", "", "aspect ratio, e.g. 16:9")
	resolution := fs.String("resolution", "", "resolution class: 1k, 2k or 4k")
	negative := fs.String("negative", "", "negative prompt")
	strength := fs.Float64("strength", 0, "sample strength in [0,1]")
	format := fs.String("format", "", "response format: url or b64_json")
	save := fs.String("save", "", "export results to storage under this name prefix")
	if err := fs.Parse(args); err != nil {
		return err
	}

	result, err := client.GenerateImage(ctx, jimeng.GenerateImageRequest{
		Prompt:         *prompt,
		Model:          *model,
		Ratio:          *ratio,
		Resolution:     *resolution,
		NegativePrompt: *negative,
		SampleStrength: *strength,
		ResponseFormat: *format,
	})
	if err != nil {
		return err
	}
	return emit(ctx, client, result, *save)
}

func runCompose(ctx context.Context, client *jimeng.Client, args []string) error {
	fs := flag.NewFlagSet("compose", flag.ContinueOnError)
	prompt := fs.String("prompt", "", "text prompt (required)")
	model := fs.String("model", "", "model alias")
	ratio := fs.String("ratio", "", "aspect ratio")
	resolution := fs.String("resolution", "", "resolution class")
	format := fs.String("format", "", "response format: url or b64_json")
	save := fs.String("save", "", "export results to storage under this name prefix")
	var images stringList
	fs.Var(&images, "image", "reference image: URL, file path or base64 (repeatable, 1-10)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	result, err := client.ComposeImages(ctx, jimeng.ComposeRequest{
		Prompt:         *prompt,
		Images:         images,
		Model:          *model,
		Ratio:          *ratio,
		Resolution:     *resolution,
		ResponseFormat: *format,
	})
	if err != nil {
		return err
	}
	return emit(ctx, client, result, *save)
}

func runVideo(ctx context.Context, client *jimeng.Client, args []string) error {
	fs := flag.NewFlagSet("video", flag.ContinueOnError)
	prompt := fs.String("prompt", "", "text prompt (required)")
	model := fs.String("model", "", "video model alias, e.g. jimeng-video-3.0")
	width := fs.Int("width", 0, "video width in pixels")
	height := fs.Int("height", 0, "video height in pixels")
	resolution := fs.String("resolution", "", "video resolution: 480p, 720p or 1080p")
	save := fs.String("save", "", "export results to storage under this name prefix")
	if err := fs.Parse(args); err != nil {
		return err
	}

	result, err := client.GenerateVideo(ctx, jimeng.GenerateVideoRequest{
		Prompt:     *prompt,
		Model:      *model,
		Width:      *width,
		Height:     *height,
		Resolution: *resolution,
	})
	if err != nil {
		return err
	}
	return emit(ctx, client, result, *save)
}

func runBalance(ctx context.Context, client *jimeng.Client) error {
	balances, err := client.GetBalance(ctx)
	if err != nil {
		return err
	}
	return printJSON(balances)
}

func runAlive(ctx context.Context, client *jimeng.Client) error {
	alive, err := client.CheckAlive(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]bool{"alive": alive})
}

// emit prints the result and optionally exports every item to storage.
func emit(ctx context.Context, client *jimeng.Client, result *jimeng.GenerateResult, save string) error {
	if err := printJSON(result); err != nil {
		return err
	}
	if save == "" {
		return nil
	}

	locations, err := client.Export(ctx, result, save)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	for _, loc := range locations {
		fmt.Fprintln(os.Stderr, "saved:", loc)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
