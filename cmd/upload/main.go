package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/docker/go-units"
	"github.com/pieter-berkel/storageflow/client"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run uploads one file and returns the process exit code. Returning instead
// of exiting lets the file close and the signal handler stop.
func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	fs.SetOutput(stdout)
	var (
		endpoint    = fs.String("endpoint", "http://localhost:8080/api/v1/storage", "storage API base url")
		routeName   = fs.String("route", "", "route to upload to")
		input       = fs.String("input", "", "route input as JSON")
		token       = fs.String("token", "", "bearer token sent with API calls")
		concurrency = fs.Int("concurrency", 5, "parts uploaded at once")
		attempts    = fs.Int("attempts", 3, "attempts per part")
		retryDelay  = fs.Duration("retry-delay", 5*time.Second, "pause between attempts of a part")
		hung        = fs.Duration("hung-threshold", 0, "retry parts running this much longer than average, 0 disables")
		rps         = fs.Float64("rps", 0, "part attempts started per second, 0 is unlimited")
		debug       = fs.Bool("debug", false, "enable debug logging")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: stdout}).Level(level).With().Timestamp().Logger()

	if *routeName == "" || fs.NArg() != 1 {
		log.Error().Msg("usage: upload -route NAME [flags] FILE")
		return 2
	}

	f, err := client.OpenFile(fs.Arg(0))
	if err != nil {
		log.Error().Err(err).Msg("Error opening file")
		return 1
	}
	defer f.Close()
	log.Debug().Str("size", units.HumanSize(float64(f.Size))).Str("type", f.Type).Msg("File opened")

	apiOpts := []client.APIOption{client.WithLogger(log)}
	if *token != "" {
		apiOpts = append(apiOpts, client.WithHeader("Authorization", "Bearer "+*token))
	}
	api := client.NewAPIClient(*endpoint, apiOpts...)

	uploader := client.NewUploader(api, client.Config{
		Concurrency:   *concurrency,
		Attempts:      *attempts,
		RetryDelay:    *retryDelay,
		HungThreshold: *hung,
		RateLimit:     rate.Limit(*rps),
		Logger:        &log,
	})

	var opts []client.UploadOption
	if *input != "" {
		opts = append(opts, client.WithInput(json.RawMessage(*input)))
	}
	opts = append(opts, client.WithProgress(func(p float64) {
		log.Info().Float64("percent", p).Msg("Upload progress")
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	res, err := uploader.Upload(ctx, *routeName, f, opts...)
	if err != nil {
		log.Error().Err(err).Msg("Upload failed")
		return 1
	}
	stats := uploader.Stats()
	log.Info().
		Str("url", res.URL).
		Str("filepath", res.Filepath).
		Dur("took", time.Since(start)).
		Int64("parts", stats.FinishedCount()).
		Int64("retries", stats.Retries()).
		Msg("Upload complete")
	return 0
}
