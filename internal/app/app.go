// Package app assembles the consultation pipeline from configuration. One
// App can serve the HTTP API, relay session changes onto the queue, run
// transcription workers, or do all three in a single process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sjawhar/consult-wispr/internal/awsutil"
	"github.com/sjawhar/consult-wispr/internal/blob"
	"github.com/sjawhar/consult-wispr/internal/config"
	"github.com/sjawhar/consult-wispr/internal/gdrive"
	"github.com/sjawhar/consult-wispr/internal/llm"
	"github.com/sjawhar/consult-wispr/internal/notifier"
	"github.com/sjawhar/consult-wispr/internal/pipeline"
	"github.com/sjawhar/consult-wispr/internal/queue"
	"github.com/sjawhar/consult-wispr/internal/retry"
	"github.com/sjawhar/consult-wispr/internal/server"
	"github.com/sjawhar/consult-wispr/internal/storage"
	"github.com/sjawhar/consult-wispr/internal/summary"
	"github.com/sjawhar/consult-wispr/internal/transcribe"
)

type chunkQueue interface {
	queue.Publisher
	queue.Consumer
}

// App owns every long-lived dependency. Close releases them.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	aws    *awsutil.Clients

	store        storage.SessionStore
	audioBlobs   blob.Store
	summaryBlobs blob.Store
	files        *blob.FileStore
	queue        chunkQueue

	hub        *server.Hub
	sessions   *pipeline.Sessions
	ingestor   *pipeline.Ingestor
	completion *pipeline.Completion
	worker     *pipeline.Worker
	summaries  *pipeline.SummaryService

	closers []func() error
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	if cfg.Storage.Backend == "dynamodb" || cfg.Blob.Backend == "s3" || cfg.Queue.Backend == "sqs" {
		clients, err := awsutil.Load(ctx, cfg.AWS.Region, cfg.AWS.Endpoint)
		if err != nil {
			return nil, err
		}
		a.aws = clients
	}

	if err := a.openStore(); err != nil {
		return nil, err
	}
	a.openBlobs()
	a.openQueue()

	casPolicy := retry.Conflict()
	ioPolicy := a.ioPolicy()
	a.hub = server.NewHub(logger)

	transcriber := transcribe.WithTimeout(a.transcriber(), cfg.TranscriptionTimeout())
	a.sessions = pipeline.NewSessions(a.store, casPolicy)
	a.ingestor = pipeline.NewIngestor(a.store, a.audioBlobs, casPolicy, ioPolicy, logger)
	a.completion = pipeline.NewCompletion(a.store, casPolicy, a.hub, logger)
	a.worker = pipeline.NewWorker(a.store, a.audioBlobs, transcriber, a.completion, a.hub, casPolicy, ioPolicy, logger)
	a.summaries = pipeline.NewSummaryService(a.store, a.summaryBlobs, a.renderer(), a.hub, casPolicy, ioPolicy, cfg.SignedURLTTL(), logger)

	if cfg.Pipeline.AutoSummarize {
		a.completion.OnCompleted(a.summaries.AutoGenerate)
	}

	if cfg.GDrive.FolderID != "" && cfg.GDrive.CredentialsFile != "" {
		syncer, err := gdrive.NewSyncer(ctx, cfg.GDrive.CredentialsFile, cfg.GDrive.FolderID)
		if err != nil {
			logger.Warn("gdrive mirror disabled", "error", err)
		} else {
			a.summaries.SetMirror(syncer)
		}
	}

	return a, nil
}

func (a *App) openStore() error {
	switch a.cfg.Storage.Backend {
	case "memory":
		a.store = storage.NewMemoryStore()
	case "dynamodb":
		a.store = storage.NewDynamoStore(a.aws.DynamoDB(), a.cfg.Storage.DynamoTable)
	default:
		store, err := storage.NewSQLiteStore(a.cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	}
	return nil
}

func (a *App) openBlobs() {
	if a.cfg.Blob.Backend == "s3" {
		client := a.aws.S3()
		a.audioBlobs = blob.NewS3Store(client, a.cfg.Blob.AudioBucket)
		a.summaryBlobs = blob.NewS3Store(client, a.cfg.Blob.SummaryBucket)
		return
	}
	a.files = blob.NewFileStore(a.cfg.Blob.Dir, a.cfg.Server.PublicURL, []byte(a.cfg.Blob.SigningKey))
	a.audioBlobs = a.files
	a.summaryBlobs = a.files
}

func (a *App) openQueue() {
	if a.cfg.Queue.Backend == "sqs" {
		a.queue = queue.NewSQSQueue(a.aws.SQS(), a.cfg.Queue.SQSURL, queue.SQSOptions{
			WaitSeconds:       a.cfg.Queue.WaitSeconds,
			VisibilitySeconds: int32(a.cfg.QueueVisibility() / time.Second),
		}, a.logger)
		return
	}
	a.queue = queue.NewMemoryQueue(a.cfg.QueueVisibility())
}

func (a *App) ioPolicy() retry.Policy {
	p := retry.Default()
	p.Attempts = a.cfg.Pipeline.RetryAttempts
	p.BaseDelay = a.cfg.RetryBaseDelay()
	return p
}

func (a *App) transcriber() transcribe.Transcriber {
	t := a.cfg.Transcription
	switch t.Provider {
	case "deepgram":
		return transcribe.NewDeepgram(a.cfg.DeepgramAPIKey, t.Model, t.Language)
	case "openai":
		return transcribe.NewWhisper(a.cfg.OpenAIAPIKey, t.Model, t.Language, t.BaseURL)
	default:
		a.logger.Warn("no transcription provider configured, chunks get placeholder text")
		return transcribe.Placeholder{}
	}
}

func (a *App) renderer() summary.Renderer {
	keys := llm.Keys{
		OpenAI:    a.cfg.OpenAIAPIKey,
		Anthropic: a.cfg.AnthropicAPIKey,
		Gemini:    a.cfg.GeminiAPIKey,
	}
	if !keys.Any() {
		return summary.Template{}
	}
	return summary.New(a.cfg.Summarization, llm.Factory(keys))
}

// Handler is the HTTP API wired to this App's services.
func (a *App) Handler() http.Handler {
	deps := server.Deps{
		Sessions:  a.sessions,
		Ingestor:  a.ingestor,
		Summaries: a.summaries,
		Hub:       a.hub,
		Upload: server.UploadLimits{
			MaxChunkBytes: a.cfg.Upload.MaxChunkBytes,
			MimeTypes:     a.cfg.Upload.MimeTypes,
		},
		BasicAuthUser:     a.cfg.Server.BasicAuthUser,
		BasicAuthPassword: a.cfg.Server.BasicAuthPassword,
		Logger:            a.logger,
	}
	if a.files != nil {
		deps.Files = a.files
	}
	return server.Handler(deps)
}

func (a *App) Serve(ctx context.Context) error {
	return server.Serve(ctx, a.cfg.Server.Addr, a.Handler(), a.logger)
}

// RunNotifier relays new chunks from the store's change feed onto the queue
// until ctx is canceled.
func (a *App) RunNotifier(ctx context.Context) error {
	feed, err := a.changeFeed(ctx)
	if err != nil {
		return err
	}
	return notifier.New(a.queue, a.ioPolicy(), a.logger).Run(ctx, feed)
}

func (a *App) changeFeed(ctx context.Context) (storage.ChangeFeed, error) {
	interval := a.cfg.FeedInterval()
	switch s := a.store.(type) {
	case *storage.MemoryStore:
		return s.Feed(interval, a.logger), nil
	case *storage.SQLiteStore:
		return s.Feed(interval, a.logger), nil
	case *storage.DynamoStore:
		arn := a.cfg.Storage.DynamoStream
		if arn == "" {
			var err error
			arn, err = storage.LatestStreamARN(ctx, a.aws.DynamoDB(), a.cfg.Storage.DynamoTable)
			if err != nil {
				return nil, err
			}
		}
		return storage.NewDynamoStreamFeed(a.aws.DynamoDBStreams(), arn, interval, a.cfg.Storage.StreamFromTop, a.logger), nil
	default:
		return nil, fmt.Errorf("store %T has no change feed", a.store)
	}
}

// RunWorkers transcribes queued chunks until ctx is canceled, then waits up
// to drain for in-flight chunks to settle.
func (a *App) RunWorkers(ctx context.Context, drain time.Duration) error {
	runner := pipeline.NewRunner(ctx, a.queue, a.worker, a.cfg.Pipeline.Workers, a.logger)
	runner.Start()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drain)
	defer cancel()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("drain workers: %w", err)
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
