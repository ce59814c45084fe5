package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pressline/uploader/internal/assets"
	"github.com/pressline/uploader/internal/ids"
	"github.com/pressline/uploader/internal/logging"
	"github.com/pressline/uploader/internal/report"
	"github.com/pressline/uploader/internal/store"
	"github.com/pressline/uploader/internal/tempfiles"
	"github.com/pressline/uploader/internal/transcode"
	"github.com/pressline/uploader/internal/uploadapi"
	"github.com/pressline/uploader/internal/uploader"
)

// CLI flags
var (
	directoryFlag string
	manifestFlag  string
	apiURLFlag    string
	tokenFlag     string
	tableFlag     string
	bucketFlag    string
	cacheDirFlag  string
	reportDirFlag string
	chunkSizeFlag int64
)

var rootCmd = &cobra.Command{
	Use:   "uploader",
	Short: "Batch media upload engine - transcode, chunked transfer, crash-safe resume",
	Long: `Uploader drives batches of photos and videos through transcoding and chunked
upload to a remote gallery service, persisting per-post records so an
interrupted batch resumes where it stopped.

Examples:
  uploader upload --dir ./vacation-photos
  uploader upload --manifest posts.json --api-url https://api.example.com
  uploader upload --dir ./media --bucket my-media-bucket
  uploader resume
  uploader clear-cache`,
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Start a new upload batch from a directory or manifest",
	Run:   runUpload,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume incomplete uploads from durable records",
	Run:   runResume,
}

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Delete incomplete upload records and orphaned temp files",
	Run:   runClearCache,
}

func init() {
	for _, cmd := range []*cobra.Command{uploadCmd, resumeCmd, clearCacheCmd} {
		cmd.Flags().StringVar(&apiURLFlag, "api-url", os.Getenv("UPLOADER_API_URL"), "Base URL of the upload API")
		cmd.Flags().StringVar(&tokenFlag, "token", os.Getenv("UPLOADER_API_TOKEN"), "Bearer token for the upload API")
		cmd.Flags().StringVar(&tableFlag, "table", envOr("UPLOADER_TABLE", "upload-records"), "DynamoDB table for upload records")
		cmd.Flags().StringVar(&bucketFlag, "bucket", os.Getenv("UPLOADER_S3_BUCKET"), "S3 bucket; when set, uploads go to S3 multipart instead of the HTTP API")
		cmd.Flags().StringVar(&cacheDirFlag, "cache-dir", defaultCacheDir(), "Directory for transcoded temp files")
	}
	uploadCmd.Flags().StringVarP(&directoryFlag, "dir", "d", "", "Directory of media files to upload")
	uploadCmd.Flags().StringVar(&manifestFlag, "manifest", "", "JSON manifest of posts (post_id, key, asset)")
	uploadCmd.Flags().Int64Var(&chunkSizeFlag, "chunk-size", 0, "Upload chunk size in bytes (0 = default)")
	for _, cmd := range []*cobra.Command{uploadCmd, resumeCmd} {
		cmd.Flags().StringVar(&reportDirFlag, "report-dir", "", "Write a compressed batch report to this directory")
	}

	rootCmd.AddCommand(uploadCmd, resumeCmd, clearCacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "uploader")
}

// buildEngine wires the engine's collaborators from flags and AWS config.
func buildEngine(ctx context.Context, events uploader.Events) *uploader.Engine {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS configuration")
	}

	records := store.NewDynamoRecordStore(dynamodb.NewFromConfig(cfg), tableFlag)

	var api uploadapi.Client
	if bucketFlag != "" {
		api = uploadapi.NewS3Client(s3.NewFromConfig(cfg), bucketFlag, "galleries")
		log.Debug().Str("bucket", bucketFlag).Msg("Using S3 multipart upload client")
	} else {
		if apiURLFlag == "" {
			log.Fatal().Msg("either --api-url or --bucket is required")
		}
		api = uploadapi.NewHTTPClient(apiURLFlag, uploadapi.StaticToken(tokenFlag))
	}

	temps, err := tempfiles.NewManager(cacheDirFlag)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cacheDirFlag).Msg("failed to create cache directory")
	}

	if err := transcode.CheckFFmpegAvailable(); err != nil {
		log.Warn().Err(err).Msg("ffmpeg not found; video uploads will fail to transcode")
	}

	coord := transcode.NewCoordinator(transcode.FFmpegExporter{})

	return uploader.NewEngine(uploader.Config{ChunkSize: chunkSizeFlag},
		api, records, assets.FileResolver{}, coord, temps, events)
}

// manifestEntry is one post descriptor in a --manifest file.
type manifestEntry struct {
	PostID string `json:"post_id"`
	Key    string `json:"key"`
	Asset  string `json:"asset"`
}

// collectPosts builds the batch from --manifest or --dir.
func collectPosts() []uploader.Post {
	if manifestFlag != "" {
		data, err := os.ReadFile(manifestFlag)
		if err != nil {
			log.Fatal().Err(err).Str("path", manifestFlag).Msg("failed to read manifest")
		}
		var entries []manifestEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			log.Fatal().Err(err).Str("path", manifestFlag).Msg("failed to parse manifest")
		}
		posts := make([]uploader.Post, 0, len(entries))
		for _, e := range entries {
			posts = append(posts, uploader.Post{PostID: e.PostID, Key: e.Key, AssetRef: e.Asset})
		}
		return posts
	}

	if directoryFlag == "" {
		log.Fatal().Msg("either --dir or --manifest is required")
	}
	entries, err := os.ReadDir(directoryFlag)
	if err != nil {
		log.Fatal().Err(err).Str("path", directoryFlag).Msg("failed to read directory")
	}

	var posts []uploader.Post
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !assets.IsImage(ext) && !assets.IsVideo(ext) {
			continue
		}
		posts = append(posts, uploader.Post{
			PostID:   ids.New("post-"),
			Key:      ids.New("key-"),
			AssetRef: filepath.Join(directoryFlag, entry.Name()),
		})
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].AssetRef < posts[j].AssetRef })
	return posts
}

func runUpload(cmd *cobra.Command, args []string) {
	logging.Init()
	ctx := cmd.Context()

	posts := collectPosts()
	if len(posts) == 0 {
		log.Fatal().Msg("no supported media found to upload")
	}

	events := newConsoleEvents()
	engine := buildEngine(ctx, events)

	total, err := engine.EstimateSize(ctx, posts)
	if err != nil {
		log.Warn().Err(err).Msg("size estimation failed; continuing")
	} else {
		fmt.Printf("Uploading %d post(s), %.1f MB\n", len(posts), float64(total)/1e6)
	}

	galleryID := ids.NewGalleryID()
	if err := engine.StartNewUpload(ctx, posts, galleryID); err != nil {
		log.Fatal().Err(err).Msg("failed to start upload batch")
	}

	summary := events.wait()
	finish(summary)
}

func runResume(cmd *cobra.Command, args []string) {
	logging.Init()
	ctx := cmd.Context()

	events := newConsoleEvents()
	engine := buildEngine(ctx, events)

	if err := engine.CheckCachedUploads(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to check cached uploads")
	}
	if !engine.IsUploading() {
		fmt.Println("No incomplete uploads found; cache is clean.")
		return
	}

	summary := events.wait()
	finish(summary)
}

func runClearCache(cmd *cobra.Command, args []string) {
	logging.Init()
	ctx := cmd.Context()

	engine := buildEngine(ctx, uploader.NoopEvents{})
	if err := engine.ClearCachedUploads(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to clear cached uploads")
	}
	fmt.Println("Cache cleared.")
}

// consoleEvents prints batch lifecycle to the terminal and hands the summary
// back to the command goroutine.
type consoleEvents struct {
	done chan *uploader.BatchSummary
}

func newConsoleEvents() *consoleEvents {
	return &consoleEvents{done: make(chan *uploader.BatchSummary, 1)}
}

func (c *consoleEvents) OnProgress(fraction, bytesPerSecond float64) {
	fmt.Printf("\rProgress: %5.1f%%  %7.2f MB/s", fraction*100, bytesPerSecond/1e6)
}

func (c *consoleEvents) OnAssetComplete(meta *uploader.PostUploadMeta, isVideo bool, fileSize int64, err error) {
	kind := "photo"
	if isVideo {
		kind = "video"
	}
	if err != nil {
		fmt.Printf("\rFAILED  %s %s: %v\n", kind, meta.AssetRef, err)
		return
	}
	fmt.Printf("\rOK      %s %s (%.1f MB)\n", kind, meta.AssetRef, float64(fileSize)/1e6)
}

func (c *consoleEvents) OnBatchComplete(summary *uploader.BatchSummary) {
	c.done <- summary
}

func (c *consoleEvents) wait() *uploader.BatchSummary {
	return <-c.done
}

// finish prints the batch outcome, writes the optional report, and sets the
// process exit code.
func finish(summary *uploader.BatchSummary) {
	fmt.Printf("\nBatch %s: %d succeeded, %d failed, %d abandoned (%.1f MB uploaded)\n",
		summary.GalleryID, summary.Succeeded, summary.Failed, summary.Abandoned,
		float64(summary.UploadedBytes)/1e6)

	if reportDirFlag != "" {
		rep := &report.BatchReport{
			GalleryID:     summary.GalleryID,
			StartedAt:     summary.StartedAt,
			FinishedAt:    summary.FinishedAt,
			TotalBytes:    summary.TotalBytes,
			UploadedBytes: summary.UploadedBytes,
			ThroughputBps: summary.ThroughputBps,
			Succeeded:     summary.Succeeded,
			Failed:        summary.Failed,
		}
		for _, o := range summary.Outcomes {
			kind := "photo"
			if o.IsVideo {
				kind = "video"
			}
			res := report.AssetResult{
				PostID:        o.PostID,
				AssetRef:      o.AssetRef,
				Kind:          kind,
				UploadedBytes: o.UploadedBytes,
				Duration:      o.Duration,
			}
			if o.Err != nil {
				res.Error = o.Err.Error()
			}
			rep.Assets = append(rep.Assets, res)
		}
		path, err := report.Write(reportDirFlag, rep)
		if err != nil {
			log.Error().Err(err).Msg("failed to write batch report")
		} else {
			fmt.Printf("Report written to %s\n", path)
		}
	}

	if summary.Failed > 0 || summary.Cancelled {
		os.Exit(1)
	}
}
