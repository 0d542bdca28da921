package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/face-tagger/internal/config"
	"github.com/kozaktomas/face-tagger/internal/constants"
	"github.com/kozaktomas/face-tagger/internal/events"
	"github.com/kozaktomas/face-tagger/internal/identity"
	"github.com/kozaktomas/face-tagger/internal/logger"
)

var processCmd = &cobra.Command{
	Use:   "process [event-file...]",
	Short: "Process images once and print the results",
	Long: `Run images through detection, matching and registration without a server.

Images come from event files (an envelope {"Records":[...]} or a single image
message; "-" reads stdin) and from --key flags.

Examples:
  # Process two objects from the default bucket
  face-tagger process --key uploads/a.jpg --key uploads/b.jpg

  # Replay a captured event envelope
  face-tagger process event.json

  # Local images with the file store
  IMAGE_STORE=file IMAGE_DIR=./photos face-tagger process --key a.jpg --json`,
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().StringSlice("key", nil, "Object key to process (repeatable)")
	processCmd.Flags().String("bucket", "", "Bucket for --key objects (defaults to S3_BUCKET)")
	processCmd.Flags().Int("concurrency", constants.WorkerPoolSize, "Number of images processed in parallel")
	processCmd.Flags().Bool("json", false, "Output the batch result as JSON instead of a summary")
}

// ProcessSummary is the human readable outcome of a process run.
type ProcessSummary struct {
	Images       int
	Completed    int
	Partial      int
	Failed       int
	Faces        int
	NewPersons   int
	PersonsFound map[string]int
}

func summarize(results []identity.ImageResult) ProcessSummary {
	s := ProcessSummary{Images: len(results), PersonsFound: map[string]int{}}
	for _, r := range results {
		switch r.Status {
		case identity.StatusCompleted:
			s.Completed++
		case identity.StatusPartial:
			s.Partial++
		default:
			s.Failed++
		}
		s.Faces += r.FacesDetected
		s.NewPersons += len(r.NewPersons)
		for _, p := range r.PersonsFound {
			s.PersonsFound[p]++
		}
	}
	return s
}

func readEventFile(name string, stdin io.Reader) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name) //nolint:gosec // path is from the command line
}

// loadJobs turns event files and object keys into batch jobs.
func loadJobs(files, keys []string, bucket, defaultBucket string, stdin io.Reader) ([]identity.Job, error) {
	var jobs []identity.Job
	for _, name := range files {
		data, err := readEventFile(name, stdin)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		parsed, err := events.Parse(data, defaultBucket)
		if err != nil {
			ref, msgErr := events.ParseMessage(data, defaultBucket)
			if msgErr != nil {
				return nil, fmt.Errorf("%s: %w", name, errors.Join(err, msgErr))
			}
			parsed = []identity.Job{{Ref: ref}}
		}
		jobs = append(jobs, parsed...)
	}
	for _, key := range keys {
		ref, err := events.Message{BucketName: bucket, ObjectKey: key}.Ref(defaultBucket)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, identity.Job{Ref: ref})
	}
	return jobs, nil
}

func runProcess(cmd *cobra.Command, args []string) error {
	concurrency := max(1, mustGetInt(cmd, "concurrency"))
	jsonOutput := mustGetBool(cmd, "json")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	jobs, err := loadJobs(args, mustGetStringSlice(cmd, "key"), mustGetString(cmd, "bucket"), cfg.AWS.Bucket, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return errors.New("nothing to process: pass event files or --key")
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	invocationID := uuid.NewString()
	ctx = logger.WithInvocation(ctx, invocationID)
	if err := a.service.Preflight(ctx); err != nil {
		return fmt.Errorf("pre-flight: %w", err)
	}

	startTime := time.Now()
	bar := newProgressBar(len(jobs), "Processing images", "images", jsonOutput)
	results := make([]identity.ImageResult, len(jobs))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = a.service.ProcessJob(ctx, job)
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if bar != nil {
		fmt.Println()
	}

	if jsonOutput {
		return outputJSON(identity.BatchResult{
			StatusCode: 200,
			Body: identity.BatchBody{
				Message:       identity.CompletedMessage,
				InvocationID:  invocationID,
				Results:       results,
				Configuration: a.service.Configuration(),
			},
		})
	}

	s := summarize(results)
	fmt.Println("\nProcessing complete!")
	fmt.Printf("  Images:         %d\n", s.Images)
	fmt.Printf("  Completed:      %d\n", s.Completed)
	if s.Partial > 0 {
		fmt.Printf("  Partial:        %d\n", s.Partial)
	}
	if s.Failed > 0 {
		fmt.Printf("  Failed:         %d\n", s.Failed)
	}
	fmt.Printf("  Faces detected: %d\n", s.Faces)
	fmt.Printf("  Persons found:  %d (%d new)\n", len(s.PersonsFound), s.NewPersons)
	fmt.Printf("  Duration:       %s\n", formatDuration(time.Since(startTime)))

	for _, r := range results {
		if r.Status == identity.StatusFailed {
			fmt.Printf("  ! %s: %s (%s)\n", r.ObjectKey, r.Error, r.ErrorType)
		}
	}
	return nil
}
