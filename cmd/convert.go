package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/stylizer/internal/adaptive"
	"github.com/andresmejia3/stylizer/internal/capability"
	"github.com/andresmejia3/stylizer/internal/config"
	"github.com/andresmejia3/stylizer/internal/converter"
	"github.com/andresmejia3/stylizer/internal/engine"
	"github.com/andresmejia3/stylizer/internal/logger"
	"github.com/andresmejia3/stylizer/internal/media"
	"github.com/andresmejia3/stylizer/internal/monitor"
	"github.com/andresmejia3/stylizer/internal/notify"
	"github.com/andresmejia3/stylizer/internal/store"
	"github.com/andresmejia3/stylizer/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// ConvertOptions holds the flags of the convert command. Zero values keep the configured defaults.
type ConvertOptions struct {
	InputPath    string
	OutputPath   string
	Workers      int
	Model        string
	FrameTimeout string
	Missing      string
	RedisAddr    string
}

var convertOpts ConvertOptions

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Restyle a video frame by frame with the inference engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runConvert(cmd.Context(), convertOpts)
	},
}

func init() {
	convertCmd.Flags().StringVarP(&convertOpts.InputPath, "input", "i", "", "Path to input video")
	convertCmd.Flags().StringVarP(&convertOpts.OutputPath, "output", "o", "", "Path to output video (default: <input>_anime.mp4)")
	convertCmd.Flags().IntVarP(&convertOpts.Workers, "engines", "e", 0, "Number of parallel engine workers (0 = adaptive)")
	convertCmd.Flags().StringVar(&convertOpts.Model, "model", "", "Path to the .tflite style model")
	convertCmd.Flags().StringVar(&convertOpts.FrameTimeout, "frame-timeout", "", "How long to wait for a single frame before it counts as missing")
	convertCmd.Flags().StringVar(&convertOpts.Missing, "missing", "", "What to do with frames that fail or time out: skip, fail")
	convertCmd.Flags().StringVar(&convertOpts.RedisAddr, "redis", "", "Redis address to publish progress events to")

	convertCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(convertCmd)
}

func runConvert(ctx context.Context, opts ConvertOptions) error {
	// Create a cancellable context to ensure all child processes (FFmpeg, Python)
	// are killed immediately if this function returns early (e.g. on error).
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateConvertFlags(&opts, Cfg); err != nil {
		return err
	}

	if err := engine.VerifyModel(Cfg.Engine.Model, Cfg.Engine.ModelSHA256); err != nil {
		utils.ShowError("Model verification failed", err, nil)
		return err
	}

	mon := monitor.New(Log,
		monitor.WithInterval(Cfg.Monitor.Interval),
		monitor.WithStopTimeout(Cfg.Monitor.StopTimeout),
	)
	ctl, err := startAdaptive(mon, Log)
	if err != nil {
		utils.ShowError("Failed to start the performance monitor", err, nil)
		return err
	}
	defer func() {
		ctl.Close()
		if err := mon.Stop(); err != nil {
			Log.Warnf("%v", err)
		}
	}()

	workers := Cfg.Pipeline.Workers
	if workers <= 0 {
		workers = ctl.WorkerMultiplier(capability.New(nil).WorkerCountOrDefault())
	}

	rec, err := beginRecord(ctx, opts, workers, ctl.Mode().String())
	if err != nil {
		utils.ShowError("Failed to record conversion", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📼 Conversion %s\n", rec.id)
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", workers)

	notifiers := notify.Multi{notify.NewBar(os.Stderr, "🎨 Stylizing")}
	if Cfg.Redis.Addr != "" {
		client, err := notify.NewRedisClient(ctx, Cfg.Redis)
		if err != nil {
			// progress events are best effort
			Log.Warnf("redis unavailable, progress events disabled: %v", err)
		} else {
			defer client.Close()
			notifiers = append(notifiers, notify.NewRedis(client, Cfg.Redis.ChannelPrefix, rec.id, Log))
			fmt.Fprintf(os.Stderr, "📡 Publishing progress on %s\n", notify.Channel(Cfg.Redis.ChannelPrefix, rec.id))
		}
	}

	fmt.Fprintln(os.Stderr, "🚀 Warming up engines...")
	pool, err := engine.NewPool(ctx, workers, engine.Config{
		Python:      Cfg.Engine.Python,
		Script:      Cfg.Engine.Script,
		Model:       Cfg.Engine.Model,
		Accelerator: ctl.AcceleratorEnabled(),
		Threads:     Cfg.Engine.Threads,
		ReadTimeout: Cfg.Engine.ReadTimeout,
	}, Log)
	if err != nil {
		utils.ShowError("Engine startup failed", err, nil)
		rec.finish(converter.Summary{}, err)
		return err
	}
	defer pool.Close()

	missing, _ := converter.ParsePolicy(Cfg.Pipeline.MissingFrames)
	conv := converter.New(nil, ctl, Log, converter.Options{
		Workers:      workers,
		PollTimeout:  Cfg.Pipeline.PollTimeout,
		FrameTimeout: Cfg.Pipeline.FrameTimeout,
		StopTimeout:  Cfg.Pipeline.StopTimeout,
		Missing:      missing,
		Notifier:     notifiers,
	})

	proc := engine.NewProcessor(pool, ctl.FrameScale)
	sum, err := conv.Convert(ctx, media.NewSource(opts.InputPath, Log), media.NewSink(opts.OutputPath), proc.Process)
	rec.finish(sum, err)
	if err != nil {
		if !sum.Cancelled {
			utils.ShowError("Conversion failed", err, nil)
		}
		return err
	}

	fmt.Fprintf(os.Stderr, "✨ %d frames written, %d skipped in %s (peak reorder buffer %d)\n",
		sum.FramesWritten, len(sum.Skipped), sum.Duration.Round(time.Millisecond), sum.PeakBuffered)
	return nil
}

// startAdaptive seeds the controller with one measured sample before the
// pool is sized, then starts background sampling.
func startAdaptive(mon *monitor.Monitor, log logger.Logger) (*adaptive.Controller, error) {
	ctl := adaptive.New(mon, log)
	ctl.OnSample(mon.Refresh())
	if err := mon.Start(); err != nil {
		ctl.Close()
		return nil, err
	}
	return ctl, nil
}

// validateConvertFlags applies flag overrides onto cfg and checks the result.
func validateConvertFlags(opts *ConvertOptions, cfg *config.Config) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		utils.ShowError("Unable to access input file", err, nil)
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("is a directory")
		utils.ShowError("Input path is a directory, expected a video file", err, nil)
		return err
	}

	if opts.OutputPath == "" {
		opts.OutputPath = media.OutputPath(opts.InputPath)
	}

	// Safety Check: Prevent overwriting input file which causes corruption
	inAbs, _ := filepath.Abs(opts.InputPath)
	outAbs, _ := filepath.Abs(opts.OutputPath)
	if inAbs == outAbs {
		err := fmt.Errorf("input and output paths must be different to prevent file corruption")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	if opts.Workers < 0 {
		err := fmt.Errorf("engines must be >= 0, got %d", opts.Workers)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if opts.Workers > 0 {
		cfg.Pipeline.Workers = opts.Workers
	}

	if opts.FrameTimeout != "" {
		d, err := time.ParseDuration(opts.FrameTimeout)
		if err != nil || d <= 0 {
			err := fmt.Errorf("invalid frame timeout %q", opts.FrameTimeout)
			utils.ShowError("Configuration Error", err, nil)
			return err
		}
		cfg.Pipeline.FrameTimeout = d
	}

	if opts.Missing != "" {
		if _, err := converter.ParsePolicy(opts.Missing); err != nil {
			utils.ShowError("Configuration Error", err, nil)
			return err
		}
		cfg.Pipeline.MissingFrames = opts.Missing
	}

	if opts.Model != "" {
		cfg.Engine.Model = opts.Model
	}
	if opts.RedisAddr != "" {
		cfg.Redis.Addr = opts.RedisAddr
	}

	if err := cfg.Validate(); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	return nil
}

// record tracks one conversion in the history database. Without a database
// it only carries a generated id for progress events.
type record struct {
	id string
	db *store.Store
}

func beginRecord(ctx context.Context, opts ConvertOptions, workers int, mode string) (*record, error) {
	if DB == nil {
		return &record{id: uuid.NewString()}, nil
	}

	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		return nil, fmt.Errorf("generate video id: %w", err)
	}
	if err := DB.EnsureVideo(ctx, videoID, opts.InputPath); err != nil {
		return nil, err
	}
	id, err := DB.BeginConversion(ctx, videoID, opts.OutputPath, workers, mode)
	if err != nil {
		return nil, err
	}
	return &record{id: id, db: DB}, nil
}

func (r *record) finish(sum converter.Summary, err error) {
	if r.db == nil {
		return
	}

	status := store.StatusCompleted
	switch {
	case sum.Cancelled:
		status = store.StatusCancelled
	case err != nil:
		status = store.StatusFailed
	}

	// Background: ctx is likely cancelled already after Ctrl+C.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := r.db.FinishConversion(ctx, r.id, store.Outcome{
		Status:        status,
		TotalFrames:   sum.TotalFrames,
		FramesRead:    sum.FramesRead,
		FramesWritten: sum.FramesWritten,
		SkippedFrames: len(sum.Skipped),
		Err:           err,
	}); ferr != nil {
		Log.Warnf("failed to record conversion outcome: %v", ferr)
	}
}
