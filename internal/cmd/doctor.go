package cmd

import (
	"bytes"
	"context"
	"fmt"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobtrail/internal/config"
	"github.com/3leaps/jobtrail/internal/observability"
	"github.com/3leaps/jobtrail/pkg/bodystore"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the configuration and the stores.

Examples:
  jobtrail doctor                     # Config, job store and body store checks
  jobtrail doctor --bodies s3         # Also checks AWS credentials`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

// doctorCheckKey is written and removed again by the body store check.
const doctorCheckKey = "_doctor/check"

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger
	cfg := config.GetConfig()
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Info("=== " + config.AppName + " doctor ===")

	total := 4
	if cfg.Bodies.Backend == bodystore.BackendS3 {
		total = 5
	}
	failed := 0
	step := 0
	check := func(name string, fn func() (string, error)) {
		step++
		detail, err := fn()
		if err != nil {
			failed++
			log.Error(fmt.Sprintf("[%d/%d] Checking %s... failed", step, total, name), zap.Error(err))
			return
		}
		log.Info(fmt.Sprintf("[%d/%d] Checking %s... ok %s", step, total, name, detail))
	}

	check("environment", func() (string, error) {
		return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
	})
	check("config", func() (string, error) {
		if cfg.File == "" {
			return "(defaults and environment)", nil
		}
		return cfg.File, nil
	})

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	check("job store", func() (string, error) {
		if err := a.store.DB().PingContext(ctx); err != nil {
			return "", err
		}
		jobs, err := a.manager.ListJobs(ctx, "")
		if err != nil {
			return "", err
		}
		target := cfg.Store.Path
		if cfg.Store.URL != "" {
			target = cfg.Store.URL
		}
		return fmt.Sprintf("%s (%d jobs)", target, len(jobs)), nil
	})
	check("body store", func() (string, error) {
		bodies, err := openBodies(ctx, cfg.Bodies)
		if err != nil {
			return "", err
		}
		return string(cfg.Bodies.Backend), roundTripBodies(ctx, bodies)
	})
	if cfg.Bodies.Backend == bodystore.BackendS3 {
		check("AWS credentials", func() (string, error) {
			return awsCredentialSource(ctx)
		})
	}

	if failed > 0 {
		printAWSCredentialsHelp(cfg.Bodies.Backend)
		return fmt.Errorf("%d of %d checks failed", failed, total)
	}
	log.Info("All checks passed")
	return nil
}

type bodyRoundTripper interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// roundTripBodies round-trips a small blob through the store.
func roundTripBodies(ctx context.Context, st bodyRoundTripper) error {
	want := []byte(`{"check":true}`)
	if err := st.Put(ctx, doctorCheckKey, want); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	got, err := st.Get(ctx, doctorCheckKey)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("read back %d bytes, wrote %d", len(got), len(want))
	}
	if err := st.Delete(ctx, doctorCheckKey); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func awsCredentialSource(ctx context.Context) (string, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("load AWS config: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s via %s", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp(backend bodystore.Backend) {
	if backend != bodystore.BackendS3 {
		return
	}
	log := observability.CLILogger
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  2. Run 'aws configure' to set up a profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.) also set bodies.endpoint.")
}
