package media

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tdeslauriers/derma/internal/util"
	"github.com/tdeslauriers/derma/pkg/api"
)

// metadata store modes
const (
	DbModeMysql  = "mysql"
	DbModeMemory = "memory"
)

const defaultRegenerateQueue = "derma.regenerate"

// PipelineConfig holds the media pipeline tunables read from the environment.
type PipelineConfig struct {
	DailyCeiling   int
	QuotaLocation  *time.Location
	Concurrency    int
	SignTtl        time.Duration
	SignMargin     time.Duration
	BackfillBatch  int
	NetworkTimeout time.Duration

	PublicBucket  bool
	PublicBaseUrl string

	AmqpUrl         string
	RegenerateQueue string
	RedisAddr       string

	DbMode     string
	StorageUrl string // empty selects minio from the service config
}

// DefaultPipelineConfig returns the tunables used when nothing is set.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		DailyCeiling:    util.DefaultDailyUploadCeiling,
		QuotaLocation:   time.Local,
		Concurrency:     util.DefaultUploadConcurrency,
		SignTtl:         util.DefaultSignTtl,
		SignMargin:      util.DefaultSignMargin,
		BackfillBatch:   util.DefaultBackfillBatch,
		NetworkTimeout:  util.DefaultNetworkTimeout,
		RegenerateQueue: defaultRegenerateQueue,
		DbMode:          DbModeMysql,
	}
}

// LoadPipelineConfig reads the DERMA_* environment, after loading envFile if it
// exists. Unset values keep their defaults.
func LoadPipelineConfig(envFile string) (*PipelineConfig, error) {

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file %s: %v", envFile, err)
		}
	}

	pc := DefaultPipelineConfig()

	if err := envInt("DERMA_DAILY_UPLOAD_CEILING", &pc.DailyCeiling); err != nil {
		return nil, err
	}

	if tz := os.Getenv("DERMA_QUOTA_TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid DERMA_QUOTA_TIMEZONE '%s': %v", tz, err)
		}
		pc.QuotaLocation = loc
	}

	if err := envInt("DERMA_UPLOAD_CONCURRENCY", &pc.Concurrency); err != nil {
		return nil, err
	}

	if err := envDuration("DERMA_SIGN_TTL", &pc.SignTtl); err != nil {
		return nil, err
	}

	if err := envDuration("DERMA_SIGN_MARGIN", &pc.SignMargin); err != nil {
		return nil, err
	}

	if err := envInt("DERMA_BACKFILL_BATCH", &pc.BackfillBatch); err != nil {
		return nil, err
	}

	if err := envDuration("DERMA_NETWORK_TIMEOUT", &pc.NetworkTimeout); err != nil {
		return nil, err
	}

	if v := os.Getenv("DERMA_PUBLIC_BUCKET"); v != "" {
		public, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DERMA_PUBLIC_BUCKET '%s': %v", v, err)
		}
		pc.PublicBucket = public
	}

	pc.PublicBaseUrl = os.Getenv("DERMA_PUBLIC_BASE_URL")
	pc.AmqpUrl = os.Getenv("DERMA_AMQP_URL")
	pc.RedisAddr = os.Getenv("DERMA_REDIS_ADDR")
	pc.StorageUrl = os.Getenv("DERMA_STORAGE_URL")

	if q := os.Getenv("DERMA_REGENERATE_QUEUE"); q != "" {
		pc.RegenerateQueue = q
	}

	if mode := os.Getenv("DERMA_DB_MODE"); mode != "" {
		pc.DbMode = strings.ToLower(mode)
	}

	if err := pc.Validate(); err != nil {
		return nil, err
	}

	return &pc, nil
}

// Validate checks the tunables are usable together.
func (pc *PipelineConfig) Validate() error {

	if pc.DailyCeiling < 1 {
		return fmt.Errorf("daily upload ceiling must be at least 1")
	}

	if pc.Concurrency < 1 {
		return fmt.Errorf("upload concurrency must be at least 1")
	}

	if pc.SignTtl <= pc.SignMargin {
		return fmt.Errorf("signed url ttl %s must exceed the reuse margin %s", pc.SignTtl, pc.SignMargin)
	}

	if pc.BackfillBatch < 1 || pc.BackfillBatch > api.MaxRegenerateBatch {
		return fmt.Errorf("backfill batch must be between 1 and %d", api.MaxRegenerateBatch)
	}

	if pc.NetworkTimeout <= 0 {
		return fmt.Errorf("network timeout must be positive")
	}

	if pc.PublicBucket && pc.PublicBaseUrl == "" {
		return fmt.Errorf("a public bucket requires DERMA_PUBLIC_BASE_URL")
	}

	if pc.DbMode != DbModeMysql && pc.DbMode != DbModeMemory {
		return fmt.Errorf("invalid db mode '%s'", pc.DbMode)
	}

	return nil
}

// publicBase is the base url of a public bucket, or "" for signed urls.
func (pc *PipelineConfig) publicBase() string {
	if !pc.PublicBucket {
		return ""
	}
	return pc.PublicBaseUrl
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %v", key, v, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %v", key, v, err)
	}
	*dst = d
	return nil
}
