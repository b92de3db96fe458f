package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/noah-isme/gema-grader/internal/service"
)

// DockerConfig describes the container sandbox the grading toolchain runs in.
type DockerConfig struct {
	Host          string
	Image         string `validate:"required"`
	MemoryMB      int    `validate:"gte=0"`
	BindTarget    string `validate:"required"`
	StartAttempts int    `validate:"gte=1"`
	RetryDelay    time.Duration
	PollInterval  time.Duration `validate:"gt=0"`
}

// SnapshotConfig describes the SSH-reachable ZFS host holding student datasets.
type SnapshotConfig struct {
	Address        string
	User           string
	PrivateKeyPath string
	KnownHostsPath string
	DatasetRoot    string
	ZFSPath        string
	DialTimeout    time.Duration
}

// Enabled reports whether a snapshot host is configured.
func (c SnapshotConfig) Enabled() bool {
	return c.Address != ""
}

// CourseConfig carries the course groups, grader rosters and grading filesystem layout.
type CourseConfig struct {
	Groups                  map[string][]string            `validate:"dive,min=1,dive,required"`
	Assignments             map[string]map[string][]string `validate:"dive,dive,min=1"`
	ExtensionDays           int                            `validate:"gte=0"`
	ReturnSolutionThreshold float64                        `validate:"gte=0,lte=1"`
	EarliestReturnAt        time.Time

	GraderRoot                   string `validate:"required"`
	NbgraderPath                 string
	SubmittedFolder              string `validate:"required"`
	AutogradedFolder             string `validate:"required"`
	FeedbackFolder               string `validate:"required"`
	ReleaseFolder                string `validate:"required"`
	SourceFolder                 string `validate:"required"`
	StudentFolderPrefix          string
	StudentLocalAssignmentFolder string
	AttachedStudentRoot          string `validate:"required"`
	GraderUID                    int
	GraderGID                    int
}

// ScheduleConfig controls how often each flow runs.
type ScheduleConfig struct {
	AutoExtensionInterval time.Duration `validate:"gt=0"`
	SnapshotInterval      time.Duration `validate:"gt=0"`
	GradingInterval       time.Duration `validate:"gt=0"`
	Workers               int           `validate:"gte=1"`
	LockTTL               time.Duration `validate:"gt=0"`
}

// Config holds runtime configuration values for the grading engine.
type Config struct {
	AppName           string `validate:"required"`
	AppEnv            string
	AppPort           string `validate:"required"`
	LogLevel          string
	DatabaseURL       string
	SQLitePath        string
	RedisURL          string
	NATSURL           string
	NATSSubjectPrefix string

	// OperatorJWTSecret signs operator tokens for manual flow triggers. Empty disables triggers.
	OperatorJWTSecret string
	TriggerRateLimit  int `validate:"gte=0"`

	Docker   DockerConfig
	Snapshot SnapshotConfig
	Course   CourseConfig
	Schedule ScheduleConfig
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Level parses the configured log level, defaulting to info.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}

// Settings projects the per-run settings threaded through every flow.
func (c Config) Settings() service.Settings {
	return service.Settings{
		CourseGroups:                 c.Course.Groups,
		Rosters:                      c.Course.Assignments,
		ExtensionDays:                c.Course.ExtensionDays,
		ReturnSolutionThreshold:      c.Course.ReturnSolutionThreshold,
		EarliestReturnAt:             c.Course.EarliestReturnAt,
		GraderRoot:                   c.Course.GraderRoot,
		NbgraderPath:                 c.Course.NbgraderPath,
		SubmittedFolder:              c.Course.SubmittedFolder,
		AutogradedFolder:             c.Course.AutogradedFolder,
		FeedbackFolder:               c.Course.FeedbackFolder,
		ReleaseFolder:                c.Course.ReleaseFolder,
		SourceFolder:                 c.Course.SourceFolder,
		StudentFolderPrefix:          c.Course.StudentFolderPrefix,
		StudentLocalAssignmentFolder: c.Course.StudentLocalAssignmentFolder,
		AttachedStudentRoot:          c.Course.AttachedStudentRoot,
		GraderUID:                    c.Course.GraderUID,
		GraderGID:                    c.Course.GraderGID,
		BindTarget:                   c.Docker.BindTarget,
		Workers:                      c.Schedule.Workers,
	}
}

// Load reads configuration values from environment variables, an optional .env file and the
// optional YAML file named by GRADER_CONFIG_FILE.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "GEMA Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("nats.subject_prefix", "gema.grader")
	v.SetDefault("auth.trigger_rate_limit", 6)

	v.SetDefault("docker.image", "ubcdsci/r-dsci-grading:latest")
	v.SetDefault("docker.memory_mb", 2048)
	v.SetDefault("docker.bind_target", "/home/jupyter")
	v.SetDefault("docker.start_attempts", 5)
	v.SetDefault("docker.retry_delay", "10s")
	v.SetDefault("docker.poll_interval", "250ms")

	v.SetDefault("snapshot.user", "root")
	v.SetDefault("snapshot.zfs_path", "/usr/sbin/zfs")
	v.SetDefault("snapshot.dial_timeout", "30s")

	v.SetDefault("course.extension_days", 7)
	v.SetDefault("course.return_solution_threshold", 0.93)
	v.SetDefault("course.grader_root", "/tank/home")
	v.SetDefault("course.nbgrader_path", "course")
	v.SetDefault("course.submitted_folder", "submitted")
	v.SetDefault("course.autograded_folder", "autograded")
	v.SetDefault("course.feedback_folder", "feedback")
	v.SetDefault("course.release_folder", "release")
	v.SetDefault("course.source_folder", "source")
	v.SetDefault("course.student_folder_prefix", "student_")
	v.SetDefault("course.student_local_assignment_folder", "")
	v.SetDefault("course.attached_student_root", "/tank/home/students")
	v.SetDefault("course.grader_uid", -1)
	v.SetDefault("course.grader_gid", -1)

	v.SetDefault("schedule.autoext_interval", "30m")
	v.SetDefault("schedule.snapshot_interval", "15m")
	v.SetDefault("schedule.grading_interval", "24h")
	v.SetDefault("schedule.workers", 8)
	v.SetDefault("schedule.lock_ttl", "6h")
}

func fromViper(v *viper.Viper) (Config, error) {
	var groups map[string][]string
	if err := v.UnmarshalKey("course.groups", &groups); err != nil {
		return Config{}, fmt.Errorf("invalid course groups: %w", err)
	}
	var rosters map[string]map[string][]string
	if err := v.UnmarshalKey("course.assignments", &rosters); err != nil {
		return Config{}, fmt.Errorf("invalid course assignments: %w", err)
	}

	var earliest time.Time
	if raw := v.GetString("course.earliest_return_at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid earliest return time: %w", err)
		}
		earliest = parsed
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"docker.retry_delay", "docker.poll_interval", "snapshot.dial_timeout",
		"schedule.autoext_interval", "schedule.snapshot_interval", "schedule.grading_interval", "schedule.lock_ttl",
	} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid duration %s: %w", key, err)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:           v.GetString("app.name"),
		AppEnv:            v.GetString("app.env"),
		AppPort:           v.GetString("app.port"),
		LogLevel:          v.GetString("log.level"),
		DatabaseURL:       v.GetString("database.url"),
		SQLitePath:        v.GetString("database.sqlite_path"),
		RedisURL:          v.GetString("redis.url"),
		NATSURL:           v.GetString("nats.url"),
		NATSSubjectPrefix: v.GetString("nats.subject_prefix"),
		OperatorJWTSecret: v.GetString("auth.jwt_secret"),
		TriggerRateLimit:  v.GetInt("auth.trigger_rate_limit"),
		Docker: DockerConfig{
			Host:          v.GetString("docker.host"),
			Image:         v.GetString("docker.image"),
			MemoryMB:      v.GetInt("docker.memory_mb"),
			BindTarget:    v.GetString("docker.bind_target"),
			StartAttempts: v.GetInt("docker.start_attempts"),
			RetryDelay:    durations["docker.retry_delay"],
			PollInterval:  durations["docker.poll_interval"],
		},
		Snapshot: SnapshotConfig{
			Address:        v.GetString("snapshot.address"),
			User:           v.GetString("snapshot.user"),
			PrivateKeyPath: v.GetString("snapshot.private_key_path"),
			KnownHostsPath: v.GetString("snapshot.known_hosts_path"),
			DatasetRoot:    v.GetString("snapshot.dataset_root"),
			ZFSPath:        v.GetString("snapshot.zfs_path"),
			DialTimeout:    durations["snapshot.dial_timeout"],
		},
		Course: CourseConfig{
			Groups:                       groups,
			Assignments:                  rosters,
			ExtensionDays:                v.GetInt("course.extension_days"),
			ReturnSolutionThreshold:      v.GetFloat64("course.return_solution_threshold"),
			EarliestReturnAt:             earliest,
			GraderRoot:                   v.GetString("course.grader_root"),
			NbgraderPath:                 v.GetString("course.nbgrader_path"),
			SubmittedFolder:              v.GetString("course.submitted_folder"),
			AutogradedFolder:             v.GetString("course.autograded_folder"),
			FeedbackFolder:               v.GetString("course.feedback_folder"),
			ReleaseFolder:                v.GetString("course.release_folder"),
			SourceFolder:                 v.GetString("course.source_folder"),
			StudentFolderPrefix:          v.GetString("course.student_folder_prefix"),
			StudentLocalAssignmentFolder: v.GetString("course.student_local_assignment_folder"),
			AttachedStudentRoot:          v.GetString("course.attached_student_root"),
			GraderUID:                    v.GetInt("course.grader_uid"),
			GraderGID:                    v.GetInt("course.grader_gid"),
		},
		Schedule: ScheduleConfig{
			AutoExtensionInterval: durations["schedule.autoext_interval"],
			SnapshotInterval:      durations["schedule.snapshot_interval"],
			GradingInterval:       durations["schedule.grading_interval"],
			Workers:               v.GetInt("schedule.workers"),
			LockTTL:               durations["schedule.lock_ttl"],
		},
	}

	if cfg.Snapshot.Enabled() && (cfg.Snapshot.PrivateKeyPath == "" || cfg.Snapshot.DatasetRoot == "") {
		return Config{}, fmt.Errorf("snapshot host %s needs a private key path and a dataset root", cfg.Snapshot.Address)
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
