package types

// RunMode controls which long-running processes the binary starts.
type RunMode string

const (
	ModeLocal RunMode = "local"
	ModeAPI   RunMode = "api"
)

// Environment is the deployment environment. It changes the placeholder
// revalidation TTL and how idempotence keys are composed before they reach
// the analytics sink.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentPreview     Environment = "preview"
	EnvironmentDevelopment Environment = "development"
)

func (e Environment) String() string {
	return string(e)
}

// IsProduction reports whether sink-side deduplication on the raw
// idempotence key can be relied upon.
func (e Environment) IsProduction() bool {
	return e == EnvironmentProduction
}

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)
