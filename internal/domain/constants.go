package domain

import "time"

// Normative defaults for the core. All are overridable via configuration;
// these are the compiled fallbacks.
const (
	// Rate limiter (component 4.2)
	DefaultQPMLimit          = 60
	DefaultConcurrentLimit   = 10
	RateLimiterPollInterval  = 100 * time.Millisecond
	RateLimiterMaxPollWindow = 1 * time.Second
	RateLimiterSlidingWindow = 60 * time.Second

	// LLM Facade (component 4.3)
	LLMDefaultTimeout   = 30 * time.Second
	LLMMaxRetryAttempts = 3
	LLMRetryBaseDelay   = 1 * time.Second
	LLM429RetryDelay    = 5 * time.Second

	// Node-Palette Streamer (component 4.4)
	PaletteOverallDeadline         = 20 * time.Second
	PaletteCancelGracePeriod       = 500 * time.Millisecond
	PaletteIdleExpiry              = 10 * time.Minute
	PaletteCancelPropagation       = 1 * time.Second
	SSEKeepAliveInterval           = 20 * time.Second
	PaletteDefaultNodesPerProvider = 15

	// Token-Usage Buffer (component 4.5)
	TokenBufferFlushInterval  = 10 * time.Second
	TokenBufferFlushThreshold = 1000

	// SMS Code Service (component 4.6)
	SMSCodeDigits           = 6
	SMSCodeLifetime         = 5 * time.Minute
	SMSResendCooldown       = 60 * time.Second
	SMSHourlyCap            = 5
	SMSMaxVerifyAttempts    = 5
	SMSLockoutWindow        = 60 * time.Second

	// Relational connection pool (§5 Shared-resource policy)
	DefaultDBPoolSize     = 5
	DefaultDBPoolOverflow = 10

	// Service lifecycle
	ShutdownDrainDelay  = 2 * time.Second
	ShutdownHTTPTimeout = 15 * time.Second
	ShutdownOTELTimeout = 5 * time.Second

	// Distributed lock (backup/maintenance scheduling)
	DefaultLockTTL = 30 * time.Second
)

// RequestType buckets LLM calls for token-usage accounting and telemetry.
type RequestType string

const (
	RequestTypeGenerateDiagram RequestType = "generate_diagram"
	RequestTypeNodePalette     RequestType = "node_palette"
)

// RateLimiterScope selects whether a provider's rate limiter state is
// coordinated across worker processes or kept local to one.
type RateLimiterScope string

const (
	ScopeProcess RateLimiterScope = "process"
	ScopeGlobal  RateLimiterScope = "global"
)

// IsValid reports whether s is a recognized scope.
func (s RateLimiterScope) IsValid() bool {
	return s == ScopeProcess || s == ScopeGlobal
}
