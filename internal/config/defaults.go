// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// TOKEN COUNTING
// =============================================================================

// DefaultEncoding is the tiktoken encoding used for exact counts. cl100k_base
// is a reasonable approximation for providers without a public tokenizer.
const DefaultEncoding = "cl100k_base"

// TokenEstimateRatio is the approximate number of characters per token.
// Used for degraded counting when the tokenizer cannot be loaded.
const TokenEstimateRatio = 4

// DefaultMessageOverheadTokens covers role tags and chat framing per message.
const DefaultMessageOverheadTokens = 4

// DefaultToolOverheadTokens covers the structural wrapper around a tool
// call or tool result block, on top of its serialized payload.
const DefaultToolOverheadTokens = 8

// DefaultImageBaseTokens is the fixed cost of an image block that has no
// text description (the upstream will receive the raw image).
const DefaultImageBaseTokens = 765

// DefaultImageDescribedBaseTokens is the base cost of an image block that is
// represented only by its generated description.
const DefaultImageDescribedBaseTokens = 20

// DefaultImagePerCharRate converts description length to tokens.
const DefaultImagePerCharRate = 0.25

// DefaultCountMemoEntries bounds the per-message token count memo.
const DefaultCountMemoEntries = 4096

// =============================================================================
// HARD LIMITS AND RISK THRESHOLDS
// =============================================================================

// DefaultTextHardLimit is the hard token ceiling for text-class endpoints.
const DefaultTextHardLimit = 200000

// DefaultVisionHardLimit is the hard token ceiling for vision-class endpoints.
const DefaultVisionHardLimit = 65536

// Utilization thresholds (percent of hard limit) for risk classification.
const (
	DefaultCautionThreshold  = 70.0
	DefaultWarningThreshold  = 80.0
	DefaultCriticalThreshold = 90.0
)

// =============================================================================
// CHUNKING
// =============================================================================

// DefaultChunkMaxMessages bounds a chunk by message count.
const DefaultChunkMaxMessages = 10

// DefaultChunkMaxTokens bounds a chunk by token count.
const DefaultChunkMaxTokens = 8000

// DefaultChunkOverlap is how many trailing messages are repeated as context
// for the next chunk's summarization prompt.
const DefaultChunkOverlap = 1

// =============================================================================
// CONDENSATION
// =============================================================================

// DefaultCondensationDeadline bounds how long one request may wait on the
// summarization backend before falling back to uncondensed content.
const DefaultCondensationDeadline = 20 * time.Second

// DefaultPreservationFloor is the minimum condensed/original token ratio.
// Summaries below the floor are rejected as degenerate.
const DefaultPreservationFloor = 0.05

// DefaultLightTargetRatio is the condensed-size target for CONDENSE_LIGHT.
const DefaultLightTargetRatio = 0.5

// DefaultAggressiveTargetRatio is the target for CONDENSE_AGGRESSIVE.
const DefaultAggressiveTargetRatio = 0.25

// DefaultSummaryMaxTokens caps a single backend summarization response.
const DefaultSummaryMaxTokens = 2048

// DefaultSmartTruncationSentences is sentences kept from each end by the
// smart_truncation strategy.
const DefaultSmartTruncationSentences = 3

// =============================================================================
// CHUNK CACHE
// =============================================================================

// DefaultCacheMaxEntries bounds the in-memory chunk index.
const DefaultCacheMaxEntries = 2048

// DefaultChunkTTL is how long a condensed chunk stays valid before it is
// treated as EXPIRED and re-condensed.
const DefaultChunkTTL = 3 * time.Hour

// DefaultStoreSweepInterval is the frequency of the persistent store's
// expired-record sweep.
const DefaultStoreSweepInterval = 5 * time.Minute

// DefaultWriteQueueSize bounds the fire-and-forget persist queue. Writes are
// dropped (and logged) when the queue is full; the store is advisory.
const DefaultWriteQueueSize = 256

// =============================================================================
// BACKEND
// =============================================================================

// DefaultBackendTimeout is the HTTP timeout for one summarization call.
const DefaultBackendTimeout = 30 * time.Second

// DefaultBackendMaxTokens caps backend completion length.
const DefaultBackendMaxTokens = 2048

// =============================================================================
// HTTP SERVER
// =============================================================================

// DefaultServerPort is the gateway listen port.
const DefaultServerPort = 18080

// DefaultServerReadTimeout for inbound requests.
const DefaultServerReadTimeout = 60 * time.Second

// DefaultServerWriteTimeout must cover a full condensation round trip.
const DefaultServerWriteTimeout = 2 * time.Minute

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// DefaultStatsPushInterval is the cadence of the /stats/live websocket feed.
const DefaultStatsPushInterval = 1 * time.Second
