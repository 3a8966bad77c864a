package v1

import "time"

// AgentStatus represents the observable state of an agent runtime
type AgentStatus string

const (
	AgentStatusStopped  AgentStatus = "stopped"
	AgentStatusStarting AgentStatus = "starting"
	AgentStatusRunning  AgentStatus = "running"
	AgentStatusPaused   AgentStatus = "paused"
	AgentStatusError    AgentStatus = "error"
)

// PersonalityStyle selects the overall register of the compiled instruction
type PersonalityStyle string

const (
	StyleProfessional PersonalityStyle = "professional"
	StyleCasual       PersonalityStyle = "casual"
	StyleTechnical    PersonalityStyle = "technical"
	StyleCreative     PersonalityStyle = "creative"
	StyleFriendly     PersonalityStyle = "friendly"
	StyleCustom       PersonalityStyle = "custom"
)

// ResponseLength controls how verbose the agent's replies should be
type ResponseLength string

const (
	ResponseConcise  ResponseLength = "concise"
	ResponseBalanced ResponseLength = "balanced"
	ResponseDetailed ResponseLength = "detailed"
)

// PersonalityConfig describes how an agent presents itself. When SystemPrompt
// is non-empty it is used verbatim and every other field is ignored.
type PersonalityConfig struct {
	Style              PersonalityStyle `json:"style"`
	Tone               string           `json:"tone,omitempty"`
	Language           string           `json:"language,omitempty"`
	ResponseLength     ResponseLength   `json:"response_length,omitempty"`
	UseEmoji           bool             `json:"use_emoji"`
	Goals              []string         `json:"goals,omitempty"`
	Constraints        []string         `json:"constraints,omitempty"`
	Greeting           string           `json:"greeting,omitempty"`
	SystemPrompt       string           `json:"system_prompt,omitempty"`
	CustomInstructions string           `json:"custom_instructions,omitempty"`
}

// ControlChannelConfig configures the remote chat-bot integration for an agent
type ControlChannelConfig struct {
	BotToken       string   `json:"bot_token"`
	AllowedChatIDs []string `json:"allowed_chat_ids,omitempty"`
	AutoAuthorize  bool     `json:"auto_authorize"`
}

// Viewport is the browser window size in pixels
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// BrowserConfig configures the browser session owned by an agent
type BrowserConfig struct {
	Headless   bool     `json:"headless"`
	Persistent bool     `json:"persistent"`
	Viewport   Viewport `json:"viewport"`
}

// ExecutionConfig is the per-agent task execution policy
type ExecutionConfig struct {
	MaxConcurrentTasks int  `json:"max_concurrent_tasks"`
	DefaultTimeoutMs   int  `json:"default_timeout_ms"`
	RetryAttempts      int  `json:"retry_attempts"`
	ScreenshotOnError  bool `json:"screenshot_on_error"`
}

// AgentConfig is the declarative configuration of one agent
type AgentConfig struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Description    string                `json:"description,omitempty"`
	ProfileID      string                `json:"profile_id"`
	Personality    PersonalityConfig     `json:"personality"`
	ControlChannel *ControlChannelConfig `json:"control_channel,omitempty"`
	Browser        BrowserConfig         `json:"browser"`
	Execution      ExecutionConfig       `json:"execution"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// AgentUpdate is a partial update of an AgentConfig. Nil fields are left
// unchanged; a non-nil ControlChannel replaces the existing channel config.
type AgentUpdate struct {
	Name           *string               `json:"name,omitempty"`
	Description    *string               `json:"description,omitempty"`
	ProfileID      *string               `json:"profile_id,omitempty"`
	Personality    *PersonalityConfig    `json:"personality,omitempty"`
	ControlChannel *ControlChannelConfig `json:"control_channel,omitempty"`
	Browser        *BrowserConfig        `json:"browser,omitempty"`
	Execution      *ExecutionConfig      `json:"execution,omitempty"`
}

// AgentSummary is the caller-facing view of an agent: stored config identity
// merged with the live (or last observed) runtime status
type AgentSummary struct {
	ID                     string      `json:"id"`
	Name                   string      `json:"name"`
	Description            string      `json:"description,omitempty"`
	Status                 AgentStatus `json:"status"`
	ErrorMessage           string      `json:"error_message,omitempty"`
	ProfileID              string      `json:"profile_id"`
	ControlChannelIdentity string      `json:"control_channel_identity,omitempty"`
	LastActive             *time.Time  `json:"last_active,omitempty"`
}

// AuthorizationCode is a single-use, time-boxed code binding a chat identity
// to an agent's control channel
type AuthorizationCode struct {
	Code      string    `json:"code"`
	AgentID   string    `json:"agent_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
}

// TaskResult is the outcome of one dispatched task, reported back to the
// originating chat identity or API caller
type TaskResult struct {
	TaskID       string    `json:"task_id"`
	AgentID      string    `json:"agent_id"`
	ChatID       string    `json:"chat_id,omitempty"`
	Input        string    `json:"input"`
	Output       string    `json:"output,omitempty"`
	Success      bool      `json:"success"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Screenshot   []byte    `json:"screenshot,omitempty"`
	Attempts     int       `json:"attempts"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Defaults applied when an agent is created
const (
	DefaultViewportWidth      = 1280
	DefaultViewportHeight     = 800
	DefaultMaxConcurrentTasks = 1
	DefaultTimeoutMs          = 120000
	DefaultLanguage           = "English"
	DefaultQueueSize          = 50
)

// ApplyDefaults fills zero-valued fields with their documented defaults
func (c *AgentConfig) ApplyDefaults() {
	if c.Personality.Style == "" {
		c.Personality.Style = StyleProfessional
	}
	if c.Personality.Language == "" {
		c.Personality.Language = DefaultLanguage
	}
	if c.Personality.ResponseLength == "" {
		c.Personality.ResponseLength = ResponseBalanced
	}
	if c.Browser.Viewport.Width == 0 {
		c.Browser.Viewport.Width = DefaultViewportWidth
	}
	if c.Browser.Viewport.Height == 0 {
		c.Browser.Viewport.Height = DefaultViewportHeight
	}
	if c.Execution.MaxConcurrentTasks == 0 {
		c.Execution.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if c.Execution.DefaultTimeoutMs == 0 {
		c.Execution.DefaultTimeoutMs = DefaultTimeoutMs
	}
}
