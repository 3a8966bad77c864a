package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/browserdeck/browserdeck/internal/common/logger"
)

// RodEngine drives real browsers over the Chrome DevTools Protocol using
// go-rod. Each session launches its own browser process; persistent sessions
// launch against the agent's profile directory so cookies and logins survive
// restarts, non-persistent ones use a throwaway data dir.
type RodEngine struct {
	profilesDir string
	logger      *logger.Logger
}

// Ensure RodEngine implements Engine
var _ Engine = (*RodEngine)(nil)

// NewRodEngine creates an engine resolving profiles under profilesDir
func NewRodEngine(profilesDir string, log *logger.Logger) *RodEngine {
	return &RodEngine{
		profilesDir: profilesDir,
		logger:      log.WithFields(zap.String("component", "rod-engine")),
	}
}

// OpenSession launches a browser for the given profile and confirms the
// DevTools connection before returning
func (e *RodEngine) OpenSession(ctx context.Context, profileID string, opts Options) (Session, error) {
	path, _ := launcher.LookPath()
	l := launcher.New().Bin(path).Headless(opts.Headless)

	if opts.Persistent {
		dir := filepath.Join(e.profilesDir, profileID)
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("profile %q is not available: %w", profileID, err)
		}
		l = l.UserDataDir(dir)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser for profile %q: %w", profileID, err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             opts.ViewportWidth,
			Height:            opts.ViewportHeight,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			e.logger.Warn("failed to set viewport",
				zap.String("profile_id", profileID),
				zap.Error(err))
		}
	}

	e.logger.Info("browser session opened",
		zap.String("profile_id", profileID),
		zap.Bool("headless", opts.Headless),
		zap.Bool("persistent", opts.Persistent))

	return &rodSession{
		browser:    browser,
		page:       page,
		launcher:   l,
		persistent: opts.Persistent,
		logger:     e.logger,
	}, nil
}

type rodSession struct {
	browser    *rod.Browser
	page       *rod.Page
	launcher   *launcher.Launcher
	persistent bool
	logger     *logger.Logger
}

// taskStep is one action in a task script. Task input is either a JSON array
// of steps or a bare URL, in which case the task navigates there and returns
// the page text.
type taskStep struct {
	Action   string `json:"action"` // navigate, click, type, extract, evaluate, wait
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	Script   string `json:"script,omitempty"`
}

// RunTask executes the task script. The script is explicit about each
// action, so the CDP engine does not interpret the instruction text; it is
// traced with the task so session logs carry the personality context the
// steps ran under.
func (s *rodSession) RunTask(ctx context.Context, instruction string, input string) (string, error) {
	steps, err := parseTask(input)
	if err != nil {
		return "", err
	}
	s.traceTask(instruction, steps)

	page := s.page.Context(ctx)
	var outputs []string

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		out, err := s.runStep(page, step)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// Distinguish a dead browser from a step-level failure
			if _, verr := s.browser.Version(); verr != nil {
				return "", &FatalError{Err: verr}
			}
			return "", fmt.Errorf("step %d (%s) failed: %w", i+1, step.Action, err)
		}
		if out != "" {
			outputs = append(outputs, out)
		}
	}

	return strings.Join(outputs, "\n"), nil
}

func (s *rodSession) traceTask(instruction string, steps []taskStep) {
	actions := make([]string, len(steps))
	for i, step := range steps {
		actions[i] = step.Action
	}
	s.logger.Info("running task",
		zap.Int("steps", len(steps)),
		zap.Strings("actions", actions),
		zap.String("instruction", instruction))
}

func (s *rodSession) runStep(page *rod.Page, step taskStep) (string, error) {
	switch step.Action {
	case "navigate":
		if err := page.Navigate(step.URL); err != nil {
			return "", err
		}
		// Best effort; a busy page is still usable
		_ = page.WaitStable(time.Second)
		info, err := page.Info()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("navigated to %s (%s)", step.URL, info.Title), nil

	case "click":
		el, err := page.Element(step.Selector)
		if err != nil {
			return "", err
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return "", err
		}
		return "", nil

	case "type":
		el, err := page.Element(step.Selector)
		if err != nil {
			return "", err
		}
		if err := el.Input(step.Text); err != nil {
			return "", err
		}
		return "", nil

	case "extract":
		selector := step.Selector
		if selector == "" {
			selector = "body"
		}
		el, err := page.Element(selector)
		if err != nil {
			return "", err
		}
		return el.Text()

	case "evaluate":
		res, err := page.Eval(step.Script)
		if err != nil {
			return "", err
		}
		return res.Value.String(), nil

	case "wait":
		// Element lookup waits for the selector to appear
		if _, err := page.Element(step.Selector); err != nil {
			return "", err
		}
		return "", nil

	default:
		return "", fmt.Errorf("unknown action %q", step.Action)
	}
}

// CaptureScreenshot returns a PNG of the current page
func (s *rodSession) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	return s.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// Close tears down the browser process
func (s *rodSession) Close(ctx context.Context) error {
	err := s.browser.Close()
	if !s.persistent {
		// Throwaway data dir, remove it with the process
		s.launcher.Cleanup()
	}
	return err
}

// parseTask decodes the task input: a JSON step array, or a bare URL
// shorthand for navigate-and-extract
func parseTask(input string) ([]taskStep, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, fmt.Errorf("empty task input")
	}

	if strings.HasPrefix(trimmed, "[") {
		var steps []taskStep
		if err := json.Unmarshal([]byte(trimmed), &steps); err != nil {
			return nil, fmt.Errorf("invalid task script: %w", err)
		}
		if len(steps) == 0 {
			return nil, fmt.Errorf("task script has no steps")
		}
		return steps, nil
	}

	return []taskStep{
		{Action: "navigate", URL: trimmed},
		{Action: "extract"},
	}, nil
}
