package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the countdown timer.
type tickMsg time.Time

// state represents the current phase of the demo.
type state int

const (
	stateInit        state = iota
	stateDeviceFlow        // device code received, showing to user
	statePolling           // waiting for user authorization
	stateDispatching       // API calls in flight
	stateRefreshing        // single refresh in flight, calls parked
	stateSuccess           // all done
	stateError             // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the session demo TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	serverURL string
	store     string

	// Device code info
	userCode          string
	verifyURI         string
	verifyURIComplete string
	codeExpiry        time.Time
	remaining         time.Duration

	// API call progress
	total     int
	completed int
	failed    int
	queued    int
	refreshes int

	// Success / error display
	summary Summary
	errMsg  string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleCodeBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.remaining = max(time.Until(m.codeExpiry), 0)
		if m.remaining > 0 {
			return m, tickAfterSecond()
		}
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── OAuth flow messages ──────────────────────────────────────────────────

	case MsgBanner:
		m.serverURL = msg.ServerURL
		m.store = msg.Store
		return m, nil

	case MsgTokensFound:
		if msg.Expiry.IsZero() {
			m.addStatus(statusOK, "Found existing tokens")
		} else {
			m.addStatus(statusOK, "Found existing tokens, expire in "+formatDuration(time.Until(msg.Expiry)))
		}
		return m, nil

	case MsgTokensNotFound:
		m.addStatus(statusInfo, "No existing tokens, starting device flow")
		return m, nil

	case MsgDeviceCodeReady:
		m.userCode = msg.UserCode
		m.verifyURI = msg.VerifyURI
		m.verifyURIComplete = msg.VerifyURIComplete
		m.codeExpiry = msg.Expiry
		m.remaining = time.Until(msg.Expiry)
		m.state = stateDeviceFlow
		m.addStatus(statusInfo, "Device code ready")
		return m, tickAfterSecond()

	case MsgWaitingForAuth:
		m.state = statePolling
		return m, nil

	case MsgPollSlowDown:
		m.addStatus(
			statusWarn,
			fmt.Sprintf("Server requested slower polling (%s)", msg.NewInterval),
		)
		return m, nil

	case MsgAuthSuccess:
		m.addStatus(statusOK, "Authorization successful!")
		return m, nil

	case MsgTokenSaved:
		m.addStatus(statusOK, "Tokens saved to "+msg.Location)
		return m, nil

	case MsgTokenSaveFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Warning: failed to save tokens: %v", msg.Err))
		return m, nil

	case MsgDispatching:
		m.total = msg.Total
		m.completed, m.failed, m.queued = 0, 0, 0
		m.state = stateDispatching
		m.addStatus(statusInfo, fmt.Sprintf("Sending %d concurrent API calls", msg.Total))
		return m, nil

	case MsgAccessTokenRejected:
		return m, nil

	case MsgQueued:
		m.queued = max(m.queued, msg.Depth)
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		m.refreshes++
		m.addStatus(statusWarn, "Access token rejected (401), refreshing...")
		return m, nil

	case MsgRefreshOK:
		m.state = stateDispatching
		m.addStatus(statusOK, fmt.Sprintf("Token refreshed, replaying %d parked calls", m.queued))
		m.queued = 0
		return m, nil

	case MsgRefreshFailed:
		m.state = stateDispatching
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		m.queued = 0
		return m, nil

	case MsgReplaying:
		return m, nil

	case MsgSessionEnded:
		m.addStatus(statusWarn, "Session ended, re-authenticating...")
		return m, nil

	case MsgAPICallOK:
		m.completed++
		return m, nil

	case MsgAPICallFailed:
		m.completed++
		m.failed++
		return m, nil

	case MsgDone:
		m.summary = msg.Summary
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown until every call finished.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  AuthGate Session  "))
	b.WriteString("\n")
	if m.serverURL != "" {
		b.WriteString(styleDim.Render(m.serverURL + " · " + m.store))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.state {
	case stateDeviceFlow, statePolling:
		b.WriteString(styleBold.Render("Open this link to authorize:"))
		b.WriteString("\n")
		b.WriteString(m.verifyURIComplete)
		b.WriteString("\n\n")

		b.WriteString(styleDim.Render("Or visit: " + m.verifyURI))
		b.WriteString("\n")
		b.WriteString(styleDim.Render("Enter code:"))
		b.WriteString("\n\n")

		b.WriteString(styleCodeBox.Render("  " + m.userCode + "  "))
		b.WriteString("\n\n")

		if m.remaining > 0 {
			b.WriteString(m.spinner.View())
			b.WriteString(" Waiting for authorization...  ")
			b.WriteString(styleDim.Render(formatDuration(m.remaining) + " remaining"))
		} else if m.state == statePolling {
			b.WriteString(m.spinner.View())
			b.WriteString(" Waiting for authorization...")
		}
		b.WriteString("\n")

	case stateDispatching:
		b.WriteString(m.spinner.View())
		b.WriteString(" " + m.progress() + "\n")

	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing access token...  ")
		b.WriteString(styleDim.Render(fmt.Sprintf("%d calls waiting", m.queued)))
		b.WriteString("\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown after every call finished.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	if m.summary.Failed == 0 {
		b.WriteString(styleOK.Render(fmt.Sprintf("  ✓ %d API calls succeeded", m.summary.Succeeded)))
	} else {
		b.WriteString(styleWarn.Render(fmt.Sprintf(
			"  ⚠ %d API calls succeeded, %d failed",
			m.summary.Succeeded,
			m.summary.Failed,
		)))
	}
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("Refreshes:    "))
	b.WriteString(fmt.Sprintf("%d\n", m.summary.Refreshes))

	b.WriteString(styleBold.Render("Elapsed:      "))
	b.WriteString(m.summary.Elapsed.Round(time.Millisecond).String() + "\n")

	if m.summary.Preview != "" {
		b.WriteString(styleBold.Render("Access Token: "))
		b.WriteString(m.summary.Preview + "...\n")

		b.WriteString(styleBold.Render("Token Type:   "))
		b.WriteString(m.summary.TokenType + "\n")

		b.WriteString(styleBold.Render("Expires In:   "))
		b.WriteString(formatDuration(m.summary.ExpiresIn) + "\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Session failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// progress renders the call counters.
func (m Model) progress() string {
	text := fmt.Sprintf("%d/%d calls finished", m.completed, m.total)
	if m.failed > 0 {
		text += styleWarn.Render(fmt.Sprintf(" (%d failed)", m.failed))
	}
	return text
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
