package main

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tjfontaine/contentgen-gateway/internal/transport"
	"github.com/tjfontaine/contentgen-gateway/internal/transport/transporttest"
)

func idleManager(t *testing.T) *transport.Manager {
	t.Helper()
	m := transport.New(transporttest.NewDialer(),
		transport.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		transport.WithClock(transporttest.NewClock()),
		transport.WithNetwork(transport.NewManualNetwork(true)),
	)
	t.Cleanup(m.Close)
	return m
}

func update(t *testing.T, m tuiModel, msg tea.Msg) (tuiModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	tm, ok := next.(tuiModel)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return tm, cmd
}

func TestCommand(t *testing.T) {
	m := idleManager(t)
	tests := []struct {
		line     string
		lastUser string
		notice   string
		quit     bool
	}{
		{line: "", notice: ""},
		{line: "/quit", quit: true},
		{line: "/exit", quit: true},
		{line: "/retry", notice: "! nothing to retry"},
		{line: "/retry", lastUser: "u1", notice: "! not connected"},
		{line: "make it shorter", notice: "! not connected"},
		{line: "/status", notice: "* disconnected"},
	}
	for _, tt := range tests {
		notice, quit := command(m, tt.line, tt.lastUser)
		if quit != tt.quit {
			t.Errorf("command(%q) quit = %t, want %t", tt.line, quit, tt.quit)
		}
		if !strings.HasPrefix(notice, tt.notice) || (tt.notice == "" && notice != "") {
			t.Errorf("command(%q) notice = %q, want prefix %q", tt.line, notice, tt.notice)
		}
	}
}

func TestTUIModel_ChatUpdates(t *testing.T) {
	tm := newTUIModel(nil, make(chan tea.Msg))

	tm, _ = update(t, tm, chatMsg{ID: "u1", Role: transport.RoleUser, Active: true, Content: "shorter"})
	if tm.lastUser != "u1" {
		t.Errorf("lastUser = %q, want u1", tm.lastUser)
	}
	tm, _ = update(t, tm, chatMsg{ID: "m0", Role: transport.RoleModel, Kind: transport.KindResult})
	tm, _ = update(t, tm, chatMsg{ID: "m1", Role: transport.RoleModel, Active: true, Kind: transport.KindError, ErrorCode: "rate_limit", Content: "slow down"})

	if len(tm.lines) != 2 {
		t.Fatalf("lines = %q, want the prompt and the error", tm.lines)
	}
	if !strings.Contains(tm.lines[0], "shorter") || !strings.Contains(tm.lines[1], "error [rate_limit]: slow down") {
		t.Errorf("lines = %q", tm.lines)
	}
}

func TestTUIModel_StateChanges(t *testing.T) {
	tm := newTUIModel(nil, make(chan tea.Msg))

	tm, _ = update(t, tm, snapshotMsg{State: transport.StateDisconnected})
	if len(tm.lines) != 0 {
		t.Errorf("unchanged state logged: %q", tm.lines)
	}
	tm, _ = update(t, tm, snapshotMsg{State: transport.StateConnected, Busy: true})
	tm, _ = update(t, tm, licenseMsg{Plan: "pro", Valid: true})
	if len(tm.lines) != 1 || !strings.Contains(tm.lines[0], "connected") {
		t.Errorf("lines = %q", tm.lines)
	}
	view := tm.View()
	for _, want := range []string{"connected", "generating", "license pro (valid=true)"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestTUIModel_Keys(t *testing.T) {
	tm := newTUIModel(nil, make(chan tea.Msg))

	_, cmd := update(t, tm, tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("ctrl+c returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("ctrl+c did not quit")
	}

	tm.input.SetValue("/retry")
	tm, cmd = update(t, tm, tea.KeyMsg{Type: tea.KeyEnter})
	if tm.input.Value() != "" {
		t.Errorf("input not cleared: %q", tm.input.Value())
	}
	if cmd == nil {
		t.Fatal("enter returned no command")
	}
	msg := cmd()
	if notice, ok := msg.(noticeMsg); !ok || string(notice) != "! nothing to retry" {
		t.Fatalf("enter produced %#v", msg)
	}
	tm, _ = update(t, tm, msg)
	if len(tm.lines) != 1 {
		t.Errorf("notice not shown: %q", tm.lines)
	}
}

func TestTUISink_DropsWhenFull(t *testing.T) {
	ch := make(chan tea.Msg, 1)
	sink := tuiSink(ch)
	sink.StateChanged(transport.Snapshot{State: transport.StateConnecting})
	sink.StateChanged(transport.Snapshot{State: transport.StateConnected})
	if len(ch) != 1 {
		t.Fatalf("queued = %d, want 1", len(ch))
	}
	if got := (<-ch).(snapshotMsg); got.State != transport.StateConnecting {
		t.Errorf("kept %s, want the first update", got.State)
	}
}
