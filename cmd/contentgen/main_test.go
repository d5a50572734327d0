package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tjfontaine/contentgen-gateway/internal/config"
	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
	"github.com/tjfontaine/contentgen-gateway/internal/transport"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hidden")
	logger.Info("shown", slog.String("k", "v"))
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug line logged at info level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("json output = %s", out)
	}

	buf.Reset()
	logger, _ = newLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	logger.Debug("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("text output = %s", buf.String())
	}
}

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{"title=Hello", "body=a=b"})
	if err != nil {
		t.Fatal(err)
	}
	if fields["title"].Value != "Hello" || fields["body"].Value != "a=b" {
		t.Errorf("fields = %+v", fields)
	}
	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseFields([]string{bad}); err == nil {
			t.Errorf("parseFields(%q) accepted", bad)
		}
	}
}

func TestOpenStore(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StorageConfig
		wantNil bool
		wantErr bool
	}{
		{name: "memory", cfg: config.StorageConfig{Type: "memory"}},
		{name: "sqlite", cfg: config.StorageConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "runs.db")}}},
		{name: "none", cfg: config.StorageConfig{Type: "none"}, wantNil: true},
		{name: "unknown", cfg: config.StorageConfig{Type: "redis"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := openStore(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (store == nil) != tt.wantNil {
				t.Fatalf("store = %v, wantNil %v", store, tt.wantNil)
			}
			if store != nil {
				store.Close()
			}
		})
	}
}

func TestRenderModelMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  transport.ChatMessage
		want string
	}{
		{
			name: "analysis",
			msg:  transport.ChatMessage{Kind: transport.KindAnalysis, Analysis: map[string]string{"title": "shorten", "body": "fix"}},
			want: "analysis:\n  body: fix\n  title: shorten\n",
		},
		{
			name: "result",
			msg: transport.ChatMessage{Kind: transport.KindResult, Result: map[string]protocol.Content{
				"tags": protocol.List("a", "b"),
			}},
			want: "result:\n  tags: a, b\n",
		},
		{
			name: "error",
			msg:  transport.ChatMessage{Kind: transport.KindError, ErrorCode: "rate_limit", Content: "slow down"},
			want: "error [rate_limit]: slow down\n",
		},
		{
			name: "stopped",
			msg:  transport.ChatMessage{Kind: transport.KindStopped, Content: "timeout"},
			want: "stopped (timeout)\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderModelMessage(tt.msg); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "chat"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered: %v", name, err)
		}
	}
}
