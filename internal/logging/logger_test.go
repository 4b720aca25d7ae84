package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/offgate/offgate/internal/config"
)

func TestInitLoggerDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "debug"})
	if err != nil {
		t.Fatalf("init error: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("unexpected level: %v", logger.GetLevel())
	}
	if logger.Out != os.Stdout {
		t.Fatalf("expected stdout output, got %T", logger.Out)
	}
}

func TestInitLoggerUsesRotatorForFilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "offgate.log")
	logger, err := InitLogger(config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: path,
		LogMaxSize:  10,
	})
	if err != nil {
		t.Fatalf("init error: %v", err)
	}
	if _, ok := logger.Out.(*lumberjack.Logger); !ok {
		t.Fatalf("expected lumberjack output, got %T", logger.Out)
	}
}

func TestInitLoggerFallsBackWhenDirUnavailable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	logger, err := InitLogger(config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocker, "offgate.log"),
	})
	if err != nil {
		t.Fatalf("init error: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("expected stdout fallback, got %T", logger.Out)
	}
}

func TestInitLoggerRejectsBadLevel(t *testing.T) {
	if _, err := InitLogger(config.GlobalConfig{LogLevel: "chatty"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestRequestFields(t *testing.T) {
	fields := RequestFields("/app/a.txt", "offgate-app--v3", false, true)
	if fields["snapshot"] != "offgate-app--v3" {
		t.Fatalf("unexpected snapshot field: %v", fields["snapshot"])
	}
	if fields["cache_hit"] != true {
		t.Fatalf("unexpected cache_hit field: %v", fields["cache_hit"])
	}
}
