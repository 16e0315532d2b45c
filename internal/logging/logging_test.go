package logging

import (
	"errors"
	"testing"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("info", "json")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	if logger == nil {
		t.Fatal("Expected Logger, got nil")
	}
	if logger.Logger == nil {
		t.Error("Expected zap.Logger to be initialized")
	}
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	_, err := NewLogger("invalid", "json")
	if err == nil {
		t.Error("Expected error for invalid log level")
	}
}

func TestNewLoggerConsoleFormat(t *testing.T) {
	logger, err := NewLogger("debug", "console")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	if logger == nil {
		t.Fatal("Expected Logger, got nil")
	}
}

func TestWithRoomID(t *testing.T) {
	logger, _ := NewLogger("info", "json")
	roomLogger := WithRoomID(logger.Logger, "design-review")
	if roomLogger == nil {
		t.Error("Expected logger with room ID, got nil")
	}
}

func TestWithUserID(t *testing.T) {
	logger, _ := NewLogger("info", "json")
	userLogger := WithUserID(logger.Logger, "user-456")
	if userLogger == nil {
		t.Error("Expected logger with user ID, got nil")
	}
}

func TestWithError(t *testing.T) {
	logger, _ := NewLogger("info", "json")
	testErr := errors.New("test error")
	errorLogger := WithError(logger.Logger, testErr)
	if errorLogger == nil {
		t.Error("Expected logger with error field, got nil")
	}
}
