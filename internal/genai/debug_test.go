package genai

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDebugLogging(t *testing.T) {
	tempDir := t.TempDir()
	client := &Client{
		chat:        &mockChatService{resp: replyWith("Test response")},
		model:       "test-model",
		temperature: 0.7,
		maxTokens:   100,
		debugMode:   true,
		stateDir:    tempDir,
	}

	if _, err := client.GeneratePromptWithContext(context.Background(), "System prompt", "User prompt"); err != nil {
		t.Fatalf("GeneratePromptWithContext failed: %v", err)
	}

	debugDir := filepath.Join(tempDir, "debug", "genai")
	files, err := os.ReadDir(debugDir)
	if err != nil {
		t.Fatalf("Failed to read debug directory: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one debug file, got %d", len(files))
	}

	content, err := os.ReadFile(filepath.Join(debugDir, files[0].Name()))
	if err != nil {
		t.Fatalf("Failed to read debug file: %v", err)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(content, &entry); err != nil {
		t.Fatalf("Failed to unmarshal debug log: %v", err)
	}
	for _, field := range []string{"timestamp", "duration", "request", "response"} {
		if _, ok := entry[field]; !ok {
			t.Errorf("Required field '%s' missing from debug log", field)
		}
	}
	req, _ := entry["request"].(map[string]interface{})
	if req["model"] != "test-model" {
		t.Errorf("Expected model 'test-model', got %v", req["model"])
	}
}

func TestDebugLoggingRecordsErrors(t *testing.T) {
	tempDir := t.TempDir()
	client := &Client{chat: &mockChatService{err: errors.New("rate limited")}, model: "m", debugMode: true, stateDir: tempDir}
	if _, err := client.GeneratePrompt("s", "u"); err == nil {
		t.Fatal("expected error")
	}
	files, err := os.ReadDir(filepath.Join(tempDir, "debug", "genai"))
	if err != nil || len(files) != 1 {
		t.Fatalf("debug files = %v, %v", files, err)
	}
}

func TestDebugLoggingDisabled(t *testing.T) {
	tempDir := t.TempDir()
	client := &Client{
		chat:        &mockChatService{resp: replyWith("Test response")},
		model:       "test-model",
		temperature: 0.7,
		debugMode:   false,
		stateDir:    tempDir,
	}
	if _, err := client.GeneratePromptWithContext(context.Background(), "System prompt", "User prompt"); err != nil {
		t.Fatalf("GeneratePromptWithContext failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "debug")); !os.IsNotExist(err) {
		t.Errorf("Debug directory should not be created when debug mode is disabled")
	}
}
