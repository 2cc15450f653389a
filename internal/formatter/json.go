package formatter

import (
	"encoding/json"

	"github.com/harunnryd/rocker/internal/registry"
)

type JSONFormatter struct{}

func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

func (f *JSONFormatter) FormatSandboxes(sandboxes []registry.Info) (string, error) {
	if sandboxes == nil {
		sandboxes = []registry.Info{}
	}
	data, err := json.MarshalIndent(sandboxes, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *JSONFormatter) FormatSandbox(sb *registry.Info) (string, error) {
	if sb == nil {
		return "null", nil
	}
	data, err := json.MarshalIndent(sb, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
