package formatter

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harunnryd/rocker/internal/registry"
)

type YAMLFormatter struct{}

func NewYAMLFormatter() *YAMLFormatter {
	return &YAMLFormatter{}
}

func (f *YAMLFormatter) FormatSandboxes(sandboxes []registry.Info) (string, error) {
	data, err := yaml.Marshal(sandboxes)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (f *YAMLFormatter) FormatSandbox(sb *registry.Info) (string, error) {
	if sb == nil {
		return "null", nil
	}
	data, err := yaml.Marshal(sb)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
