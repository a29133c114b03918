package onnxrm

import (
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_MissingFile(t *testing.T) {
	tmpl := template.NewChatTemplate(template.ByteTokenizer{})
	_, err := New(graphtest.BuildTestBackend(), "org/missing-rm", filepath.Join(t.TempDir(), "model.onnx"), tmpl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load ONNX reward model")
}

func TestNew_InvalidFile(t *testing.T) {
	tmpl := template.NewChatTemplate(template.ByteTokenizer{})
	onnxPath := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(onnxPath, []byte("not an onnx model"), 0o644))
	_, err := New(graphtest.BuildTestBackend(), "org/invalid-rm", onnxPath, tmpl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load ONNX reward model")
}
