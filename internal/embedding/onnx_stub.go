//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"

	"github.com/nicosuave/memex/internal/models"
)

var errNoCGO = errors.New("ONNX embedder requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// ONNXEmbedder stub type when built without CGO (see onnx.go for real implementation).
type ONNXEmbedder struct{}

// NewONNXEmbedder returns an error when built without CGO (ONNX not available).
func NewONNXEmbedder(_ models.ModelKind, _ string, _ int) (*ONNXEmbedder, error) {
	return nil, errNoCGO
}

func (e *ONNXEmbedder) Embed(context.Context, string) ([]float32, error) { return nil, errNoCGO }
func (e *ONNXEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errNoCGO
}
func (e *ONNXEmbedder) Model() models.ModelKind { return "" }
func (e *ONNXEmbedder) Dimensions() int         { return 0 }
func (e *ONNXEmbedder) Identity() string        { return "" }
func (e *ONNXEmbedder) Close() error            { return nil }
