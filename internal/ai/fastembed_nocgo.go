//go:build !cgo

package ai

import (
	"context"
	"errors"
)

// ErrFastEmbedNotAvailable is returned when the binary was built without cgo.
var ErrFastEmbedNotAvailable = errors.New("fastembed: not available (binary built without cgo)")

type FastEmbedClient struct{}

func NewFastEmbedClient(_ *ClientConfig) (*FastEmbedClient, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (c *FastEmbedClient) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (c *FastEmbedClient) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (c *FastEmbedClient) Dim() int { return 0 }

func (c *FastEmbedClient) Close() error { return nil }
