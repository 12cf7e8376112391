package client

import (
	"context"

	"github.com/pieter-berkel/storageflow/core"
	"github.com/pieter-berkel/storageflow/protocol"
)

// Local negotiates plans with a service in the same process. The route
// middleware is skipped and rctx is handed to the route as its result.
type Local struct {
	service *core.Service
	context any
}

func NewLocal(s *core.Service, rctx any) *Local {
	return &Local{service: s, context: rctx}
}

func (l *Local) RequestUpload(ctx context.Context, body protocol.RequestUploadBody) (*protocol.TransferPlan, error) {
	return l.service.RequestUpload(ctx, core.RequestUploadArgs{Body: body, Context: l.context})
}

func (l *Local) CompleteMultipartUpload(ctx context.Context, body protocol.CompleteMultipartUploadBody) error {
	return l.service.CompleteMultipartUpload(ctx, body)
}
