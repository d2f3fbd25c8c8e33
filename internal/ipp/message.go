package ipp

import (
	"io"

	"github.com/printcore/schedulerd/internal/attr"
)

// Request is an already-decoded IPP operation as handed to the core by
// the (out-of-scope) wire protocol codec: an operation code, its
// attribute groups, and an optional streaming document body.
type Request struct {
	Op                 Op
	OperationAttrs     attr.Group
	JobAttrs           attr.Group
	PrinterAttrs       attr.Group
	SubscriptionAttrs  attr.Group
	Document           io.Reader // nil unless the operation carries document data
}

// Response is what the dispatcher hands back for the transport to
// encode: a status code plus typed response groups.
type Response struct {
	Status                Status
	StatusMessage         string
	UnsupportedAttributes attr.Group
	OperationAttrs        attr.Group
	JobAttrs              []attr.Group
	PrinterAttrs          []attr.Group
	SubscriptionAttrs     []attr.Group
}

// Error builds a minimal error Response carrying only a status and message.
func Error(status Status, message string) Response {
	return Response{Status: status, StatusMessage: message}
}

// OK builds a minimal successful Response.
func OK() Response {
	return Response{Status: StatusOk}
}
